// Package ident generates prefixed identifiers for Strata records.
package ident

import (
	"strings"

	"github.com/google/uuid"
)

// Record prefixes. The prefix makes an id self-describing in logs and
// audit rows.
const (
	Source      = "src"
	Run         = "run"
	Observation = "obs"
	Entity      = "ent"
	Fragment    = "frg"
	Merge       = "mrg"
)

// New returns a new identifier with the given prefix, e.g. "src_3f2a...".
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
