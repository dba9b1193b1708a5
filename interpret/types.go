// Package interpret orchestrates non-deterministic extraction runs over
// sources: schema-gated observation writes, raw fragment capture, and run
// lifecycle bookkeeping.
package interpret

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an interpretation run. Runs are
// created directly in the running state: the insert itself takes the
// per-source writer lock, so there is no pending stage.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Completeness grades how much of the extraction output survived schema
// validation.
type Completeness string

const (
	CompletenessComplete Completeness = "complete"
	CompletenessPartial  Completeness = "partial"
	CompletenessFailed   Completeness = "failed"
	CompletenessUnknown  Completeness = "unknown"
)

// Run is one non-deterministic extraction attempt against one source.
// The config blob is logged verbatim for audit and never replayed for
// correctness.
type Run struct {
	ID                string          `json:"id"`
	SourceID          string          `json:"source_id"`
	TenantID          string          `json:"tenant_id"`
	Config            json.RawMessage `json:"config,omitempty"`
	Status            RunStatus       `json:"status"`
	Error             string          `json:"error,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UnknownFieldCount int             `json:"unknown_field_count"`
	Confidence        *float64        `json:"confidence,omitempty"`
	Completeness      Completeness    `json:"completeness"`
	ArchivedAt        *time.Time      `json:"archived_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Candidate is one structured entity candidate returned by the extraction
// backend.
type Candidate struct {
	EntityType string         `json:"entity_type"`
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
}

// Extractor is the pluggable extraction backend. It is explicitly
// non-deterministic: re-running it over the same bytes may return
// different candidates, which is why runs only ever add observations.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string, config json.RawMessage) ([]Candidate, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, data []byte, mimeType string, config json.RawMessage) ([]Candidate, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, data []byte, mimeType string, config json.RawMessage) ([]Candidate, error) {
	return f(ctx, data, mimeType, config)
}

// Result is returned by Interpret and Reinterpret.
type Result struct {
	RunID             string   `json:"run_id"`
	EntityIDs         []string `json:"entities"`
	UnknownFieldCount int      `json:"unknown_field_count"`
	Completeness      string   `json:"completeness"`
	Confidence        float64  `json:"confidence"`
	PreviousRunID     string   `json:"previous_run_id,omitempty"`
}
