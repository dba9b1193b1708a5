// Package quota enforces tenant-scoped limits on stored bytes and
// interpretation runs per billing period.
package quota

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/config"
	"github.com/veritaslabs/strata/errors"
)

// execer is satisfied by both *sql.DB and *sql.Tx so guard operations can
// join a caller's transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Guard checks and records tenant usage against tier limits.
type Guard struct {
	db      *sql.DB
	tiers   map[string]config.TierLimits
	logger  *zap.SugaredLogger
	timeNow func() time.Time // injectable for testing
}

// NewGuard creates a quota guard with real time.
func NewGuard(db *sql.DB, tiers map[string]config.TierLimits, logger *zap.SugaredLogger) *Guard {
	return NewGuardWithClock(db, tiers, logger, time.Now)
}

// NewGuardWithClock creates a quota guard with an injectable clock (for testing).
func NewGuardWithClock(db *sql.DB, tiers map[string]config.TierLimits, logger *zap.SugaredLogger, timeNow func() time.Time) *Guard {
	return &Guard{db: db, tiers: tiers, logger: logger, timeNow: timeNow}
}

// Period returns the current billing period label, e.g. "2026-08".
func (g *Guard) Period() string {
	return g.timeNow().UTC().Format("2006-01")
}

// SetTier assigns a tenant to a tier.
func (g *Guard) SetTier(tenant, tier string) error {
	if _, ok := g.tiers[tier]; !ok {
		return errors.Newf("unknown tier: %s", tier)
	}
	if err := g.ensureRow(g.db, tenant); err != nil {
		return err
	}
	_, err := g.db.Exec(`UPDATE tenant_usage SET tier = ?, updated_at = ? WHERE tenant_id = ?`,
		tier, g.timeNow().UTC(), tenant)
	return errors.Wrap(err, "set tier")
}

// ensureRow creates the usage row for a tenant on first contact.
func (g *Guard) ensureRow(tx execer, tenant string) error {
	_, err := tx.Exec(`
		INSERT INTO tenant_usage (tenant_id, tier, storage_bytes, period, runs_in_period, updated_at)
		VALUES (?, 'free', 0, ?, 0, ?)
		ON CONFLICT(tenant_id) DO NOTHING`,
		tenant, g.Period(), g.timeNow().UTC())
	return errors.Wrap(err, "ensure usage row")
}

func (g *Guard) limits(tx execer, tenant string) (config.TierLimits, error) {
	var tier string
	err := tx.QueryRow(`SELECT tier FROM tenant_usage WHERE tenant_id = ?`, tenant).Scan(&tier)
	if err != nil {
		return config.TierLimits{}, errors.Wrap(err, "read tenant tier")
	}
	limits, ok := g.tiers[tier]
	if !ok {
		return config.TierLimits{}, errors.Newf("tenant %s has unconfigured tier %q", tenant, tier)
	}
	return limits, nil
}

// CheckStorage verifies that accepting addBytes would not push the tenant
// past its storage limit. Callers run this inside the same transaction
// that records the upload so check and commit cannot interleave.
func (g *Guard) CheckStorage(tx execer, tenant string, addBytes int64) error {
	if err := g.ensureRow(tx, tenant); err != nil {
		return err
	}
	limits, err := g.limits(tx, tenant)
	if err != nil {
		return err
	}

	var used int64
	if err := tx.QueryRow(`SELECT storage_bytes FROM tenant_usage WHERE tenant_id = ?`, tenant).Scan(&used); err != nil {
		return errors.Wrap(err, "read storage usage")
	}
	if used+addBytes > limits.StorageBytes {
		return errors.Wrapf(errors.ErrQuotaExceeded,
			"storage limit: %d bytes used + %d new > %d limit", used, addBytes, limits.StorageBytes)
	}
	return nil
}

// CommitStorage records addBytes of accepted raw payload.
func (g *Guard) CommitStorage(tx execer, tenant string, addBytes int64) error {
	_, err := tx.Exec(`
		UPDATE tenant_usage SET storage_bytes = storage_bytes + ?, updated_at = ?
		WHERE tenant_id = ?`,
		addBytes, g.timeNow().UTC(), tenant)
	return errors.Wrap(err, "commit storage usage")
}

// ConsumeRun atomically checks and increments the tenant's interpretation
// count for the current billing period. The counter resets when the stored
// period label no longer matches the current one.
func (g *Guard) ConsumeRun(tenant string) error {
	tx, err := g.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin quota tx")
	}
	defer tx.Rollback()

	if err := g.ensureRow(tx, tenant); err != nil {
		return err
	}
	limits, err := g.limits(tx, tenant)
	if err != nil {
		return err
	}

	period := g.Period()
	var storedPeriod string
	var runs int
	if err := tx.QueryRow(`SELECT period, runs_in_period FROM tenant_usage WHERE tenant_id = ?`, tenant).
		Scan(&storedPeriod, &runs); err != nil {
		return errors.Wrap(err, "read run usage")
	}

	if storedPeriod != period {
		runs = 0
	}
	if runs >= limits.MonthlyRuns {
		return errors.Wrapf(errors.ErrQuotaExceeded,
			"interpretation limit: %d runs in period %s (limit %d)", runs, period, limits.MonthlyRuns)
	}

	if _, err := tx.Exec(`
		UPDATE tenant_usage SET period = ?, runs_in_period = ?, updated_at = ?
		WHERE tenant_id = ?`,
		period, runs+1, g.timeNow().UTC(), tenant); err != nil {
		return errors.Wrap(err, "increment run usage")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit quota tx")
	}

	if g.logger != nil {
		g.logger.Debugw("Interpretation run consumed",
			"tenant", tenant,
			"period", period,
			"runs_in_period", runs+1,
		)
	}
	return nil
}

// Usage reports a tenant's current counters.
type Usage struct {
	Tier         string
	StorageBytes int64
	Period       string
	RunsInPeriod int
}

// GetUsage returns the tenant's usage row, or zero usage for an unseen tenant.
func (g *Guard) GetUsage(tenant string) (*Usage, error) {
	var u Usage
	err := g.db.QueryRow(`
		SELECT tier, storage_bytes, period, runs_in_period
		FROM tenant_usage WHERE tenant_id = ?`, tenant).
		Scan(&u.Tier, &u.StorageBytes, &u.Period, &u.RunsInPeriod)
	if errors.Is(err, sql.ErrNoRows) {
		return &Usage{Tier: "free", Period: g.Period()}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read usage")
	}
	return &u, nil
}
