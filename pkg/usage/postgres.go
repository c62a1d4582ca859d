package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

// PostgresCounter keeps counters in the usage_metrics table
type PostgresCounter struct {
	db  postgres.Querier
	now func() time.Time
}

// NewPostgresCounter creates a counter over db
func NewPostgresCounter(db postgres.Querier) *PostgresCounter {
	return &PostgresCounter{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Backend implements Counter
func (c *PostgresCounter) Backend() string {
	return "postgres"
}

// Increment upserts the counter. The conflict branch only applies when the
// new value stays within the limit; otherwise no row is returned and the
// stored value is untouched.
func (c *PostgresCounter) Increment(ctx context.Context, key Key, delta int64, limit plans.Limit) (int64, error) {
	// A fresh counter starts at zero, so the insert branch is checked here
	if !limit.Allows(0, delta) {
		return 0, ErrLimitReached
	}

	query := `
		INSERT INTO usage_metrics (org_id, metric, period_start, period_end, value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, metric, period_start) DO UPDATE
		SET value = usage_metrics.value + EXCLUDED.value, updated_at = EXCLUDED.updated_at
		WHERE $7::bigint < 0 OR usage_metrics.value + EXCLUDED.value <= $7::bigint
		RETURNING value
	`

	var value int64
	err := c.db.QueryRowContext(ctx, query,
		key.OrgID, key.Metric, key.Period.Start, key.Period.End, delta, c.now(), int64(limit),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrLimitReached
	}
	if postgres.IsForeignKeyViolation(err) {
		return 0, apperr.NotFound("organization %d not found", key.OrgID)
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Get implements Counter
func (c *PostgresCounter) Get(ctx context.Context, key Key) (int64, error) {
	query := `
		SELECT value FROM usage_metrics
		WHERE org_id = $1 AND metric = $2 AND period_start = $3
	`

	var value int64
	err := c.db.QueryRowContext(ctx, query, key.OrgID, key.Metric, key.Period.Start).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}
