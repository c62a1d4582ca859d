package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/plans"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Constraint names referenced by the stores
const (
	ConstraintPendingInvitation  = "invitations_pending_email_key"
	ConstraintOpenSubscription   = "subscriptions_open_org_key"
	ConstraintMemberUser         = "members_org_user_key"
	ConstraintSingleOwner        = "members_single_owner_key"
	ConstraintOrganizationSlug   = "organizations_slug_key"
	ConstraintUsagePeriodCounter = "usage_metrics_period_key"
)

// GetMigrations returns the schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT organizations_slug_key UNIQUE (slug)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS members (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id VARCHAR(255) NOT NULL,
					email VARCHAR(320) NOT NULL DEFAULT '',
					role VARCHAR(16) NOT NULL CHECK (role IN ('owner', 'admin', 'member')),
					status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'pending', 'inactive')),
					invited_by BIGINT REFERENCES members(id) ON DELETE SET NULL,
					joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT members_org_user_key UNIQUE (org_id, user_id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS members_single_owner_key ON members(org_id) WHERE role = 'owner';
				CREATE INDEX IF NOT EXISTS idx_members_org_joined ON members(org_id, joined_at, id);
			`,
		},
		{
			Version:     3,
			Description: "Create invitations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS invitations (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					email VARCHAR(320) NOT NULL,
					role VARCHAR(16) NOT NULL CHECK (role IN ('admin', 'member')),
					invited_by BIGINT REFERENCES members(id) ON DELETE SET NULL,
					status VARCHAR(16) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'declined', 'cancelled')),
					resent_count INT NOT NULL DEFAULT 0 CHECK (resent_count >= 0),
					last_resent_at TIMESTAMPTZ,
					accepted_by BIGINT REFERENCES members(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (expires_at > created_at)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS invitations_pending_email_key
					ON invitations(org_id, lower(email)) WHERE status = 'pending';
				CREATE INDEX IF NOT EXISTS idx_invitations_org_created ON invitations(org_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_invitations_pending_expiry ON invitations(expires_at) WHERE status = 'pending';
			`,
		},
		{
			Version:     4,
			Description: "Create plans table",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					name VARCHAR(32) PRIMARY KEY,
					display_name VARCHAR(255) NOT NULL,
					price_monthly_cents BIGINT NOT NULL DEFAULT 0,
					price_yearly_cents BIGINT NOT NULL DEFAULT 0,
					features JSONB NOT NULL DEFAULT '[]',
					limits JSONB NOT NULL DEFAULT '{}',
					trial_days INT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     5,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					plan_name VARCHAR(32) NOT NULL REFERENCES plans(name),
					billing_cycle VARCHAR(16) NOT NULL CHECK (billing_cycle IN ('monthly', 'yearly')),
					status VARCHAR(16) NOT NULL CHECK (status IN ('trialing', 'active', 'past_due', 'cancelled')),
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					pending_billing_cycle VARCHAR(16) CHECK (pending_billing_cycle IN ('monthly', 'yearly')),
					cancelled_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (current_period_end > current_period_start)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_open_org_key
					ON subscriptions(org_id) WHERE status <> 'cancelled';
				CREATE INDEX IF NOT EXISTS idx_subscriptions_period_end
					ON subscriptions(current_period_end) WHERE status <> 'cancelled';
			`,
		},
		{
			Version:     6,
			Description: "Create usage_metrics table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_metrics (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					metric VARCHAR(64) NOT NULL,
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					value BIGINT NOT NULL DEFAULT 0 CHECK (value >= 0),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT usage_metrics_period_key UNIQUE (org_id, metric, period_start)
				);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in schema_migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("running migration")

		err := InTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				migration.Version, migration.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SeedPlans upserts the catalog into the plans table so subscriptions can
// reference plan names.
func SeedPlans(ctx context.Context, db Querier, catalog []plans.Plan) error {
	for _, p := range catalog {
		features, err := json.Marshal(p.Features)
		if err != nil {
			return fmt.Errorf("failed to marshal features for %s: %w", p.Name, err)
		}
		limits, err := json.Marshal(p.Limits)
		if err != nil {
			return fmt.Errorf("failed to marshal limits for %s: %w", p.Name, err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO plans (name, display_name, price_monthly_cents, price_yearly_cents, features, limits, trial_days)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				price_monthly_cents = EXCLUDED.price_monthly_cents,
				price_yearly_cents = EXCLUDED.price_yearly_cents,
				features = EXCLUDED.features,
				limits = EXCLUDED.limits,
				trial_days = EXCLUDED.trial_days,
				updated_at = NOW()
		`, string(p.Name), p.DisplayName, p.PriceMonthly, p.PriceYearly, features, limits, p.TrialDays)
		if err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.Name, err)
		}
	}
	return nil
}
