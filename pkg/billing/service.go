package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

const subscriptionColumns = `id, org_id, plan_name, billing_cycle, status, current_period_start, current_period_end,
	cancel_at_period_end, pending_billing_cycle, cancelled_at, created_at, updated_at`

// DefaultRolloverBatch bounds the subscriptions handled by one RolloverDue pass
const DefaultRolloverBatch = 500

// PostgresService implements the billing Service interface using PostgreSQL
type PostgresService struct {
	db            *sql.DB
	catalog       *plans.Catalog
	now           func() time.Time
	logger        *observability.Logger
	rolloverBatch int
}

// Option configures a PostgresService
type Option func(*PostgresService)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *PostgresService) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *PostgresService) {
		s.logger = logger
	}
}

// WithRolloverBatch sets how many due subscriptions one rollover pass handles
func WithRolloverBatch(n int) Option {
	return func(s *PostgresService) {
		if n > 0 {
			s.rolloverBatch = n
		}
	}
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, catalog *plans.Catalog, opts ...Option) *PostgresService {
	s := &PostgresService{
		db:            db,
		catalog:       catalog,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        observability.NewNopLogger(),
		rolloverBatch: DefaultRolloverBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var pending sql.NullString
	err := row.Scan(
		&sub.ID, &sub.OrgID, &sub.Plan, &sub.BillingCycle, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&pending, &sub.CancelledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pending.Valid {
		cycle := plans.BillingCycle(pending.String)
		sub.PendingBillingCycle = &cycle
	}
	return sub, nil
}

func (s *PostgresService) validate(plan plans.Name, cycle plans.BillingCycle) (plans.Plan, error) {
	p, err := s.catalog.Get(plan)
	if err != nil {
		return plans.Plan{}, err
	}
	if !cycle.Valid() {
		return plans.Plan{}, apperr.Validation("invalid billing cycle %q", cycle)
	}
	return p, nil
}

// loadOpen reads the open subscription of an organization
func loadOpen(ctx context.Context, q postgres.Querier, orgID int64, forUpdate bool) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE org_id = $1 AND status <> 'cancelled'`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sub, err := scanSubscription(q.QueryRowContext(ctx, query, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("organization %d has no active subscription", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresService) insert(ctx context.Context, q postgres.Querier, orgID int64, plan plans.Plan, cycle plans.BillingCycle) (*Subscription, error) {
	now := s.now()
	sub := &Subscription{
		OrgID:              orgID,
		Plan:               plan.Name,
		BillingCycle:       cycle,
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   cycle.Advance(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		// The trial is its own period; the first paid cycle starts when
		// rollover turns it active.
		sub.Status = SubscriptionStatusTrialing
		sub.CurrentPeriodEnd = now.AddDate(0, 0, plan.TrialDays)
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO subscriptions (org_id, plan_name, billing_cycle, status, current_period_start, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $5, $5)
		RETURNING id
	`, orgID, string(sub.Plan), string(cycle), string(sub.Status), now, sub.CurrentPeriodEnd).Scan(&sub.ID)
	if postgres.IsUniqueViolation(err, postgres.ConstraintOpenSubscription) {
		return nil, apperr.Conflict("organization %d already has a subscription", orgID)
	}
	if postgres.IsForeignKeyViolation(err) {
		return nil, apperr.NotFound("organization %d not found", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// Subscribe starts a subscription for an organization that has none
func (s *PostgresService) Subscribe(ctx context.Context, orgID int64, plan plans.Name, cycle plans.BillingCycle) (*Subscription, error) {
	p, err := s.validate(plan, cycle)
	if err != nil {
		return nil, err
	}

	sub, err := s.insert(ctx, s.db, orgID, p, cycle)
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to create subscription")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id": orgID,
		"plan":   plan,
		"cycle":  cycle,
		"status": sub.Status,
	}).Info("subscription created")

	return sub, nil
}

// GetCurrent returns the open subscription of an organization
func (s *PostgresService) GetCurrent(ctx context.Context, orgID int64) (*Subscription, error) {
	sub, err := loadOpen(ctx, s.db, orgID, false)
	if err != nil {
		return nil, apperr.Storage(err, true, "failed to get subscription")
	}
	return sub, nil
}

// UpdatePlan switches the plan of the open subscription. New limits apply to
// the next usage check; usage already recorded is left alone.
func (s *PostgresService) UpdatePlan(ctx context.Context, orgID int64, plan plans.Name) (*Subscription, error) {
	if _, err := s.catalog.Get(plan); err != nil {
		return nil, err
	}

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET plan_name = $1, updated_at = $2
		WHERE org_id = $3 AND status <> 'cancelled'
		RETURNING `+subscriptionColumns,
		string(plan), s.now(), orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("organization %d has no active subscription", orgID)
	}
	if err != nil {
		return nil, apperr.Unavailable(err, false, "failed to update plan")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id": orgID,
		"plan":   plan,
	}).Info("subscription plan updated")

	return sub, nil
}

// ChangeSubscription subscribes when the organization has no open
// subscription and updates the plan otherwise. A cycle change is scheduled
// for the next period.
func (s *PostgresService) ChangeSubscription(ctx context.Context, orgID int64, plan plans.Name, cycle plans.BillingCycle) (*Subscription, error) {
	p, err := s.validate(plan, cycle)
	if err != nil {
		return nil, err
	}

	var sub *Subscription
	err = postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := postgres.LockOrganization(ctx, tx, orgID); err != nil {
			if errors.Is(err, postgres.ErrOrganizationNotFound) {
				return apperr.NotFound("organization %d not found", orgID)
			}
			return err
		}

		current, err := loadOpen(ctx, tx, orgID, true)
		if apperr.IsKind(err, apperr.KindNotFound) {
			sub, err = s.insert(ctx, tx, orgID, p, cycle)
			return err
		}
		if err != nil {
			return err
		}

		var pending interface{}
		current.PendingBillingCycle = nil
		if cycle != current.BillingCycle {
			pending = string(cycle)
			current.PendingBillingCycle = &cycle
		}
		current.Plan = plan
		current.UpdatedAt = s.now()

		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET plan_name = $1, pending_billing_cycle = $2, updated_at = $3
			WHERE id = $4
		`, string(plan), pending, current.UpdatedAt, current.ID); err != nil {
			return fmt.Errorf("failed to change subscription: %w", err)
		}
		sub = current
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to change subscription")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id": orgID,
		"plan":   plan,
		"cycle":  cycle,
	}).Info("subscription changed")

	return sub, nil
}

// Cancel schedules the open subscription to end with its current period.
// Cancelling twice is not an error.
func (s *PostgresService) Cancel(ctx context.Context, orgID int64) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET cancel_at_period_end = TRUE,
		    updated_at = CASE WHEN cancel_at_period_end THEN updated_at ELSE $1 END
		WHERE org_id = $2 AND status <> 'cancelled'
		RETURNING `+subscriptionColumns,
		s.now(), orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("organization %d has no active subscription", orgID)
	}
	if err != nil {
		return nil, apperr.Unavailable(err, true, "failed to cancel subscription")
	}

	s.logger.WithField("org_id", orgID).Info("subscription set to cancel at period end")
	return sub, nil
}

// Resume withdraws a scheduled cancellation of an active subscription
func (s *PostgresService) Resume(ctx context.Context, orgID int64) (*Subscription, error) {
	var sub *Subscription
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		sub, err = loadOpen(ctx, tx, orgID, true)
		if err != nil {
			return err
		}
		if !sub.Resumable() {
			return apperr.InvalidState("subscription is %s and not scheduled to cancel", sub.Status)
		}

		sub.CancelAtPeriodEnd = false
		sub.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET cancel_at_period_end = FALSE, updated_at = $1 WHERE id = $2`,
			sub.UpdatedAt, sub.ID,
		); err != nil {
			return fmt.Errorf("failed to resume subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to resume subscription")
	}

	s.logger.WithField("org_id", orgID).Info("subscription resumed")
	return sub, nil
}

// MarkPastDue records a failed payment reported by the payment processor
func (s *PostgresService) MarkPastDue(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.transition(ctx, orgID, SubscriptionStatusActive, SubscriptionStatusPastDue)
}

// MarkPaymentRecovered clears the past_due flag after a successful payment
func (s *PostgresService) MarkPaymentRecovered(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.transition(ctx, orgID, SubscriptionStatusPastDue, SubscriptionStatusActive)
}

func (s *PostgresService) transition(ctx context.Context, orgID int64, from, to SubscriptionStatus) (*Subscription, error) {
	var sub *Subscription
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		sub, err = loadOpen(ctx, tx, orgID, true)
		if err != nil {
			return err
		}
		if sub.Status != from {
			return apperr.InvalidState("subscription is %s, expected %s", sub.Status, from)
		}

		sub.Status = to
		sub.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET status = $1, updated_at = $2 WHERE id = $3`,
			string(to), sub.UpdatedAt, sub.ID,
		); err != nil {
			return fmt.Errorf("failed to update subscription status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to update subscription status")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id": orgID,
		"from":   from,
		"to":     to,
	}).Info("subscription status changed")

	return sub, nil
}

// RolloverDue closes every open subscription whose period has ended.
// Subscriptions scheduled to cancel become cancelled; the rest move to the
// period containing now, picking up a pending cycle change, and a trial
// becomes active. Rows locked by a concurrent pass are skipped.
func (s *PostgresService) RolloverDue(ctx context.Context) (RolloverResult, error) {
	now := s.now()
	var result RolloverResult

	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status <> 'cancelled' AND current_period_end <= $1
			ORDER BY current_period_end ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, s.rolloverBatch)
		if err != nil {
			return fmt.Errorf("failed to list due subscriptions: %w", err)
		}

		var due []*Subscription
		for rows.Next() {
			sub, err := scanSubscription(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan subscription: %w", err)
			}
			due = append(due, sub)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed to list due subscriptions: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to list due subscriptions: %w", err)
		}

		for _, sub := range due {
			if sub.CancelAtPeriodEnd {
				if _, err := tx.ExecContext(ctx, `
					UPDATE subscriptions SET status = 'cancelled', cancelled_at = $1, updated_at = $1
					WHERE id = $2
				`, now, sub.ID); err != nil {
					return fmt.Errorf("failed to cancel subscription %d: %w", sub.ID, err)
				}
				result.Cancelled++
				continue
			}

			renewed := renew(sub, now)
			if _, err := tx.ExecContext(ctx, `
				UPDATE subscriptions
				SET status = $1, billing_cycle = $2, pending_billing_cycle = NULL,
				    current_period_start = $3, current_period_end = $4, updated_at = $5
				WHERE id = $6
			`, string(renewed.Status), string(renewed.BillingCycle),
				renewed.CurrentPeriodStart, renewed.CurrentPeriodEnd, now, sub.ID); err != nil {
				return fmt.Errorf("failed to renew subscription %d: %w", sub.ID, err)
			}
			result.Renewed++
		}
		return nil
	})
	if err != nil {
		return RolloverResult{}, apperr.Storage(err, true, "failed to roll over subscriptions")
	}

	if result.Renewed > 0 || result.Cancelled > 0 {
		s.logger.WithFields(map[string]interface{}{
			"renewed":   result.Renewed,
			"cancelled": result.Cancelled,
		}).Info("subscription periods rolled over")
	}

	return result, nil
}

// renew returns sub advanced to the period that contains now
func renew(sub *Subscription, now time.Time) Subscription {
	next := *sub
	if sub.PendingBillingCycle != nil {
		next.BillingCycle = *sub.PendingBillingCycle
		next.PendingBillingCycle = nil
	}
	if next.Status == SubscriptionStatusTrialing {
		next.Status = SubscriptionStatusActive
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	for !end.After(now) {
		start = end
		end = next.BillingCycle.Advance(start)
	}
	next.CurrentPeriodStart = start
	next.CurrentPeriodEnd = end
	return next
}
