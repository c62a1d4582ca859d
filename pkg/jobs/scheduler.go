package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/observability"
)

// Job names used in logs and the job_runs_total metric
const (
	JobPurgeInvitations = "purge_invitations"
	JobRollover         = "subscription_rollover"
)

// InvitationPurger deletes long-expired pending invitations
type InvitationPurger interface {
	PurgeExpiredInvitations(ctx context.Context, retention time.Duration) (int64, error)
}

// SubscriptionRoller renews or ends subscriptions whose period has passed
type SubscriptionRoller interface {
	RolloverDue(ctx context.Context) (billing.RolloverResult, error)
}

// Config holds the job schedules in standard five-field cron syntax
type Config struct {
	PurgeSchedule    string
	RolloverSchedule string
	Retention        time.Duration
	// Timeout bounds one run of any job
	Timeout time.Duration
}

// Scheduler runs the reconciliation jobs. Correctness never depends on them:
// expiry and period boundaries are evaluated on every read.
type Scheduler struct {
	cron      *cron.Cron
	purger    InvitationPurger
	roller    SubscriptionRoller
	retention time.Duration
	timeout   time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics records job outcomes
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// New registers both jobs. Overlapping runs of the same job are skipped.
func New(cfg Config, purger InvitationPurger, roller SubscriptionRoller, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		purger:    purger,
		roller:    roller,
		retention: cfg.Retention,
		timeout:   cfg.Timeout,
		logger:    observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	if _, err := s.cron.AddFunc(cfg.PurgeSchedule, func() {
		_ = s.RunPurge(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule %s: %w", JobPurgeInvitations, err)
	}
	if _, err := s.cron.AddFunc(cfg.RolloverSchedule, func() {
		_ = s.RunRollover(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule %s: %w", JobRollover, err)
	}

	return s, nil
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.cron.Entries())).Info("job scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("job scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// RunPurge runs the invitation purge once
func (s *Scheduler) RunPurge(ctx context.Context) error {
	return s.run(ctx, JobPurgeInvitations, func(ctx context.Context, logger *observability.Logger) error {
		n, err := s.purger.PurgeExpiredInvitations(ctx, s.retention)
		if err != nil {
			return err
		}
		logger.WithField("purged", n).Info("expired invitations purged")
		return nil
	})
}

// RunRollover runs the subscription period rollover once
func (s *Scheduler) RunRollover(ctx context.Context) error {
	return s.run(ctx, JobRollover, func(ctx context.Context, logger *observability.Logger) error {
		result, err := s.roller.RolloverDue(ctx)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"renewed":   result.Renewed,
			"cancelled": result.Cancelled,
		}).Info("subscription periods rolled over")
		return nil
	})
}

func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context, *observability.Logger) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := observability.Tracer().Start(ctx, "jobs."+name)
	defer span.End()

	logger := observability.UpdateLoggerWithTraceContext(ctx, s.logger.WithField("job", name))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = observability.MustRecover(r)
		}
		s.metrics.RecordJobRun(name, err)
		if err != nil {
			span.RecordError(err)
			logger.WithError(err).Error("job failed")
			return
		}
		logger.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("job completed")
	}()

	return fn(ctx, logger)
}

// cronLogger routes robfig/cron's own messages to the service logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
