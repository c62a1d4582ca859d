package gate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/rbac"
)

// metricActions maps each metered resource to the action consuming it
var metricActions = map[string]rbac.Action{
	plans.MetricAPICalls: rbac.ActionConsumeAPI,
	plans.MetricExports:  rbac.ActionExport,
	plans.MetricWebhooks: rbac.ActionDeliverWebhook,
}

// Dependencies are the components the gate composes
type Dependencies struct {
	Members       Members
	Invitations   Invitations
	Subscriptions Subscriptions
	Meter         Meter
	Catalog       *plans.Catalog
}

// Gate authorizes every organization action. It is the only entry point of
// the API layer into the engine.
type Gate struct {
	members       Members
	invitations   Invitations
	subscriptions Subscriptions
	meter         Meter
	catalog       *plans.Catalog

	logger  *observability.Logger
	metrics *observability.Metrics
	otel    *observability.OTelMetrics
}

// Option configures a Gate
type Option func(*Gate)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics counts decisions in Prometheus
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gate) {
		g.metrics = metrics
	}
}

// WithOTelMetrics mirrors decisions to OpenTelemetry
func WithOTelMetrics(metrics *observability.OTelMetrics) Option {
	return func(g *Gate) {
		g.otel = metrics
	}
}

// New creates a gate
func New(deps Dependencies, opts ...Option) *Gate {
	g := &Gate{
		members:       deps.Members,
		invitations:   deps.Invitations,
		subscriptions: deps.Subscriptions,
		meter:         deps.Meter,
		catalog:       deps.Catalog,
		logger:        observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize decides whether req may proceed. Role checks run first; a
// metered request then records its usage in the same atomic step that
// compares it against the plan limit, so an allowed decision has already
// consumed the quota.
func (g *Gate) Authorize(ctx context.Context, req Request) (*Decision, error) {
	ctx, span := observability.Tracer().Start(ctx, "gate.Authorize", trace.WithAttributes(
		attribute.Int64("org_id", req.OrgID),
		attribute.String("action", string(req.Action)),
	))
	defer span.End()

	start := time.Now()
	decision, err := g.authorize(ctx, req)
	g.observe(ctx, span, string(req.Action), start, err)
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (g *Gate) authorize(ctx context.Context, req Request) (*Decision, error) {
	if _, ok := rbac.RequiredCapability(req.Action); !ok {
		return nil, apperr.Validation("unknown action %q", req.Action)
	}

	actor, err := g.resolveActor(ctx, req.OrgID, req.ActorUserID)
	if err != nil {
		return nil, err
	}

	if req.AssignRole != "" {
		if err := validateAssignment(req.Action, req.AssignRole); err != nil {
			return nil, err
		}
	}

	var target rbac.Role
	if rbac.IsManageAction(req.Action) {
		member, err := g.members.GetMember(ctx, req.OrgID, req.TargetMemberID)
		if err != nil {
			return nil, err
		}
		if err := checkTarget(req.Action, actor, member); err != nil {
			return nil, err
		}
		target = member.Role
	}

	if result := rbac.Check(actor.Role, req.Action, target); !result.Allowed {
		return nil, apperr.PermissionDenied("%s", result.Reason)
	}

	if req.AssignRole != "" && !rbac.CanAssignRole(actor.Role, req.AssignRole) {
		return nil, apperr.PermissionDenied("role %s cannot assign role %s", actor.Role, req.AssignRole)
	}

	decision := &Decision{Allowed: true, Actor: actor}
	if req.Metric != "" {
		delta := req.Delta
		if delta == 0 {
			delta = 1
		}
		u, err := g.meter.RecordUsage(ctx, req.OrgID, req.Metric, delta)
		if err != nil {
			return nil, err
		}
		decision.Usage = u
	}
	return decision, nil
}

// resolveActor loads the acting member. Users outside the organization are
// denied rather than told the organization does not exist.
func (g *Gate) resolveActor(ctx context.Context, orgID int64, userID string) (*orgs.Member, error) {
	if userID == "" {
		return nil, apperr.PermissionDenied("authenticated user required")
	}
	actor, err := g.members.GetMemberByUser(ctx, orgID, userID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.PermissionDenied("user is not a member of organization %d", orgID)
	}
	if err != nil {
		return nil, err
	}
	if actor.Status != orgs.MemberStatusActive {
		return nil, apperr.PermissionDenied("membership is %s", actor.Status)
	}
	return actor, nil
}

func validateAssignment(action rbac.Action, role rbac.Role) error {
	if action == rbac.ActionInvite && role == rbac.RoleOwner {
		return apperr.Validation("invitations cannot grant the owner role")
	}
	if !role.Valid() {
		return apperr.Validation("invalid role %q", role)
	}
	return nil
}

// checkTarget applies the rules that hold whatever the actor's rank, in the
// same order the membership registry applies them: a role change on oneself
// is malformed and the owner can be neither demoted nor removed.
func checkTarget(action rbac.Action, actor, target *orgs.Member) error {
	if action == rbac.ActionChangeRole && actor.ID == target.ID {
		return apperr.Validation("members cannot change their own role")
	}
	if target.Role == rbac.RoleOwner {
		switch action {
		case rbac.ActionChangeRole:
			return apperr.Conflict("the owner role cannot be changed; transfer ownership first")
		case rbac.ActionRemoveMember:
			return apperr.Conflict("the owner cannot be removed; transfer ownership first")
		}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "allowed"
	}
	return string(apperr.KindOf(err))
}

func (g *Gate) observe(ctx context.Context, span trace.Span, action string, start time.Time, err error) {
	elapsed := time.Since(start)
	result := outcome(err)

	g.metrics.RecordDecision(action, result, elapsed)
	g.otel.RecordDecision(ctx, action, result, elapsed)

	span.SetAttributes(attribute.String("outcome", result))
	if err != nil {
		span.SetStatus(codes.Error, result)
		if k := apperr.KindOf(err); k == apperr.KindUnavailable || k == apperr.KindInternal {
			span.RecordError(err)
			observability.UpdateLoggerWithTraceContext(ctx, g.logger).
				WithError(err).
				WithField("action", action).
				Error("authorization failed")
		}
	}
}

// actionFor maps a metric to the action consuming it
func actionFor(metric string) (rbac.Action, error) {
	action, ok := metricActions[metric]
	if !ok {
		return "", apperr.Validation("unknown metric %q", metric)
	}
	return action, nil
}
