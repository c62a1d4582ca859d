package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/gate"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/middleware"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/plans"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// Engine is the entitlement gate as seen by the HTTP layer. *gate.Gate
// implements it.
type Engine interface {
	CreateOrganization(ctx context.Context, identity orgs.Identity, req orgs.CreateOrgRequest) (*orgs.Organization, *orgs.Member, error)

	InviteMember(ctx context.Context, actorUserID string, orgID int64, req orgs.InviteMemberRequest) (*orgs.Invitation, error)
	ListInvitations(ctx context.Context, actorUserID string, orgID int64) ([]*orgs.Invitation, error)
	ResendInvitation(ctx context.Context, actorUserID string, orgID, id int64) (*orgs.Invitation, error)
	CancelInvitation(ctx context.Context, actorUserID string, orgID, id int64) (*orgs.Invitation, error)
	AcceptInvitation(ctx context.Context, identity orgs.Identity, id int64) (*orgs.Member, error)
	DeclineInvitation(ctx context.Context, identity orgs.Identity, id int64) (*orgs.Invitation, error)

	ListMembers(ctx context.Context, actorUserID string, orgID int64) ([]*orgs.Member, error)
	UpdateMemberRole(ctx context.Context, actorUserID string, orgID, memberID int64, role rbac.Role) (*orgs.Member, error)
	RemoveMember(ctx context.Context, actorUserID string, orgID, memberID int64) error

	CurrentSubscription(ctx context.Context, actorUserID string, orgID int64) (*gate.SubscriptionSnapshot, error)
	ChangeSubscription(ctx context.Context, actorUserID string, orgID int64, req billing.ChangeSubscriptionRequest) (*billing.Subscription, error)
	CancelSubscription(ctx context.Context, actorUserID string, orgID int64) (*billing.Subscription, error)
	ResumeSubscription(ctx context.Context, actorUserID string, orgID int64) (*billing.Subscription, error)

	ListUsage(ctx context.Context, actorUserID string, orgID int64) ([]usage.Usage, error)
	Consume(ctx context.Context, actorUserID string, orgID int64, metric string, delta int64) (*gate.Decision, error)

	Plans() []plans.Plan
}

var _ Engine = (*gate.Gate)(nil)

// Server is the HTTP front of the entitlement engine
type Server struct {
	engine       Engine
	router       *mux.Router
	logger       *observability.Logger
	metrics      *observability.Metrics
	gatherer     prometheus.Gatherer
	health       *observability.HealthChecker
	rateLimit    *middleware.RateLimitMiddleware
	maxBodyBytes int64
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics instruments every route
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithMetricsEndpoint serves gatherer on /metrics
func WithMetricsEndpoint(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithHealthChecker serves /healthz and /readyz
func WithHealthChecker(checker *observability.HealthChecker) Option {
	return func(s *Server) {
		s.health = checker
	}
}

// WithRateLimit throttles API callers
func WithRateLimit(rl *middleware.RateLimitMiddleware) Option {
	return func(s *Server) {
		s.rateLimit = rl
	}
}

// WithMaxBodyBytes caps request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// NewServer builds the router
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		router:       mux.NewRouter(),
		logger:       observability.NewNopLogger(),
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RecoveryMiddleware(s.logger),
		middleware.RequestID(s.logger),
		middleware.AccessLog,
		routeSpanName,
	)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	if s.health != nil {
		observability.RegisterHealthRoutes(s.router, s.health)
	}
	if s.gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.gatherer)).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Identity)
	if s.rateLimit != nil {
		api.Use(s.rateLimit.Handler)
	}
	api.Use(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(s.maxBodyBytes))

	NewOrgHandlers(s.engine).RegisterRoutes(api)
	NewBillingHandlers(s.engine).RegisterRoutes(api)
	NewUsageHandlers(s.engine).RegisterRoutes(api)
}

// Router returns the bare router, without tracing
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in OpenTelemetry server
// instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "entitlementd")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routeSpanName renames the server span after the matched route template so
// span names stay low-cardinality
func routeSpanName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		if span.IsRecording() {
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					span.SetName(r.Method + " " + tmpl)
					span.SetAttributes(attribute.String("http.route", tmpl))
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
