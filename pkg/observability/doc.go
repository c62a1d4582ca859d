// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health probes and graceful shutdown
// for the entitlement service.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("invitation accepted")
//
// Request scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger.WithField("request_id", id))
//	observability.FromContext(ctx).Warn("quota exceeded")
//
// # Metrics
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordDecision("remove_member", "allowed", elapsed)
//	router.Handle("/metrics", observability.MetricsHandler(prometheus.DefaultGatherer))
//
// All Record methods accept a nil *Metrics so components can run without
// instrumentation in tests.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, observability.WithVersion(version))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:  true,
//		Endpoint: "otel-collector:4317",
//		Insecure: true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
