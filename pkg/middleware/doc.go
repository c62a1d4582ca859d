// Package middleware provides the HTTP middleware that runs in front of the
// entitlement API handlers.
//
// Identity reads the X-User-ID and X-User-Email headers set by the
// authenticating proxy. The service never issues or validates tokens itself.
//
//	router.Use(middleware.RequestID(logger), middleware.Identity, middleware.AccessLog)
//
// RateLimitMiddleware throttles callers per user id, or per client address
// for anonymous requests. Two limiter implementations exist:
//
//	middleware.NewInMemoryRateLimitMiddleware(logger)           // token bucket per process
//	middleware.NewDistributedRateLimitMiddleware(redis, logger) // fixed window shared in Redis
//
// Both fail open when the limiter errors. Request throttling is separate from
// plan quotas, which the usage meter enforces.
package middleware
