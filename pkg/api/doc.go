// Package api exposes the entitlement engine over HTTP.
//
// Every route lives under /api/v1. The caller is identified by the
// X-User-ID header (and optionally X-User-Email) that the authenticating
// proxy sets; the API never sees credentials. Handlers parse the request,
// call the gate and map errors to status codes by kind:
//
//	validation_error          422
//	permission_denied         403
//	not_found                 404
//	conflict                  409
//	invalid_state_transition  409
//	expired_resource          410
//	quota_exceeded            429 (details carry metric, plan, limit, used)
//	unavailable               503 (retryable, Retry-After: 1)
//	internal                  500
//
// Unavailable and internal errors are logged with their cause and answered
// with a generic message.
//
// Ops endpoints (/healthz, /readyz, /metrics) sit at the root, outside the
// identity and rate limit middleware.
package api
