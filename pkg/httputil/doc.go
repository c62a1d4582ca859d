// Package httputil provides the JSON request and response helpers shared by
// the API handlers.
//
// Errors are written from their apperr kind so every handler answers the
// same way:
//
//	if err != nil {
//		httputil.WriteError(w, err) // 403, 409, 429, ... with a public message
//		return
//	}
//
// Request parsing returns validation errors:
//
//	var req orgs.InviteMemberRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
//
// Middleware:
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.ContentTypeMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
