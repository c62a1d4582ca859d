package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
)

// Headers set by the authenticating proxy in front of the service
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderRequestID = "X-Request-ID"
)

type identityKey struct{}

// Identity copies the proxy-supplied user identity into the request context.
// Requests without an identity pass through; the gate refuses them.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		identity := orgs.Identity{
			UserID: userID,
			Email:  strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserEmail))),
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		ctx = observability.WithUserID(ctx, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the caller identity, or the zero Identity for
// anonymous requests
func IdentityFromContext(ctx context.Context) orgs.Identity {
	if identity, ok := ctx.Value(identityKey{}).(orgs.Identity); ok {
		return identity
	}
	return orgs.Identity{}
}

// WithIdentity stores identity in ctx
func WithIdentity(ctx context.Context, identity orgs.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// RequestID propagates the caller's X-Request-ID or assigns a new one, and
// stores a logger tagged with it in the request context
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			ctx := observability.WithRequestID(r.Context(), requestID)
			ctx = observability.WithLogger(ctx, logger.WithField("request_id", requestID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
