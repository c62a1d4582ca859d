package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// writeError answers with the status of err's kind. Unavailable and internal
// failures are logged here with their cause; the caller only sees a generic
// message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := httputil.NewErrorResponse(err)

	var quota *usage.QuotaExceededError
	if errors.As(err, &quota) {
		body.Details = map[string]interface{}{
			"metric": quota.Metric,
			"plan":   quota.Plan,
			"limit":  quota.Limit,
			"used":   quota.Used,
		}
	}

	if kind == apperr.KindUnavailable || kind == apperr.KindInternal {
		ctx := r.Context()
		observability.UpdateLoggerWithTraceContext(ctx, observability.FromContext(ctx)).
			WithError(err).
			WithField("kind", string(kind)).
			Error("request failed")
	}

	httputil.WriteErrorResponse(w, apperr.HTTPStatus(kind), body)
}

// pathID reads a positive int64 path variable, answering 422 when it is
// malformed
func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := httputil.ParsePathInt64(r, key)
	if err != nil {
		writeError(w, r, err)
		return 0, false
	}
	return id, true
}
