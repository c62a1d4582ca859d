package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type quotaErr struct{}

func (quotaErr) Error() string { return "quota exceeded for api_calls" }
func (quotaErr) ErrorKind() Kind { return KindQuotaExceeded }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("bad %s", "email"), KindValidation},
		{"wrapped conflict", fmt.Errorf("outer: %w", Conflict("duplicate")), KindConflict},
		{"custom kinded", quotaErr{}, KindQuotaExceeded},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindPermission))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindInvalidState))
	assert.Equal(t, http.StatusGone, HTTPStatus(KindExpired))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindQuotaExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestUnavailableHidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:5432: connection refused")
	err := Unavailable(cause, true, "failed to record usage")

	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "service temporarily unavailable", PublicMessage(err))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "invitation expired", PublicMessage(Expired("invitation expired")))
	assert.Equal(t, "quota exceeded for api_calls", PublicMessage(quotaErr{}))
	assert.Equal(t, "internal server error", PublicMessage(errors.New("secret detail")))
	assert.False(t, IsRetryable(Conflict("x")))
	assert.True(t, IsKind(PermissionDenied("no"), KindPermission))
	assert.False(t, IsKind(nil, KindPermission))
}

func TestStorage(t *testing.T) {
	assert.NoError(t, Storage(nil, true, "x"))

	classified := NotFound("member 3 not found")
	assert.Same(t, classified, Storage(classified, true, "failed to load member"))

	wrapped := Storage(errors.New("broken pipe"), true, "failed to load member")
	assert.Equal(t, KindUnavailable, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(Storage(errors.New("broken pipe"), false, "failed to accept")))
}
