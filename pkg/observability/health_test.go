package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func newPingMock(t *testing.T) (*HealthChecker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHealthChecker(db, nil), mock
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return status
}

func TestNewHealthChecker(t *testing.T) {
	checker := NewHealthChecker(nil, nil, WithVersion("1.4.2"), WithRedisRequired(true))
	if checker.version != "1.4.2" {
		t.Errorf("version = %q, want 1.4.2", checker.version)
	}
	if !checker.redisRequired {
		t.Error("expected redisRequired")
	}
	if checker.timeout == 0 {
		t.Error("expected a default timeout")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, WithVersion("dev"))

	rr := httptest.NewRecorder()
	checker.Liveness(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	status := decodeHealth(t, rr)
	if status.Status != StatusHealthy || status.Version != "dev" {
		t.Errorf("unexpected body: %+v", status)
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("healthy database", func(t *testing.T) {
		checker, mock := newPingMock(t)
		mock.ExpectPing()

		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rr.Code != http.StatusOK {
			t.Errorf("status code = %d, want 200", rr.Code)
		}
		status := decodeHealth(t, rr)
		if status.Dependencies["database"].Status != StatusHealthy {
			t.Errorf("database = %+v", status.Dependencies["database"])
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("failed database", func(t *testing.T) {
		checker, mock := newPingMock(t)
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("status code = %d, want 503", rr.Code)
		}
		status := decodeHealth(t, rr)
		if status.Status != StatusUnhealthy {
			t.Errorf("status = %s, want unhealthy", status.Status)
		}
		if status.Dependencies["database"].Message == "" {
			t.Error("expected failure message")
		}
	})
}

func TestHealthChecker_Redis(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		_, client := newRedis(t)
		status := NewHealthChecker(nil, client).Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("status = %s, want healthy", status.Status)
		}
		if status.Dependencies["redis"].Status != StatusHealthy {
			t.Errorf("redis = %+v", status.Dependencies["redis"])
		}
	})

	t.Run("optional redis down degrades", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()

		status := NewHealthChecker(nil, client).Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("status = %s, want degraded", status.Status)
		}
		if status.Dependencies["redis"].Status != StatusUnhealthy {
			t.Errorf("redis = %+v", status.Dependencies["redis"])
		}
	})

	t.Run("required redis down fails", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()

		status := NewHealthChecker(nil, client, WithRedisRequired(true)).Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("status = %s, want unhealthy", status.Status)
		}
	})
}

func TestWorse(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{StatusHealthy, StatusHealthy, StatusHealthy},
		{StatusHealthy, StatusDegraded, StatusDegraded},
		{StatusDegraded, StatusHealthy, StatusDegraded},
		{StatusDegraded, StatusUnhealthy, StatusUnhealthy},
		{StatusUnhealthy, StatusDegraded, StatusUnhealthy},
	}
	for _, tt := range tests {
		if got := worse(tt.a, tt.b); got != tt.want {
			t.Errorf("worse(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRegisterHealthRoutes(t *testing.T) {
	router := mux.NewRouter()
	RegisterHealthRoutes(router, NewHealthChecker(nil, nil))

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rr.Code)
	}
}
