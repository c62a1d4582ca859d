package main

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"

	"github.com/platinummonkey/entitlements/pkg/config"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

func newTestStores(t *testing.T) (*postgres.ConnectionManager, *postgres.RedisClient) {
	t.Helper()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rc, err := postgres.NewRedisClient(postgres.RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	return postgres.NewConnectionManagerFromDB(db, observability.NewNopLogger()), rc
}

func TestNewCounter(t *testing.T) {
	db, rc := newTestStores(t)

	tests := []struct {
		name        string
		backend     string
		redis       *postgres.RedisClient
		wantBackend string
		wantErr     bool
	}{
		{name: "postgres", backend: config.CounterBackendPostgres, wantBackend: "postgres"},
		{name: "redis", backend: config.CounterBackendRedis, redis: rc, wantBackend: "redis"},
		{name: "redis without client", backend: config.CounterBackendRedis, wantErr: true},
		{name: "unknown", backend: "memcached", redis: rc, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Usage: config.UsageConfig{CounterBackend: tt.backend}}
			counter, err := newCounter(cfg, db, tt.redis)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newCounter() error = %v", err)
			}
			if got := counter.Backend(); got != tt.wantBackend {
				t.Errorf("Backend() = %q, want %q", got, tt.wantBackend)
			}
			if tt.wantBackend == "redis" {
				if _, ok := counter.(*usage.RedisCounter); !ok {
					t.Errorf("counter is %T, want *usage.RedisCounter", counter)
				}
			}
		})
	}
}

func TestNewRateLimit(t *testing.T) {
	_, rc := newTestStores(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, backend := range []string{config.RateLimitBackendMemory, config.RateLimitBackendRedis} {
		cfg := &config.Config{RateLimit: config.RateLimitConfig{Enabled: true, Backend: backend}}
		if rl := newRateLimit(ctx, cfg, rc, observability.NewNopLogger()); rl == nil {
			t.Errorf("newRateLimit(%s) = nil", backend)
		}
	}
}

func TestNewHealthChecker(t *testing.T) {
	db, rc := newTestStores(t)
	cfg := &config.Config{Usage: config.UsageConfig{CounterBackend: config.CounterBackendRedis}}

	if newHealthChecker(cfg, db, nil) == nil {
		t.Error("health checker without redis is nil")
	}
	if newHealthChecker(cfg, db, rc) == nil {
		t.Error("health checker with redis is nil")
	}
}

func TestRunOnce_UnknownJob(t *testing.T) {
	if err := runOnce(context.Background(), nil, "reindex"); err == nil {
		t.Error("expected error for unknown job")
	}
}
