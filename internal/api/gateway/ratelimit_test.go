package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(client, cfg, zap.NewNop()), mr
}

func smallConfig() RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	cfg.Enabled = true
	cfg.Tiers = map[string]TierLimits{
		"analyst": {RequestsPerMinute: 3},
		"admin":   {RequestsPerMinute: 10},
	}
	cfg.Endpoints = map[string]EndpointLimits{
		"runs":  {Path: "/api/v1/runs/", Method: http.MethodPost, RequestsPerMinute: 2},
		"graph": {Path: "/api/v1/graph/", Method: http.MethodGet, RequestsPerMinute: 10, CostMultiplier: 2},
	}
	return cfg
}

// =============================================================================
// Check Tests
// =============================================================================

// TestCheckEnforcesTierLimit verifies requests past the tier limit are denied.
func TestCheckEnforcesTierLimit(t *testing.T) {
	rl, _ := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "analyst", "client-a", "/api/v1/scored/2024-05-01", http.MethodGet)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := rl.Check(ctx, "analyst", "client-a", "/api/v1/scored/2024-05-01", http.MethodGet)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, "Rate limit exceeded", res.Reason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

// TestCheckClientsAreIsolated verifies counters are per client.
func TestCheckClientsAreIsolated(t *testing.T) {
	rl, _ := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := rl.Check(ctx, "analyst", "client-a", "/health", http.MethodGet)
		require.NoError(t, err)
	}
	res, err := rl.Check(ctx, "analyst", "client-b", "/health", http.MethodGet)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

// TestCheckEndpointOverride verifies endpoint limits tighten the tier limit.
func TestCheckEndpointOverride(t *testing.T) {
	rl, mr := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	tests := []struct {
		name   string
		path   string
		method string
		want   int
	}{
		{"run endpoint", "/api/v1/runs/2024-05-01/merge", http.MethodPost, 2},
		{"graph cost multiplier", "/api/v1/graph/2024-05-01/stats", http.MethodGet, 5},
		{"method mismatch falls to tier", "/api/v1/runs/2024-05-01", http.MethodGet, 10},
		{"no endpoint", "/health", http.MethodGet, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()
			res, err := rl.Check(ctx, "admin", "client", tt.path, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Limit)
		})
	}
}

// TestCheckWindowExpires verifies the counter resets after the window.
func TestCheckWindowExpires(t *testing.T) {
	rl, mr := newTestLimiter(t, smallConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rl.Check(ctx, "analyst", "c", "/x", http.MethodGet)
		require.NoError(t, err)
	}
	res, _ := rl.Check(ctx, "analyst", "c", "/x", http.MethodGet)
	require.False(t, res.Allowed)

	mr.FastForward(61 * time.Second)

	res, err := rl.Check(ctx, "analyst", "c", "/x", http.MethodGet)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

// TestCheckKeyLayout verifies the Redis key naming.
func TestCheckKeyLayout(t *testing.T) {
	rl, mr := newTestLimiter(t, smallConfig())

	_, err := rl.Check(context.Background(), "analyst", "c1", "/api/v1/runs/2024-05-01", http.MethodPost)
	require.NoError(t, err)
	assert.True(t, mr.Exists("intelforge:ratelimit:analyst:c1:runs"))
}

// TestCheckFailOpen verifies Redis failures allow or reject per config.
func TestCheckFailOpen(t *testing.T) {
	cfg := smallConfig()
	rl, mr := newTestLimiter(t, cfg)
	mr.Close()

	res, err := rl.Check(context.Background(), "analyst", "c", "/x", http.MethodGet)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	cfg.FailOpenOnErrors = false
	rl.config = cfg
	_, err = rl.Check(context.Background(), "analyst", "c", "/x", http.MethodGet)
	assert.Error(t, err)
}

// TestCheckWithoutRedis verifies a nil client allows everything.
func TestCheckWithoutRedis(t *testing.T) {
	rl := NewRateLimiter(nil, smallConfig(), zap.NewNop())
	res, err := rl.Check(context.Background(), "analyst", "c", "/x", http.MethodGet)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

// =============================================================================
// Middleware Tests
// =============================================================================

// TestMiddlewareRejects verifies 429 responses and headers.
func TestMiddlewareRejects(t *testing.T) {
	rl, _ := newTestLimiter(t, smallConfig())
	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/2024-05-01", nil)
		req.Header.Set("X-API-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	do()
	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
}

// TestMiddlewareDisabled verifies the middleware passes through when off.
func TestMiddlewareDisabled(t *testing.T) {
	cfg := smallConfig()
	cfg.Enabled = false
	rl, mr := newTestLimiter(t, cfg)
	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/2024-05-01", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, mr.Keys())
}

// TestGetClientIP verifies forwarded header handling.
func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", getClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "10.0.0.9")
	assert.Equal(t, "10.0.0.9", getClientIP(req))
}
