// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "intelforge:ratelimit"

// RateLimiter provides configurable rate limiting for API endpoints
type RateLimiter struct {
	redis    *redis.Client
	logger   *zap.Logger
	config   RateLimitConfig
	rejected *prometheus.CounterVec
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled          bool                      `yaml:"enabled"`
	DefaultTier      string                    `yaml:"default_tier"`
	TierHeader       string                    `yaml:"tier_header"`
	ClientHeader     string                    `yaml:"client_header"`
	Tiers            map[string]TierLimits     `yaml:"tiers"`
	Endpoints        map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders   bool                      `yaml:"include_headers"`
	WindowSeconds    int                       `yaml:"window_seconds"`
	FailOpenOnErrors bool                      `yaml:"fail_open_on_errors"`
}

// TierLimits defines rate limits per API tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for endpoints under a path prefix
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// DefaultRateLimitConfig returns the limiter defaults. Limiting is off until
// enabled and a Redis client is supplied.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:          false,
		DefaultTier:      "analyst",
		TierHeader:       "X-API-Tier",
		ClientHeader:     "X-API-Key",
		Tiers:            DefaultTiers(),
		Endpoints:        DefaultEndpointLimits(),
		IncludeHeaders:   true,
		WindowSeconds:    60,
		FailOpenOnErrors: true,
	}
}

// NewRateLimiter creates a new rate limiter. A nil client disables limiting.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = "analyst"
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
	}
}

// WithRejectCounter counts rejected requests by tier.
func (rl *RateLimiter) WithRejectCounter(c *prometheus.CounterVec) *RateLimiter {
	rl.rejected = c
	return rl
}

// DefaultTiers returns default tier configurations
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"analyst":    {RequestsPerMinute: 120},
		"automation": {RequestsPerMinute: 600},
		"admin":      {RequestsPerMinute: 1200},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits. Pipeline
// runs rewrite the day's artifacts and are far more expensive than reads.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"runs": {
			Path:              "/api/v1/runs/",
			Method:            http.MethodPost,
			RequestsPerMinute: 6,
			CostMultiplier:    1,
		},
		"scored": {
			Path:              "/api/v1/scored/",
			Method:            http.MethodGet,
			RequestsPerMinute: 300,
			CostMultiplier:    1,
		},
		"graph": {
			Path:              "/api/v1/graph/",
			Method:            http.MethodGet,
			RequestsPerMinute: 120,
			CostMultiplier:    2,
		},
	}
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, path, method string) (*RateLimitResult, error) {
	if rl.redis == nil {
		return &RateLimitResult{Allowed: true, Tier: tier}, nil
	}

	tierLimits := rl.getTierLimits(tier)
	name, endpointLimits := rl.getEndpointLimits(path, method)
	limit := rl.calculateEffectiveLimit(tierLimits, endpointLimits)

	if name == "" {
		name = "default"
	}
	redisKey := fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tier, clientID, name)
	window := time.Duration(rl.config.WindowSeconds) * time.Second
	now := time.Now()

	script := redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`)

	result, err := script.Run(ctx, rl.redis, []string{redisKey}, window.Milliseconds()).Int()
	if err != nil {
		if rl.config.FailOpenOnErrors {
			rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
			return &RateLimitResult{Allowed: true, Tier: tier}, nil
		}
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	allowed := result <= limit
	remaining := limit - result
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	resetAt := now.Add(ttl)

	var retryAfter time.Duration
	var reason string
	if !allowed {
		retryAfter = ttl
		reason = "Rate limit exceeded"
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
		Tier:       tier,
		Reason:     reason,
	}, nil
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	return rl.config.Tiers[rl.config.DefaultTier]
}

// getEndpointLimits returns the longest path prefix match for method.
func (rl *RateLimiter) getEndpointLimits(path, method string) (string, *EndpointLimits) {
	var (
		bestName string
		best     *EndpointLimits
	)
	for name, limits := range rl.config.Endpoints {
		if limits.Method != "" && !strings.EqualFold(limits.Method, method) {
			continue
		}
		if !strings.HasPrefix(path, limits.Path) {
			continue
		}
		if best == nil || len(limits.Path) > len(best.Path) ||
			(len(limits.Path) == len(best.Path) && name < bestName) {
			l := limits
			bestName, best = name, &l
		}
	}
	return bestName, best
}

func (rl *RateLimiter) calculateEffectiveLimit(tier TierLimits, endpoint *EndpointLimits) int {
	limit := tier.RequestsPerMinute
	if endpoint == nil {
		return limit
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < limit {
		limit = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		limit /= endpoint.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			tier := r.Header.Get(rl.config.TierHeader)
			if tier == "" {
				tier = rl.config.DefaultTier
			}
			clientID := r.Header.Get(rl.config.ClientHeader)
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result, err := rl.Check(ctx, tier, clientID, r.URL.Path, r.Method)
			if err != nil {
				rl.logger.Error("Rate limit check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "rate_limit_unavailable", err.Error(), 0)
				return
			}

			if rl.config.IncludeHeaders && result.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				if rl.rejected != nil {
					rl.rejected.WithLabelValues(tier).Inc()
				}
				retry := int(result.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, retryAfter int) {
	body := map[string]any{"error": code, "message": message}
	if retryAfter > 0 {
		body["retry_after"] = retryAfter
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
