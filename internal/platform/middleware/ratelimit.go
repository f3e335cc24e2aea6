package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/patients/internal/platform/auth"
)

// RateLimitConfig sizes the per-client token buckets. A non-positive rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	Skipper           echomw.Skipper
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(perMinute, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60,
		lastRefill: now,
	}
}

// take consumes a token. When none is available it returns the whole
// seconds until one will be.
func (b *tokenBucket) take(now time.Time) (remaining int, retryAfter int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return int(b.tokens), 0, true
	}
	if b.refillRate <= 0 {
		return 0, 1, false
	}
	wait := int(math.Ceil((1 - b.tokens) / b.refillRate))
	if wait < 1 {
		wait = 1
	}
	return 0, wait, false
}

// idleAfter is how long an untouched bucket takes to refill completely.
func (b *tokenBucket) idleAfter() time.Duration {
	if b.refillRate <= 0 {
		return 0
	}
	return time.Duration(b.maxTokens / b.refillRate * float64(time.Second))
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefill)
}

// sweepInterval bounds how often idle buckets are pruned.
const sweepInterval = time.Minute

type rateLimiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	cfg       RateLimitConfig
	lastSweep time.Time
}

func newRateLimiterStore(cfg RateLimitConfig, now time.Time) *rateLimiterStore {
	return &rateLimiterStore{
		buckets:   make(map[string]*tokenBucket),
		cfg:       cfg,
		lastSweep: now,
	}
}

func (s *rateLimiterStore) bucket(key string, now time.Time) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweep(now)
	}
	b, ok := s.buckets[key]
	if !ok {
		b = newTokenBucket(s.cfg.RequestsPerMinute, s.cfg.Burst, now)
		s.buckets[key] = b
	}
	return b
}

// sweep drops buckets that have sat idle long enough to be full again; a
// fresh bucket for the same key behaves identically. Callers hold s.mu.
func (s *rateLimiterStore) sweep(now time.Time) {
	s.lastSweep = now
	for key, b := range s.buckets {
		idle := b.idleAfter()
		if idle < sweepInterval {
			idle = sweepInterval
		}
		if b.idleSince(now) >= idle {
			delete(s.buckets, key)
		}
	}
}

// RateLimit throttles requests per authenticated subject, or per client IP
// when the request carries no principal. It must run after authentication.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	store := newRateLimiterStore(cfg, now())
	limit := strconv.Itoa(cfg.RequestsPerMinute)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.RequestsPerMinute <= 0 || (cfg.Skipper != nil && cfg.Skipper(c)) {
				return next(c)
			}

			key := "ip:" + c.RealIP()
			if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok && p.Subject != "" {
				key = "sub:" + p.Subject
			}

			t := now()
			remaining, retryAfter, ok := store.bucket(key, t).take(t)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too Many Attempts.")
			}
			return next(c)
		}
	}
}
