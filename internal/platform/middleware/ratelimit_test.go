package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/patients/internal/platform/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func rateLimitedRequest(t *testing.T, mw echo.MiddlewareFunc, ip, subject string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	req.RemoteAddr = ip + ":4242"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if subject != "" {
		auth.WithPrincipal(c, auth.Principal{Subject: subject})
	}
	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	return rec, err
}

func assertTooManyRequests(t *testing.T, err error) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
}

func TestRateLimit_WithinBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := rateLimit(RateLimitConfig{RequestsPerMinute: 60, Burst: 3}, clock.now)

	for i := 0; i < 3; i++ {
		rec, err := rateLimitedRequest(t, mw, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "60" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := rateLimit(RateLimitConfig{RequestsPerMinute: 60, Burst: 2}, clock.now)

	rateLimitedRequest(t, mw, "10.0.0.1", "")
	rateLimitedRequest(t, mw, "10.0.0.1", "")
	rec, err := rateLimitedRequest(t, mw, "10.0.0.1", "")
	assertTooManyRequests(t, err)
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_Refills(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := rateLimit(RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, clock.now)

	if _, err := rateLimitedRequest(t, mw, "10.0.0.1", ""); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := rateLimitedRequest(t, mw, "10.0.0.1", "")
	assertTooManyRequests(t, err)

	clock.t = clock.t.Add(time.Second)
	if _, err := rateLimitedRequest(t, mw, "10.0.0.1", ""); err != nil {
		t.Errorf("expected a token after one second, got %v", err)
	}
}

func TestRateLimit_KeyedBySubjectThenIP(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := rateLimit(RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, clock.now)

	if _, err := rateLimitedRequest(t, mw, "10.0.0.1", "alice"); err != nil {
		t.Fatal(err)
	}
	// Same subject from another address shares the bucket.
	_, err := rateLimitedRequest(t, mw, "10.0.0.2", "alice")
	assertTooManyRequests(t, err)

	if _, err := rateLimitedRequest(t, mw, "10.0.0.1", "bob"); err != nil {
		t.Errorf("a different subject gets a separate bucket: %v", err)
	}
	if _, err := rateLimitedRequest(t, mw, "10.0.0.1", ""); err != nil {
		t.Errorf("anonymous caller should be keyed by IP: %v", err)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	mw := RateLimit(RateLimitConfig{})
	for i := 0; i < 10; i++ {
		rec, err := rateLimitedRequest(t, mw, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("disabled limiter should not set headers")
		}
	}
}

func TestRateLimit_Skipper(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerMinute: 1, Burst: 1, Skipper: func(echo.Context) bool { return true }})
	for i := 0; i < 3; i++ {
		if _, err := rateLimitedRequest(t, mw, "10.0.0.1", ""); err != nil {
			t.Fatalf("skipped request limited: %v", err)
		}
	}
}

func TestRateLimiterStore_PrunesIdleBuckets(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	store := newRateLimiterStore(RateLimitConfig{RequestsPerMinute: 60, Burst: 60}, start)

	for _, key := range []string{"ip:10.0.0.1", "ip:10.0.0.2", "ip:10.0.0.3"} {
		store.bucket(key, start).take(start)
	}
	store.bucket("ip:10.0.0.3", start.Add(50*time.Second)).take(start.Add(50 * time.Second))

	store.bucket("ip:10.0.0.4", start.Add(61*time.Second))

	if len(store.buckets) != 2 {
		t.Fatalf("expected 2 buckets after sweep, got %d", len(store.buckets))
	}
	for _, key := range []string{"ip:10.0.0.3", "ip:10.0.0.4"} {
		if _, ok := store.buckets[key]; !ok {
			t.Errorf("expected %s to be kept", key)
		}
	}
}

func TestRateLimiterStore_KeepsBucketsStillRefilling(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	store := newRateLimiterStore(RateLimitConfig{RequestsPerMinute: 1, Burst: 2}, start)

	b := store.bucket("sub:alice", start)
	b.take(start)
	b.take(start)

	// A drained bucket refilling at one token a minute needs two minutes.
	store.bucket("sub:bob", start.Add(90*time.Second))
	if _, ok := store.buckets["sub:alice"]; !ok {
		t.Fatal("drained bucket pruned before it refilled")
	}

	store.bucket("sub:bob", start.Add(3*time.Minute))
	if _, ok := store.buckets["sub:alice"]; ok {
		t.Error("expected refilled bucket to be pruned")
	}
}
