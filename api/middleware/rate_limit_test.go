package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
)

type fakeRateStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{counts: make(map[string]int64)}
}

func (f *fakeRateStore) WindowHit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	f.counts[key]++
	if f.counts[key] == 1 {
		return 1, window, nil
	}
	return f.counts[key], 41*time.Second + 300*time.Millisecond, nil
}

func validateRequest(body, remote string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/coupons/validate", strings.NewReader(body))
	req.RemoteAddr = remote
	return req
}

func limitedHandler(policy RateLimitPolicy, store rateLimiterStore) http.Handler {
	return CheckoutIdentity()(CouponRateLimit(policy, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
}

func TestCouponRateLimit_AllowsUnderLimitAndKeepsBody(t *testing.T) {
	store := newFakeRateStore()
	policy := NewRateLimitPolicy("validate", time.Minute, 2, 2)
	handler := CheckoutIdentity()(CouponRateLimit(policy, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if !strings.Contains(string(body), `"userId":"u1"`) {
			t.Fatalf("unexpected body: %s", string(body))
		}
		if got := UserIDFromContext(r.Context()); got != "u1" {
			t.Fatalf("expected user u1 in context, got %q", got)
		}
		if got := StoreIDFromContext(r.Context()); got != "s1" {
			t.Fatalf("expected store s1 in context, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, validateRequest(`{"code":"SAVE10","userId":"u1","storeId":"s1"}`, "1.2.3.4:5678"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCouponRateLimit_UserLimitTriggers(t *testing.T) {
	handler := limitedHandler(NewRateLimitPolicy("validate", time.Minute, 0, 2), newFakeRateStore())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		// different IPs, same shopper
		handler.ServeHTTP(rec, validateRequest(`{"code":"SAVE10","userId":"blocked"}`, fmt.Sprintf("10.0.0.%d:80", i+1)))

		switch {
		case i < 2 && rec.Code != http.StatusOK:
			t.Fatalf("expected success before limit, got %d", rec.Code)
		case i >= 2:
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rec.Code)
			}
			if code := errorCode(t, rec); code != string(pkgerrors.CodeRateLimit) {
				t.Fatalf("unexpected code: %s", code)
			}
			if rec.Header().Get("Retry-After") != "42" {
				t.Fatalf("expected Retry-After 42, got %q", rec.Header().Get("Retry-After"))
			}
		}
	}
}

func TestCouponRateLimit_IPLimitTriggers(t *testing.T) {
	handler := limitedHandler(NewRateLimitPolicy("redeem", time.Minute, 1, 0), newFakeRateStore())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, validateRequest(`{"userId":"a"}`, "9.9.9.9:1000"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, validateRequest(`{"userId":"b"}`, "9.9.9.9:1001"))

	if first.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request blocked, got %d", second.Code)
	}
}

func TestCouponRateLimit_DisabledPolicyPassesThrough(t *testing.T) {
	store := newFakeRateStore()
	handler := limitedHandler(NewRateLimitPolicy("validate", 0, 1, 1), store)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, validateRequest(`{"userId":"u1"}`, "1.1.1.1:1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected pass-through, got %d", rec.Code)
		}
	}
	if len(store.counts) != 0 {
		t.Fatalf("expected no counters, got %v", store.counts)
	}
}

func TestCouponRateLimit_StoreFailureIsDependencyError(t *testing.T) {
	store := newFakeRateStore()
	store.err = errors.New("redis down")
	handler := limitedHandler(NewRateLimitPolicy("validate", time.Minute, 5, 5), store)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, validateRequest(`{"userId":"u1"}`, "1.1.1.1:1"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCheckoutIdentity_RejectsOversizedBody(t *testing.T) {
	called := false
	handler := CheckoutIdentity()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"code":"SAVE10","note":"` + strings.Repeat("x", maxIdentityBodyBytes) + `"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, validateRequest(body, "1.1.1.1:1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(pkgerrors.CodeValidation) {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeValidation, code)
	}
	if called {
		t.Fatal("handler should not run for an oversized body")
	}
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.2")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded ip, got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
	}
	for in, want := range cases {
		if got := retryAfterSeconds(in); got != want {
			t.Fatalf("retryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
