package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
)

const redeemPath = "/api/v1/coupons/redeem"

type fakeStore struct {
	data map[string]string
	// onWrite runs before Set and Del touch data.
	onWrite func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.fireWrite()
	str, _ := value.(string)
	f.data[key] = str
	return nil
}

func (f *fakeStore) fireWrite() {
	if hook := f.onWrite; hook != nil {
		f.onWrite = nil
		hook()
	}
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.fireWrite()
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func requestWithPattern(method, url, pattern string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, url, body)
	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{pattern}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func redeemRequest(body, key string) *http.Request {
	req := requestWithPattern(http.MethodPost, redeemPath, redeemPath, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	return payload.Error.Code
}

func TestRouteTTLSelection(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		pattern string
		want    time.Duration
		ok      bool
	}{
		{"redeem", http.MethodPost, redeemPath, redemptionIdempotencyTTL, true},
		{"validate", http.MethodPost, "/api/v1/coupons/validate", 0, false},
		{"create", http.MethodPost, "/api/v1/coupons", 0, false},
		{"redeem wrong method", http.MethodGet, redeemPath, 0, false},
		{"empty pattern", http.MethodPost, "", 0, false},
	}

	for _, tt := range tests {
		ttl, ok := routeTTL(tt.method, tt.pattern)
		if ok != tt.ok {
			t.Fatalf("%s: expected ok=%v got %v", tt.name, tt.ok, ok)
		}
		if ok && ttl != tt.want {
			t.Fatalf("%s: expected ttl=%v got %v", tt.name, tt.want, ttl)
		}
	}
}

func TestIdempotencyMiddlewareRequiresHeader(t *testing.T) {
	mw := Idempotency(newFakeStore(), nil)
	handlerCalled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, redeemRequest(`{"code":"SAVE10"}`, ""))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if handlerCalled {
		t.Fatalf("handler should not run without idempotency key")
	}
}

func TestIdempotencyMiddlewareSkipsOtherRoutes(t *testing.T) {
	mw := Idempotency(newFakeStore(), nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		req := requestWithPattern(http.MethodPost, "/api/v1/coupons/validate", "/api/v1/coupons/validate", strings.NewReader(`{}`))
		mw(handler).ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected handler to run twice, ran %d", calls)
	}
}

func TestIdempotencyMiddlewareReplaysStoredResponse(t *testing.T) {
	mw := Idempotency(newFakeStore(), nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"discount":"10"}}`))
	})

	first := httptest.NewRecorder()
	mw(handler).ServeHTTP(first, redeemRequest(`{"code":"SAVE10","userId":"u1"}`, "abc"))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first response 200 got %d", first.Code)
	}

	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, redeemRequest(`{"code":"SAVE10","userId":"u1"}`, "abc"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected replay status 200 got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected content-type header preserved")
	}
	if strings.TrimSpace(rec.Body.String()) != `{"data":{"discount":"10"}}` {
		t.Fatalf("expected stored body got %s", rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler executed %d times, expected 1", calls)
	}
}

func TestIdempotencyMiddlewareReplaysRejections(t *testing.T) {
	mw := Idempotency(newFakeStore(), nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		mw(handler).ServeHTTP(rec, redeemRequest(`{"code":"GONE"}`, "k1"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400 got %d", i, rec.Code)
		}
	}
	if calls != 1 {
		t.Fatalf("handler executed %d times, expected 1", calls)
	}
}

func TestIdempotencyMiddlewareDetectsBodyChange(t *testing.T) {
	mw := Idempotency(newFakeStore(), nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mw(handler).ServeHTTP(httptest.NewRecorder(), redeemRequest(`{"code":"A"}`, "xyz"))

	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, redeemRequest(`{"code":"B"}`, "xyz"))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected error code %s got %s", pkgerrors.CodeIdempotency, code)
	}
}

func TestIdempotencyMiddlewareRejectsInFlightDuplicate(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)

	var inner *httptest.ResponseRecorder
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inner == nil {
			inner = httptest.NewRecorder()
			mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("duplicate should not reach the handler")
			})).ServeHTTP(inner, redeemRequest(`{"code":"A"}`, "dup"))
		}
		w.WriteHeader(http.StatusOK)
	})

	mw(handler).ServeHTTP(httptest.NewRecorder(), redeemRequest(`{"code":"A"}`, "dup"))

	if inner.Code != http.StatusConflict {
		t.Fatalf("expected 409 for in-flight duplicate got %d", inner.Code)
	}
}

func TestIdempotencyMiddlewareHoldsClaimWhilePersisting(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"redeemed":true}}`))
	})

	duplicate := httptest.NewRecorder()
	store.onWrite = func() {
		mw(handler).ServeHTTP(duplicate, redeemRequest(`{"code":"A"}`, "k1"))
	}

	first := httptest.NewRecorder()
	mw(handler).ServeHTTP(first, redeemRequest(`{"code":"A"}`, "k1"))

	if calls != 1 {
		t.Fatalf("redeem ran %d times for one idempotency key", calls)
	}
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected duplicate during persist to get 409, got %d", duplicate.Code)
	}

	replay := httptest.NewRecorder()
	mw(handler).ServeHTTP(replay, redeemRequest(`{"code":"A"}`, "k1"))
	if replay.Code != http.StatusOK || strings.TrimSpace(replay.Body.String()) != `{"data":{"redeemed":true}}` {
		t.Fatalf("expected stored response replayed, got %d %s", replay.Code, replay.Body.String())
	}
	if calls != 1 {
		t.Fatalf("replay reached the handler, calls=%d", calls)
	}
}

func TestIdempotencyMiddlewareReleasesKeyOnServerError(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	first := httptest.NewRecorder()
	mw(handler).ServeHTTP(first, redeemRequest(`{"code":"A"}`, "retry"))
	if first.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", first.Code)
	}
	if len(store.data) != 0 {
		t.Fatalf("expected key released, store has %d entries", len(store.data))
	}

	second := httptest.NewRecorder()
	mw(handler).ServeHTTP(second, redeemRequest(`{"code":"A"}`, "retry"))
	if second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry to run handler, got status %d calls %d", second.Code, calls)
	}
}

func TestIdempotencyScopeSeparatesShoppers(t *testing.T) {
	mw := CheckoutIdentity()(Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	first := httptest.NewRecorder()
	mw.ServeHTTP(first, redeemRequest(`{"code":"A","userId":"u1"}`, "shared"))
	second := httptest.NewRecorder()
	mw.ServeHTTP(second, redeemRequest(`{"code":"A","userId":"u2"}`, "shared"))

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected both shoppers to succeed, got %d and %d", first.Code, second.Code)
	}
}
