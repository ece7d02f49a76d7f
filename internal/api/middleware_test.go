package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
)

type stubRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (s *stubRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	if s.err != nil {
		return RateDecision{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	if s.counts[key] >= limit {
		return RateDecision{Limit: limit, RetryAfter: 41500 * time.Millisecond}, nil
	}
	s.counts[key]++
	return RateDecision{Allowed: true, Limit: limit, Remaining: limit - s.counts[key]}, nil
}

type memoryIdempotencyStore struct {
	mu       sync.Mutex
	records  map[string]IdempotencyRecord
	err      error
	released int
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{records: make(map[string]IdempotencyRecord)}
}

func (s *memoryIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		return &existing, false, nil
	}
	s.records[key] = IdempotencyRecord{Fingerprint: fingerprint}
	return nil, true, nil
}

func (s *memoryIdempotencyStore) Complete(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Completed = true
	s.records[key] = record
	return nil
}

func (s *memoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	s.released++
	return nil
}

func (s *memoryIdempotencyStore) markAllPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.records {
		s.records[key] = IdempotencyRecord{Fingerprint: record.Fingerprint}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := &stubRateLimiter{}
	srv := newTestServer(t, RouterOptions{RateLimiter: limiter, MutationRateLimitPerMinute: 2})
	merchant := srv.provision(t, "USD", nil)
	admin := adminToken(t)

	resp, body := srv.adjust(t, admin, merchant, "TOPUP", "1.00")
	expectStatus(t, resp, body, http.StatusCreated)
	if resp.Header.Get("X-RateLimit-Remaining") != "1" || resp.Header.Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("unexpected limit headers %v", resp.Header)
	}
	resp, body = srv.adjust(t, admin, merchant, "TOPUP", "1.00")
	expectStatus(t, resp, body, http.StatusCreated)
	resp, body = srv.adjust(t, admin, merchant, "TOPUP", "1.00")
	expectStatus(t, resp, body, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After rounded up to 42, got %q", resp.Header.Get("Retry-After"))
	}
	var refused struct {
		Error             string `json:"error"`
		Group             string `json:"group"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(body, &refused); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if refused.Group != "adjustments" || refused.RetryAfterSeconds != 42 || refused.Error == "" {
		t.Fatalf("unexpected 429 body %s", body)
	}

	// Other route groups, reads and other actors keep their own budget.
	other := srv.provision(t, "USD", nil)
	if other == merchant {
		t.Fatalf("expected a second merchant")
	}
	resp, body = srv.do(t, http.MethodGet, "/billing/merchants/"+merchant.String()+"/balance", admin, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = srv.do(t, http.MethodPost, "/billing/merchants/"+merchant.String()+"/subscription/extend", admin, map[string]int{"days": 7})
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = srv.adjust(t, signToken(t, adminClaims("admin-2")), merchant, "TOPUP", "1.00")
	expectStatus(t, resp, body, http.StatusCreated)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	limiter := &stubRateLimiter{err: errors.New("redis down")}
	srv := newTestServer(t, RouterOptions{RateLimiter: limiter, MutationRateLimitPerMinute: 1})
	merchant := srv.provision(t, "USD", nil)

	for i := 0; i < 3; i++ {
		resp, body := srv.adjust(t, adminToken(t), merchant, "TOPUP", "1.00")
		expectStatus(t, resp, body, http.StatusCreated)
	}
}

func TestIdempotencyMiddleware_ReplaysCompletedRequest(t *testing.T) {
	idem := newMemoryIdempotencyStore()
	srv := newTestServer(t, RouterOptions{Idempotency: idem})
	merchant := srv.provision(t, "USD", nil)
	admin := adminToken(t)
	path := "/billing/merchants/" + merchant.String() + "/adjustments"
	payload := map[string]string{"type": "TOPUP", "amount": "10.00", "currency_code": "USD"}

	first, firstBody := srv.do(t, http.MethodPost, path, admin, payload, idempotencyHeader, "topup-1")
	expectStatus(t, first, firstBody, http.StatusCreated)
	second, secondBody := srv.do(t, http.MethodPost, path, admin, payload, idempotencyHeader, "topup-1")
	expectStatus(t, second, secondBody, http.StatusCreated)

	if second.Header.Get("X-Idempotency-Hit") != "true" {
		t.Fatalf("expected the replay header on the second response")
	}
	if string(firstBody) != string(secondBody) {
		t.Fatalf("replayed body differs:\n%s\n%s", firstBody, secondBody)
	}
	balance, _ := srv.ledger.GetBalance(context.Background(), merchant)
	if balance.Amount.Amount != 1000 {
		t.Fatalf("retry must not apply the top-up twice, balance %s", balance.Amount)
	}

	// A different body under the same key is refused.
	payload["amount"] = "99.00"
	resp, body := srv.do(t, http.MethodPost, path, admin, payload, idempotencyHeader, "topup-1")
	expectStatus(t, resp, body, http.StatusUnprocessableEntity)

	// The same key from another actor is a different request.
	resp, body = srv.do(t, http.MethodPost, path, signToken(t, adminClaims("admin-2")), payload, idempotencyHeader, "topup-1")
	expectStatus(t, resp, body, http.StatusCreated)
}

func TestIdempotencyMiddleware_InFlightConflict(t *testing.T) {
	idem := newMemoryIdempotencyStore()
	srv := newTestServer(t, RouterOptions{Idempotency: idem})
	merchant := srv.provision(t, "USD", nil)
	path := "/billing/merchants/" + merchant.String() + "/adjustments"
	payload := map[string]string{"type": "TOPUP", "amount": "10.00", "currency_code": "USD"}

	resp, body := srv.do(t, http.MethodPost, path, adminToken(t), payload, idempotencyHeader, "topup-2")
	expectStatus(t, resp, body, http.StatusCreated)
	idem.markAllPending()

	resp, body = srv.do(t, http.MethodPost, path, adminToken(t), payload, idempotencyHeader, "topup-2")
	expectStatus(t, resp, body, http.StatusConflict)
}

func TestIdempotencyMiddleware_ReleasesOnServerError(t *testing.T) {
	idem := newMemoryIdempotencyStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	handler := IdempotencyMiddleware(idem, time.Hour, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeError(w, http.StatusInternalServerError, "boom")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"call": calls})
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/transfers", strings.NewReader(`{"a":1}`))
		req.Header.Set(idempotencyHeader, "k")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if idem.released != 1 {
		t.Fatalf("server errors must release the key")
	}
	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("expected the retry to run, got %d", rec.Code)
	}
	if rec := send(); rec.Header().Get("X-Idempotency-Hit") != "true" || calls != 2 {
		t.Fatalf("expected a replay after success, calls=%d", calls)
	}
}

func TestIdempotencyMiddleware_ReleasesOnPanic(t *testing.T) {
	idem := newMemoryIdempotencyStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	handler := middleware.Recoverer(IdempotencyMiddleware(idem, time.Hour, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("handler exploded")
		}
		writeJSON(w, http.StatusCreated, map[string]int{"call": calls})
	})))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/transfers", strings.NewReader(`{"a":1}`))
		req.Header.Set(idempotencyHeader, "k")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected the recovered panic as 500, got %d", rec.Code)
	}
	if idem.released != 1 {
		t.Fatalf("a panicking handler must release the key, released=%d", idem.released)
	}
	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("expected the retry to run instead of 409, got %d", rec.Code)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	idem := newMemoryIdempotencyStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	handler := IdempotencyMiddleware(idem, time.Hour, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	oversized := `{"note":"` + strings.Repeat("x", maxBodyBytes) + `"}`

	req := httptest.NewRequest(http.MethodPost, "/billing/transfers", strings.NewReader(oversized))
	req.Header.Set(idempotencyHeader, "big")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge || calls != 0 {
		t.Fatalf("expected 413 without reaching the handler, got %d (calls=%d)", rec.Code, calls)
	}
	if len(idem.records) != 0 {
		t.Fatalf("an oversized request must not reserve a key")
	}

	// Without a key the same limit applies when decoding.
	srv := newTestServer(t, RouterOptions{})
	resp, body := srv.do(t, http.MethodPost, "/billing/transfers", adminToken(t), oversized)
	expectStatus(t, resp, body, http.StatusRequestEntityTooLarge)

	// A body of exactly the limit is still read whole.
	exact := httptest.NewRequest(http.MethodPost, "/billing/transfers", strings.NewReader(strings.Repeat(" ", maxBodyBytes)))
	if body, ok := readLimitedBody(httptest.NewRecorder(), exact); !ok || len(body) != maxBodyBytes {
		t.Fatalf("expected %d bytes, got %d (ok=%v)", maxBodyBytes, len(body), ok)
	}
}

func TestIdempotencyMiddleware_PassThrough(t *testing.T) {
	idem := newMemoryIdempotencyStore()
	idem.err = errors.New("redis down")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	handler := IdempotencyMiddleware(idem, time.Hour, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		method string
		key    string
	}{
		{"without key", http.MethodPost, ""},
		{"get with key", http.MethodGet, "k"},
		{"store unavailable", http.MethodPost, "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/billing/transfers", strings.NewReader(`{}`))
			if tt.key != "" {
				req.Header.Set(idempotencyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected pass-through, got %d", rec.Code)
			}
		})
	}
	if calls != len(tests) {
		t.Fatalf("expected %d handler calls, got %d", len(tests), calls)
	}
}

func TestRouteGroup(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		path string
		want string
	}{
		{"/billing/merchants", "provisioning"},
		{"/billing/merchants/", "provisioning"},
		{"/billing/merchants/" + id + "/adjustments", "adjustments"},
		{"/billing/merchants/" + id + "/currency", "currency"},
		{"/billing/merchants/" + id + "/subscription/extend", "subscription"},
		{"/billing/transfers", "transfers"},
		{"/billing/payment-requests/" + id + "/verify", "payment-requests"},
		{"/billing", "other"},
	}
	for _, tt := range tests {
		if got := routeGroup(tt.path); got != tt.want {
			t.Errorf("routeGroup(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDecodeWindowResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    RateDecision
		wantErr bool
	}{
		{"admitted", []interface{}{int64(1), int64(3), int64(0)}, RateDecision{Allowed: true, Limit: 5, Remaining: 2}, false},
		{"last slot", []interface{}{int64(1), int64(5), int64(0)}, RateDecision{Allowed: true, Limit: 5}, false},
		{"refused", []interface{}{int64(0), int64(5), int64(12500)}, RateDecision{Limit: 5, RetryAfter: 12500 * time.Millisecond}, false},
		{"refused with tiny wait", []interface{}{int64(0), int64(5), int64(3)}, RateDecision{Limit: 5, RetryAfter: time.Second}, false},
		{"wrong shape", []interface{}{int64(1)}, RateDecision{}, true},
		{"wrong type", []interface{}{"1", int64(1), int64(0)}, RateDecision{}, true},
		{"not a list", int64(1), RateDecision{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeWindowResult(tt.raw, 5)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScopedIdempotencyKey(t *testing.T) {
	base := scopedIdempotencyKey("a", http.MethodPost, "/billing/transfers", "k")
	if base != scopedIdempotencyKey("a", http.MethodPost, "/billing/transfers", "k") {
		t.Fatalf("key must be deterministic")
	}
	for _, other := range []string{
		scopedIdempotencyKey("b", http.MethodPost, "/billing/transfers", "k"),
		scopedIdempotencyKey("a", http.MethodPut, "/billing/transfers", "k"),
		scopedIdempotencyKey("a", http.MethodPost, "/billing/merchants", "k"),
		scopedIdempotencyKey("a", http.MethodPost, "/billing/transfers", "k2"),
	} {
		if other == base {
			t.Fatalf("keys must be scoped by actor, method, path and client key")
		}
	}
	if fingerprintBody([]byte(" {\"a\":1}\n")) != fingerprintBody([]byte(`{"a":1}`)) {
		t.Fatalf("surrounding whitespace must not change the fingerprint")
	}
}

func TestBillingClaims_AuthContext(t *testing.T) {
	merchant := uuid.New()
	claims := BillingClaims{Role: "owner", MerchantID: merchant.String(), MerchantIDs: []string{merchant.String()}}
	claims.Subject = "user-9"

	auth, err := claims.authContext()
	if err != nil {
		t.Fatalf("auth context: %v", err)
	}
	if auth.Role != domain.RoleOwner || auth.ActorID != "user-9" || !auth.Owns(merchant) || auth.MerchantID == nil {
		t.Fatalf("unexpected auth context %+v", auth)
	}

	claims.MerchantIDs = []string{"bad"}
	if _, err := claims.authContext(); err == nil {
		t.Fatalf("invalid merchant ids must be rejected")
	}
}

func TestNewTokenVerifier_RequiresKeyMaterial(t *testing.T) {
	if _, err := NewTokenVerifier(" ", "issuer", ""); err == nil {
		t.Fatalf("expected an error without signing key or JWKS URL")
	}
}
