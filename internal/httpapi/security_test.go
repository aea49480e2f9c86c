package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/service"
	"distribuidora/backend/internal/store"
	"distribuidora/backend/internal/store/memory"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
	if got := res.Header().Get("X-Request-ID"); got == "" {
		t.Fatalf("expected X-Request-ID to be set")
	}
	if got := res.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key to be an allowed header, got %q", got)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, service.Options{})
	api := New(svc, NewAuthManager(context.Background(), testSecret, time.Hour, repo), "*", 5)
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}

	// Another client still has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.9:6000"
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a fresh client, got %d", res.Code)
	}
}

func TestAttemptLimiterCleanupDropsIdleClients(t *testing.T) {
	limiter := newAttemptLimiter(2)
	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")

	if removed := limiter.Cleanup(time.Now()); removed != 0 {
		t.Fatalf("expected no active client to be dropped, got %d", removed)
	}
	if removed := limiter.Cleanup(time.Now().Add(10 * time.Minute)); removed != 2 {
		t.Fatalf("expected both idle clients to be dropped, got %d", removed)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestServerErrorsDoNotLeakDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	res := httptest.NewRecorder()

	writeServiceError(res, req, errors.New("pq: relation \"orders\" does not exist"))

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "relation") {
		t.Fatalf("expected generic message, got %s", res.Body.String())
	}
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := map[error]int{
		errors.Wrap(service.ErrInvalidRequest, "quantity"):  http.StatusBadRequest,
		errors.Wrap(store.ErrInvalidRecord, "price"):        http.StatusBadRequest,
		errors.Wrap(store.ErrNotFound, "order ord-1"):       http.StatusNotFound,
		service.ErrForbidden:                                http.StatusForbidden,
		service.ErrSubmissionPending:                        http.StatusConflict,
		errors.Wrap(store.ErrInvalidTransition, "shipped"):  http.StatusConflict,
		errors.Wrap(store.ErrConflict, "username operador"): http.StatusConflict,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected cap 200, got %d", got)
	}
	if got := parsePositiveLimit("-1", 50, 200); got != 50 {
		t.Fatalf("expected fallback 50, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback 50, got %d", got)
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:4000"
	if got := clientKey(req); got != "2001:db8::1" {
		t.Fatalf("expected bare IPv6 address, got %q", got)
	}
	req.RemoteAddr = ""
	if got := clientKey(req); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
