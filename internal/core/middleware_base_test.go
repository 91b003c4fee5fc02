package core

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/config"
	"crmrelay/internal/types"
)

func newTestServerForMiddleware(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{Environment: "local"}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

// --- Recoverer ---

func TestRecoverer_NoPanic(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestRecoverer_Panic_ReturnsJSON500(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), `req-"quoted"`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not valid JSON: %v (%s)", err, rec.Body.String())
	}
	if body.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("unexpected code %q", body.Code)
	}
	if body.RequestID != `req-"quoted"` {
		t.Errorf("unexpected request_id %q", body.RequestID)
	}
	if strings.Contains(body.Error, "something went wrong") {
		t.Error("panic value must not leak to the client")
	}
}

// --- RequestID ---

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	var ctxID string
	handler := srv.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = types.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if ctxID == "" {
		t.Fatal("expected request id in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != ctxID {
		t.Errorf("response header %q does not match context id %q", got, ctxID)
	}
}

func TestRequestIDMiddleware_PropagatesInbound(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	var ctxID string
	handler := srv.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = types.GetRequestID(r.Context())
		if types.LoggerFromContext(r.Context(), nil) == slog.Default() {
			t.Error("expected request-scoped logger in context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if ctxID != "abc-123" {
		t.Errorf("expected inbound id to be reused, got %q", ctxID)
	}
}

func TestRequestIDMiddleware_RejectsOversizedInbound(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	var ctxID string
	handler := srv.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(ctxID) != 36 {
		t.Errorf("expected a generated UUID, got %q", ctxID)
	}
}

// --- RequestLogger ---

func TestRequestLogger_RedactsHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger, defaultRedactedHeaders)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", nil)
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "Bearer secret") {
		t.Errorf("sensitive header leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in log: %s", out)
	}
	if !strings.Contains(out, `"status":418`) {
		t.Errorf("expected captured status in log: %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("expected 4xx to log at WARN: %s", out)
	}
}

// --- CORS ---

func TestCORS_PreflightAnyPath(t *testing.T) {
	called := false
	handler := NewCORSMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/anything/at/all", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the next handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Stripe-Signature") {
		t.Error("expected Stripe-Signature in allowed headers")
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://shop.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	cases := []struct {
		origin string
		want   string
	}{
		{"https://shop.example.com", "https://shop.example.com"},
		{"https://evil.example.com", ""},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/x", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Errorf("allow-origin = %q, want %q", got, tc.want)
			}
			if tc.want != "" && rec.Header().Get("Vary") != "Origin" {
				t.Error("expected Vary: Origin for specific origin")
			}
		})
	}
}

// --- Security headers ---

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

// --- Timeout ---

func TestContextTimeoutMiddleware_SetsDeadline(t *testing.T) {
	handler := ContextTimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

// --- Metrics ---

type recordedRequest struct {
	method, endpoint, status string
}

type mockMetricsCollector struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *mockMetricsCollector) RecordRequest(_ context.Context, method, endpoint, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, endpoint, status})
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	metrics := &mockMetricsCollector{}
	srv.Metrics = metrics
	srv.APIRouteRegistrars = []RouteRegistrar{
		func(r chi.Router) {
			r.Post("/stripe-webhook", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			})
		},
	}
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", nil))

	if len(metrics.requests) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(metrics.requests))
	}
	got := metrics.requests[0]
	if got.method != http.MethodPost || got.endpoint != "/api/stripe-webhook" || got.status != "400" {
		t.Errorf("unexpected metric: %+v", got)
	}
}

func TestMetricsMiddleware_NilCollectorPassThrough(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	called := false
	handler := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("expected pass-through")
	}
}

// --- Compression ---

func TestCompressMiddleware_GzipsLargeResponses(t *testing.T) {
	payload := strings.Repeat(`{"k":"v"}`, 500)
	handler := CompressMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("expected gzip encoding, got %q", rec.Header().Get("Content-Encoding"))
	}
	if rec.Body.Len() >= len(payload) {
		t.Errorf("expected compressed body smaller than %d, got %d", len(payload), rec.Body.Len())
	}
}
