package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crmrelay/internal/config"
)

func newTestServerForHealth(probes ...HealthProbe) *Server {
	cfg := &config.Config{Environment: "local"}
	cfg.Build.Version = "1.2.3"
	srv, _ := NewServer(cfg, testLogger())
	srv.HealthProbes = probes
	return srv
}

func runHealth(t *testing.T, srv *Server) (int, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, resp := runHealth(t, newTestServerForHealth())
	if code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("unexpected result %d %+v", code, resp)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected build version, got %q", resp.Version)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	ok := func(context.Context) error { return nil }
	code, resp := runHealth(t, newTestServerForHealth(ProbeFunc("stripe", ok), ProbeFunc("contacts", ok)))

	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if len(resp.Components) != 2 || resp.Components["stripe"].Status != "healthy" {
		t.Errorf("unexpected components %+v", resp.Components)
	}
}

func TestHandleHealth_OneUnhealthy(t *testing.T) {
	code, resp := runHealth(t, newTestServerForHealth(
		ProbeFunc("stripe", func(context.Context) error { return errors.New("secret key not configured") }),
		ProbeFunc("contacts", func(context.Context) error { return nil }),
	))

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["stripe"].Message != "secret key not configured" {
		t.Errorf("unexpected stripe component %+v", resp.Components["stripe"])
	}
	if resp.Components["contacts"].Status != "healthy" {
		t.Errorf("unexpected contacts component %+v", resp.Components["contacts"])
	}
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	code, resp := runHealth(t, newTestServerForHealth(
		ProbeFunc("bad", func(context.Context) error { panic("nil map") }),
	))
	if code != http.StatusServiceUnavailable || resp.Components["bad"].Status != "unhealthy" {
		t.Errorf("unexpected result %d %+v", code, resp)
	}
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health deadline")
	}
	release := make(chan struct{})
	defer close(release)

	code, resp := runHealth(t, newTestServerForHealth(
		ProbeFunc("slow", func(ctx context.Context) error {
			select {
			case <-release:
			case <-time.After(10 * time.Second):
			}
			return nil
		}),
	))

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["slow"].Message != "health check timed out" {
		t.Errorf("unexpected component %+v", resp.Components["slow"])
	}
}
