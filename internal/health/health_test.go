package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/auralis-ai/auralis/internal/health"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := health.New(health.Checker{
		Name:  "broken",
		Check: func(context.Context) error { return errors.New("down") },
	})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h := health.New(
		health.Checker{Name: "storage", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "idle_monitor", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	checks := body["checks"].(map[string]any)
	if checks["storage"] != "ok" || checks["idle_monitor"] != "ok" {
		t.Fatalf("checks = %v", checks)
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	h := health.New(
		health.Checker{Name: "storage", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "database", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "fail" {
		t.Fatalf("status field = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if msg, _ := checks["database"].(string); !strings.HasPrefix(msg, "fail:") {
		t.Fatalf("database check = %v", checks["database"])
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	health.New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}
