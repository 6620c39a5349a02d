package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthReportsIdentity(t *testing.T) {
	h := New("worker-1", "transcription")
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
	if body["workerId"] != "worker-1" {
		t.Errorf("workerId = %q", body["workerId"])
	}
	if body["mode"] != "transcription" {
		t.Errorf("mode = %q", body["mode"])
	}
	if body["timestamp"] != "2026-08-24T12:00:00Z" {
		t.Errorf("timestamp = %q", body["timestamp"])
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h := New("w", "both",
		Checker{Name: "database", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"database":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestReadyzFailingChecker(t *testing.T) {
	h := New("w", "both",
		Checker{Name: "database", Check: func(context.Context) error { return nil }},
		Checker{Name: "realtime", Check: func(context.Context) error { return errors.New("stream stalled") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"fail"`) {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(body, "stream stalled") {
		t.Errorf("body should carry the failure reason, got %s", body)
	}
}

func TestRegisterUnknownPath404(t *testing.T) {
	h := New("w", "both")
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	h := New("w", "both")
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
