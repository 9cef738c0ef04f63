package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(testLogger(), "predictor", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderRequestID); got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
}

func TestWrap_PreservesRequestIDHeader_WhenProvided(t *testing.T) {
	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := Wrap(testLogger(), "predictor", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set(HeaderRequestID, "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderRequestID); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
	if seen != "rid-123" {
		t.Fatalf("context request id=%q, want rid-123", seen)
	}
}

func TestWrap_ReplacesUnsafeRequestID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(testLogger(), "predictor", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set(HeaderRequestID, "evil id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderRequestID); got == "" || got == "evil id" {
		t.Fatalf("X-Request-Id=%q, want a generated id", got)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(testLogger(), "predictor", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadyzWithChecks("predictor", ReadinessCheck{
		Name:  "always-ok",
		Check: func(ctx context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	fail := ReadyzWithChecks("predictor", ReadinessCheck{
		Name:  "slow",
		Check: WithTimeout(10*time.Millisecond, func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }),
	})
	rec = httptest.NewRecorder()
	fail.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"status":"not_ready"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestWriteError_IncludesRequestIDAndDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.test/v1/predictions", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "rid-9"))
	rec := httptest.NewRecorder()
	WriteError(rec, req, http.StatusBadRequest, "image_required", map[string]any{"field": "image"})

	body := rec.Body.String()
	for _, want := range []string{`"error":"image_required"`, `"request_id":"rid-9"`, `"field":"image"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %s missing %s", body, want)
		}
	}
}
