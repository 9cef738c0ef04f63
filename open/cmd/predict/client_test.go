package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/repo"
)

func TestPredictUploadsImage(t *testing.T) {
	var gotPipeline, gotImage, gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/predictions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-Id")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotPipeline = r.FormValue("pipeline")
		f, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		gotImage = header.Filename + ":" + string(data)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "rec-1", "pipeline": "chest", "predicted_class": "Normal", "confidence_score": 0.9})
	}))
	defer srv.Close()

	image := filepath.Join(t.TempDir(), "chest.png")
	if err := os.WriteFile(image, []byte("PNG"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	client := newAPIClient(srv.URL+"/", "tok", "req-1", nil)
	record, err := client.predict(context.Background(), image, "chest")
	if err != nil {
		t.Fatalf("predict() err=%v", err)
	}
	if record.ID != "rec-1" || record.Confidence != 0.9 {
		t.Fatalf("record=%+v", record)
	}
	if gotPipeline != "chest" || gotImage != "chest.png:PNG" || gotAuth != "Bearer tok" || gotRequestID != "req-1" {
		t.Fatalf("pipeline=%q image=%q auth=%q request_id=%q", gotPipeline, gotImage, gotAuth, gotRequestID)
	}
}

func TestPredictSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"prediction_failed"}`))
	}))
	defer srv.Close()

	image := filepath.Join(t.TempDir(), "x.png")
	_ = os.WriteFile(image, []byte("PNG"), 0o644)

	_, err := newAPIClient(srv.URL, "", "", nil).predict(context.Background(), image, "")
	if err == nil || !strings.Contains(err.Error(), "prediction_failed") {
		t.Fatalf("err=%v", err)
	}
}

func TestHistory(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"predictions":[{"id":"a"},{"id":"b"}]}`))
	}))
	defer srv.Close()

	records, err := newAPIClient(srv.URL, "", "", nil).history(context.Background(), 5)
	if err != nil {
		t.Fatalf("history() err=%v", err)
	}
	if gotQuery != "limit=5" || len(records) != 2 {
		t.Fatalf("query=%q records=%v", gotQuery, records)
	}
}

func TestMemoryRecords(t *testing.T) {
	m := &memoryRecords{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := m.CreateRecord(context.Background(), domain.CanonicalRecord{ID: id, OwnerID: "u", Pipeline: "chest", CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("CreateRecord(%s) err=%v", id, err)
		}
	}
	if err := m.CreateRecord(context.Background(), domain.CanonicalRecord{ID: "a"}); err != repo.ErrConflict {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
	out, _ := m.ListRecords(context.Background(), repo.RecordFilter{OwnerID: "u", Limit: 2})
	if len(out) != 2 || out[0].ID != "c" || out[1].ID != "b" {
		t.Fatalf("records=%v", out)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" openid, ,predict ")
	if len(got) != 2 || got[0] != "openid" || got[1] != "predict" {
		t.Fatalf("splitCSV=%v", got)
	}
}
