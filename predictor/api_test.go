package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/pipelines"
	"github.com/animus-labs/medscan/internal/platform/auth"
	"github.com/animus-labs/medscan/internal/service/prediction"
)

type fakePredictionService struct {
	input    prediction.PredictInput
	image    string
	record   domain.CanonicalRecord
	records  []domain.CanonicalRecord
	err      error
	listArgs []any
}

func (f *fakePredictionService) Predict(ctx context.Context, input prediction.PredictInput) (domain.CanonicalRecord, error) {
	f.input = input
	if input.Image != nil {
		data, _ := io.ReadAll(input.Image)
		f.image = string(data)
	}
	return f.record, f.err
}

func (f *fakePredictionService) ListRecords(ctx context.Context, ownerID, pipeline string, limit int) ([]domain.CanonicalRecord, error) {
	f.listArgs = []any{ownerID, pipeline, limit}
	if pipeline == "knee" {
		return nil, prediction.ErrUnknownPipeline
	}
	return f.records, f.err
}

func (f *fakePredictionService) Pipelines() []domain.PipelineSpec {
	return pipelines.DefaultSpecs("/opt/medscan", "")
}

func (f *fakePredictionService) Policy() arbitration.Policy {
	return arbitration.DefaultPolicy()
}

func newTestHandler(svc predictionService, maxBytes int64) http.Handler {
	mux := http.NewServeMux()
	newPredictorAPI(slog.New(slog.DiscardHandler), svc, maxBytes).register(mux)
	return auth.Middleware{
		Authenticator: auth.NewDevAuthenticator(auth.Config{DevSubject: "user-1", DevRoles: []string{auth.RoleClinician}}),
		Authorize:     auth.MethodRoleAuthorizer(),
	}.Wrap(mux)
}

func multipartRequest(t *testing.T, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if image != nil {
		part, err := mw.CreateFormFile("image", "wrist.png")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = part.Write(image)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/predictions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestCreatePrediction(t *testing.T) {
	svc := &fakePredictionService{record: domain.CanonicalRecord{
		ID:         "rec-1",
		OwnerID:    "user-1",
		Pipeline:   "fracture",
		Label:      "XR_WRIST",
		Confidence: 0.42,
		ImageRef:   "/uploads/x_wrist.png",
		Extra:      map[string]string{"location": "WRIST"},
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	rec := httptest.NewRecorder()
	newTestHandler(svc, 1<<20).ServeHTTP(rec, multipartRequest(t, map[string]string{"reportType": "Fracture"}, []byte("PNG")))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if svc.input.OwnerID != "user-1" || svc.input.Pipeline != "Fracture" || svc.input.Filename != "wrist.png" || svc.image != "PNG" {
		t.Fatalf("input=%+v image=%q", svc.input, svc.image)
	}
	var got domain.CanonicalRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Confidence != 0.42 || got.Extra["location"] != "WRIST" {
		t.Fatalf("record=%+v", got)
	}
}

func TestCreatePredictionPipelineFieldWinsOverAlias(t *testing.T) {
	svc := &fakePredictionService{}
	rec := httptest.NewRecorder()
	newTestHandler(svc, 1<<20).ServeHTTP(rec, multipartRequest(t, map[string]string{"pipeline": "chest", "reportType": "fracture"}, []byte("PNG")))
	if svc.input.Pipeline != "chest" {
		t.Fatalf("pipeline=%q", svc.input.Pipeline)
	}
}

func TestCreatePredictionErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unknown pipeline", prediction.ErrUnknownPipeline, http.StatusBadRequest, "unknown_pipeline"},
		{"empty image", prediction.ErrImageRequired, http.StatusBadRequest, "image_required"},
		{
			"prediction failed",
			&domain.PredictionError{
				Attempted: []string{"chest", "fracture"},
				Failures: map[string]error{
					"chest":    domain.NewPipelineError("chest", domain.KindMalformedOutput, "no JSON record in output"),
					"fracture": domain.NewPipelineError("fracture", domain.KindTimeout, "hard time budget exceeded"),
				},
			},
			http.StatusUnprocessableEntity, "prediction_failed",
		},
		{
			"all timed out",
			&domain.PredictionError{
				Attempted: []string{"chest"},
				Failures:  map[string]error{"chest": domain.NewPipelineError("chest", domain.KindTimeout, "hard time budget exceeded")},
			},
			http.StatusGatewayTimeout, "prediction_timeout",
		},
		{
			"not saved",
			&domain.PersistenceError{Record: domain.CanonicalRecord{ID: "rec-9"}, Err: errors.New("conn reset")},
			http.StatusServiceUnavailable, "prediction_not_saved",
		},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestHandler(&fakePredictionService{err: tc.err}, 1<<20).ServeHTTP(rec, multipartRequest(t, nil, []byte("PNG")))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d, want %d body=%s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body["error"] != tc.wantCode {
				t.Fatalf("error=%v, want %s", body["error"], tc.wantCode)
			}
		})
	}
}

func TestCreatePredictionFailureNamesEveryPipeline(t *testing.T) {
	svc := &fakePredictionService{err: &domain.PredictionError{
		Attempted: []string{"chest", "fracture"},
		Failures: map[string]error{
			"chest":    domain.NewPipelineError("chest", domain.KindMalformedOutput, "no JSON record in output"),
			"fracture": domain.NewPipelineError("fracture", domain.KindConfiguration, "script missing"),
		},
	}}
	rec := httptest.NewRecorder()
	newTestHandler(svc, 1<<20).ServeHTTP(rec, multipartRequest(t, nil, []byte("PNG")))

	body := decodeError(t, rec)
	details, _ := body["details"].(map[string]any)
	reasons, _ := details["reasons"].(map[string]any)
	if reasons["chest"] != "no JSON record in output" || reasons["fracture"] != "script missing" {
		t.Fatalf("details=%v", details)
	}
	if strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("stack trace leaked: %s", rec.Body.String())
	}
}

func TestCreatePredictionRequiresImage(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&fakePredictionService{}, 1<<20).ServeHTTP(rec, multipartRequest(t, map[string]string{"pipeline": "chest"}, nil))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec)["error"] != "image_required" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreatePredictionRejectsNonMultipart(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/predictions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	newTestHandler(&fakePredictionService{}, 1<<20).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec)["error"] != "invalid_multipart" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreatePredictionTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	req := multipartRequest(t, nil, bytes.Repeat([]byte("x"), 4096))
	newTestHandler(&fakePredictionService{}, 1024).ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreatePredictionRequiresClinician(t *testing.T) {
	mux := http.NewServeMux()
	newPredictorAPI(slog.New(slog.DiscardHandler), &fakePredictionService{}, 1<<20).register(mux)
	handler := auth.Middleware{
		Authenticator: auth.NewDevAuthenticator(auth.Config{DevSubject: "viewer-1", DevRoles: []string{auth.RoleViewer}}),
		Authorize:     auth.MethodRoleAuthorizer(),
	}.Wrap(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartRequest(t, nil, []byte("PNG")))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestListPredictions(t *testing.T) {
	svc := &fakePredictionService{records: []domain.CanonicalRecord{{ID: "a"}, {ID: "b"}}}
	rec := httptest.NewRecorder()
	newTestHandler(svc, 1<<20).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/predictions?limit=1000&pipeline=chest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if svc.listArgs[0] != "user-1" || svc.listArgs[1] != "chest" || svc.listArgs[2] != maxListLimit {
		t.Fatalf("args=%v", svc.listArgs)
	}
	var body predictionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Predictions) != 2 {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}
}

func TestListPredictionsEmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&fakePredictionService{}, 1<<20).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/predictions", nil))
	if !strings.Contains(rec.Body.String(), `"predictions":[]`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestListPredictionsValidation(t *testing.T) {
	for _, target := range []string{"/v1/predictions?limit=abc", "/v1/predictions?limit=0", "/v1/predictions?pipeline=knee"} {
		rec := httptest.NewRecorder()
		newTestHandler(&fakePredictionService{}, 1<<20).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", target, rec.Code)
		}
	}
}

func TestListPipelines(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&fakePredictionService{}, 1<<20).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pipelines", nil))
	var body pipelineListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Pipelines) != 2 || body.Pipelines[1].Name != "fracture" || body.Pipelines[1].Extras[0] != "location" {
		t.Fatalf("body=%+v", body)
	}
	if body.Arbitration.Preferred != "fracture" || body.Arbitration.Threshold != 0.3 {
		t.Fatalf("arbitration=%+v", body.Arbitration)
	}
}

func TestPipelinesReady(t *testing.T) {
	dir := t.TempDir()
	spec := domain.PipelineSpec{Name: "chest", WorkingDir: dir, Script: "pipeline.py"}
	check := pipelinesReady([]domain.PipelineSpec{spec})
	if err := check(context.Background()); err == nil {
		t.Fatalf("expected missing script error")
	}
	if err := os.WriteFile(filepath.Join(dir, "pipeline.py"), []byte("print()"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("check err=%v", err)
	}
}
