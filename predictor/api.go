package main

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/platform/auth"
	"github.com/animus-labs/medscan/internal/platform/httpserver"
	"github.com/animus-labs/medscan/internal/service/prediction"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	formMemoryBytes  = 8 << 20
)

type predictionService interface {
	Predict(ctx context.Context, input prediction.PredictInput) (domain.CanonicalRecord, error)
	ListRecords(ctx context.Context, ownerID, pipeline string, limit int) ([]domain.CanonicalRecord, error)
	Pipelines() []domain.PipelineSpec
	Policy() arbitration.Policy
}

type predictorAPI struct {
	logger         *slog.Logger
	svc            predictionService
	uploadMaxBytes int64
}

func newPredictorAPI(logger *slog.Logger, svc predictionService, uploadMaxBytes int64) *predictorAPI {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = 32 << 20
	}
	return &predictorAPI{logger: logger, svc: svc, uploadMaxBytes: uploadMaxBytes}
}

func (api *predictorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/predictions", api.handleCreatePrediction)
	mux.HandleFunc("GET /v1/predictions", api.handleListPredictions)
	mux.HandleFunc("GET /v1/pipelines", api.handleListPipelines)
	mux.HandleFunc("GET /openapi.yaml", api.handleOpenAPI)
}

type pipelineView struct {
	Name       string   `json:"name"`
	Vocabulary []string `json:"vocabulary"`
	Extras     []string `json:"extras,omitempty"`
}

type pipelineListResponse struct {
	Pipelines   []pipelineView     `json:"pipelines"`
	Arbitration arbitration.Policy `json:"arbitration"`
}

type predictionListResponse struct {
	Predictions []domain.CanonicalRecord `json:"predictions"`
}

func (api *predictorAPI) handleCreatePrediction(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}

	if r.ContentLength > api.uploadMaxBytes {
		api.writeTooLarge(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	if err := r.ParseMultipartForm(formMemoryBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeTooLarge(w, r)
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_multipart", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			httpserver.WriteError(w, r, http.StatusBadRequest, "image_required", nil)
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_multipart", nil)
		return
	}
	defer file.Close()

	pipeline := strings.TrimSpace(r.FormValue("pipeline"))
	if pipeline == "" {
		pipeline = strings.TrimSpace(r.FormValue("reportType"))
	}

	record, err := api.svc.Predict(r.Context(), prediction.PredictInput{
		Image:       file,
		Filename:    header.Filename,
		ContentType: contentTypeOf(header),
		OwnerID:     owner,
		Pipeline:    pipeline,
	})
	if err != nil {
		api.writePredictError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, record)
}

func (api *predictorAPI) writePredictError(w http.ResponseWriter, r *http.Request, err error) {
	var predErr *domain.PredictionError
	var persistErr *domain.PersistenceError
	switch {
	case errors.Is(err, prediction.ErrUnknownPipeline):
		httpserver.WriteError(w, r, http.StatusBadRequest, "unknown_pipeline", map[string]any{
			"pipelines": pipelineNames(api.svc.Pipelines()),
		})
	case errors.Is(err, prediction.ErrImageRequired):
		httpserver.WriteError(w, r, http.StatusBadRequest, "image_required", nil)
	case errors.As(err, &predErr):
		status, code := http.StatusUnprocessableEntity, "prediction_failed"
		if predErr.AllTimedOut() {
			status, code = http.StatusGatewayTimeout, "prediction_timeout"
		}
		httpserver.WriteError(w, r, status, code, map[string]any{
			"attempted": predErr.Attempted,
			"reasons":   predErr.Reasons(),
		})
	case errors.As(err, &persistErr):
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "prediction_not_saved", map[string]any{
			"record": persistErr.Record,
		})
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("prediction request failed", "request_id", requestID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}

func (api *predictorAPI) writeTooLarge(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
		"max_bytes":     api.uploadMaxBytes,
		"max_mebibytes": api.uploadMaxBytes >> 20,
		"advice":        "increase MEDSCAN_UPLOAD_MAX_MIB or upload a smaller image",
	})
}

func (api *predictorAPI) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", nil)
		return
	}

	records, err := api.svc.ListRecords(r.Context(), owner, r.URL.Query().Get("pipeline"), limit)
	if err != nil {
		if errors.Is(err, prediction.ErrUnknownPipeline) {
			httpserver.WriteError(w, r, http.StatusBadRequest, "unknown_pipeline", nil)
			return
		}
		api.logger.Error("list predictions failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	if records == nil {
		records = []domain.CanonicalRecord{}
	}
	httpserver.WriteJSON(w, http.StatusOK, predictionListResponse{Predictions: records})
}

func (api *predictorAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	specs := api.svc.Pipelines()
	out := make([]pipelineView, 0, len(specs))
	for _, spec := range specs {
		view := pipelineView{Name: spec.Name, Vocabulary: spec.Vocabulary}
		for _, extra := range spec.Extras {
			view.Extras = append(view.Extras, extra.Name)
		}
		out = append(out, view)
	}
	httpserver.WriteJSON(w, http.StatusOK, pipelineListResponse{Pipelines: out, Arbitration: api.svc.Policy()})
}

func (api *predictorAPI) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func contentTypeOf(header *multipart.FileHeader) string {
	if header == nil {
		return ""
	}
	return strings.TrimSpace(header.Header.Get("Content-Type"))
}

func pipelineNames(specs []domain.PipelineSpec) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.Name)
	}
	return out
}

// pipelinesReady reports whether every pipeline's working directory and
// script are present on disk.
func pipelinesReady(specs []domain.PipelineSpec) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, spec := range specs {
			if _, err := os.Stat(spec.WorkingDir); err != nil {
				errs = append(errs, err)
				continue
			}
			if script := spec.ScriptPath(); script != "" {
				if _, err := os.Stat(script); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	}
}
