package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobs/orchestrator"
	"github.com/ternarybob/optionscan/internal/models"
)

// BatchHandler exposes batch orchestration over HTTP
type BatchHandler struct {
	orchestrator *orchestrator.Orchestrator
	jobStorage   interfaces.JobStorage
	batchStorage interfaces.BatchStorage
	logger       arbor.ILogger
}

// NewBatchHandler creates a new batch handler. Storages may be nil, in which case
// listings come from the orchestrator's in-process records only.
func NewBatchHandler(
	orch *orchestrator.Orchestrator,
	jobStorage interfaces.JobStorage,
	batchStorage interfaces.BatchStorage,
	logger arbor.ILogger,
) *BatchHandler {
	return &BatchHandler{
		orchestrator: orch,
		jobStorage:   jobStorage,
		batchStorage: batchStorage,
		logger:       logger,
	}
}

// CreateBatchRequest is the body of POST /api/batches
type CreateBatchRequest struct {
	Name    string             `json:"name,omitempty"`
	Symbols []string           `json:"symbols"`
	Params  *models.ScanParams `json:"params,omitempty"`
}

// BatchDetail is returned by GET /api/batches/{id}
type BatchDetail struct {
	Batch models.BatchRecord `json:"batch"`
	Jobs  []*models.Job      `json:"jobs"`
}

// CreateBatchHandler starts a new batch and returns its ID without waiting for it
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateBatchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	params := models.DefaultScanParams()
	if req.Params != nil {
		params = *req.Params
	}

	var opts []orchestrator.StartOption
	if req.Name != "" {
		opts = append(opts, orchestrator.WithName(req.Name))
	}

	// The batch outlives this request.
	batch, err := h.orchestrator.Start(context.WithoutCancel(r.Context()), req.Symbols, params, opts...)
	if err != nil {
		if errors.Is(err, orchestrator.ErrClosed) {
			WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().
		Str("batch_id", batch.ID()).
		Int("symbols", len(batch.Keys())).
		Msg("Batch created via API")

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": batch.ID(),
		"symbols":  batch.Keys(),
		"status":   batch.Record().Status,
	})
}

// ListBatchesHandler returns batch records, newest first. Supports ?status= and ?limit=.
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := models.BatchStatus(r.URL.Query().Get("status"))
	limit := GetLimitParam(r)

	if h.batchStorage == nil {
		records := make([]models.BatchRecord, 0)
		for _, record := range h.orchestrator.List() {
			if status != "" && record.Status != status {
				continue
			}
			records = append(records, record)
			if len(records) == limit {
				break
			}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"batches": records, "count": len(records)})
		return
	}

	records, err := h.batchStorage.ListBatches(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list batches")
		WriteError(w, http.StatusInternalServerError, "Failed to list batches")
		return
	}
	if records == nil {
		records = []*models.BatchRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"batches": records, "count": len(records)})
}

// GetBatchHandler returns a batch record with the snapshot of each of its jobs
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	batchID := batchIDFromPath(r.URL.Path)
	record, ok := h.lookupRecord(w, r, batchID)
	if !ok {
		return
	}

	jobs := []*models.Job{}
	if h.jobStorage != nil {
		stored, err := h.jobStorage.ListJobsByBatch(r.Context(), batchID)
		if err != nil {
			h.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to list batch jobs")
			WriteError(w, http.StatusInternalServerError, "Failed to list batch jobs")
			return
		}
		if stored != nil {
			jobs = stored
		}
	}

	WriteJSON(w, http.StatusOK, BatchDetail{Batch: record, Jobs: jobs})
}

// GetBatchResultHandler returns the merged result of a finished batch.
// 409 while the batch is still running, 422 when every symbol failed.
func (h *BatchHandler) GetBatchResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	batchID := batchIDFromPath(r.URL.Path)
	record, ok := h.lookupRecord(w, r, batchID)
	if !ok {
		return
	}

	switch record.Status {
	case models.BatchStatusCompleted:
		if record.Result == nil {
			WriteError(w, http.StatusInternalServerError, "Batch completed without a merged result")
			return
		}
		WriteJSON(w, http.StatusOK, record.Result)
	case models.BatchStatusFailed:
		WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status":      "error",
			"error":       record.Error,
			"failed_keys": record.FailedKeys,
			"failures":    record.Failures,
		})
	case models.BatchStatusCancelled:
		WriteError(w, http.StatusConflict, "Batch was cancelled")
	default:
		WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"status":   record.Status,
			"progress": record.Progress,
			"error":    "Batch is still running",
		})
	}
}

// DeleteBatchHandler cancels a batch and forgets it
func (h *BatchHandler) DeleteBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	batchID := batchIDFromPath(r.URL.Path)
	if err := h.orchestrator.Reset(r.Context(), batchID); err != nil {
		if errors.Is(err, orchestrator.ErrBatchNotFound) {
			WriteError(w, http.StatusNotFound, "Batch not found")
			return
		}
		h.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to reset batch")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":   "reset",
		"batch_id": batchID,
	})
}

// lookupRecord prefers the live batch and falls back to storage, writing 404 when neither knows the ID
func (h *BatchHandler) lookupRecord(w http.ResponseWriter, r *http.Request, batchID string) (models.BatchRecord, bool) {
	if batchID == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID is required")
		return models.BatchRecord{}, false
	}

	if batch, err := h.orchestrator.Get(batchID); err == nil {
		return batch.Record(), true
	}

	if h.batchStorage != nil {
		record, err := h.batchStorage.GetBatch(r.Context(), batchID)
		if err == nil {
			return *record, true
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			h.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to load batch")
			WriteError(w, http.StatusInternalServerError, "Failed to load batch")
			return models.BatchRecord{}, false
		}
	}

	WriteError(w, http.StatusNotFound, "Batch not found")
	return models.BatchRecord{}, false
}

// batchIDFromPath extracts {id} from /api/batches/{id} and /api/batches/{id}/result
func batchIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/batches/")
	if rest == path {
		return ""
	}
	id, _, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	return id
}
