package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/services/scheduler"
)

// SchedulerHandler handles scheduled scan endpoints
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
	logger           arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
		logger:           logger,
	}
}

// ListScansHandler returns the status of every registered scan
func (h *SchedulerHandler) ListScansHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.schedulerService.IsRunning(),
		"scans":   h.schedulerService.GetAllScanStatuses(),
	})
}

// GetScanHandler returns the status of one scan (GET /api/scans/{name})
func (h *SchedulerHandler) GetScanHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status, err := h.schedulerService.GetScanStatus(scanNameFromPath(r.URL.Path))
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// TriggerScanHandler runs a scan immediately (POST /api/scans/{name}/trigger)
func (h *SchedulerHandler) TriggerScanHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	name := scanNameFromPath(r.URL.Path)
	if err := h.schedulerService.TriggerNow(name); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrScanNotFound):
			WriteError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, scheduler.ErrScanInFlight):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("scan", name).Msg("Failed to trigger scan")
			WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status, err := h.schedulerService.GetScanStatus(name)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"scan":     name,
		"batch_id": status.LastBatchID,
	})
}

func scanNameFromPath(path string) string {
	rest := strings.Trim(strings.TrimPrefix(path, "/api/scans/"), "/")
	name, _, _ := strings.Cut(rest, "/")
	return name
}
