package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/jobengine/enginetest"
	"github.com/ternarybob/optionscan/internal/models"
	"github.com/ternarybob/optionscan/internal/services/scheduler"
)

func TestSchedulerHandler_TriggerAndStatus(t *testing.T) {
	gate := make(chan struct{})
	engine := enginetest.New().On("SPY", enginetest.Script{Gate: gate})
	env := newTestEnv(t, engine)

	svc := scheduler.NewService(env.orch, arbor.NewLogger())
	require.NoError(t, svc.RegisterScan(models.ScanDefinition{
		Name:    "index",
		Symbols: []string{"SPY"},
		Params:  models.DefaultScanParams(),
		Enabled: true,
	}))
	h := NewSchedulerHandler(svc, arbor.NewLogger())

	rec := doRequest(h.TriggerScanHandler, http.MethodPost, "/api/scans/index/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var triggered struct {
		BatchID string `json:"batch_id"`
	}
	decode(t, rec, &triggered)
	assert.NotEmpty(t, triggered.BatchID)

	rec = doRequest(h.TriggerScanHandler, http.MethodPost, "/api/scans/index/trigger", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(h.TriggerScanHandler, http.MethodPost, "/api/scans/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	close(gate)
	env.waitBatch(t, triggered.BatchID)
	assert.Eventually(t, func() bool {
		status, err := svc.GetScanStatus("index")
		return err == nil && !status.IsRunning
	}, 5*time.Second, 5*time.Millisecond)

	rec = doRequest(h.GetScanHandler, http.MethodGet, "/api/scans/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Name        string `json:"name"`
		LastBatchID string `json:"last_batch_id"`
		IsRunning   bool   `json:"is_running"`
	}
	decode(t, rec, &status)
	assert.Equal(t, "index", status.Name)
	assert.Equal(t, triggered.BatchID, status.LastBatchID)
	assert.False(t, status.IsRunning)

	rec = doRequest(h.ListScansHandler, http.MethodGet, "/api/scans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Running bool                              `json:"running"`
		Scans   map[string]map[string]interface{} `json:"scans"`
	}
	decode(t, rec, &list)
	assert.False(t, list.Running)
	assert.Contains(t, list.Scans, "index")
}
