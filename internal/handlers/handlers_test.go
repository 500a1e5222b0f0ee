package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobengine/enginetest"
	"github.com/ternarybob/optionscan/internal/jobs/merger"
	"github.com/ternarybob/optionscan/internal/jobs/orchestrator"
	"github.com/ternarybob/optionscan/internal/jobs/poller"
	"github.com/ternarybob/optionscan/internal/models"
	"github.com/ternarybob/optionscan/internal/services/events"
	"github.com/ternarybob/optionscan/internal/storage/badger"
)

type testEnv struct {
	engine  *enginetest.Engine
	events  *events.Service
	storage interfaces.StorageManager
	orch    *orchestrator.Orchestrator
	batches *BatchHandler
}

func newTestEnv(t *testing.T, engine *enginetest.Engine) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	eventService := events.NewService(logger)
	storage, err := badger.NewManager(logger)
	require.NoError(t, err)

	config := orchestrator.Config{
		Poller:            poller.Config{Interval: 2 * time.Millisecond},
		SubmitConcurrency: 4,
		ExpiryPolicy:      merger.ExpiryFirstSymbol,
	}
	orch := orchestrator.New(engine, eventService, storage.JobStorage(), storage.BatchStorage(), config, logger)
	t.Cleanup(func() {
		orch.Close()
		eventService.Close()
		storage.Close()
	})

	return &testEnv{
		engine:  engine,
		events:  eventService,
		storage: storage,
		orch:    orch,
		batches: NewBatchHandler(orch, storage.JobStorage(), storage.BatchStorage(), logger),
	}
}

func (e *testEnv) waitBatch(t *testing.T, batchID string) {
	t.Helper()
	batch, err := e.orch.Get(batchID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	batch.Wait(ctx)
	require.NoError(t, ctx.Err(), "batch did not finish")
}

func doRequest(handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func createBatch(t *testing.T, env *testEnv, symbols ...string) string {
	t.Helper()
	rec := doRequest(env.batches.CreateBatchHandler, http.MethodPost, "/api/batches", CreateBatchRequest{
		Symbols: symbols,
		Params:  &models.ScanParams{Strategy: models.StrategyCoveredCall, MinDTE: 7, MaxDTE: 30},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		BatchID string   `json:"batch_id"`
		Symbols []string `json:"symbols"`
	}
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.BatchID)
	return resp.BatchID
}
