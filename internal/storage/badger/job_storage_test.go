package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestJobStorage_SaveAndGet(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	price := 187.5
	job := models.NewJob("task-1", "batch_a", "AAPL")
	job.Apply(&models.StatusReport{Status: models.JobStatusRunning, Progress: 40, Step: "scoring"})
	require.NoError(t, storage.SaveJob(ctx, job))

	got, err := storage.GetJob(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Key)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Nil(t, got.Result)

	job.MarkCompleted(&models.ScanResult{Symbol: "AAPL", UnderlyingPrice: &price, Calls: []models.OptionScore{{Contract: "c", Score: 0.5}}})
	require.NoError(t, storage.SaveJob(ctx, job))

	got, err = storage.GetJob(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	require.NotNil(t, got.Result.UnderlyingPrice)
	assert.InDelta(t, 187.5, *got.Result.UnderlyingPrice, 1e-9)
	assert.NotNil(t, got.FinishedAt)
}

func TestJobStorage_NotFound(t *testing.T) {
	storage := newTestManager(t).JobStorage()

	_, err := storage.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	assert.Error(t, storage.SaveJob(context.Background(), &models.Job{}))
}

func TestJobStorage_ListAndDeleteByBatch(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	require.NoError(t, storage.SaveJob(ctx, models.NewJob("t3", "batch_a", "TSLA")))
	require.NoError(t, storage.SaveJob(ctx, models.NewJob("t1", "batch_a", "AAPL")))
	require.NoError(t, storage.SaveJob(ctx, models.NewJob("t2", "batch_a", "MSFT")))
	require.NoError(t, storage.SaveJob(ctx, models.NewJob("t4", "batch_b", "AMZN")))

	jobs, err := storage.ListJobsByBatch(ctx, "batch_a")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "AAPL", jobs[0].Key)
	assert.Equal(t, "MSFT", jobs[1].Key)
	assert.Equal(t, "TSLA", jobs[2].Key)

	require.NoError(t, storage.DeleteJobsByBatch(ctx, "batch_a"))

	jobs, err = storage.ListJobsByBatch(ctx, "batch_a")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = storage.ListJobsByBatch(ctx, "batch_b")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestBatchStorage_SaveGetList(t *testing.T) {
	storage := newTestManager(t).BatchStorage()
	ctx := context.Background()

	base := time.Now()
	records := []*models.BatchRecord{
		{ID: "batch_1", Keys: []string{"AAPL"}, Status: models.BatchStatusCompleted, StartedAt: base.Add(-3 * time.Minute)},
		{ID: "batch_2", Keys: []string{"MSFT"}, Status: models.BatchStatusRunning, StartedAt: base.Add(-2 * time.Minute)},
		{ID: "batch_3", Keys: []string{"TSLA"}, Status: models.BatchStatusCompleted, StartedAt: base.Add(-1 * time.Minute)},
	}
	for _, record := range records {
		require.NoError(t, storage.SaveBatch(ctx, record))
	}

	got, err := storage.GetBatch(ctx, "batch_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, got.Keys)

	all, err := storage.ListBatches(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "batch_3", all[0].ID)
	assert.Equal(t, "batch_1", all[2].ID)

	completed, err := storage.ListBatches(ctx, models.BatchStatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "batch_3", completed[0].ID)

	limited, err := storage.ListBatches(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Status changes move the record between index entries
	records[1].Status = models.BatchStatusCompleted
	require.NoError(t, storage.SaveBatch(ctx, records[1]))
	completed, err = storage.ListBatches(ctx, models.BatchStatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	_, err = storage.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestBatchStorage_KeepsMergedResult(t *testing.T) {
	storage := newTestManager(t).BatchStorage()
	ctx := context.Background()

	record := &models.BatchRecord{
		ID:        "batch_1",
		Status:    models.BatchStatusCompleted,
		StartedAt: time.Now(),
		Result: &models.MergedResult{
			BatchID:    "batch_1",
			Symbols:    []string{"AAPL"},
			Calls:      []models.OptionScore{{Contract: "c", SourceSymbol: "AAPL"}},
			FailedKeys: []string{"MSFT"},
			Failures:   map[string]string{"MSFT": "no option chain"},
		},
	}
	require.NoError(t, storage.SaveBatch(ctx, record))

	got, err := storage.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "AAPL", got.Result.Calls[0].SourceSymbol)
	assert.Equal(t, "no option chain", got.Result.Failures["MSFT"])
}
