package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/jobengine/enginetest"
	"github.com/ternarybob/optionscan/internal/jobs/merger"
	"github.com/ternarybob/optionscan/internal/jobs/orchestrator"
	"github.com/ternarybob/optionscan/internal/jobs/poller"
	"github.com/ternarybob/optionscan/internal/models"
)

func newTestService(t *testing.T, engine *enginetest.Engine) (*Service, *orchestrator.Orchestrator) {
	t.Helper()
	logger := arbor.NewLogger()
	config := orchestrator.Config{
		Poller:            poller.Config{Interval: 2 * time.Millisecond},
		SubmitConcurrency: 2,
		ExpiryPolicy:      merger.ExpiryFirstSymbol,
	}
	orch := orchestrator.New(engine, nil, nil, nil, config, logger)
	svc := NewService(orch, logger)
	t.Cleanup(func() {
		svc.Stop()
		orch.Close()
	})
	return svc, orch
}

func definition(name, schedule string, symbols ...string) models.ScanDefinition {
	return models.ScanDefinition{
		Name:     name,
		Schedule: schedule,
		Symbols:  symbols,
		Params:   models.DefaultScanParams(),
		Enabled:  true,
	}
}

func waitIdle(t *testing.T, svc *Service, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := svc.GetScanStatus(name)
		return err == nil && !status.IsRunning && status.LastBatchID != ""
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRegisterScan_Validation(t *testing.T) {
	svc, _ := newTestService(t, enginetest.New())

	tests := []struct {
		name string
		def  models.ScanDefinition
	}{
		{name: "missing name", def: definition("", "")},
		{name: "no symbols", def: definition("empty", "")},
		{name: "bad schedule", def: definition("bad", "every tuesday", "AAPL")},
		{name: "bad params", def: models.ScanDefinition{Name: "p", Symbols: []string{"AAPL"}, Params: models.ScanParams{Strategy: "straddle"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, svc.RegisterScan(tt.def))
		})
	}
	assert.Empty(t, svc.GetAllScanStatuses())
}

func TestTriggerNow_RunsBatchAndRecordsStatus(t *testing.T) {
	engine := enginetest.New().
		On("AAPL", enginetest.Script{Result: enginetest.Result("AAPL", 2, 2, 190)}).
		On("MSFT", enginetest.Script{Steps: []enginetest.Step{enginetest.Failed("no chain")}})
	svc, orch := newTestService(t, engine)

	require.NoError(t, svc.RegisterScan(definition("morning", "", "AAPL", "MSFT")))
	require.NoError(t, svc.TriggerNow("morning"))
	waitIdle(t, svc, "morning")

	status, err := svc.GetScanStatus("morning")
	require.NoError(t, err)
	assert.NotNil(t, status.LastRun)
	assert.Nil(t, status.NextRun)
	assert.Equal(t, "1 of 2 symbols failed", status.LastError)
	assert.Equal(t, []string{"AAPL", "MSFT"}, status.Symbols)

	batch, err := orch.Get(status.LastBatchID)
	require.NoError(t, err)
	assert.Equal(t, "morning", batch.Record().Name)
	assert.Equal(t, models.BatchStatusCompleted, batch.Record().Status)
}

func TestTriggerNow_SkipsWhilePreviousRunInFlight(t *testing.T) {
	gate := make(chan struct{})
	engine := enginetest.New().On("AAPL", enginetest.Script{Gate: gate})
	svc, _ := newTestService(t, engine)

	require.NoError(t, svc.RegisterScan(definition("slow", "", "AAPL")))
	require.NoError(t, svc.TriggerNow("slow"))

	err := svc.TriggerNow("slow")
	assert.ErrorIs(t, err, ErrScanInFlight)

	// Submission runs in the background after TriggerNow returns
	require.Eventually(t, func() bool { return engine.SubmitCount("AAPL") == 1 }, 5*time.Second, time.Millisecond)

	close(gate)
	waitIdle(t, svc, "slow")

	status, err := svc.GetScanStatus("slow")
	require.NoError(t, err)
	assert.Empty(t, status.LastError)

	require.NoError(t, svc.TriggerNow("slow"))
	require.Eventually(t, func() bool { return engine.SubmitCount("AAPL") == 2 }, 5*time.Second, time.Millisecond)
	waitIdle(t, svc, "slow")
	assert.Equal(t, 2, engine.SubmitCount("AAPL"))
}

func TestTriggerNow_TotalFailureIsRecorded(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{Steps: []enginetest.Step{enginetest.Failed("engine down")}})
	svc, _ := newTestService(t, engine)

	require.NoError(t, svc.RegisterScan(definition("doomed", "", "AAPL")))
	require.NoError(t, svc.TriggerNow("doomed"))
	waitIdle(t, svc, "doomed")

	status, err := svc.GetScanStatus("doomed")
	require.NoError(t, err)
	assert.Contains(t, status.LastError, "all 1 symbols failed")
}

func TestTriggerNow_UnknownScan(t *testing.T) {
	svc, _ := newTestService(t, enginetest.New())

	assert.ErrorIs(t, svc.TriggerNow("nope"), ErrScanNotFound)
	_, err := svc.GetScanStatus("nope")
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestStart_FiresSchedule(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{})
	svc, _ := newTestService(t, engine)

	require.NoError(t, svc.RegisterScan(definition("tick", "@every 1s", "AAPL")))
	disabled := definition("off", "@every 1s", "AAPL")
	disabled.Enabled = false
	require.NoError(t, svc.RegisterScan(disabled))

	require.NoError(t, svc.Start())
	assert.True(t, svc.IsRunning())
	assert.Error(t, svc.Start())

	status, err := svc.GetScanStatus("tick")
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)

	waitIdle(t, svc, "tick")

	off, err := svc.GetScanStatus("off")
	require.NoError(t, err)
	assert.Nil(t, off.NextRun)
	assert.Empty(t, off.LastBatchID)

	require.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())
}

func TestRegisterScan_ReplacesExisting(t *testing.T) {
	svc, _ := newTestService(t, enginetest.New())
	require.NoError(t, svc.Start())

	require.NoError(t, svc.RegisterScan(definition("swap", "0 9 * * 1-5", "AAPL")))
	require.NoError(t, svc.RegisterScan(definition("swap", "", "MSFT", "TSLA")))

	status, err := svc.GetScanStatus("swap")
	require.NoError(t, err)
	assert.Empty(t, status.Schedule)
	assert.Nil(t, status.NextRun)
	assert.Equal(t, []string{"MSFT", "TSLA"}, status.Symbols)
	assert.Equal(t, []string{"swap"}, svc.ScanNames())
}
