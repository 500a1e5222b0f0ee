package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/jobengine"
	"github.com/ternarybob/optionscan/internal/jobengine/enginetest"
	"github.com/ternarybob/optionscan/internal/models"
)

// recorder captures handler invocations
type recorder struct {
	mu        sync.Mutex
	progress  []int
	steps     []string
	completed []*models.ScanResult
	errs      []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnProgress: func(progress int, step string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, progress)
			r.steps = append(r.steps, step)
		},
		OnComplete: func(result *models.ScanResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, result)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() ([]int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...), len(r.completed), len(r.errs)
}

func fastConfig() Config {
	return Config{Interval: 5 * time.Millisecond, RetryBackoff: time.Millisecond}
}

func submit(t *testing.T, engine *enginetest.Engine, key string) string {
	t.Helper()
	taskID, err := engine.Submit(context.Background(), key, models.DefaultScanParams())
	require.NoError(t, err)
	return taskID
}

func waitOutcome(t *testing.T, p *Poller) (Outcome, bool) {
	t.Helper()
	select {
	case outcome, ok := <-p.Done():
		return outcome, ok
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not finish")
		return Outcome{}, false
	}
}

func TestPoller_CompletesAfterProgress(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{
		Steps:  []enginetest.Step{enginetest.Running(40), enginetest.Completed()},
		Result: enginetest.Result("AAPL", 10, 8, 187.5),
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), rec.handlers(), arbor.NewLogger())
	assert.Equal(t, StateSubmitted, p.State())

	p.Start(context.Background())
	outcome, ok := waitOutcome(t, p)
	require.True(t, ok)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, "AAPL", outcome.Key)
	assert.Equal(t, 2, outcome.Polls)
	assert.Equal(t, 18, outcome.Result.ItemCount())
	assert.Equal(t, StateCompleted, p.State())

	progress, completed, errs := rec.snapshot()
	assert.Equal(t, []int{40}, progress)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, engine.FetchCount("AAPL"))
}

func TestPoller_EngineFailure(t *testing.T) {
	engine := enginetest.New().On("MSFT", enginetest.Script{
		Steps: []enginetest.Step{enginetest.Failed("no option chain")},
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "MSFT"), "MSFT", fastConfig(), rec.handlers(), arbor.NewLogger())
	p.Start(context.Background())

	outcome, ok := waitOutcome(t, p)
	require.True(t, ok)
	assert.False(t, outcome.Succeeded())

	var failure *TaskFailure
	require.ErrorAs(t, outcome.Err, &failure)
	assert.Equal(t, "no option chain", failure.Reason)
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, 0, engine.FetchCount("MSFT"))

	_, completed, errs := rec.snapshot()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, errs)
}

func TestPoller_ProgressIsMonotonic(t *testing.T) {
	engine := enginetest.New().On("TSLA", enginetest.Script{
		Steps: []enginetest.Step{
			enginetest.Pending(),
			enginetest.Running(30),
			enginetest.Running(20),
			enginetest.Running(70),
			enginetest.Running(150),
			enginetest.Completed(),
		},
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "TSLA"), "TSLA", fastConfig(), rec.handlers(), arbor.NewLogger())
	p.Start(context.Background())

	_, ok := waitOutcome(t, p)
	require.True(t, ok)

	progress, _, _ := rec.snapshot()
	assert.Equal(t, []int{0, 30, 30, 70, 100}, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}

func TestPoller_TransportErrorIsFatalByDefault(t *testing.T) {
	engine := enginetest.New()
	engine.On("AAPL", enginetest.Script{
		Steps: []enginetest.Step{enginetest.TransportFailure("t"), enginetest.Completed()},
	})
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), Handlers{}, arbor.NewLogger())
	p.Start(context.Background())

	outcome, ok := waitOutcome(t, p)
	require.True(t, ok)
	require.Error(t, outcome.Err)
	assert.True(t, jobengine.IsTransient(outcome.Err))
	assert.Equal(t, 1, engine.PollCount("AAPL"))
}

func TestPoller_TransportRetries(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		engine := enginetest.New().On("AAPL", enginetest.Script{
			Steps: []enginetest.Step{
				enginetest.TransportFailure("t"),
				enginetest.TransportFailure("t"),
				enginetest.Running(50),
				enginetest.TransportFailure("t"),
				enginetest.TransportFailure("t"),
				enginetest.Completed(),
			},
		})
		config := fastConfig()
		config.TransportRetries = 2
		p := New(engine, submit(t, engine, "AAPL"), "AAPL", config, Handlers{}, arbor.NewLogger())
		p.Start(context.Background())

		outcome, ok := waitOutcome(t, p)
		require.True(t, ok)
		assert.True(t, outcome.Succeeded())
		assert.Equal(t, 6, engine.PollCount("AAPL"))
	})

	t.Run("fails when budget is exhausted", func(t *testing.T) {
		engine := enginetest.New().On("AAPL", enginetest.Script{
			Steps: []enginetest.Step{enginetest.TransportFailure("t")},
		})
		config := fastConfig()
		config.TransportRetries = 2
		p := New(engine, submit(t, engine, "AAPL"), "AAPL", config, Handlers{}, arbor.NewLogger())
		p.Start(context.Background())

		outcome, ok := waitOutcome(t, p)
		require.True(t, ok)
		assert.Error(t, outcome.Err)
		assert.Equal(t, 3, engine.PollCount("AAPL"))
	})

	t.Run("authoritative errors are not retried", func(t *testing.T) {
		engine := enginetest.New().On("AAPL", enginetest.Script{
			Steps: []enginetest.Step{{Err: &jobengine.APIError{StatusCode: 404, Message: "task not found"}}},
		})
		config := fastConfig()
		config.TransportRetries = 5
		p := New(engine, submit(t, engine, "AAPL"), "AAPL", config, Handlers{}, arbor.NewLogger())
		p.Start(context.Background())

		outcome, ok := waitOutcome(t, p)
		require.True(t, ok)
		var apiErr *jobengine.APIError
		assert.ErrorAs(t, outcome.Err, &apiErr)
		assert.Equal(t, 1, engine.PollCount("AAPL"))
	})
}

func TestPoller_FetchFailureIsTerminal(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{
		Steps:     []enginetest.Step{enginetest.Completed()},
		ResultErr: errors.New("payload too large"),
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), rec.handlers(), arbor.NewLogger())
	p.Start(context.Background())

	outcome, ok := waitOutcome(t, p)
	require.True(t, ok)
	assert.ErrorContains(t, outcome.Err, "payload too large")
	assert.Equal(t, StateFailed, p.State())
}

func TestPoller_StalledJobKeepsPolling(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{
		Steps: []enginetest.Step{enginetest.Running(50)},
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), rec.handlers(), arbor.NewLogger())
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		return engine.PollCount("AAPL") >= 10
	}, 5*time.Second, time.Millisecond)

	select {
	case <-p.Done():
		t.Fatal("stalled job must not terminate on its own")
	default:
	}
	assert.Equal(t, StatePolling, p.State())

	progress, completed, errs := rec.snapshot()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, errs)
	for _, value := range progress {
		assert.Equal(t, 50, value)
	}

	p.Stop()
	_, ok := waitOutcome(t, p)
	assert.False(t, ok)
	assert.Equal(t, StateStopped, p.State())
}

func TestPoller_Limits(t *testing.T) {
	t.Run("max polls", func(t *testing.T) {
		engine := enginetest.New().On("AAPL", enginetest.Script{
			Steps: []enginetest.Step{enginetest.Running(50)},
		})
		config := fastConfig()
		config.MaxPolls = 3
		p := New(engine, submit(t, engine, "AAPL"), "AAPL", config, Handlers{}, arbor.NewLogger())
		p.Start(context.Background())

		outcome, ok := waitOutcome(t, p)
		require.True(t, ok)
		assert.ErrorContains(t, outcome.Err, "poll limit of 3 reached")
		assert.Equal(t, 3, engine.PollCount("AAPL"))
	})

	t.Run("job timeout", func(t *testing.T) {
		engine := enginetest.New().On("AAPL", enginetest.Script{
			Steps: []enginetest.Step{enginetest.Running(50)},
		})
		config := fastConfig()
		config.Timeout = 30 * time.Millisecond
		p := New(engine, submit(t, engine, "AAPL"), "AAPL", config, Handlers{}, arbor.NewLogger())
		p.Start(context.Background())

		outcome, ok := waitOutcome(t, p)
		require.True(t, ok)
		assert.ErrorContains(t, outcome.Err, "timed out")
		assert.Equal(t, StateFailed, p.State())
	})
}

func TestPoller_StopDuringBlockedPoll(t *testing.T) {
	gate := make(chan struct{})
	engine := enginetest.New().On("AAPL", enginetest.Script{
		Steps: []enginetest.Step{enginetest.Completed()},
		Gate:  gate,
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), rec.handlers(), arbor.NewLogger())
	p.Start(context.Background())

	p.Stop()
	_, ok := waitOutcome(t, p)
	assert.False(t, ok)
	close(gate)

	_, completed, errs := rec.snapshot()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, errs)
	assert.Equal(t, StateStopped, p.State())
}

func TestPoller_TerminalStateIsIdempotent(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{
		Steps: []enginetest.Step{enginetest.Completed()},
	})
	rec := &recorder{}
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), rec.handlers(), arbor.NewLogger())
	p.Start(context.Background())

	_, ok := waitOutcome(t, p)
	require.True(t, ok)

	p.Start(context.Background())
	p.Stop()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateCompleted, p.State())
	assert.Equal(t, 1, engine.PollCount("AAPL"))
	_, completed, errs := rec.snapshot()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, errs)

	_, open := <-p.Done()
	assert.False(t, open)
}

func TestPoller_StopBeforeStart(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{})
	p := New(engine, submit(t, engine, "AAPL"), "AAPL", fastConfig(), Handlers{}, arbor.NewLogger())

	p.Stop()
	p.Start(context.Background())

	_, ok := waitOutcome(t, p)
	assert.False(t, ok)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, engine.PollCount("AAPL"))
}

func TestRetryBackoff(t *testing.T) {
	p := &Poller{config: Config{Interval: 2 * time.Second, RetryBackoff: 500 * time.Millisecond}}
	retry := p.newRetryBackOff()

	assert.Equal(t, 500*time.Millisecond, retry.NextBackOff())
	assert.Equal(t, time.Second, retry.NextBackOff())
	assert.Equal(t, 2*time.Second, retry.NextBackOff())
	for i := 0; i < 10; i++ {
		assert.Equal(t, 2*time.Second, retry.NextBackOff())
	}

	retry.Reset()
	assert.Equal(t, 500*time.Millisecond, retry.NextBackOff())
}

func TestRetryBackoff_FallsBackToInterval(t *testing.T) {
	tests := []struct {
		name    string
		backoff time.Duration
	}{
		{name: "unset", backoff: 0},
		{name: "longer than interval", backoff: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Poller{config: Config{Interval: time.Second, RetryBackoff: tt.backoff}}
			retry := p.newRetryBackOff()
			assert.Equal(t, time.Second, retry.NextBackOff())
			assert.Equal(t, time.Second, retry.NextBackOff())
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := common.NewDefaultConfig().Polling
	cfg.MaxPolls = 30
	cfg.JobTimeout = "10m"
	cfg.TransportRetries = 3

	config := FromConfig(cfg)
	assert.Equal(t, 2*time.Second, config.Interval)
	assert.Equal(t, 30, config.MaxPolls)
	assert.Equal(t, 10*time.Minute, config.Timeout)
	assert.Equal(t, 3, config.TransportRetries)
	assert.Equal(t, 500*time.Millisecond, config.RetryBackoff)
}
