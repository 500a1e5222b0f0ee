// Package poller drives the state machine of a single engine job:
// Submitted -> Polling -> {Completed, Failed}, or Stopped when the caller loses interest.
package poller

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobengine"
	"github.com/ternarybob/optionscan/internal/models"
)

// State is the local lifecycle state of a poller
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// IsTerminal reports whether the poller will never poll again
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// DefaultInterval is the fixed delay between two status polls
const DefaultInterval = 2 * time.Second

// Config controls polling cadence and limits. Zero limits mean unlimited.
type Config struct {
	Interval         time.Duration
	MaxPolls         int
	Timeout          time.Duration
	TransportRetries int
	RetryBackoff     time.Duration
}

// DefaultConfig polls every two seconds forever and fails on the first transport error
func DefaultConfig() Config {
	return Config{
		Interval:     DefaultInterval,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// FromConfig converts the [polling] configuration section
func FromConfig(cfg common.PollingConfig) Config {
	return Config{
		Interval:         common.ParseDurationOr(cfg.Interval, DefaultInterval),
		MaxPolls:         cfg.MaxPolls,
		Timeout:          common.ParseDurationOr(cfg.JobTimeout, 0),
		TransportRetries: cfg.TransportRetries,
		RetryBackoff:     common.ParseDurationOr(cfg.RetryBackoff, 500*time.Millisecond),
	}
}

// Handlers are invoked from the poller goroutine. Any of them may be nil.
// After OnComplete or OnError no further handler is called.
type Handlers struct {
	OnProgress func(progress int, step string)
	OnComplete func(result *models.ScanResult)
	OnError    func(err error)
}

// Outcome is the terminal result of a poller, delivered once on Done
type Outcome struct {
	TaskID string
	Key    string
	Result *models.ScanResult
	Err    error
	Polls  int
}

// Succeeded reports whether the job completed with a result
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil
}

// TaskFailure describes why a job ended in the failed state
type TaskFailure struct {
	TaskID string
	Key    string
	Reason string
	Err    error
}

func (e *TaskFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s (%s) failed: %s: %v", e.TaskID, e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s (%s) failed: %s", e.TaskID, e.Key, e.Reason)
}

func (e *TaskFailure) Unwrap() error {
	return e.Err
}

// Poller polls one engine task until it reaches a terminal state
type Poller struct {
	client   interfaces.JobClient
	taskID   string
	key      string
	config   Config
	handlers Handlers
	logger   arbor.ILogger

	mu           sync.Mutex
	state        State
	started      bool
	lastProgress int
	polls        int
	cancel       context.CancelFunc

	done chan Outcome
}

// New creates a poller for an already submitted task. Polling begins with Start.
func New(client interfaces.JobClient, taskID, key string, config Config, handlers Handlers, logger arbor.ILogger) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Poller{
		client:   client,
		taskID:   taskID,
		key:      key,
		config:   config,
		handlers: handlers,
		logger:   logger,
		state:    StateSubmitted,
		done:     make(chan Outcome, 1),
	}
}

// TaskID returns the engine task ID
func (p *Poller) TaskID() string {
	return p.taskID
}

// Key returns the key this task represents
func (p *Poller) Key() string {
	return p.key
}

// State returns the current state
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Polls returns the number of status polls issued so far
func (p *Poller) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Done receives the outcome once the poller completes or fails.
// The channel is closed without a value when the poller is stopped.
func (p *Poller) Done() <-chan Outcome {
	return p.done
}

// Start issues the first status poll immediately in a background goroutine.
// Calling Start more than once, or after Stop, has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.state = StatePolling
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)
}

// Stop halts scheduling. Nothing is sent to the engine; the remote job keeps running.
// Stopping a terminal poller has no effect on its state.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.IsTerminal() {
		p.state = StateStopped
	}
	if p.cancel != nil {
		p.cancel()
		return
	}
	if !p.started {
		p.started = true
		close(p.done)
	}
}

func (p *Poller) run(ctx context.Context) {
	var outcome *Outcome
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			p.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Str("task_id", p.taskID).
				Msg("Poller goroutine panicked")
			outcome = p.fail("poller panicked", fmt.Errorf("%v", r))
		}
		if outcome != nil {
			p.done <- *outcome
		}
		close(p.done)
		p.cancel()
	}()

	outcome = p.loop(ctx)
}

// loop returns the terminal outcome, or nil when the poller was stopped
func (p *Poller) loop(ctx context.Context) *Outcome {
	jobCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	retry := p.newRetryBackOff()
	transientErrors := 0

	for {
		select {
		case <-jobCtx.Done():
			return p.interrupted(ctx)

		case <-timer.C:
			if p.config.MaxPolls > 0 && p.Polls() >= p.config.MaxPolls {
				return p.fail(fmt.Sprintf("poll limit of %d reached", p.config.MaxPolls), nil)
			}
			p.mu.Lock()
			p.polls++
			p.mu.Unlock()

			report, err := p.client.PollStatus(jobCtx, p.taskID)
			if err != nil {
				if jobCtx.Err() != nil {
					return p.interrupted(ctx)
				}
				if jobengine.IsTransient(err) && transientErrors < p.config.TransportRetries {
					transientErrors++
					delay := retry.NextBackOff()
					p.logger.Warn().
						Err(err).
						Str("task_id", p.taskID).
						Str("symbol", p.key).
						Int("attempt", transientErrors).
						Dur("backoff", delay).
						Msg("Transient error polling job status, retrying")
					timer.Reset(delay)
					continue
				}
				return p.fail("status poll failed", err)
			}
			if transientErrors > 0 {
				transientErrors = 0
				retry.Reset()
			}

			switch report.Status {
			case models.JobStatusPending, models.JobStatusRunning:
				p.progress(report.Progress, report.Step)
				timer.Reset(p.config.Interval)

			case models.JobStatusCompleted:
				result, err := p.client.FetchResult(jobCtx, p.taskID)
				if err != nil {
					if jobCtx.Err() != nil {
						return p.interrupted(ctx)
					}
					return p.fail("result fetch failed", err)
				}
				return p.complete(result)

			case models.JobStatusFailed:
				reason := report.ErrorMessage
				if reason == "" {
					reason = "engine reported failure"
				}
				return p.fail(reason, nil)

			default:
				return p.fail(fmt.Sprintf("unexpected status %q", report.Status), nil)
			}
		}
	}
}

// interrupted distinguishes a job timeout from the caller stopping the poller
func (p *Poller) interrupted(ctx context.Context) *Outcome {
	if ctx.Err() != nil {
		p.mu.Lock()
		if !p.state.IsTerminal() {
			p.state = StateStopped
		}
		p.mu.Unlock()
		p.logger.Debug().
			Str("task_id", p.taskID).
			Str("symbol", p.key).
			Msg("Poller stopped")
		return nil
	}
	return p.fail(fmt.Sprintf("job timed out after %s", p.config.Timeout), nil)
}

// newRetryBackOff doubles from RetryBackoff up to the poll interval, without jitter.
// It never gives up on its own; TransportRetries bounds the attempts.
func (p *Poller) newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryBackoff
	if b.InitialInterval <= 0 || b.InitialInterval > p.config.Interval {
		b.InitialInterval = p.config.Interval
	}
	b.MaxInterval = p.config.Interval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Poller) progress(progress int, step string) {
	p.mu.Lock()
	if p.state != StatePolling {
		p.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress < p.lastProgress {
		progress = p.lastProgress
	}
	p.lastProgress = progress
	p.mu.Unlock()

	if p.handlers.OnProgress != nil {
		p.handlers.OnProgress(progress, step)
	}
}

func (p *Poller) complete(result *models.ScanResult) *Outcome {
	p.mu.Lock()
	if p.state != StatePolling {
		p.mu.Unlock()
		return nil
	}
	p.state = StateCompleted
	p.lastProgress = 100
	polls := p.polls
	p.mu.Unlock()

	p.logger.Debug().
		Str("task_id", p.taskID).
		Str("symbol", p.key).
		Int("polls", polls).
		Int("items", result.ItemCount()).
		Msg("Job completed")

	if p.handlers.OnComplete != nil {
		p.handlers.OnComplete(result)
	}
	return &Outcome{TaskID: p.taskID, Key: p.key, Result: result, Polls: polls}
}

func (p *Poller) fail(reason string, cause error) *Outcome {
	p.mu.Lock()
	if p.state != StatePolling {
		p.mu.Unlock()
		return nil
	}
	p.state = StateFailed
	polls := p.polls
	p.mu.Unlock()

	failure := &TaskFailure{TaskID: p.taskID, Key: p.key, Reason: reason, Err: cause}
	p.logger.Warn().
		Str("task_id", p.taskID).
		Str("symbol", p.key).
		Int("polls", polls).
		Str("reason", failure.Error()).
		Msg("Job failed")

	if p.handlers.OnError != nil {
		p.handlers.OnError(failure)
	}
	return &Outcome{TaskID: p.taskID, Key: p.key, Err: failure, Polls: polls}
}
