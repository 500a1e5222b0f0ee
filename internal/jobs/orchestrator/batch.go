package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobengine"
	"github.com/ternarybob/optionscan/internal/jobs/merger"
	"github.com/ternarybob/optionscan/internal/jobs/poller"
	"github.com/ternarybob/optionscan/internal/models"
	"golang.org/x/sync/errgroup"
)

const reasonBatchTimeout = "batch timeout"

// message is everything the batch goroutine reacts to. Each key produces at most
// one submission message and one poller message.
type message struct {
	key             string
	taskID          string
	submitErr       error
	outcome         *poller.Outcome
	stopped         bool
	submissionsDone bool
}

// tracked is one submitted key: its poller and the job snapshot its callbacks maintain
type tracked struct {
	poller *poller.Poller
	mu     sync.Mutex
	job    *models.Job
}

// state is owned exclusively by the batch goroutine
type state struct {
	pending   map[string]*tracked
	completed []merger.Contribution
	terminal  map[string]bool
}

// Batch is one orchestration run. It is safe for concurrent use; all batch state is
// mutated by a single goroutine that serialises submission and poller outcomes.
type Batch struct {
	id     string
	keys   []string
	params models.ScanParams
	orch   *Orchestrator
	logger arbor.ILogger

	ctx      context.Context
	cancel   context.CancelFunc
	messages chan message
	events   *dispatcher
	done     chan struct{}

	mu       sync.Mutex
	record   models.BatchRecord
	result   *models.MergedResult
	err      error
	finished bool
}

func newBatch(ctx context.Context, o *Orchestrator, keys []string, params models.ScanParams) *Batch {
	id := common.NewBatchID()
	batchCtx, cancel := context.WithCancel(ctx)
	logger := o.logger.WithCorrelationId(id)

	var events *dispatcher
	if o.eventService != nil {
		events = newDispatcher(o.eventService, logger, id)
	}

	return &Batch{
		id:       id,
		keys:     keys,
		params:   params,
		orch:     o,
		logger:   logger,
		events:   events,
		ctx:      batchCtx,
		cancel:   cancel,
		messages: make(chan message, 2*len(keys)+1),
		done:     make(chan struct{}),
		record: models.BatchRecord{
			ID:            id,
			Keys:          append([]string(nil), keys...),
			Params:        params,
			Status:        models.BatchStatusSubmitting,
			CompletedKeys: []string{},
			FailedKeys:    []string{},
			Failures:      map[string]string{},
			StartedAt:     time.Now(),
		},
	}
}

// ID returns the batch ID
func (b *Batch) ID() string {
	return b.id
}

// Keys returns the normalized keys of the batch
func (b *Batch) Keys() []string {
	return append([]string(nil), b.keys...)
}

// Done is closed once the batch has merged, failed or been cancelled
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch finishes and returns the merged result.
// Errors are *TotalBatchFailure, ErrBatchCancelled, or ctx.Err() if ctx ends first.
func (b *Batch) Wait(ctx context.Context) (*models.MergedResult, error) {
	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.result, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops all pollers without merging. It has no effect on a finished batch.
func (b *Batch) Cancel() {
	b.cancel()
}

// Record returns a snapshot of the batch record
func (b *Batch) Record() models.BatchRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneRecord(b.record)
}

// Progress returns the aggregate progress of the batch
func (b *Batch) Progress() models.BatchProgress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return progressOf(b.record, "")
}

func (b *Batch) run() {
	defer b.orch.wg.Done()
	defer b.cancel()

	st := &state{
		pending:  make(map[string]*tracked),
		terminal: make(map[string]bool),
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			b.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Str("batch_id", b.id).
				Msg("Batch goroutine panicked")
			b.stopPending(st, "batch aborted")
			b.finish(models.BatchStatusFailed, nil, fmt.Errorf("batch %s aborted: %v", b.id, r), interfaces.EventBatchFailed)
		}
	}()

	common.SafeGo(b.logger, "batch-submit", b.submitAll)

	var timeout <-chan time.Time
	if b.orch.config.BatchTimeout > 0 {
		timer := time.NewTimer(b.orch.config.BatchTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case msg := <-b.messages:
			if b.handle(st, msg) {
				return
			}

		case <-timeout:
			b.expire(st)
			return

		case <-b.ctx.Done():
			b.stopPending(st, ErrBatchCancelled.Error())
			b.logger.Info().
				Str("batch_id", b.id).
				Int("terminal", len(st.completed)).
				Int("total", len(b.keys)).
				Msg("Batch cancelled")
			b.finish(models.BatchStatusCancelled, nil, ErrBatchCancelled, interfaces.EventBatchCancelled)
			return
		}
	}
}

// expire ends the batch at its deadline. Outcomes already queued still count; every
// other pending key is absorbed as a failure.
func (b *Batch) expire(st *state) {
	for drained := false; !drained; {
		select {
		case msg := <-b.messages:
			if b.handle(st, msg) {
				return
			}
		default:
			drained = true
		}
	}

	b.logger.Warn().
		Str("batch_id", b.id).
		Int("pending", len(b.keys)-len(st.completed)).
		Dur("timeout", b.orch.config.BatchTimeout).
		Msg("Batch timed out, absorbing pending symbols as failures")
	b.stopPending(st, reasonBatchTimeout)
	for _, key := range b.keys {
		if !st.terminal[key] {
			if b.absorb(st, merger.Contribution{Key: key, Err: reasonBatchTimeout}) {
				return
			}
		}
	}
}

// submitAll submits every key once, bounded by SubmitConcurrency. Results go to the batch goroutine.
func (b *Batch) submitAll() {
	var g errgroup.Group
	g.SetLimit(b.orch.config.SubmitConcurrency)

	for _, key := range b.keys {
		g.Go(func() error {
			taskID, err := b.orch.client.Submit(b.ctx, key, b.params)
			if err == nil && taskID == "" {
				err = &jobengine.SubmissionError{Key: key, Message: "engine returned no task id"}
			}
			if err != nil {
				b.messages <- message{key: key, submitErr: err}
				return nil
			}
			b.messages <- message{key: key, taskID: taskID}
			return nil
		})
	}

	_ = g.Wait()
	b.messages <- message{submissionsDone: true}
}

// handle processes one message and reports whether the batch has finished
func (b *Batch) handle(st *state, msg message) bool {
	switch {
	case msg.submissionsDone:
		b.updateRecord(func(r *models.BatchRecord) {
			if r.Status == models.BatchStatusSubmitting {
				r.Status = models.BatchStatusRunning
			}
		})
		b.logger.Debug().
			Str("batch_id", b.id).
			Int("polling", len(st.pending)).
			Msg("All submissions returned")
		return false

	case msg.submitErr != nil:
		b.logger.Warn().
			Err(msg.submitErr).
			Str("batch_id", b.id).
			Str("symbol", msg.key).
			Msg("Job submission failed")
		b.publish(interfaces.EventJobFailed, interfaces.JobEvent{
			BatchID:   b.id,
			Key:       msg.key,
			Status:    string(models.JobStatusFailed),
			Error:     msg.submitErr.Error(),
			Timestamp: time.Now(),
		})
		return b.absorb(st, merger.Contribution{Key: msg.key, Err: msg.submitErr.Error()})

	case msg.taskID != "":
		b.startPoller(st, msg.key, msg.taskID)
		return false

	default:
		t, ok := st.pending[msg.key]
		if !ok {
			return false
		}
		delete(st.pending, msg.key)

		if msg.stopped || msg.outcome == nil {
			b.markJobFailed(t, "poller stopped")
			return b.absorb(st, merger.Contribution{Key: msg.key, Err: "poller stopped"})
		}
		if msg.outcome.Succeeded() {
			return b.absorb(st, merger.Contribution{Key: msg.key, Result: msg.outcome.Result})
		}
		return b.absorb(st, merger.Contribution{Key: msg.key, Err: failureReason(msg.outcome.Err)})
	}
}

// startPoller creates the job snapshot and poller for a submitted key
func (b *Batch) startPoller(st *state, key, taskID string) {
	t := &tracked{job: models.NewJob(taskID, b.id, key)}
	b.saveJob(*t.job)
	b.publish(interfaces.EventJobSubmitted, b.jobEvent(*t.job))

	handlers := poller.Handlers{
		OnProgress: func(progress int, step string) {
			if job, ok := b.updateJob(t, func(job *models.Job) bool {
				return job.Apply(&models.StatusReport{Status: models.JobStatusRunning, Progress: progress, Step: step})
			}); ok {
				b.publish(interfaces.EventJobProgress, b.jobEvent(job))
			}
		},
		OnComplete: func(result *models.ScanResult) {
			if job, ok := b.updateJob(t, func(job *models.Job) bool {
				job.MarkCompleted(result)
				return true
			}); ok {
				b.publish(interfaces.EventJobCompleted, b.jobEvent(job))
			}
		},
		OnError: func(err error) {
			if job, ok := b.updateJob(t, func(job *models.Job) bool {
				job.MarkFailed(failureReason(err))
				return true
			}); ok {
				b.publish(interfaces.EventJobFailed, b.jobEvent(job))
			}
		},
	}

	t.poller = poller.New(b.orch.client, taskID, key, b.orch.config.Poller, handlers, b.logger)
	st.pending[key] = t
	t.poller.Start(b.ctx)

	common.SafeGo(b.logger, "batch-fan-in", func() {
		outcome, ok := <-t.poller.Done()
		if !ok {
			b.messages <- message{key: key, stopped: true}
			return
		}
		b.messages <- message{key: key, outcome: &outcome}
	})

	b.logger.Debug().
		Str("batch_id", b.id).
		Str("symbol", key).
		Str("task_id", taskID).
		Msg("Polling job")
}

// absorb moves a key into the completed set and reports whether the batch has finished
func (b *Batch) absorb(st *state, c merger.Contribution) bool {
	if st.terminal[c.Key] {
		return false
	}
	st.terminal[c.Key] = true
	st.completed = append(st.completed, c)

	record := b.updateRecord(func(r *models.BatchRecord) {
		if c.Failed() {
			r.FailedKeys = append(r.FailedKeys, c.Key)
			r.Failures[c.Key] = c.Err
		} else {
			r.CompletedKeys = append(r.CompletedKeys, c.Key)
		}
		r.Progress = 100 * len(st.completed) / len(b.keys)
	})
	b.publish(interfaces.EventBatchProgress, progressOf(record, c.Key))

	if len(st.completed) < len(b.keys) {
		return false
	}

	b.complete(st)
	return true
}

// complete runs once at quorum: merge when anything succeeded, total failure otherwise
func (b *Batch) complete(st *state) {
	succeeded := 0
	failures := make(map[string]string)
	for _, c := range st.completed {
		if c.Failed() {
			failures[c.Key] = c.Err
		} else {
			succeeded++
		}
	}

	if succeeded == 0 {
		err := &TotalBatchFailure{BatchID: b.id, Failures: failures}
		b.logger.Error().
			Err(err).
			Str("batch_id", b.id).
			Msg("Every symbol in the batch failed")
		b.finish(models.BatchStatusFailed, nil, err, interfaces.EventBatchFailed)
	} else {
		merged := merger.Merge(b.id, st.completed, b.orch.config.ExpiryPolicy)
		b.logger.Info().
			Str("batch_id", b.id).
			Int("succeeded", merged.Succeeded).
			Int("requested", merged.Requested).
			Int("calls", len(merged.Calls)).
			Int("puts", len(merged.Puts)).
			Msg("Batch merged")
		b.finish(models.BatchStatusCompleted, merged, nil, interfaces.EventBatchCompleted)
	}

	st.pending = nil
	st.completed = nil
}

// finish records the terminal state, publishes it and releases Wait
func (b *Batch) finish(status models.BatchStatus, merged *models.MergedResult, err error, eventType interfaces.EventType) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.mu.Unlock()

	now := time.Now()
	record := b.updateRecord(func(r *models.BatchRecord) {
		r.Status = status
		r.FinishedAt = &now
		r.Result = merged
		if err != nil {
			r.Error = err.Error()
		}
	})

	b.mu.Lock()
	b.result = merged
	b.err = err
	b.mu.Unlock()

	if merged != nil {
		b.publish(eventType, merged)
	} else {
		b.publish(eventType, record)
	}
	if b.events != nil {
		b.events.closeAndWait()
	}

	b.orch.retire(b)
	close(b.done)
}

// stopPending stops every running poller and marks its job failed with reason
func (b *Batch) stopPending(st *state, reason string) {
	for _, key := range common.SortedKeys(st.pending) {
		t := st.pending[key]
		t.poller.Stop()
		b.markJobFailed(t, reason)
	}
	st.pending = make(map[string]*tracked)
}

func (b *Batch) markJobFailed(t *tracked, reason string) {
	if job, ok := b.updateJob(t, func(job *models.Job) bool {
		if job.Status.IsTerminal() {
			return false
		}
		job.MarkFailed(reason)
		return true
	}); ok {
		b.publish(interfaces.EventJobFailed, b.jobEvent(job))
	}
}

// updateJob applies fn to the job and stores the result under the job lock
func (b *Batch) updateJob(t *tracked, fn func(job *models.Job) bool) (models.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !fn(t.job) {
		return *t.job, false
	}
	job := *t.job
	b.saveJob(job)
	return job, true
}

func (b *Batch) updateRecord(fn func(r *models.BatchRecord)) models.BatchRecord {
	b.mu.Lock()
	fn(&b.record)
	record := cloneRecord(b.record)
	b.mu.Unlock()

	b.saveRecord(record)
	return record
}

func (b *Batch) saveRecord(record models.BatchRecord) {
	if b.orch.batchStorage == nil {
		return
	}
	if err := b.orch.batchStorage.SaveBatch(context.Background(), &record); err != nil {
		b.logger.Warn().Err(err).Str("batch_id", b.id).Msg("Failed to save batch record")
	}
}

func (b *Batch) saveJob(job models.Job) {
	if b.orch.jobStorage == nil {
		return
	}
	if err := b.orch.jobStorage.SaveJob(context.Background(), &job); err != nil {
		b.logger.Warn().Err(err).Str("task_id", job.ID).Msg("Failed to save job snapshot")
	}
}

// publish queues the event for in-order delivery. Job progress is dropped rather than
// queued without bound when subscribers fall behind.
func (b *Batch) publish(eventType interfaces.EventType, payload interface{}) {
	if b.events == nil {
		return
	}
	b.events.push(interfaces.Event{Type: eventType, Payload: payload}, eventType == interfaces.EventJobProgress)
}

func (b *Batch) jobEvent(job models.Job) interfaces.JobEvent {
	return interfaces.JobEvent{
		BatchID:   b.id,
		TaskID:    job.ID,
		Key:       job.Key,
		Status:    string(job.Status),
		Progress:  job.Progress,
		Step:      job.Step,
		Error:     job.ErrorMessage,
		Timestamp: job.UpdatedAt,
	}
}

// failureReason flattens a poller failure into the text stored on the merged result
func failureReason(err error) string {
	if err == nil {
		return "unknown error"
	}
	var failure *poller.TaskFailure
	if errors.As(err, &failure) {
		if failure.Err != nil {
			return failure.Reason + ": " + failure.Err.Error()
		}
		return failure.Reason
	}
	return err.Error()
}

func progressOf(record models.BatchRecord, lastKey string) models.BatchProgress {
	return models.BatchProgress{
		BatchID:   record.ID,
		Completed: len(record.CompletedKeys) + len(record.FailedKeys),
		Failed:    len(record.FailedKeys),
		Total:     len(record.Keys),
		Percent:   record.Progress,
		LastKey:   lastKey,
	}
}

func cloneRecord(r models.BatchRecord) models.BatchRecord {
	clone := r
	clone.Keys = append([]string(nil), r.Keys...)
	clone.CompletedKeys = append([]string{}, r.CompletedKeys...)
	clone.FailedKeys = append([]string{}, r.FailedKeys...)
	clone.Failures = make(map[string]string, len(r.Failures))
	for k, v := range r.Failures {
		clone.Failures[k] = v
	}
	return clone
}
