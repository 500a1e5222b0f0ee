// Package orchestrator runs multi-symbol batches: one engine job per symbol,
// aggregated progress, and a single merge once every symbol is terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobs/merger"
	"github.com/ternarybob/optionscan/internal/jobs/poller"
	"github.com/ternarybob/optionscan/internal/models"
)

var (
	// ErrBatchCancelled is returned by Wait when the batch was reset or its context ended
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrBatchNotFound is returned for unknown batch IDs
	ErrBatchNotFound = errors.New("batch not found")

	// ErrClosed is returned by Start after Close
	ErrClosed = errors.New("orchestrator closed")
)

// TotalBatchFailure is returned when no key of a batch produced a result. No merge happens.
type TotalBatchFailure struct {
	BatchID  string
	Failures map[string]string
}

func (e *TotalBatchFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, key := range common.SortedKeys(e.Failures) {
		parts = append(parts, key+": "+e.Failures[key])
	}
	return fmt.Sprintf("batch %s failed: all %d symbols failed (%s)", e.BatchID, len(e.Failures), strings.Join(parts, "; "))
}

// DefaultRetainFinished is how many finished batches stay in memory when unset
const DefaultRetainFinished = 100

// Config controls batch execution
type Config struct {
	Poller            poller.Config
	BatchTimeout      time.Duration
	SubmitConcurrency int
	ExpiryPolicy      merger.ExpiryPolicy

	// RetainFinished bounds the finished batches kept in memory. Older ones are
	// only reachable through batch storage.
	RetainFinished int
}

// DefaultConfig returns the configuration used when none is loaded
func DefaultConfig() Config {
	return Config{
		Poller:            poller.DefaultConfig(),
		SubmitConcurrency: 4,
		ExpiryPolicy:      merger.ExpiryFirstSymbol,
		RetainFinished:    DefaultRetainFinished,
	}
}

// FromConfig builds the orchestrator configuration from the application config
func FromConfig(cfg *common.Config) (Config, error) {
	policy, err := merger.ParseExpiryPolicy(cfg.Batch.ExpirySelection)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Poller:            poller.FromConfig(cfg.Polling),
		BatchTimeout:      common.ParseDurationOr(cfg.Batch.Timeout, 0),
		SubmitConcurrency: cfg.Batch.SubmitConcurrency,
		ExpiryPolicy:      policy,
		RetainFinished:    cfg.Batch.RetainFinished,
	}, nil
}

// StartOption customises a batch at start
type StartOption func(*Batch)

// WithName labels the batch, e.g. with the scheduled scan that started it
func WithName(name string) StartOption {
	return func(b *Batch) {
		b.record.Name = name
	}
}

// Orchestrator starts and tracks batches. Storage and event service are optional.
type Orchestrator struct {
	client       interfaces.JobClient
	eventService interfaces.EventService
	jobStorage   interfaces.JobStorage
	batchStorage interfaces.BatchStorage
	config       Config
	logger       arbor.ILogger

	mu       sync.Mutex
	batches  map[string]*Batch
	finished []string // finished batch IDs, oldest first
	closed   bool
	wg       sync.WaitGroup
}

// New creates a new batch orchestrator
func New(
	client interfaces.JobClient,
	eventService interfaces.EventService,
	jobStorage interfaces.JobStorage,
	batchStorage interfaces.BatchStorage,
	config Config,
	logger arbor.ILogger,
) *Orchestrator {
	if config.SubmitConcurrency <= 0 {
		config.SubmitConcurrency = 1
	}
	if config.ExpiryPolicy == "" {
		config.ExpiryPolicy = merger.ExpiryFirstSymbol
	}
	if config.RetainFinished <= 0 {
		config.RetainFinished = DefaultRetainFinished
	}
	return &Orchestrator{
		client:       client,
		eventService: eventService,
		jobStorage:   jobStorage,
		batchStorage: batchStorage,
		config:       config,
		logger:       logger,
		batches:      make(map[string]*Batch),
	}
}

// Start validates the request, records the batch and begins submitting jobs in the background.
// Cancelling ctx cancels the batch; pass a detached context for batches that outlive a request.
func (o *Orchestrator) Start(ctx context.Context, keys []string, params models.ScanParams, opts ...StartOption) (*Batch, error) {
	normalized, err := common.NormalizeSymbols(keys)
	if err != nil {
		return nil, fmt.Errorf("invalid symbols: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scan parameters: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	b := newBatch(ctx, o, normalized, params)
	for _, opt := range opts {
		opt(b)
	}
	o.batches[b.id] = b
	o.wg.Add(1)
	o.mu.Unlock()

	b.logger.Info().
		Str("batch_id", b.id).
		Strs("symbols", normalized).
		Str("strategy", params.Strategy).
		Msg("Batch started")

	if b.events != nil {
		b.events.start()
	}
	record := b.Record()
	b.saveRecord(record)
	b.publish(interfaces.EventBatchStarted, record)

	common.SafeGo(o.logger, "batch-runner", b.run)

	return b, nil
}

// Get returns a batch known to this process
func (o *Orchestrator) Get(batchID string) (*Batch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return b, nil
}

// List returns snapshots of every known batch, newest first
func (o *Orchestrator) List() []models.BatchRecord {
	o.mu.Lock()
	batches := make([]*Batch, 0, len(o.batches))
	for _, b := range o.batches {
		batches = append(batches, b)
	}
	o.mu.Unlock()

	records := make([]models.BatchRecord, 0, len(batches))
	for _, b := range batches {
		records = append(records, b.Record())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records
}

// Reset discards a batch: running pollers are stopped, no merge happens and
// the batch is forgotten. Remote jobs are not cancelled on the engine.
// A finished batch that was already evicted from memory only loses its job snapshots.
func (o *Orchestrator) Reset(ctx context.Context, batchID string) error {
	b, err := o.Get(batchID)
	if err != nil {
		if o.batchStorage == nil {
			return err
		}
		if _, storeErr := o.batchStorage.GetBatch(ctx, batchID); storeErr != nil {
			return err
		}
		o.deleteJobs(ctx, batchID)
		return nil
	}

	b.Cancel()
	select {
	case <-b.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	delete(o.batches, batchID)
	for i, id := range o.finished {
		if id == batchID {
			o.finished = append(o.finished[:i], o.finished[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	o.deleteJobs(ctx, batchID)

	o.logger.Debug().Str("batch_id", batchID).Msg("Batch reset")
	return nil
}

func (o *Orchestrator) deleteJobs(ctx context.Context, batchID string) {
	if o.jobStorage == nil {
		return
	}
	if err := o.jobStorage.DeleteJobsByBatch(ctx, batchID); err != nil {
		o.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to delete job snapshots")
	}
}

// retire records a finished batch and evicts the oldest ones beyond RetainFinished
func (o *Orchestrator) retire(b *Batch) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.batches[b.id]; !ok {
		return
	}
	o.finished = append(o.finished, b.id)
	for len(o.finished) > o.config.RetainFinished {
		oldest := o.finished[0]
		o.finished = o.finished[1:]
		delete(o.batches, oldest)
		o.logger.Trace().Str("batch_id", oldest).Msg("Evicted finished batch from memory")
	}
}

// Close cancels every running batch and waits for their goroutines to exit
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	batches := make([]*Batch, 0, len(o.batches))
	for _, b := range o.batches {
		batches = append(batches, b)
	}
	o.mu.Unlock()

	for _, b := range batches {
		b.Cancel()
	}
	o.wg.Wait()

	o.logger.Debug().Int("batches", len(batches)).Msg("Orchestrator closed")
	return nil
}
