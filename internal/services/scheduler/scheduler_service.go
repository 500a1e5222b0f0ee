package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobs/orchestrator"
	"github.com/ternarybob/optionscan/internal/models"
)

var (
	// ErrScanInFlight is returned when a scan is triggered while its previous batch is still running
	ErrScanInFlight = errors.New("previous run still in flight")

	// ErrScanNotFound is returned for names that were never registered
	ErrScanNotFound = errors.New("scan not found")
)

// scanEntry represents a registered scan with run metadata
type scanEntry struct {
	def         models.ScanDefinition
	cronID      cron.EntryID
	scheduled   bool
	lastRun     *time.Time
	lastBatchID string
	isRunning   bool
	lastError   string
}

// Service implements SchedulerService interface
type Service struct {
	orchestrator *orchestrator.Orchestrator
	cron         *cron.Cron
	logger       arbor.ILogger
	mu           sync.Mutex // Protects scans and running
	scans        map[string]*scanEntry
	running      bool
}

var _ interfaces.SchedulerService = (*Service)(nil)

// NewService creates a new scheduler service that starts batches on orch
func NewService(orch *orchestrator.Orchestrator, logger arbor.ILogger) *Service {
	return &Service{
		orchestrator: orch,
		cron:         cron.New(),
		logger:       logger,
		scans:        make(map[string]*scanEntry),
	}
}

// Start begins firing registered schedules
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("scans", len(s.scans)).Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler. Batches already started keep running on the orchestrator.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RegisterScan adds or replaces a scan definition. Disabled definitions and
// definitions without a schedule can still be run with TriggerNow.
func (s *Service) RegisterScan(def models.ScanDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid scan definition %q: %w", def.Name, err)
	}
	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			return fmt.Errorf("invalid schedule for scan %s: %w", def.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.scans[def.Name]
	if exists {
		if entry.scheduled {
			s.cron.Remove(entry.cronID)
			entry.scheduled = false
		}
		entry.def = def
	} else {
		entry = &scanEntry{def: def}
		s.scans[def.Name] = entry
	}

	if def.Enabled && def.Schedule != "" {
		name := def.Name
		id, err := s.cron.AddFunc(def.Schedule, func() {
			if err := s.executeScan(name); err != nil {
				s.logger.Warn().Err(err).Str("scan", name).Msg("Scheduled scan not started")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		entry.cronID = id
		entry.scheduled = true
	}

	s.logger.Info().
		Str("scan", def.Name).
		Str("schedule", def.Schedule).
		Bool("enabled", def.Enabled).
		Int("symbols", len(def.Symbols)).
		Msg("Scan registered")

	return nil
}

// TriggerNow runs a registered scan immediately
func (s *Service) TriggerNow(name string) error {
	return s.executeScan(name)
}

// GetScanStatus returns the status of a specific scan
func (s *Service) GetScanStatus(name string) (*interfaces.ScanStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.scans[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, name)
	}
	return s.statusOf(entry), nil
}

// GetAllScanStatuses returns all scan statuses keyed by name
func (s *Service) GetAllScanStatuses() map[string]*interfaces.ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]*interfaces.ScanStatus, len(s.scans))
	for name, entry := range s.scans {
		statuses[name] = s.statusOf(entry)
	}
	return statuses
}

// ScanNames returns registered scan names in sorted order
func (s *Service) ScanNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.scans))
	for name := range s.scans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// statusOf must be called with s.mu held
func (s *Service) statusOf(entry *scanEntry) *interfaces.ScanStatus {
	var nextRun *time.Time
	if entry.scheduled && s.running {
		next := s.cron.Entry(entry.cronID).Next
		if !next.IsZero() {
			nextRun = &next
		}
	}

	return &interfaces.ScanStatus{
		Name:        entry.def.Name,
		Enabled:     entry.def.Enabled,
		Schedule:    entry.def.Schedule,
		Symbols:     append([]string(nil), entry.def.Symbols...),
		LastRun:     entry.lastRun,
		NextRun:     nextRun,
		LastBatchID: entry.lastBatchID,
		IsRunning:   entry.isRunning,
		LastError:   entry.lastError,
	}
}

func (s *Service) executeScan(name string) error {
	s.mu.Lock()
	entry, exists := s.scans[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScanNotFound, name)
	}
	if entry.isRunning {
		batchID := entry.lastBatchID
		s.mu.Unlock()
		s.logger.Info().
			Str("scan", name).
			Str("batch_id", batchID).
			Msg("Skipping scan, previous batch still running")
		return fmt.Errorf("scan %s: %w", name, ErrScanInFlight)
	}
	entry.isRunning = true
	def := entry.def
	s.mu.Unlock()

	// The batch outlives the cron callback, so it gets a detached context.
	batch, err := s.orchestrator.Start(context.Background(), def.Symbols, def.Params, orchestrator.WithName(def.Name))
	now := time.Now()

	s.mu.Lock()
	entry.lastRun = &now
	if err != nil {
		entry.isRunning = false
		entry.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("scan", name).Msg("Failed to start scan")
		return fmt.Errorf("failed to start scan %s: %w", name, err)
	}
	entry.lastBatchID = batch.ID()
	entry.lastError = ""
	s.mu.Unlock()

	s.logger.Info().
		Str("scan", name).
		Str("batch_id", batch.ID()).
		Msg("🚀 Scan started")

	common.SafeGo(s.logger, "scan-"+name, func() {
		s.awaitBatch(entry, batch)
	})
	return nil
}

func (s *Service) awaitBatch(entry *scanEntry, batch *orchestrator.Batch) {
	start := time.Now()
	result, err := batch.Wait(context.Background())

	s.mu.Lock()
	entry.isRunning = false
	if err != nil {
		entry.lastError = err.Error()
	} else if result.Partial() {
		entry.lastError = fmt.Sprintf("%d of %d symbols failed", len(result.FailedKeys), result.Requested)
	}
	name := entry.def.Name
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("scan", name).
			Str("batch_id", batch.ID()).
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("❌ Scan failed")
		return
	}
	s.logger.Info().
		Str("scan", name).
		Str("batch_id", batch.ID()).
		Int("calls", len(result.Calls)).
		Int("puts", len(result.Puts)).
		Dur("duration", time.Since(start)).
		Msg("✅ Scan completed")
}
