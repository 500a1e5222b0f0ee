package interfaces

import (
	"time"

	"github.com/ternarybob/optionscan/internal/models"
)

// ScanStatus represents the current status of a scheduled scan
type ScanStatus struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
	Symbols     []string   `json:"symbols"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastBatchID string     `json:"last_batch_id,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

// SchedulerService manages cron-based scan scheduling
type SchedulerService interface {
	// Start the scheduler
	Start() error

	// Stop the scheduler and wait for running cron callbacks to return
	Stop() error

	// IsRunning returns true if scheduler is active
	IsRunning() bool

	// RegisterScan registers a scan definition with the scheduler
	RegisterScan(def models.ScanDefinition) error

	// TriggerNow runs a registered scan immediately
	TriggerNow(name string) error

	// GetScanStatus returns the status of a specific scan
	GetScanStatus(name string) (*ScanStatus, error)

	// GetAllScanStatuses returns all scan statuses
	GetAllScanStatuses() map[string]*ScanStatus
}
