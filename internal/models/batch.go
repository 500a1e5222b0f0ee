// -----------------------------------------------------------------------
// Batch - One multi-symbol scan run and its merged outcome
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// BatchStatus represents the lifecycle state of a batch run
type BatchStatus string

const (
	BatchStatusSubmitting BatchStatus = "submitting"
	BatchStatusRunning    BatchStatus = "running"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch has finished
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

// BatchRecord is the inspectable snapshot of a batch, kept for the lifetime of the process.
type BatchRecord struct {
	ID            string            `json:"id" badgerhold:"key"`
	Name          string            `json:"name,omitempty"`
	Keys          []string          `json:"keys"`
	Params        ScanParams        `json:"params"`
	Status        BatchStatus       `json:"status" badgerhold:"index"`
	Progress      int               `json:"progress"`
	CompletedKeys []string          `json:"completed_keys"` // Keys that produced a result
	FailedKeys    []string          `json:"failed_keys"`
	Failures      map[string]string `json:"failures,omitempty"`
	Error         string            `json:"error,omitempty"`
	Result        *MergedResult     `json:"-"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// BatchProgress is published every time a key reaches a terminal state.
// Completed counts terminal keys, failures included.
type BatchProgress struct {
	BatchID   string `json:"batch_id"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	LastKey   string `json:"last_key,omitempty"`
}

// MergedResult is the unified dataset produced once every key of a batch is terminal.
// Calls and Puts are tagged with their source symbol and pre-sorted by score, descending.
type MergedResult struct {
	BatchID         string            `json:"batch_id"`
	Symbols         []string          `json:"symbols"`
	Calls           []OptionScore     `json:"calls"`
	Puts            []OptionScore     `json:"puts"`
	UnderlyingPrice *float64          `json:"underlying_price,omitempty"`
	Expiry          string            `json:"expiry,omitempty"`
	ExpirySource    string            `json:"expiry_source,omitempty"`
	FailedKeys      []string          `json:"failed_keys"`
	Failures        map[string]string `json:"failures,omitempty"`
	Requested       int               `json:"requested"`
	Succeeded       int               `json:"succeeded"`
	MergedAt        time.Time         `json:"merged_at"`
}

// Partial reports whether any requested key failed
func (m *MergedResult) Partial() bool {
	return m != nil && len(m.FailedKeys) > 0
}
