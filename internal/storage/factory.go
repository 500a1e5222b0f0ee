package storage

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/storage/badger"
)

// NewStorageManager creates the process-local storage manager.
// Batches and jobs are kept in an in-memory Badger store only.
func NewStorageManager(logger arbor.ILogger) (interfaces.StorageManager, error) {
	return badger.NewManager(logger)
}
