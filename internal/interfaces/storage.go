package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/optionscan/internal/models"
)

// ErrNotFound is returned by storage lookups for unknown IDs
var ErrNotFound = errors.New("not found")

// JobStorage keeps the latest snapshot of every engine job
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, taskID string) (*models.Job, error)
	ListJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error)
	DeleteJobsByBatch(ctx context.Context, batchID string) error
}

// BatchStorage keeps batch records for inspection by the API
type BatchStorage interface {
	SaveBatch(ctx context.Context, record *models.BatchRecord) error
	GetBatch(ctx context.Context, batchID string) (*models.BatchRecord, error)
	ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]*models.BatchRecord, error)
}

// StorageManager groups the storages backed by one database
type StorageManager interface {
	JobStorage() JobStorage
	BatchStorage() BatchStorage
	Close() error
}
