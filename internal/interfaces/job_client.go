package interfaces

import (
	"context"

	"github.com/ternarybob/optionscan/internal/models"
)

// JobClient is the transport contract of the remote job engine.
// Implementations are stateless: every call maps to one HTTP request.
type JobClient interface {
	// Submit creates a job for key and returns the engine's task ID
	Submit(ctx context.Context, key string, params models.ScanParams) (string, error)

	// PollStatus returns the lightweight status of a task. Safe to call repeatedly.
	PollStatus(ctx context.Context, taskID string) (*models.StatusReport, error)

	// FetchResult returns the full payload of a completed task
	FetchResult(ctx context.Context, taskID string) (*models.ScanResult, error)
}
