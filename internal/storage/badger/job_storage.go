package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, taskID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(taskID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", taskID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobsByBatch returns the jobs of a batch ordered by symbol
func (s *JobStorage) ListJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("BatchID").Eq(batchID).Index("BatchID")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs for batch %s: %w", batchID, err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Key < jobs[j].Key
	})

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) DeleteJobsByBatch(ctx context.Context, batchID string) error {
	query := badgerhold.Where("BatchID").Eq(batchID).Index("BatchID")
	if err := s.db.Store().DeleteMatching(&models.Job{}, query); err != nil {
		return fmt.Errorf("failed to delete jobs for batch %s: %w", batchID, err)
	}
	return nil
}
