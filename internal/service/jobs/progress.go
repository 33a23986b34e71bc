package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

// progressRepo covers the persistence the monitor needs.
type progressRepo interface {
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
	IncrementProgress(ctx context.Context, id uuid.UUID, success, failed uint) error
	Summarize(ctx context.Context) (model.JobsSummary, error)
}

// ProgressDelta is one batch of processed items to add to a job's counters.
type ProgressDelta struct {
	Success uint
	Failed  uint
}

// Monitor derives progress views from a job's cumulative counters. Counters
// only ever grow, so progressPercent never decreases within one job.
type Monitor struct {
	repo progressRepo

	// now is overridable in tests.
	now func() time.Time
}

// NewMonitor creates a Monitor backed by the given repository.
func NewMonitor(repo progressRepo) *Monitor {
	return &Monitor{repo: repo, now: time.Now}
}

// UpdateProgress adds the delta to the job's counters; the percentage is
// recomputed and clamped atomically in the store.
func (m *Monitor) UpdateProgress(ctx context.Context, id uuid.UUID, delta ProgressDelta) error {
	if delta.Success == 0 && delta.Failed == 0 {
		return nil
	}

	if err := m.repo.IncrementProgress(ctx, id, delta.Success, delta.Failed); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	return nil
}

// GetProgress returns the derived progress record for a job, including the
// remaining-time estimate.
func (m *Monitor) GetProgress(ctx context.Context, id uuid.UUID) (model.ProgressRecord, error) {
	j, err := m.repo.Get(ctx, id)
	if err != nil {
		return model.ProgressRecord{}, err
	}

	rec := model.ProgressRecord{
		TotalItems:      j.TotalItems,
		ProcessedItems:  j.ProcessedItems,
		SuccessCount:    j.SuccessCount,
		FailedCount:     j.FailedCount,
		ProgressPercent: j.ProgressPercent,
	}
	rec.EstimatedRemainingMs = m.EstimateRemaining(j).Milliseconds()

	return rec, nil
}

// EstimateRemaining extrapolates the remaining duration from the average time
// per processed item: elapsed/processed * (total-processed). Returns 0 when
// nothing has been processed yet or the job is already done.
func (m *Monitor) EstimateRemaining(j model.Job) time.Duration {
	if j.ProcessedItems == 0 || j.TotalItems <= j.ProcessedItems {
		return 0
	}

	end := m.now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}

	elapsed := end.Sub(j.StartedAt)
	if elapsed <= 0 {
		return 0
	}

	perItem := elapsed / time.Duration(j.ProcessedItems)
	return perItem * time.Duration(j.TotalItems-j.ProcessedItems)
}

// Summarize aggregates all known jobs by status.
func (m *Monitor) Summarize(ctx context.Context) (model.JobsSummary, error) {
	return m.repo.Summarize(ctx)
}
