// Package jobs tracks the lifecycle and progress of higher-level batch jobs
// that enqueue many conversion messages.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petmatch/pet-media-pipeline/internal/model"
	jobrepo "github.com/petmatch/pet-media-pipeline/internal/repository/job"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

// transitionRetries bounds how often a lost CAS race is retried before the
// conflict is surfaced to the caller.
const transitionRetries = 3

// jobRepo covers the persistence the registry needs.
type jobRepo interface {
	Create(ctx context.Context, j model.Job) error
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, version int64, status model.JobStatus, progressPercent uint, errMsg string) error
	SetTotalItems(ctx context.Context, id uuid.UUID, total uint) error
}

// Registry owns job lifecycle state. Transitions only move forward
// (pending -> running -> completed|failed); anything else is rejected.
type Registry struct {
	repo jobRepo
}

// NewRegistry creates a Registry backed by the given repository.
func NewRegistry(repo jobRepo) *Registry {
	return &Registry{repo: repo}
}

// CreateJob initializes a pending job and persists it.
func (r *Registry) CreateJob(ctx context.Context, kind model.JobKind, metadata map[string]string) (model.Job, error) {
	j := model.Job{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    model.JobStatusPending,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
		Version:   1,
	}

	if err := r.repo.Create(ctx, j); err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}

	return j, nil
}

// GetJob retrieves a job by ID.
func (r *Registry) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return r.repo.Get(ctx, id)
}

// Transition moves a job to newStatus. Jobs in a terminal state reject every
// further transition with ErrInvalidTransition. A lost concurrent update is
// retried against the fresh row a bounded number of times.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, newStatus model.JobStatus, progressPercent uint, errMsg string) error {
	if progressPercent > 100 {
		progressPercent = 100
	}

	for attempt := 0; ; attempt++ {
		j, err := r.repo.Get(ctx, id)
		if err != nil {
			return err
		}

		if !j.Status.CanTransitionTo(newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, newStatus)
		}

		err = r.repo.UpdateStatusCAS(ctx, id, j.Version, newStatus, progressPercent, errMsg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jobrepo.ErrVersionConflict) || attempt >= transitionRetries {
			return err
		}
	}
}

// SetTotalItems records the number of work items the job will process.
func (r *Registry) SetTotalItems(ctx context.Context, id uuid.UUID, total uint) error {
	return r.repo.SetTotalItems(ctx, id, total)
}
