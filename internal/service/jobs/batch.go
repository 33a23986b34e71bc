package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

// petLister selects the pets a batch job should enqueue.
type petLister interface {
	ListForConversion(ctx context.Context, onlyMissingWebp bool) ([]model.PresenceRecord, error)
	GetPresence(ctx context.Context, petID string) (model.PresenceRecord, error)
}

// enqueuer publishes conversion messages to the primary topic.
type enqueuer interface {
	PublishConversion(ctx context.Context, msg model.ConversionMessage) error
}

// Runner drives a batch job: it selects pets, enqueues one conversion message
// per missing artifact, and moves the job through its lifecycle. Per-pet
// enqueue failures only count against the job's failure counter; the job
// itself fails only when the selection phase fails.
type Runner struct {
	registry *Registry
	monitor  *Monitor
	pets     petLister
	producer enqueuer
}

// NewRunner creates a Runner.
func NewRunner(registry *Registry, monitor *Monitor, pets petLister, producer enqueuer) *Runner {
	return &Runner{
		registry: registry,
		monitor:  monitor,
		pets:     pets,
		producer: producer,
	}
}

// StartBatch creates the job and runs it in the background. The returned job
// is the freshly created pending record; callers poll GetJob/GetProgress for
// the outcome. petID is only consulted for JobKindImage.
func (r *Runner) StartBatch(ctx context.Context, kind model.JobKind, petID string) (model.Job, error) {
	meta := map[string]string{}
	if kind == model.JobKindImage {
		if petID == "" {
			return model.Job{}, fmt.Errorf("image job requires a pet id")
		}
		meta["petId"] = petID
	}

	j, err := r.registry.CreateJob(ctx, kind, meta)
	if err != nil {
		return model.Job{}, err
	}

	go func() {
		// Detach from the request context so an aborted HTTP call does not
		// kill a running batch.
		runCtx := context.Background()
		if err := r.run(runCtx, j, petID); err != nil {
			zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("batch job failed")
		}
	}()

	return j, nil
}

// run executes one batch job to a terminal state. Every setup failure drives
// the job to failed; a row must never sit in pending forever.
func (r *Runner) run(ctx context.Context, j model.Job, petID string) error {
	targets, err := r.selectTargets(ctx, j.Kind, petID)
	if err != nil {
		r.failJob(ctx, j.ID, err)
		return err
	}

	var total uint
	for _, t := range targets {
		total += uint(len(messagesFor(t)))
	}

	if err := r.registry.SetTotalItems(ctx, j.ID, total); err != nil {
		r.failJob(ctx, j.ID, err)
		return err
	}
	if err := r.registry.Transition(ctx, j.ID, model.JobStatusRunning, 0, ""); err != nil {
		r.failJob(ctx, j.ID, err)
		return err
	}

	for _, t := range targets {
		for _, msg := range messagesFor(t) {
			delta := ProgressDelta{Success: 1}
			if err := r.producer.PublishConversion(ctx, msg); err != nil {
				zlog.Logger.Err(err).
					Str("job_id", j.ID.String()).
					Str("pet_id", msg.PetID).
					Msg("failed to enqueue conversion")
				delta = ProgressDelta{Failed: 1}
			}

			if err := r.monitor.UpdateProgress(ctx, j.ID, delta); err != nil {
				zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("failed to update job progress")
			}
		}
	}

	return r.registry.Transition(ctx, j.ID, model.JobStatusCompleted, 100, "")
}

// failJob records the cause on the job and moves it to failed. The running
// hop is taken first because failed is only reachable from running; it is a
// no-op error when the job already runs.
func (r *Runner) failJob(ctx context.Context, id uuid.UUID, cause error) {
	if err := r.registry.Transition(ctx, id, model.JobStatusRunning, 0, ""); err != nil && !errors.Is(err, ErrInvalidTransition) {
		zlog.Logger.Err(err).Str("job_id", id.String()).Msg("failed to move job to running before failing it")
	}
	if err := r.registry.Transition(ctx, id, model.JobStatusFailed, 0, cause.Error()); err != nil {
		zlog.Logger.Err(err).Str("job_id", id.String()).Msg("failed to mark job failed")
	}
}

// selectTargets picks pets by job kind: full sweeps everything, incremental
// only pets missing a WebP artifact, image a single pet.
func (r *Runner) selectTargets(ctx context.Context, kind model.JobKind, petID string) ([]model.PresenceRecord, error) {
	switch kind {
	case model.JobKindFull:
		return r.pets.ListForConversion(ctx, false)
	case model.JobKindIncremental:
		return r.pets.ListForConversion(ctx, true)
	case model.JobKindImage:
		rec, err := r.pets.GetPresence(ctx, petID)
		if err != nil {
			return nil, err
		}
		return []model.PresenceRecord{rec}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

// messagesFor builds the conversion messages a pet still needs.
func messagesFor(rec model.PresenceRecord) []model.ConversionMessage {
	now := time.Now().UTC()
	var msgs []model.ConversionMessage

	if !rec.HasWebp {
		msgs = append(msgs, model.ConversionMessage{
			Type:      model.MessageConvertToWebp,
			PetID:     rec.PetID,
			PetType:   rec.PetType,
			Timestamp: now,
		})
	}
	if !rec.HasJpeg {
		msgs = append(msgs, model.ConversionMessage{
			Type:      model.MessageOptimizeJpeg,
			PetID:     rec.PetID,
			PetType:   rec.PetType,
			Timestamp: now,
		})
	}

	return msgs
}
