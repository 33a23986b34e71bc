// Package dlq decides what happens to a conversion message after a
// processing failure: delayed re-enqueue with an incremented retry count, or
// a single terminal write to the dead-letter topic.
package dlq

import (
	"context"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/model"
	"github.com/petmatch/pet-media-pipeline/internal/procerr"
)

// Action is the router's disposition of a failed message.
type Action int

const (
	ActionRequeued Action = iota
	ActionDeadLettered
)

func (a Action) String() string {
	if a == ActionRequeued {
		return "requeued"
	}
	return "dead-lettered"
}

// producer publishes to the primary and dead-letter topics.
type producer interface {
	PublishConversion(ctx context.Context, msg model.ConversionMessage) error
	PublishDeadLetter(ctx context.Context, msg model.DeadLetterMessage) error
}

// auditRepo appends processing-attempt history.
type auditRepo interface {
	Append(ctx context.Context, entry model.AuditLogEntry) error
}

// Config holds the retry policy.
type Config struct {
	BaseDelay  time.Duration // delay for retryCount 0
	MaxDelay   time.Duration // cap on the exponential delay
	MaxRetries uint          // retryCount at which the message dead-letters
}

// Router classifies failures and routes messages. It performs exactly one
// terminal action per HandleFailure call, so a logical failure can never
// produce more than one dead-letter write.
type Router struct {
	producer producer
	audit    auditRepo
	cfg      Config

	// schedule defers a function by a delay. Overridable in tests; the
	// default is time.AfterFunc so the handler never blocks on a retry wait.
	schedule func(d time.Duration, f func())
}

// NewRouter creates a Router with the given producer, audit sink and policy.
func NewRouter(p producer, a auditRepo, cfg Config) *Router {
	return &Router{
		producer: p,
		audit:    a,
		cfg:      cfg,
		schedule: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// HandleFailure records the failed attempt and either schedules a fresh
// message with retryCount+1 for delayed re-delivery or writes the message to
// the dead-letter topic. Non-retryable errors dead-letter immediately,
// regardless of retry count.
func (r *Router) HandleFailure(ctx context.Context, msg model.ConversionMessage, procErr error) (Action, error) {
	category := procerr.CategoryOf(procErr)

	r.auditFailure(ctx, msg, procErr)

	if !category.Retryable() || msg.RetryCount >= r.cfg.MaxRetries {
		dead := model.DeadLetterMessage{
			ConversionMessage: msg,
			Error:             procErr.Error(),
			FailedAt:          time.Now().UTC(),
		}

		if err := r.producer.PublishDeadLetter(ctx, dead); err != nil {
			return ActionDeadLettered, err
		}

		zlog.Logger.Warn().
			Str("pet_id", msg.PetID).
			Str("type", string(msg.Type)).
			Str("category", string(category)).
			Uint("retry_count", msg.RetryCount).
			Msg("message dead-lettered")

		return ActionDeadLettered, nil
	}

	delay := r.Delay(msg.RetryCount)
	next := msg.NextRetry()

	// Delayed re-delivery: the retry is a new message published after the
	// backoff elapses, never an in-process sleep inside the handler.
	r.schedule(delay, func() {
		if err := r.producer.PublishConversion(context.Background(), next); err != nil {
			zlog.Logger.Err(err).
				Str("pet_id", next.PetID).
				Uint("retry_count", next.RetryCount).
				Msg("failed to re-enqueue retry message")
		}
	})

	zlog.Logger.Info().
		Str("pet_id", msg.PetID).
		Str("type", string(msg.Type)).
		Str("category", string(category)).
		Uint("retry_count", next.RetryCount).
		Dur("delay", delay).
		Msg("message scheduled for retry")

	return ActionRequeued, nil
}

// Delay computes min(baseDelay * 2^retryCount, maxDelay).
func (r *Router) Delay(retryCount uint) time.Duration {
	if retryCount > 32 {
		return r.cfg.MaxDelay
	}

	d := r.cfg.BaseDelay << retryCount
	if d > r.cfg.MaxDelay || d <= 0 {
		return r.cfg.MaxDelay
	}
	return d
}

func (r *Router) auditFailure(ctx context.Context, msg model.ConversionMessage, procErr error) {
	entry := model.AuditLogEntry{
		MessageType:  string(msg.Type),
		PetID:        msg.PetID,
		Status:       model.AuditStatusFailed,
		ErrorMessage: procErr.Error(),
		RetryCount:   msg.RetryCount,
		CompletedAt:  time.Now().UTC(),
	}

	if err := r.audit.Append(ctx, entry); err != nil {
		zlog.Logger.Err(err).Str("pet_id", msg.PetID).Msg("failed to append failure audit entry")
	}
}
