package conversion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/model"
	"github.com/petmatch/pet-media-pipeline/internal/procerr"
	"github.com/petmatch/pet-media-pipeline/internal/queue/dlq"
)

// dispatcher routes a validated conversion message to its conversion routine.
type dispatcher interface {
	Dispatch(ctx context.Context, msg model.ConversionMessage) error
}

// failureRouter disposes of failed messages: delayed retry or dead-letter.
type failureRouter interface {
	HandleFailure(ctx context.Context, msg model.ConversionMessage, procErr error) (dlq.Action, error)
}

// Handler is the queue boundary: it decodes and validates the tagged message
// payload, dispatches it, and contains every processing failure inside the
// failure router so errors never propagate past the message.
type Handler struct {
	dispatcher dispatcher
	router     failureRouter
	validate   *validator.Validate
}

// NewHandler creates a new handler with the given dispatcher and router.
func NewHandler(d dispatcher, r failureRouter) *Handler {
	return &Handler{
		dispatcher: d,
		router:     r,
		validate:   validator.New(),
	}
}

// Handle processes one Kafka message. It returns an error only when the
// failure router itself failed, in which case the offset stays uncommitted
// and the queue redelivers.
func (h *Handler) Handle(ctx context.Context, kmsg kafka.Message) error {
	var msg model.ConversionMessage

	if err := json.Unmarshal(kmsg.Value, &msg); err != nil {
		// The decoded fields are worthless here, so the dead letter keeps the
		// raw payload for manual inspection.
		return h.route(ctx, msg, procerr.Wrap(procerr.CategoryMalformedInput,
			fmt.Sprintf("failed to unmarshal message, payload: %q", kmsg.Value), err))
	}

	if err := h.validate.Struct(msg); err != nil {
		return h.route(ctx, msg, procerr.Wrap(procerr.CategoryValidationFailed, "invalid message payload", err))
	}

	if err := h.dispatcher.Dispatch(ctx, msg); err != nil {
		return h.route(ctx, msg, err)
	}

	zlog.Logger.Info().
		Str("pet_id", msg.PetID).
		Str("type", string(msg.Type)).
		Uint("retry_count", msg.RetryCount).
		Msg("conversion processed")

	return nil
}

func (h *Handler) route(ctx context.Context, msg model.ConversionMessage, procErr error) error {
	action, err := h.router.HandleFailure(ctx, msg, procErr)
	if err != nil {
		return err
	}

	zlog.Logger.Warn().
		Str("pet_id", msg.PetID).
		Str("type", string(msg.Type)).
		Str("action", action.String()).
		Err(procErr).
		Msg("conversion failed")

	return nil
}
