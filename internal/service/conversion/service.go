package conversion

import (
	"bytes"
	"context"
	"time"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/model"
	"github.com/petmatch/pet-media-pipeline/internal/procerr"
	"github.com/petmatch/pet-media-pipeline/internal/transform"
)

// blobStorage defines the blob-store operations the dispatcher needs.
type blobStorage interface {
	Save(ctx context.Context, key, contentType string, payload []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// transformer calls the external transform backend.
type transformer interface {
	Transform(ctx context.Context, req transform.Request) ([]byte, error)
}

// petRepo covers the presence-flag writes owned by the conversion path.
type petRepo interface {
	Exists(ctx context.Context, petID string) (bool, error)
	MarkHasWebp(ctx context.Context, petID string) error
	MarkHasJpeg(ctx context.Context, petID string) error
	TouchImageChecked(ctx context.Context, petID string) error
}

// auditRepo appends processing-attempt history.
type auditRepo interface {
	Append(ctx context.Context, entry model.AuditLogEntry) error
}

// thumbDimensions maps each thumbnail variant to its bounding box.
var thumbDimensions = map[model.ThumbSize][2]int{
	model.ThumbSmall:  {150, 150},
	model.ThumbMedium: {400, 400},
	model.ThumbLarge:  {800, 800},
}

const (
	webpQuality = 80
	jpegQuality = 85
)

// Service routes an inbound conversion message to the right routine. Blob
// writes and presence-flag updates are two separate operations with no
// transaction between them; the integrity reconciler closes that window.
type Service struct {
	blob  blobStorage
	trans transformer
	pets  petRepo
	audit auditRepo
}

// NewService creates a new Service with the given collaborators.
func NewService(b blobStorage, t transformer, p petRepo, a auditRepo) *Service {
	return &Service{blob: b, trans: t, pets: p, audit: a}
}

// Dispatch processes one conversion message end to end. Returned errors carry
// a procerr category for the retry/dead-letter router.
func (s *Service) Dispatch(ctx context.Context, msg model.ConversionMessage) error {
	exists, err := s.pets.Exists(ctx, msg.PetID)
	if err != nil {
		return procerr.Wrap(procerr.CategoryStorageTransient, "failed to look up pet "+msg.PetID, err)
	}
	if !exists {
		return procerr.New(procerr.CategoryEntityNotFound, "pet "+msg.PetID+" does not exist")
	}

	srcKey := model.OriginalKey(msg.PetType, msg.PetID, msg.SourceFormat)
	srcExists, err := s.blob.Exists(ctx, srcKey)
	if err != nil {
		return err
	}
	if !srcExists {
		return procerr.New(procerr.CategorySourceMissing, "source object "+srcKey+" does not exist")
	}

	switch msg.Type {
	case model.MessageConvertToWebp:
		return s.convertToWebp(ctx, msg, srcKey)
	case model.MessageOptimizeJpeg:
		return s.optimizeJpeg(ctx, msg, srcKey)
	case model.MessageGenerateThumbnails:
		return s.generateThumbnails(ctx, msg, srcKey)
	default:
		return procerr.Newf(procerr.CategoryValidationFailed, "unknown message type %q", msg.Type)
	}
}

// AlreadyDone is the idempotency guard: a metadata-only existence check on
// the target artifact. It is the only defense against duplicate processing
// under at-least-once delivery.
func (s *Service) AlreadyDone(ctx context.Context, targetKey string) (bool, error) {
	return s.blob.Exists(ctx, targetKey)
}

func (s *Service) convertToWebp(ctx context.Context, msg model.ConversionMessage, srcKey string) error {
	targetKey := model.WebpKey(msg.PetType, msg.PetID)

	done, err := s.AlreadyDone(ctx, targetKey)
	if err != nil {
		return err
	}
	if done {
		return s.auditNoop(ctx, msg, targetKey)
	}

	src, err := s.loadValidated(ctx, srcKey)
	if err != nil {
		return err
	}

	out, err := s.trans.Transform(ctx, transform.Request{
		Source:       src,
		OutputFormat: "webp",
		Quality:      webpQuality,
	})
	if err != nil {
		return err
	}

	if err := s.blob.Save(ctx, targetKey, "image/webp", out); err != nil {
		return err
	}

	if err := s.pets.MarkHasWebp(ctx, msg.PetID); err != nil {
		return procerr.Wrap(procerr.CategoryStorageTransient, "failed to mark has_webp", err)
	}

	return s.auditSuccess(ctx, msg)
}

func (s *Service) optimizeJpeg(ctx context.Context, msg model.ConversionMessage, srcKey string) error {
	targetKey := model.OptimizedJpegKey(msg.PetType, msg.PetID)

	done, err := s.AlreadyDone(ctx, targetKey)
	if err != nil {
		return err
	}
	if done {
		return s.auditNoop(ctx, msg, targetKey)
	}

	src, err := s.loadValidated(ctx, srcKey)
	if err != nil {
		return err
	}

	out, err := s.trans.Transform(ctx, transform.Request{
		Source:       src,
		OutputFormat: "jpeg",
		Quality:      jpegQuality,
	})
	if err != nil {
		return err
	}

	if err := s.blob.Save(ctx, targetKey, "image/jpeg", out); err != nil {
		return err
	}

	if err := s.pets.MarkHasJpeg(ctx, msg.PetID); err != nil {
		return procerr.Wrap(procerr.CategoryStorageTransient, "failed to mark has_jpeg", err)
	}

	return s.auditSuccess(ctx, msg)
}

func (s *Service) generateThumbnails(ctx context.Context, msg model.ConversionMessage, srcKey string) error {
	// All three sizes must exist for the message to be a no-op.
	allDone := true
	for _, size := range model.ThumbSizes {
		done, err := s.AlreadyDone(ctx, model.ThumbKey(msg.PetType, msg.PetID, size))
		if err != nil {
			return err
		}
		if !done {
			allDone = false
			break
		}
	}
	if allDone {
		return s.auditNoop(ctx, msg, model.ThumbKey(msg.PetType, msg.PetID, model.ThumbLarge))
	}

	src, err := s.loadValidated(ctx, srcKey)
	if err != nil {
		return err
	}

	for _, size := range model.ThumbSizes {
		dims := thumbDimensions[size]
		out, err := s.trans.Transform(ctx, transform.Request{
			Source:       src,
			OutputFormat: "jpeg",
			Quality:      jpegQuality,
			Width:        dims[0],
			Height:       dims[1],
		})
		if err != nil {
			return err
		}

		if err := s.blob.Save(ctx, model.ThumbKey(msg.PetType, msg.PetID, size), "image/jpeg", out); err != nil {
			return err
		}
	}

	if err := s.pets.TouchImageChecked(ctx, msg.PetID); err != nil {
		return procerr.Wrap(procerr.CategoryStorageTransient, "failed to touch image_checked_at", err)
	}

	return s.auditSuccess(ctx, msg)
}

// loadValidated downloads the source object and verifies it decodes as an
// image before any bytes are sent to the transform backend.
func (s *Service) loadValidated(ctx context.Context, srcKey string) ([]byte, error) {
	src, err := s.blob.Load(ctx, srcKey)
	if err != nil {
		return nil, err
	}

	if _, err := imaging.Decode(bytes.NewReader(src)); err != nil {
		return nil, procerr.Wrap(procerr.CategoryMalformedInput, "source object "+srcKey+" is not a decodable image", err)
	}

	return src, nil
}

func (s *Service) auditSuccess(ctx context.Context, msg model.ConversionMessage) error {
	entry := model.AuditLogEntry{
		MessageType: string(msg.Type),
		PetID:       msg.PetID,
		Status:      model.AuditStatusSuccess,
		RetryCount:  msg.RetryCount,
		CompletedAt: time.Now().UTC(),
	}

	if err := s.audit.Append(ctx, entry); err != nil {
		// The artifact is already persisted; a lost audit row is not worth
		// a retry that would redo blob writes.
		zlog.Logger.Err(err).Str("pet_id", msg.PetID).Msg("failed to append audit entry")
	}

	return nil
}

func (s *Service) auditNoop(ctx context.Context, msg model.ConversionMessage, targetKey string) error {
	zlog.Logger.Info().
		Str("pet_id", msg.PetID).
		Str("target", targetKey).
		Msg("target artifact already exists, skipping conversion")

	entry := model.AuditLogEntry{
		MessageType:  string(msg.Type),
		PetID:        msg.PetID,
		Status:       model.AuditStatusSuccess,
		ErrorMessage: "skipped: target already exists",
		RetryCount:   msg.RetryCount,
		CompletedAt:  time.Now().UTC(),
	}

	if err := s.audit.Append(ctx, entry); err != nil {
		zlog.Logger.Err(err).Str("pet_id", msg.PetID).Msg("failed to append audit entry")
	}

	return nil
}
