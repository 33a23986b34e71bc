package model

import "time"

// MessageType identifies the conversion a queue message requests.
type MessageType string

const (
	MessageConvertToWebp      MessageType = "convert_to_webp"
	MessageOptimizeJpeg       MessageType = "optimize_jpeg"
	MessageGenerateThumbnails MessageType = "generate_thumbnails"
)

// PetType is the kind of pet an entity belongs to.
type PetType string

const (
	PetTypeDog PetType = "dog"
	PetTypeCat PetType = "cat"
)

// SourceFormat is the format of the uploaded source image.
type SourceFormat string

const (
	SourceFormatJPEG SourceFormat = "jpeg"
	SourceFormatPNG  SourceFormat = "png"
)

// ConversionMessage is the unit of work delivered by the queue.
// It is immutable once created: a retry is a fresh message produced
// by NextRetry, never a mutation of the in-flight one.
type ConversionMessage struct {
	Type         MessageType  `json:"type" validate:"required,oneof=convert_to_webp optimize_jpeg generate_thumbnails"`
	PetID        string       `json:"petId" validate:"required"`
	PetType      PetType      `json:"petType" validate:"required,oneof=dog cat"`
	SourceFormat SourceFormat `json:"sourceFormat,omitempty" validate:"omitempty,oneof=jpeg png"`
	RetryCount   uint         `json:"retryCount,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NextRetry returns a copy of the message scheduled for another attempt.
func (m ConversionMessage) NextRetry() ConversionMessage {
	next := m
	next.RetryCount++
	next.Timestamp = time.Now().UTC()
	return next
}

// DeadLetterMessage is a terminally failed ConversionMessage. It is written
// to the dead-letter topic once and never re-enqueued automatically.
type DeadLetterMessage struct {
	ConversionMessage
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}
