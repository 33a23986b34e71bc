package model

import (
	"time"

	"github.com/google/uuid"
)

// JobKind classifies a batch job.
type JobKind string

const (
	JobKindFull        JobKind = "full"        // every pet
	JobKindIncremental JobKind = "incremental" // pets missing derived artifacts
	JobKindImage       JobKind = "image"       // a single pet
)

// JobStatus is the lifecycle state of a job. Transitions only move forward:
// pending -> running -> completed|failed.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Job tracks a higher-level batch operation that enqueues many conversion
// messages. Version backs compare-and-swap updates so concurrent writers
// cannot silently overwrite each other.
type Job struct {
	ID              uuid.UUID         `json:"id"`
	Kind            JobKind           `json:"kind"`
	Status          JobStatus         `json:"status"`
	ProgressPercent uint              `json:"progressPercent"`
	TotalItems      uint              `json:"totalItems"`
	ProcessedItems  uint              `json:"processedItems"`
	SuccessCount    uint              `json:"successCount"`
	FailedCount     uint              `json:"failedCount"`
	StartedAt       time.Time         `json:"startedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Version         int64             `json:"-"`
}

// ProgressRecord is a derived view over a job's counters.
// Invariants: ProcessedItems = SuccessCount + FailedCount and
// ProgressPercent = round(processed/total*100) when TotalItems > 0, else 0.
// The remaining-time estimate is carried in milliseconds; a raw
// time.Duration would marshal as nanoseconds.
type ProgressRecord struct {
	TotalItems           uint  `json:"totalItems"`
	ProcessedItems       uint  `json:"processedItems"`
	SuccessCount         uint  `json:"successCount"`
	FailedCount          uint  `json:"failedCount"`
	ProgressPercent      uint  `json:"progressPercent"`
	EstimatedRemainingMs int64 `json:"estimatedRemainingMs,omitempty"`
}

// JobsSummary aggregates all known jobs by status.
type JobsSummary struct {
	ActiveJobs     uint       `json:"activeJobs"`
	CompletedJobs  uint       `json:"completedJobs"`
	FailedJobs     uint       `json:"failedJobs"`
	TotalProcessed uint       `json:"totalProcessed"`
	LastSyncTime   *time.Time `json:"lastSyncTime,omitempty"`
}

// Percent computes the clamped progress percentage for the given counters.
func Percent(processed, total uint) uint {
	if total == 0 {
		return 0
	}
	p := (processed*100 + total/2) / total
	if p > 100 {
		p = 100
	}
	return p
}
