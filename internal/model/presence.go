package model

import "time"

// PresenceRecord is the relational projection of what exists in blob storage
// for a pet. It is written only by the conversion success path and by the
// integrity reconciler.
type PresenceRecord struct {
	PetID          string    `json:"petId"`
	PetType        PetType   `json:"petType"`
	HasJpeg        bool      `json:"hasJpeg"`
	HasWebp        bool      `json:"hasWebp"`
	ImageCheckedAt time.Time `json:"imageCheckedAt"`
}

// PresenceFlags is a pair of declared or observed artifact flags.
type PresenceFlags struct {
	HasJpeg bool `json:"hasJpeg"`
	HasWebp bool `json:"hasWebp"`
}

// IntegrityDiscrepancy records a mismatch between declared flags and the
// blob store during a reconciliation sweep. It only lives inside the sweep's
// report.
type IntegrityDiscrepancy struct {
	PetID    string        `json:"petId"`
	Declared PresenceFlags `json:"declared"`
	Actual   PresenceFlags `json:"actual"`
}

// IntegrityReport summarizes one reconciliation sweep.
type IntegrityReport struct {
	Checked       uint                   `json:"checked"`
	Discrepancies []IntegrityDiscrepancy `json:"discrepancies"`
	Fixed         uint                   `json:"fixed"`
}

// OrphanObject is a blob-store object with no corresponding pet row.
// Orphans are reported, never deleted, by this subsystem.
type OrphanObject struct {
	Key   string `json:"key"`
	PetID string `json:"petId"`
}

// ReconcileScope narrows a reconciliation sweep. The zero value means the
// whole pets table.
type ReconcileScope struct {
	PetIDs  []string `json:"petIds,omitempty"`
	PetType PetType  `json:"petType,omitempty"`
}

// AuditStatus is the outcome recorded for a processing attempt.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailed  AuditStatus = "failed"
)

// AuditLogEntry is one append-only conversion_log row. Entries are never
// updated or deleted.
type AuditLogEntry struct {
	MessageType  string      `json:"messageType"`
	PetID        string      `json:"petId"`
	Status       AuditStatus `json:"status"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	RetryCount   uint        `json:"retryCount"`
	CompletedAt  time.Time   `json:"completedAt"`
}
