package auditlog

import (
	"context"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

// Repository appends to the conversion_log table. The table is pure history:
// rows are never updated or deleted.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Append writes one audit entry.
func (r *Repository) Append(ctx context.Context, entry model.AuditLogEntry) error {
	query := `
		INSERT INTO conversion_log (message_type, pet_id, status, error_message, retry_count, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
   `

	_, err := r.db.ExecContext(
		ctx, query, entry.MessageType, entry.PetID, entry.Status, entry.ErrorMessage, entry.RetryCount, entry.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("append: failed to write audit entry: %w", err)
	}

	return nil
}

// ListByPet retrieves the most recent audit entries for one pet.
func (r *Repository) ListByPet(ctx context.Context, petID string, limit int) ([]model.AuditLogEntry, error) {
	query := `
		SELECT message_type, pet_id, status, COALESCE(error_message, ''), retry_count, completed_at
		FROM conversion_log
		WHERE pet_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
    `

	rows, err := r.db.QueryContext(ctx, query, petID, limit)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		if err := rows.Scan(&e.MessageType, &e.PetID, &e.Status, &e.ErrorMessage, &e.RetryCount, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("list: failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: rows error: %w", err)
	}

	return entries, nil
}
