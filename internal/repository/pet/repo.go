package pet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wb-go/wbf/dbpg"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

var ErrPetNotFound = errors.New("pet not found")

// Repository provides access to the pets table. Presence flags on this table
// are mutated only through the conversion success path and the integrity
// reconciler.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Exists reports whether a pet row exists.
func (r *Repository) Exists(ctx context.Context, petID string) (bool, error) {
	query := `SELECT 1 FROM pets WHERE id = $1`

	var one int
	err := r.db.QueryRowContext(ctx, query, petID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("exists: failed to query pet: %w", err)
	}

	return true, nil
}

// GetPresence retrieves the presence record of a single pet.
func (r *Repository) GetPresence(ctx context.Context, petID string) (model.PresenceRecord, error) {
	query := `
		SELECT id, pet_type, has_jpeg, has_webp, COALESCE(image_checked_at, 'epoch'::timestamptz)
		FROM pets
		WHERE id = $1
    `

	var rec model.PresenceRecord
	err := r.db.QueryRowContext(ctx, query, petID).Scan(
		&rec.PetID, &rec.PetType, &rec.HasJpeg, &rec.HasWebp, &rec.ImageCheckedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PresenceRecord{}, ErrPetNotFound
		}

		return model.PresenceRecord{}, fmt.Errorf("get presence: failed to get pet: %w", err)
	}

	return rec, nil
}

// MarkHasWebp sets has_webp after a successful WebP conversion.
func (r *Repository) MarkHasWebp(ctx context.Context, petID string) error {
	return r.setFlag(ctx, petID, "has_webp")
}

// MarkHasJpeg sets has_jpeg after a successful JPEG optimization.
func (r *Repository) MarkHasJpeg(ctx context.Context, petID string) error {
	return r.setFlag(ctx, petID, "has_jpeg")
}

func (r *Repository) setFlag(ctx context.Context, petID, column string) error {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		UPDATE pets
		SET %s = TRUE, image_checked_at = now(), updated_at = now()
		WHERE id = $1
    `, column)

	res, err := r.db.ExecContext(ctx, query, petID)
	if err != nil {
		return fmt.Errorf("set flag: failed to update pet: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPetNotFound
	}

	return nil
}

// TouchImageChecked refreshes image_checked_at without changing flags.
// Used by the thumbnail path, which produces no flagged artifact.
func (r *Repository) TouchImageChecked(ctx context.Context, petID string) error {
	query := `
		UPDATE pets
		SET image_checked_at = now(), updated_at = now()
		WHERE id = $1
    `

	res, err := r.db.ExecContext(ctx, query, petID)
	if err != nil {
		return fmt.Errorf("touch: failed to update pet: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPetNotFound
	}

	return nil
}

// SetFlags overwrites both presence flags to the observed blob state.
// Only the integrity reconciler calls this.
func (r *Repository) SetFlags(ctx context.Context, petID string, flags model.PresenceFlags) error {
	query := `
		UPDATE pets
		SET has_jpeg = $2, has_webp = $3, image_checked_at = now(), updated_at = now()
		WHERE id = $1
    `

	res, err := r.db.ExecContext(ctx, query, petID, flags.HasJpeg, flags.HasWebp)
	if err != nil {
		return fmt.Errorf("set flags: failed to update pet: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPetNotFound
	}

	return nil
}

// ListPresence pages presence records ordered by id using keyset pagination.
// Pass afterID = "" for the first page.
func (r *Repository) ListPresence(ctx context.Context, scope model.ReconcileScope, afterID string, limit int) ([]model.PresenceRecord, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, pet_type, has_jpeg, has_webp, COALESCE(image_checked_at, 'epoch'::timestamptz)
		FROM pets
		WHERE id > $1
    `)
	args := []any{afterID}

	if scope.PetType != "" {
		args = append(args, scope.PetType)
		query.WriteString(fmt.Sprintf(" AND pet_type = $%d", len(args)))
	}
	if len(scope.PetIDs) > 0 {
		placeholders := make([]string, 0, len(scope.PetIDs))
		for _, id := range scope.PetIDs {
			args = append(args, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query.WriteString(" AND id IN (" + strings.Join(placeholders, ", ") + ")")
	}

	args = append(args, limit)
	query.WriteString(fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args)))

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list presence: failed to query pets: %w", err)
	}
	defer rows.Close()

	var recs []model.PresenceRecord
	for rows.Next() {
		var rec model.PresenceRecord
		if err := rows.Scan(&rec.PetID, &rec.PetType, &rec.HasJpeg, &rec.HasWebp, &rec.ImageCheckedAt); err != nil {
			return nil, fmt.Errorf("list presence: failed to scan pet: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list presence: rows error: %w", err)
	}

	return recs, nil
}

// ListForConversion returns the pets a batch job should enqueue.
// onlyMissingWebp narrows to pets whose WebP artifact is not yet declared.
func (r *Repository) ListForConversion(ctx context.Context, onlyMissingWebp bool) ([]model.PresenceRecord, error) {
	query := `
		SELECT id, pet_type, has_jpeg, has_webp, COALESCE(image_checked_at, 'epoch'::timestamptz)
		FROM pets
    `
	if onlyMissingWebp {
		query += ` WHERE has_webp = FALSE`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list for conversion: failed to query pets: %w", err)
	}
	defer rows.Close()

	var recs []model.PresenceRecord
	for rows.Next() {
		var rec model.PresenceRecord
		if err := rows.Scan(&rec.PetID, &rec.PetType, &rec.HasJpeg, &rec.HasWebp, &rec.ImageCheckedAt); err != nil {
			return nil, fmt.Errorf("list for conversion: failed to scan pet: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list for conversion: rows error: %w", err)
	}

	return recs, nil
}
