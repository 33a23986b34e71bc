// Package integrity reconciles the relational presence flags with what
// actually exists in blob storage. Blob storage is treated as ground truth;
// the flags are a derived projection that this control loop re-converges.
package integrity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

// petRepo covers the relational side of a sweep.
type petRepo interface {
	ListPresence(ctx context.Context, scope model.ReconcileScope, afterID string, limit int) ([]model.PresenceRecord, error)
	SetFlags(ctx context.Context, petID string, flags model.PresenceFlags) error
	Exists(ctx context.Context, petID string) (bool, error)
}

// blobStorage covers the object-store side of a sweep. Only existence checks
// and listings: the reconciler never creates or deletes blobs.
type blobStorage interface {
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// auditRepo appends corrective writes to the conversion log.
type auditRepo interface {
	Append(ctx context.Context, entry model.AuditLogEntry) error
}

// Config bounds a sweep's fan-out against the object store.
type Config struct {
	BatchSize int // pets fetched per page
	Workers   int // concurrent existence probes per batch
}

// Reconciler sweeps the pets table, probes blob storage for each expected
// artifact, and reports (optionally fixes) declared flags that do not match
// observed blob state.
type Reconciler struct {
	pets  petRepo
	blob  blobStorage
	audit auditRepo
	cfg   Config
}

// NewReconciler creates a Reconciler.
func NewReconciler(pets petRepo, blob blobStorage, audit auditRepo, cfg Config) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Reconciler{pets: pets, blob: blob, audit: audit, cfg: cfg}
}

// checkResult is one pet's observed state next to its declared state.
type checkResult struct {
	rec    model.PresenceRecord
	actual model.PresenceFlags
	err    error
}

// Reconcile runs one sweep over the pets in scope. When autoFix is set, every
// discrepancy is corrected by overwriting the relational flags with the
// observed blob state. Long sweeps abort cleanly when ctx is canceled.
func (r *Reconciler) Reconcile(ctx context.Context, autoFix bool, scope model.ReconcileScope) (model.IntegrityReport, error) {
	report := model.IntegrityReport{Discrepancies: []model.IntegrityDiscrepancy{}}
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := r.pets.ListPresence(ctx, scope, afterID, r.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].PetID

		results := r.probeBatch(ctx, page)

		for _, res := range results {
			if res.err != nil {
				zlog.Logger.Err(res.err).
					Str("pet_id", res.rec.PetID).
					Msg("skipping pet, existence probe failed")
				continue
			}

			report.Checked++

			declared := model.PresenceFlags{HasJpeg: res.rec.HasJpeg, HasWebp: res.rec.HasWebp}
			if declared == res.actual {
				continue
			}

			report.Discrepancies = append(report.Discrepancies, model.IntegrityDiscrepancy{
				PetID:    res.rec.PetID,
				Declared: declared,
				Actual:   res.actual,
			})

			if !autoFix {
				continue
			}

			if err := r.fix(ctx, res.rec, res.actual); err != nil {
				zlog.Logger.Err(err).Str("pet_id", res.rec.PetID).Msg("failed to fix presence flags")
				continue
			}
			report.Fixed++
		}
	}

	zlog.Logger.Info().
		Uint("checked", report.Checked).
		Int("discrepancies", len(report.Discrepancies)).
		Uint("fixed", report.Fixed).
		Bool("auto_fix", autoFix).
		Msg("reconciliation sweep finished")

	return report, nil
}

// probeBatch checks blob existence for one page of pets with a bounded
// worker pool, so a sweep never issues unbounded concurrent I/O.
func (r *Reconciler) probeBatch(ctx context.Context, page []model.PresenceRecord) []checkResult {
	results := make([]checkResult, len(page))
	idxCh := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				results[i] = r.probe(ctx, page[i])
			}
		}()
	}

feed:
	for i := range page {
		select {
		case idxCh <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(idxCh)
	wg.Wait()

	return results
}

// probe observes the actual artifact state for one pet. Each flag is probed
// on the same derived artifact the conversion path writes before setting it:
// the optimized JPEG for has_jpeg and the converted WebP for has_webp. The
// source object is deliberately not consulted, its format varies per pet.
func (r *Reconciler) probe(ctx context.Context, rec model.PresenceRecord) checkResult {
	res := checkResult{rec: rec}

	hasJpeg, err := r.blob.Exists(ctx, model.OptimizedJpegKey(rec.PetType, rec.PetID))
	if err != nil {
		res.err = err
		return res
	}

	hasWebp, err := r.blob.Exists(ctx, model.WebpKey(rec.PetType, rec.PetID))
	if err != nil {
		res.err = err
		return res
	}

	res.actual = model.PresenceFlags{HasJpeg: hasJpeg, HasWebp: hasWebp}
	return res
}

func (r *Reconciler) fix(ctx context.Context, rec model.PresenceRecord, actual model.PresenceFlags) error {
	if err := r.pets.SetFlags(ctx, rec.PetID, actual); err != nil {
		return err
	}

	entry := model.AuditLogEntry{
		MessageType: "integrity_reconcile",
		PetID:       rec.PetID,
		Status:      model.AuditStatusSuccess,
		CompletedAt: time.Now().UTC(),
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		zlog.Logger.Err(err).Str("pet_id", rec.PetID).Msg("failed to append reconcile audit entry")
	}

	return nil
}

// OrphanScan lists objects under the pets/ prefix whose pet has no relational
// row. Orphans are reported only; deletion is a separate, explicit operation
// this subsystem does not perform.
func (r *Reconciler) OrphanScan(ctx context.Context) ([]model.OrphanObject, error) {
	keys, err := r.blob.ListKeys(ctx, "pets/")
	if err != nil {
		return nil, err
	}

	// Group keys by pet ID so each pet is looked up once.
	byPet := make(map[string][]string)
	for _, key := range keys {
		// pets/{petType}s/{petId}/<artifact>
		parts := strings.Split(key, "/")
		if len(parts) < 4 {
			continue
		}
		byPet[parts[2]] = append(byPet[parts[2]], key)
	}

	petIDs := make([]string, 0, len(byPet))
	for id := range byPet {
		petIDs = append(petIDs, id)
	}
	sort.Strings(petIDs)

	var orphans []model.OrphanObject
	for _, id := range petIDs {
		if err := ctx.Err(); err != nil {
			return orphans, err
		}

		exists, err := r.pets.Exists(ctx, id)
		if err != nil {
			return orphans, err
		}
		if exists {
			continue
		}

		for _, key := range byPet[id] {
			orphans = append(orphans, model.OrphanObject{Key: key, PetID: id})
		}
	}

	return orphans, nil
}
