package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/api/respond"
	"github.com/petmatch/pet-media-pipeline/internal/model"
	jobrepo "github.com/petmatch/pet-media-pipeline/internal/repository/job"
)

// runner starts batch jobs.
type runner interface {
	StartBatch(ctx context.Context, kind model.JobKind, petID string) (model.Job, error)
}

// registry reads job state.
type registry interface {
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
}

// monitor derives progress views and the cross-job summary.
type monitor interface {
	GetProgress(ctx context.Context, id uuid.UUID) (model.ProgressRecord, error)
	Summarize(ctx context.Context) (model.JobsSummary, error)
}

// reconciler runs integrity sweeps.
type reconciler interface {
	Reconcile(ctx context.Context, autoFix bool, scope model.ReconcileScope) (model.IntegrityReport, error)
	OrphanScan(ctx context.Context) ([]model.OrphanObject, error)
}

// auditLog reads per-pet conversion history.
type auditLog interface {
	ListByPet(ctx context.Context, petID string, limit int) ([]model.AuditLogEntry, error)
}

// Handler provides HTTP handlers for the job and integrity endpoints.
type Handler struct {
	runner     runner
	registry   registry
	monitor    monitor
	reconciler reconciler
	audit      auditLog
}

// NewHandler creates a new Handler.
func NewHandler(r runner, reg registry, m monitor, rec reconciler, a auditLog) *Handler {
	return &Handler{runner: r, registry: reg, monitor: m, reconciler: rec, audit: a}
}

// CreateJobRequest is the payload for starting a batch job.
type CreateJobRequest struct {
	Kind  string `json:"kind" binding:"required,oneof=full incremental image"`
	PetID string `json:"petId,omitempty"`
}

// ReconcileRequest is the payload for an integrity sweep.
type ReconcileRequest struct {
	AutoFix bool     `json:"autoFix"`
	PetIDs  []string `json:"petIds,omitempty"`
	PetType string   `json:"petType,omitempty"`
}

// Create starts a batch job and responds with the pending job record.
func (h *Handler) Create(c *ginext.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	j, err := h.runner.StartBatch(c.Request.Context(), model.JobKind(req.Kind), req.PetID)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to start batch job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to start job: %v", err))
		return
	}

	respond.Created(c, j)
}

// Get returns a job's current state.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	j, err := h.registry.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get job: %v", err))
		return
	}

	respond.OK(c, j)
}

// Progress returns a job's derived progress record.
func (h *Handler) Progress(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	rec, err := h.monitor.GetProgress(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get job progress")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get progress: %v", err))
		return
	}

	respond.OK(c, rec)
}

// Summary aggregates all known jobs by status.
func (h *Handler) Summary(c *ginext.Context) {
	s, err := h.monitor.Summarize(c.Request.Context())
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to summarize jobs")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to summarize jobs: %v", err))
		return
	}

	respond.OK(c, s)
}

// Reconcile runs an integrity sweep synchronously and returns its report.
func (h *Handler) Reconcile(c *ginext.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	scope := model.ReconcileScope{
		PetIDs:  req.PetIDs,
		PetType: model.PetType(req.PetType),
	}

	report, err := h.reconciler.Reconcile(c.Request.Context(), req.AutoFix, scope)
	if err != nil {
		zlog.Logger.Err(err).Msg("reconciliation sweep failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("reconciliation failed: %v", err))
		return
	}

	respond.OK(c, report)
}

// Orphans reports blob objects without a relational pet row.
func (h *Handler) Orphans(c *ginext.Context) {
	orphans, err := h.reconciler.OrphanScan(c.Request.Context())
	if err != nil {
		zlog.Logger.Err(err).Msg("orphan scan failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("orphan scan failed: %v", err))
		return
	}

	respond.OK(c, orphans)
}

// PetLog returns the most recent conversion history for one pet.
func (h *Handler) PetLog(c *ginext.Context) {
	petID := c.Param("id")
	if petID == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing pet id"))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit: %q", raw))
			return
		}
		limit = n
	}

	entries, err := h.audit.ListByPet(c.Request.Context(), petID, limit)
	if err != nil {
		zlog.Logger.Err(err).Str("pet_id", petID).Msg("failed to list conversion history")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to list history: %v", err))
		return
	}

	respond.OK(c, entries)
}

func (h *Handler) parseID(c *ginext.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	if idStr == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing id"))
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return uuid.Nil, false
	}

	return id, true
}
