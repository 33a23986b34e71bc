package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/petmatch/pet-media-pipeline/internal/api/handlers/jobs"
)

func Setup(h *jobs.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.POST("/jobs", h.Create)               // starting a batch job
	api.GET("/jobs", h.Summary)               // summary across all jobs
	api.GET("/jobs/:id", h.Get)               // job status by id
	api.GET("/jobs/:id/progress", h.Progress) // derived progress record

	api.POST("/integrity/reconcile", h.Reconcile) // presence-flag sweep
	api.GET("/integrity/orphans", h.Orphans)      // blobs with no pet row

	api.GET("/pets/:id/log", h.PetLog) // per-pet conversion history

	return r
}
