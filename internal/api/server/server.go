// Package server builds the HTTP server carrying the job and integrity API.
package server

import (
	"net/http"
	"time"

	"github.com/wb-go/wbf/ginext"
)

// New returns a configured server for the given router. The write timeout is
// generous because POST /api/integrity/reconcile runs its sweep synchronously
// and only responds once the whole pets table has been paged.
func New(addr string, router *ginext.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
