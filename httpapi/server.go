// Package httpapi serves the ingest and query surface: dataset uploads,
// processing triggers, and read projections over jobs and reports.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/jobs"
	"github.com/hazyhaar/dsprof/metastore"
)

// Options configures the API server.
type Options struct {
	UploadsBucket string
	// MaxUploadBytes caps the request body. Default: 256 MiB.
	MaxUploadBytes int64
	Logger         *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 256 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server holds the API dependencies.
type Server struct {
	store *metastore.Store
	blobs blobstore.Store
	ctl   *jobs.Controller
	opts  Options
}

// NewServer wires the API against its stores and the enqueue controller.
func NewServer(store *metastore.Store, blobs blobstore.Store, ctl *jobs.Controller, opts Options) *Server {
	opts.defaults()
	return &Server{store: store, blobs: blobs, ctl: ctl, opts: opts}
}

// Router builds the chi router with the full surface mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(s.opts.Logger))
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(MaxBody(s.opts.MaxUploadBytes))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/", s.handleListDatasets)
		r.Get("/{id}", s.handleGetDataset)
		r.Post("/{id}/process", s.handleProcess)
		r.Get("/{id}/report", s.handleGetReport)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeFault maps a classified error to its status per the API contract.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	code := fault.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		GetLogger(r.Context()).Error("request failed",
			"kind", fault.KindOf(err).String(), "error", err)
	}
	writeError(w, code, err)
}
