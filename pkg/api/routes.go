package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type JSON map[string]any

// Options configures the handlers. Zero values select defaults.
type Options struct {
	Logger       *zap.Logger
	QueryTimeout time.Duration
	Metrics      *Metrics
}

func RegisterRoutes(r *mux.Router, db *sql.DB, opts Options) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 120 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	h := &Handler{db: db, logger: opts.Logger, queryTimeout: opts.QueryTimeout}

	r.Use(requestLogger(opts.Logger), opts.Metrics.Middleware)

	// Core endpoints
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/tables", h.ListTables).Methods(http.MethodGet)
	r.HandleFunc("/query", h.PostQuery).Methods(http.MethodPost)

	// Sketch endpoints
	r.HandleFunc("/sketches", h.GetSketches).Methods(http.MethodGet)
	r.HandleFunc("/sketches/create", h.PostCreateSketch).Methods(http.MethodPost)
	r.HandleFunc("/sketches/merge", h.PostMergeSketch).Methods(http.MethodPost)
	r.HandleFunc("/sketches/union", h.PostUnion).Methods(http.MethodPost)
	r.HandleFunc("/sketches/intersection", h.PostIntersection).Methods(http.MethodPost)
	r.HandleFunc("/sketches/{name}/estimate", h.GetEstimate).Methods(http.MethodGet)

	r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
}

type Handler struct {
	db           *sql.DB
	logger       *zap.Logger
	queryTimeout time.Duration
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
