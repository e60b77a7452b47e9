package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/estimator"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/executor"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/hmherr"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/planner"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/storage"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, JSON{"status": "ok"})
}

func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY 1`)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	defer rows.Close()
	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
			return
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, JSON{"tables": tables})
}

// writeError maps err onto a status code: unknown sketches are 404,
// rejected sketch values are 422 and anything else is fallback.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	status := fallback
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case hmherr.Reported(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	h.logger.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	writeJSON(w, status, JSON{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return false
	}
	return true
}

type QueryRequest struct {
	SQL         string `json:"sql"`
	Approximate bool   `json:"approximate"`
	Explain     bool   `json:"explain"`
}

type QueryResponse struct {
	Status string           `json:"status"`
	Plan   *planner.Plan    `json:"plan,omitempty"`
	Result []map[string]any `json:"result,omitempty"`
	Meta   map[string]any   `json:"meta,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (h *Handler) PostQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}
	req.SQL = strings.TrimSpace(req.SQL)
	if req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "sql required"})
		return
	}

	plan := planner.New(req.SQL, req.Approximate)
	if req.Explain {
		writeJSON(w, http.StatusOK, QueryResponse{Status: "ok", Plan: plan})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	rows, meta, err := executor.Execute(ctx, h.db, plan.SQL)
	if err != nil {
		h.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	meta["plan_type"] = string(plan.Type)
	writeJSON(w, http.StatusOK, QueryResponse{Status: "ok", Plan: plan, Result: rows, Meta: meta})
}

type SketchRequest struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

func (req *SketchRequest) validate() error {
	if req.Name == "" || req.Table == "" || len(req.Columns) == 0 {
		return errors.New("name, table and columns required")
	}
	return nil
}

func (h *Handler) PostCreateSketch(w http.ResponseWriter, r *http.Request) {
	var req SketchRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	info, err := storage.CreateSketch(ctx, h.db, req.Name, req.Table, req.Columns)
	if err != nil {
		h.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	h.logger.Info("sketch created",
		zap.String("name", info.Name),
		zap.String("table", info.Table),
		zap.Int64("rows", info.RowCount),
		zap.Float64("estimate", info.Estimate))
	writeJSON(w, http.StatusOK, JSON{"status": "ok", "sketch": info})
}

func (h *Handler) PostMergeSketch(w http.ResponseWriter, r *http.Request) {
	var req SketchRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	info, err := storage.MergeSketch(ctx, h.db, req.Name, req.Table, req.Columns)
	if err != nil {
		h.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, JSON{"status": "ok", "sketch": info})
}

func (h *Handler) GetSketches(w http.ResponseWriter, r *http.Request) {
	list, err := storage.ListSketches(r.Context(), h.db)
	if err != nil {
		h.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []storage.SketchInfo{}
	}
	writeJSON(w, http.StatusOK, JSON{"sketches": list})
}

func confidence(r *http.Request) (float64, error) {
	s := r.URL.Query().Get("confidence")
	if s == "" {
		return 0.95, nil
	}
	c, err := strconv.ParseFloat(s, 64)
	if err != nil || c <= 0 || c >= 1 {
		return 0, errors.New("confidence must be between 0 and 1")
	}
	return c, nil
}

func (h *Handler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	conf, err := confidence(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}
	info, err := storage.GetSketch(r.Context(), h.db, name)
	if err != nil {
		h.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, JSON{
		"name":      info.Name,
		"estimate":  info.Estimate,
		"row_count": info.RowCount,
		"ci":        estimator.CardinalityCI(info.Estimate, sketches.StandardError(), conf),
	})
}

type UnionRequest struct {
	Names []string `json:"names"`
}

func (h *Handler) PostUnion(w http.ResponseWriter, r *http.Request) {
	var req UnionRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Names) == 0 {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "names required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	est, err := storage.UnionEstimate(ctx, h.db, req.Names)
	if err != nil {
		h.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, JSON{
		"names":    req.Names,
		"estimate": est,
		"ci":       estimator.CardinalityCI(est, sketches.StandardError(), 0.95),
	})
}

type IntersectionRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

func (h *Handler) PostIntersection(w http.ResponseWriter, r *http.Request) {
	var req IntersectionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.A == "" || req.B == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "a and b required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	est, err := storage.IntersectionEstimate(ctx, h.db, req.A, req.B)
	if err != nil {
		h.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, JSON{"a": req.A, "b": req.B, "estimate": est})
}
