package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commonsmeta/aggmds/internal/auth"
	"github.com/commonsmeta/aggmds/internal/config"
	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/index"
	"github.com/commonsmeta/aggmds/internal/metrics"
	"github.com/commonsmeta/aggmds/internal/query"
)

// maxBodySize caps the request bodies of the two POST endpoints.
const maxBodySize = 1 << 20

// NewServer creates the HTTP query server with metrics and
// authentication middleware
func NewServer(engine *query.Engine, indexes *index.Manager, settings *config.Settings) (*http.Server, error) {
	authMiddleware, err := auth.NewMiddleware(settings.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth middleware: %w", err)
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware())
	r.Use(authMiddleware)

	h := &handlers{engine: engine, indexes: indexes}

	r.Get("/aggregate_mds", h.getAll)
	r.Get("/aggregate_mds/commons", h.commons)
	r.Get("/aggregate_mds/commons/{name}", h.getCommons)
	r.Get("/aggregate_mds/tags", h.tags)
	r.Get("/aggregate_mds/search", h.search)
	r.Post("/aggregate_mds/facet_search", h.facetSearch)
	r.Post("/aggregate_mds/aggregate", h.aggregate)
	r.Get("/aggregate_mds/info/{name}", h.info)
	r.Get("/aggregate_mds/{guid}", h.getByGUID)
	r.Get("/_status", h.status)
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	return &http.Server{
		Addr:    addr,
		Handler: r,
	}, nil
}

type handlers struct {
	engine  *query.Engine
	indexes *index.Manager
}

func (h *handlers) getAll(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 0)
	offset := intParam(r, "offset", 0)
	counts := listParam(r, "counts")
	flatten := boolParam(r, "flatten")

	result, err := h.engine.GetAll(r.Context(), limit, offset, counts, flatten)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) getByGUID(w http.ResponseWriter, r *http.Request) {
	record, err := h.engine.GetByGUID(chi.URLParam(r, "guid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handlers) commons(w http.ResponseWriter, r *http.Request) {
	names, err := h.engine.Commons(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commons": names})
}

func (h *handlers) getCommons(w http.ResponseWriter, r *http.Request) {
	hits, err := h.engine.GetCommons(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	records := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		records = append(records, map[string]any{hit.GUID: hit.Record})
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) tags(w http.ResponseWriter, r *http.Request) {
	rollup, err := h.engine.AllTags(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	fields := listParam(r, "field")
	term := r.URL.Query().Get("term")
	op := r.URL.Query().Get("op")
	if op == "" {
		op = query.OpAnd
	}
	limit := intParam(r, "limit", 0)
	offset := intParam(r, "offset", 0)

	result, err := h.engine.Search(r.Context(), fields, term, strings.ToUpper(op), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) facetSearch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tree, err := query.ParseFacetTree(body)
	if err != nil {
		writeError(w, err)
		return
	}
	hits, err := h.engine.FacetSearch(r.Context(), tree)
	if err != nil {
		writeError(w, err)
		return
	}
	records := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		records = append(records, map[string]any{hit.GUID: hit.Record})
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) aggregate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Path     string `json:"path"`
		Function string `json:"function"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, domain.QueryErrorf("decode aggregate request: %v", err))
		return
	}
	value, err := h.engine.Aggregate(r.Context(), req.Path, req.Function)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (h *handlers) info(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Info(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if err := h.indexes.Status(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolParam(r *http.Request, name string) bool {
	raw := strings.ToLower(r.URL.Query().Get(name))
	return raw == "true" || raw == "1"
}

// listParam splits a comma-separated query parameter, dropping empty
// entries.
func listParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, domain.QueryErrorf("read request body: %v", err)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain error kinds onto HTTP statuses: malformed
// queries are the client's fault, missing documents are 404, anything
// else is a server error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrQuery):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
