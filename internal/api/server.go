package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/indexer"
	"github.com/davidschrooten/elastic-scout/internal/metrics"
	"github.com/davidschrooten/elastic-scout/internal/mongodb"
	"github.com/davidschrooten/elastic-scout/internal/scout"
	"github.com/davidschrooten/elastic-scout/internal/search"
)

// maxResultWindow bounds from + size of a search, as engines do by default
const maxResultWindow = 10000

const defaultPerPage = 15

// LoaderSource hands out the record loader of an index
type LoaderSource interface {
	Loader(idx config.IndexConfig) scout.Loader
}

// RecordStats reports the size and freshness of the collection behind an
// index
type RecordStats interface {
	CountDocuments(ctx context.Context, idx config.IndexConfig, filter bson.M) (int64, error)
	GetLastDocumentTimestamp(ctx context.Context, idx config.IndexConfig) (time.Time, error)
}

// IndexStats is implemented by engines that can list their indexes, such as
// the embedded bleve engine
type IndexStats interface {
	ListIndexes() ([]search.IndexInfo, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the API server
type Server struct {
	indexerService *indexer.Service
	loaders        LoaderSource
	checks         map[string]HealthCheck
	logger         *zap.Logger
}

// NewServer creates a new API server
func NewServer(indexerService *indexer.Service, loaders LoaderSource, checks map[string]HealthCheck, logger *zap.Logger) *Server {
	return &Server{
		indexerService: indexerService,
		loaders:        loaders,
		checks:         checks,
		logger:         logger,
	}
}

// Router setups the API routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/indexes/{index}/search", s.handleSearch)
	r.Post("/indexes/{index}/import", s.handleImport)
	r.Post("/indexes/{index}/flush", s.handleFlush)
	r.Delete("/indexes/{index}", s.handleDrop)
	r.Get("/indexes", s.handleListIndexes)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// whereClause is one equality or membership filter of a search request
type whereClause struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// orderClause is one sort directive of a search request
type orderClause struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type searchRequest struct {
	Query       string        `json:"query"`
	Where       []whereClause `json:"where"`
	Order       []orderClause `json:"order"`
	Limit       int           `json:"limit"`
	Page        int           `json:"page"`
	PerPage     int           `json:"per_page"`
	WithTrashed bool          `json:"with_trashed"`
}

type searchHit struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

type searchResponse struct {
	Total int         `json:"total"`
	Keys  []string    `json:"keys"`
	Hits  []searchHit `json:"hits"`
	Page  int         `json:"page,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	index := chi.URLParam(r, "index")

	idx, err := s.indexerService.Index(index)
	if err != nil {
		s.fail(w, err)
		return
	}

	var req searchRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	if err := validateWindow(req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	q := s.buildQuery(idx, req)

	var results *scout.Results
	if req.Page > 0 || req.PerPage > 0 {
		perPage := req.PerPage
		if perPage == 0 {
			perPage = defaultPerPage
		}
		page := max(req.Page, 1)
		results, err = s.indexerService.Engine().Paginate(r.Context(), q, perPage, page)
	} else {
		results, err = s.indexerService.Engine().Search(r.Context(), q)
	}
	if err == nil {
		var resp *searchResponse
		resp, err = s.mapResults(r.Context(), idx, q, results)
		if err == nil {
			resp.Page = req.Page
			metrics.SearchRequests.WithLabelValues(index, "ok").Inc()
			metrics.SearchDuration.WithLabelValues(index).Observe(time.Since(start).Seconds())
			response(w, http.StatusOK, resp)
			return
		}
	}

	metrics.SearchRequests.WithLabelValues(index, "error").Inc()
	s.fail(w, err)
}

// validateWindow rejects negative bounds and pages reaching past the result
// window. page * per_page is checked by division so it cannot overflow.
func validateWindow(req searchRequest) error {
	if req.Page < 0 || req.PerPage < 0 || req.Limit < 0 {
		return errors.New("page, per_page and limit must not be negative")
	}
	if req.Limit > maxResultWindow {
		return fmt.Errorf("limit must not exceed %d", maxResultWindow)
	}

	perPage := req.PerPage
	if perPage == 0 {
		perPage = defaultPerPage
	}
	if perPage > maxResultWindow || max(req.Page, 1) > maxResultWindow/perPage {
		return fmt.Errorf("page * per_page must not exceed %d", maxResultWindow)
	}
	return nil
}

// buildQuery turns a search request into a scout query. Trashed records are
// hidden unless asked for when soft deletes are propagated.
func (s *Server) buildQuery(idx config.IndexConfig, req searchRequest) *scout.Query {
	q := scout.NewQuery(idx, req.Query)
	for _, wc := range req.Where {
		q = q.Where(wc.Field, wc.Value)
	}
	if s.indexerService.Engine().SoftDelete() && !req.WithTrashed {
		q = q.Where(mongodb.SoftDeleteField, 0)
	}
	for _, oc := range req.Order {
		dir := scout.Direction(oc.Direction)
		if dir == "" {
			dir = scout.Asc
		}
		q = q.OrderBy(oc.Field, dir)
	}
	if req.Limit > 0 {
		q = q.Take(req.Limit)
	}
	return q
}

func (s *Server) mapResults(ctx context.Context, idx config.IndexConfig, q *scout.Query, results *scout.Results) (*searchResponse, error) {
	sr, err := scout.DecodeSearchResponse(results.Response)
	if err != nil {
		return nil, err
	}

	resp := &searchResponse{
		Total: int(sr.Hits.Total),
		Keys:  sr.Keys(),
		Hits:  []searchHit{},
	}
	if s.loaders == nil {
		return resp, nil
	}

	records, err := scout.Reconcile(ctx, q, results.Response, s.loaders.Loader(idx))
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		resp.Hits = append(resp.Hits, searchHit{Key: scout.KeyString(rec), Fields: rec.SearchableFields()})
	}
	return resp, nil
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	summary, err := s.indexerService.Import(r.Context(), index)
	if err != nil {
		s.fail(w, err)
		return
	}

	response(w, http.StatusOK, map[string]any{
		"index":   index,
		"summary": summary,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	if err := s.indexerService.Flush(r.Context(), index); err != nil {
		s.fail(w, err)
		return
	}

	response(w, http.StatusOK, map[string]any{"index": index, "flushed": true})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	if err := s.indexerService.Drop(r.Context(), index); err != nil {
		s.fail(w, err)
		return
	}

	response(w, http.StatusOK, map[string]any{"index": index, "dropped": true})
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	states := s.indexerService.SyncStates()

	// Document counts are only known for engines that list their indexes
	docCounts := make(map[string]uint64)
	if lister, ok := s.indexerService.Engine().Client().(IndexStats); ok {
		infos, err := lister.ListIndexes()
		if err != nil {
			s.logger.Warn("failed to list engine indexes", zap.Error(err))
		}
		for _, info := range infos {
			docCounts[info.Name] = info.DocCount
		}
	}
	stats, _ := s.loaders.(RecordStats)

	indexes := make([]map[string]any, 0, len(s.indexerService.Indexes()))
	for _, idx := range s.indexerService.Indexes() {
		entry := map[string]any{
			"name":       idx.Name,
			"collection": idx.Collection,
		}
		st, synced := states[idx.Name]
		if synced {
			entry["sync"] = st
		}
		if count, ok := docCounts[idx.Name]; ok {
			entry["docCount"] = count
		}

		if stats != nil {
			if count, err := stats.CountDocuments(r.Context(), idx, bson.M{}); err != nil {
				s.logger.Warn("failed to count records", zap.String("index", idx.Name), zap.Error(err))
			} else {
				entry["recordCount"] = count
			}
			if latest, err := stats.GetLastDocumentTimestamp(r.Context(), idx); err != nil {
				s.logger.Warn("failed to read latest record", zap.String("index", idx.Name), zap.Error(err))
			} else {
				// Records newer than the checkpoint are waiting for the next poll
				entry["status"] = "in_sync"
				if latest.After(st.LastPollTime) {
					entry["status"] = "behind"
				}
			}
		}
		indexes = append(indexes, entry)
	}

	response(w, http.StatusOK, map[string]any{
		"indexes": indexes,
		"total":   len(indexes),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response(w, http.StatusOK, map[string]any{
		"status": "healthy",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.indexerService == nil {
		errorResponse(w, http.StatusServiceUnavailable, "indexer service not initialized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	response(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

// fail maps an error onto an HTTP status
func (s *Server) fail(w http.ResponseWriter, err error) {
	var te *scout.TransportError
	switch {
	case errors.Is(err, indexer.ErrUnknownIndex):
		errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scout.ErrInvalidFilterValue), errors.Is(err, scout.ErrInvalidDirection):
		errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &te):
		s.logger.Error("search engine request failed", zap.Error(err))
		status := http.StatusBadGateway
		if te.StatusCode >= 400 && te.StatusCode < 500 {
			status = te.StatusCode
		}
		errorResponse(w, status, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	response(w, status, map[string]any{"error": msg})
}

func response(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
