package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/scout"
)

// sourceField holds the original document as JSON. It is stored but not
// indexed so partial updates can be merged and hits can return _source.
const sourceField = "_source"

const (
	defaultSize      = 10
	deleteBatchSize  = 1000
	maxResultWindow  = 10000
	errIndexNotFound = "index_not_found_exception"
)

// openIndex is an open bleve index. writeMu serializes writers so that
// merges read the source they overwrite.
type openIndex struct {
	bleve.Index
	writeMu sync.Mutex
}

// Engine manages multiple Bleve indexes behind the scout.Client interface,
// answering with Elasticsearch shaped response bodies.
type Engine struct {
	indexes   map[string]*openIndex
	indexPath string
	mutex     sync.RWMutex
	logger    *zap.Logger
}

// NewEngine creates a new embedded search engine rooted at cfg.IndexPath
func NewEngine(cfg config.SearchConfig, logger *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.IndexPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	return &Engine{
		indexes:   make(map[string]*openIndex),
		indexPath: cfg.IndexPath,
		logger:    logger,
	}, nil
}

// IndexInfo represents information about an open index
type IndexInfo struct {
	Name     string `json:"name"`
	DocCount uint64 `json:"docCount"`
}

// ListIndexes returns information about all indexes on disk
func (e *Engine) ListIndexes() ([]IndexInfo, error) {
	entries, err := os.ReadDir(e.indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read index directory: %w", err)
	}

	indexes := make([]IndexInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		index, err := e.index(entry.Name(), false)
		if err != nil {
			e.logger.Warn("skipping unreadable index", zap.String("index", entry.Name()), zap.Error(err))
			continue
		}

		docCount, err := index.DocCount()
		if err != nil {
			// If we can't get doc count, set it to 0 and continue
			docCount = 0
		}
		indexes = append(indexes, IndexInfo{Name: entry.Name(), DocCount: docCount})
	}

	return indexes, nil
}

// Bulk applies index, create, update and delete actions. Actions are grouped
// into one bleve batch per index; per item failures are reported in the
// response body, not as an error.
func (e *Engine) Bulk(ctx context.Context, req *scout.BulkRequest) (*scout.Response, error) {
	start := time.Now()

	ops, err := parseBulk(req.Body)
	if err != nil {
		return nil, requestError("bulk", http.StatusBadRequest, "action_request_validation_exception", err.Error())
	}

	var names []string
	opened := make(map[string]*openIndex)
	for _, op := range ops {
		if _, ok := opened[op.index]; ok {
			continue
		}
		index, err := e.index(op.index, true)
		if err != nil {
			return nil, err
		}
		opened[op.index] = index
		names = append(names, op.index)
	}

	// Writers are held from the first source read until the batch lands.
	// Locking in name order keeps concurrent multi-index bulks deadlock free.
	sort.Strings(names)
	batches := make(map[string]*pendingBatch, len(names))
	for _, name := range names {
		index := opened[name]
		index.writeMu.Lock()
		defer index.writeMu.Unlock()
		batches[name] = &pendingBatch{index: index.Index, batch: index.NewBatch(), docs: make(map[string]map[string]any)}
	}

	items := make([]map[string]bulkResult, 0, len(ops))
	hasErrors := false

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := batches[op.index].apply(op)
		if err != nil {
			return nil, fmt.Errorf("bleve bulk: %s %s/%s: %w", op.action, op.index, op.id, err)
		}
		if res.Error != nil {
			hasErrors = true
		}
		items = append(items, map[string]bulkResult{op.action: res})
	}

	for name, b := range batches {
		if err := b.index.Batch(b.batch); err != nil {
			return nil, fmt.Errorf("bleve bulk: failed to apply batch on index %s: %w", name, err)
		}
	}

	e.logger.Debug("bulk applied", zap.Int("operations", len(ops)), zap.Int("indexes", len(batches)))

	return respond(http.StatusOK, map[string]any{
		"took":   time.Since(start).Milliseconds(),
		"errors": hasErrors,
		"items":  items,
	})
}

// Search performs a translated search query
func (e *Engine) Search(ctx context.Context, req *scout.SearchRequest) (*scout.Response, error) {
	index, err := e.index(req.Index, false)
	if err != nil {
		return nil, err
	}

	q, err := convertMust(req.Body.Query.Bool.Must)
	if err != nil {
		return nil, requestError("search", http.StatusBadRequest, "parsing_exception", err.Error())
	}

	size, from := defaultSize, 0
	if req.Body.Size != nil {
		size = *req.Body.Size
	}
	if req.Body.From != nil {
		from = *req.Body.From
	}
	if from < 0 || size < 0 {
		return nil, requestError("search", http.StatusBadRequest, "illegal_argument_exception",
			fmt.Sprintf("[from] and [size] must not be negative, got from %d and size %d", from, size))
	}
	if from > maxResultWindow || size > maxResultWindow-from {
		return nil, requestError("search", http.StatusBadRequest, "illegal_argument_exception",
			fmt.Sprintf("result window is too large, from + size must be less than or equal to [%d]", maxResultWindow))
	}

	searchReq := bleve.NewSearchRequestOptions(q, size, from, false)
	searchReq.Fields = []string{sourceField}
	if order := sortOrder(req.Body.Sort); len(order) > 0 {
		searchReq.SortBy(order)
	}

	result, err := index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	return respond(http.StatusOK, searchResponse(req.Index, result))
}

// DeleteByQuery removes every document matching the request query
func (e *Engine) DeleteByQuery(ctx context.Context, req *scout.DeleteByQueryRequest) (*scout.Response, error) {
	start := time.Now()

	index, err := e.index(req.Index, false)
	if err != nil {
		return nil, err
	}

	q, err := convertBody(req.Body)
	if err != nil {
		return nil, requestError("delete by query", http.StatusBadRequest, "parsing_exception", err.Error())
	}

	index.writeMu.Lock()
	defer index.writeMu.Unlock()

	deleted := 0
	for {
		result, err := index.SearchInContext(ctx, bleve.NewSearchRequestOptions(q, deleteBatchSize, 0, false))
		if err != nil {
			return nil, fmt.Errorf("bleve delete by query: %w", err)
		}
		if len(result.Hits) == 0 {
			break
		}

		batch := index.NewBatch()
		for _, hit := range result.Hits {
			batch.Delete(hit.ID)
		}
		if err := index.Batch(batch); err != nil {
			return nil, fmt.Errorf("bleve delete by query: %w", err)
		}
		deleted += len(result.Hits)
	}

	return respond(http.StatusOK, map[string]any{
		"took":     time.Since(start).Milliseconds(),
		"deleted":  deleted,
		"failures": []any{},
	})
}

// DeleteIndex closes an index and removes it from disk
func (e *Engine) DeleteIndex(_ context.Context, req *scout.DeleteIndexRequest) (*scout.Response, error) {
	indexPath, err := e.pathFor(req.Index)
	if err != nil {
		return nil, err
	}

	// Let running writers finish before the index is closed
	e.mutex.RLock()
	current, exists := e.indexes[req.Index]
	e.mutex.RUnlock()
	if exists {
		current.writeMu.Lock()
		defer current.writeMu.Unlock()
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if index, exists := e.indexes[req.Index]; exists {
		if err := index.Close(); err != nil {
			return nil, fmt.Errorf("failed to close index %s: %w", req.Index, err)
		}
		delete(e.indexes, req.Index)
	}

	if _, err := os.Stat(indexPath); err != nil {
		return nil, missingIndex("delete index", req.Index)
	}

	// Delete the index directory
	if err := os.RemoveAll(indexPath); err != nil {
		return nil, fmt.Errorf("failed to remove index directory %s: %w", indexPath, err)
	}

	e.logger.Info("index removed", zap.String("index", req.Index))
	return respond(http.StatusOK, map[string]any{"acknowledged": true})
}

// Close closes all indexes
func (e *Engine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var errs []error
	for name, index := range e.indexes {
		if err := index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close index %s: %w", name, err))
		}
	}
	e.indexes = make(map[string]*openIndex)

	return errors.Join(errs...)
}

// index returns an open index, opening it from disk or creating it on demand
func (e *Engine) index(name string, create bool) (*openIndex, error) {
	e.mutex.RLock()
	index, exists := e.indexes[name]
	e.mutex.RUnlock()
	if exists {
		return index, nil
	}

	indexPath, err := e.pathFor(name)
	if err != nil {
		return nil, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if index, exists := e.indexes[name]; exists {
		return index, nil
	}

	var opened bleve.Index
	if _, err := os.Stat(indexPath); err == nil {
		opened, err = bleve.Open(indexPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open index %s: %w", name, err)
		}
	} else {
		if !create {
			return nil, missingIndex("search", name)
		}
		opened, err = bleve.New(indexPath, newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", name, err)
		}
		e.logger.Info("index created", zap.String("index", name))
	}

	index = &openIndex{Index: opened}
	e.indexes[name] = index
	return index, nil
}

func (e *Engine) pathFor(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", requestError("index", http.StatusBadRequest, "invalid_index_name_exception",
			fmt.Sprintf("invalid index name [%s]", name))
	}
	return filepath.Join(e.indexPath, name), nil
}

// newMapping indexes every field dynamically and keeps the raw document in
// a stored only field.
func newMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping.Dynamic = true

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.IncludeTermVectors = false
	indexMapping.DefaultMapping.AddFieldMappingsAt(sourceField, source)

	return indexMapping
}

// sortOrder converts engine sort objects into bleve sort strings
func sortOrder(sorts []map[string]scout.Direction) []string {
	var order []string
	for _, s := range sorts {
		fields := make([]string, 0, len(s))
		for field := range s {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			if s[field] == scout.Desc {
				order = append(order, "-"+field)
			} else {
				order = append(order, field)
			}
		}
	}
	return order
}

func searchResponse(indexName string, result *bleve.SearchResult) map[string]any {
	hits := make([]map[string]any, 0, len(result.Hits))
	for _, hit := range result.Hits {
		h := map[string]any{
			"_index": indexName,
			"_id":    hit.ID,
			"_score": hit.Score,
		}
		if src, ok := hit.Fields[sourceField].(string); ok {
			h["_source"] = json.RawMessage(src)
		}
		hits = append(hits, h)
	}

	return map[string]any{
		"took":      result.Took.Milliseconds(),
		"timed_out": false,
		"hits": map[string]any{
			"total":     map[string]any{"value": result.Total, "relation": "eq"},
			"max_score": result.MaxScore,
			"hits":      hits,
		},
	}
}

func respond(status int, body any) (*scout.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return &scout.Response{StatusCode: status, Body: data}, nil
}

func requestError(op string, status int, errType, reason string) *scout.TransportError {
	return &scout.TransportError{Op: "bleve " + op, StatusCode: status, Type: errType, Reason: reason}
}

func missingIndex(op, name string) *scout.TransportError {
	return requestError(op, http.StatusNotFound, errIndexNotFound, fmt.Sprintf("no such index [%s]", name))
}
