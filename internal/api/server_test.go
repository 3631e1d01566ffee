package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/indexer"
	"github.com/davidschrooten/elastic-scout/internal/mongodb"
	"github.com/davidschrooten/elastic-scout/internal/scout"
	"github.com/davidschrooten/elastic-scout/internal/search"
	syncstate "github.com/davidschrooten/elastic-scout/internal/sync"
)

// memStore serves the same documents to the indexer and the loader
type memStore struct {
	docs   []bson.M
	latest time.Time
}

func (m *memStore) CountDocuments(ctx context.Context, idx config.IndexConfig, filter bson.M) (int64, error) {
	return int64(len(m.docs)), nil
}

func (m *memStore) GetLastDocumentTimestamp(ctx context.Context, idx config.IndexConfig) (time.Time, error) {
	return m.latest, nil
}

func (m *memStore) Stream(ctx context.Context, idx config.IndexConfig, since time.Time, batchSize int, fn func([]*mongodb.Document) error) (time.Time, error) {
	var batch []*mongodb.Document
	for _, raw := range m.docs {
		doc, err := mongodb.NewDocument(idx, raw)
		if err != nil {
			return since, err
		}
		batch = append(batch, doc)
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return since, err
		}
	}
	return time.Now(), nil
}

func (m *memStore) FindByKeys(ctx context.Context, idx config.IndexConfig, keys []string) ([]*mongodb.Document, error) {
	var docs []*mongodb.Document
	for _, k := range keys {
		for _, raw := range m.docs {
			if raw["_id"] == k {
				doc, err := mongodb.NewDocument(idx, raw)
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

func (m *memStore) Loader(idx config.IndexConfig) scout.Loader {
	return scout.LoaderFunc(func(ctx context.Context, _ *scout.Query, keys []string) ([]scout.Record, error) {
		docs, err := m.FindByKeys(ctx, idx, keys)
		if err != nil {
			return nil, err
		}
		return mongodb.Records(docs), nil
	})
}

func newTestServer(t *testing.T, softDelete bool, checks map[string]HealthCheck) (*Server, *memStore) {
	t.Helper()

	searchCfg := config.SearchConfig{
		Driver:     config.DriverBleve,
		IndexPath:  t.TempDir(),
		BatchSize:  10,
		SoftDelete: softDelete,
	}
	client, err := search.NewEngine(searchCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	engine, err := scout.NewEngine(client, scout.WithSoftDelete(softDelete))
	require.NoError(t, err)

	store := &memStore{docs: []bson.M{
		{"_id": "1", "title": "Hello world", "category": "news"},
		{"_id": "2", "title": "Goodbye world", "category": "blog"},
		{"_id": "3", "title": "Hello again", "category": "blog", "deleted_at": time.Now()},
	}, latest: time.Now().Add(-time.Hour)}

	cfg := &config.Config{
		Search: searchCfg,
		Indexes: []config.IndexConfig{{
			Name:         "posts",
			Collection:   "posts",
			DeletedField: "deleted_at",
		}},
	}
	svc := indexer.NewService(store, engine, cfg, syncstate.NewStateManager("", zap.NewNop()), zap.NewNop())

	return NewServer(svc, store, checks, zap.NewNop()), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestServer_handleHealth(t *testing.T) {
	server := &Server{}

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestServer_handleReady(t *testing.T) {
	server, _ := newTestServer(t, false, map[string]HealthCheck{
		"search":  func(ctx context.Context) error { return nil },
		"mongodb": func(ctx context.Context) error { return nil },
	})

	w := do(t, server.Router(), "GET", "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "ready", resp["status"])
	assert.Equal(t, map[string]any{"search": "ok", "mongodb": "ok"}, resp["checks"])
}

func TestServer_handleReady_NotReady(t *testing.T) {
	server, _ := newTestServer(t, false, map[string]HealthCheck{
		"search": func(ctx context.Context) error { return errors.New("connection refused") },
	})

	w := do(t, server.Router(), "GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, map[string]any{"search": "connection refused"}, decode(t, w)["checks"])
}

func TestServer_handleReady_MissingIndexer(t *testing.T) {
	server := &Server{logger: zap.NewNop()}

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	server.handleReady(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_ImportAndSearch(t *testing.T) {
	server, _ := newTestServer(t, false, nil)
	h := server.Router()

	w := do(t, h, "POST", "/indexes/posts/import", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode(t, w)["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["upserted"])
	assert.EqualValues(t, 1, summary["removed"])

	w = do(t, h, "POST", "/indexes/posts/search", map[string]any{"query": "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.EqualValues(t, 1, resp["total"])
	assert.Equal(t, []any{"1"}, resp["keys"])

	hits := resp["hits"].([]any)
	require.Len(t, hits, 1)
	hit := hits[0].(map[string]any)
	assert.Equal(t, "1", hit["key"])
	assert.Equal(t, "Hello world", hit["fields"].(map[string]any)["title"])
}

func TestServer_SearchFiltersAndOrder(t *testing.T) {
	server, _ := newTestServer(t, false, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	w := do(t, h, "POST", "/indexes/posts/search", map[string]any{
		"where": []map[string]any{{"field": "category", "value": []string{"news", "blog"}}},
		"order": []map[string]any{{"field": "category", "direction": "desc"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"1", "2"}, decode(t, w)["keys"])

	w = do(t, h, "POST", "/indexes/posts/search", map[string]any{
		"per_page": 1,
		"page":     2,
		"order":    []map[string]any{{"field": "category", "direction": "asc"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.EqualValues(t, 2, resp["total"])
	assert.Equal(t, []any{"1"}, resp["keys"])
	assert.EqualValues(t, 2, resp["page"])
}

func TestServer_SearchSoftDeleted(t *testing.T) {
	server, _ := newTestServer(t, true, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	w := do(t, h, "POST", "/indexes/posts/search", map[string]any{"query": "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"1"}, decode(t, w)["keys"])

	w = do(t, h, "POST", "/indexes/posts/search", map[string]any{
		"query":        "hello",
		"with_trashed": true,
		"order":        []map[string]any{{"field": "title", "direction": "asc"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.ElementsMatch(t, []any{"1", "3"}, decode(t, w)["keys"])
}

func TestServer_SearchErrors(t *testing.T) {
	server, _ := newTestServer(t, false, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{name: "unknown index", path: "/indexes/nope/search", body: map[string]any{}, status: http.StatusNotFound},
		{name: "bad direction", path: "/indexes/posts/search", body: map[string]any{
			"order": []map[string]any{{"field": "title", "direction": "sideways"}},
		}, status: http.StatusBadRequest},
		{name: "bad filter", path: "/indexes/posts/search", body: map[string]any{
			"where": []map[string]any{{"field": "title", "value": map[string]any{"a": 1}}},
		}, status: http.StatusBadRequest},
		{name: "bad payload", path: "/indexes/posts/search", body: "not an object", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestServer_SearchWindow(t *testing.T) {
	server, _ := newTestServer(t, false, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "page overflows window", body: map[string]any{"page": 1 << 62, "per_page": 15}},
		{name: "default per page overflows window", body: map[string]any{"page": 1000}},
		{name: "negative page", body: map[string]any{"page": -1}},
		{name: "negative per page", body: map[string]any{"per_page": -5}},
		{name: "per page too large", body: map[string]any{"per_page": 20000}},
		{name: "limit too large", body: map[string]any{"limit": 20000}},
		{name: "negative limit", body: map[string]any{"limit": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/indexes/posts/search", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}

	// The last page inside the window is still served
	w := do(t, h, "POST", "/indexes/posts/search", map[string]any{"page": 10, "per_page": 1000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.EqualValues(t, 2, resp["total"])
	assert.Empty(t, resp["keys"])
}

func TestServer_FlushAndDrop(t *testing.T) {
	server, _ := newTestServer(t, false, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	w := do(t, h, "POST", "/indexes/posts/flush", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, "POST", "/indexes/posts/search", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["total"])

	w = do(t, h, "DELETE", "/indexes/posts", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Searching a dropped index surfaces the engine's 404
	w = do(t, h, "POST", "/indexes/posts/search", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "POST", "/indexes/nope/flush", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_handleListIndexes(t *testing.T) {
	server, _ := newTestServer(t, false, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	w := do(t, h, "GET", "/indexes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.EqualValues(t, 1, resp["total"])
	indexes := resp["indexes"].([]any)
	require.Len(t, indexes, 1)
	entry := indexes[0].(map[string]any)
	assert.Equal(t, "posts", entry["name"])
	assert.EqualValues(t, 2, entry["sync"].(map[string]any)["documentsSynced"])
	assert.EqualValues(t, 2, entry["docCount"])
	assert.EqualValues(t, 3, entry["recordCount"])
	assert.Equal(t, "in_sync", entry["status"])
}

func TestServer_handleListIndexes_Behind(t *testing.T) {
	server, store := newTestServer(t, false, nil)
	h := server.Router()
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/indexes/posts/import", nil).Code)

	store.latest = time.Now().Add(time.Hour)

	w := do(t, h, "GET", "/indexes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entry := decode(t, w)["indexes"].([]any)[0].(map[string]any)
	assert.Equal(t, "behind", entry["status"])
}

func TestServer_Metrics(t *testing.T) {
	server, _ := newTestServer(t, false, nil)

	w := do(t, server.Router(), "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
