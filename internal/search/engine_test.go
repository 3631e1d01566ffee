package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"testing"

	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/scout"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	engine, err := NewEngine(config.SearchConfig{IndexPath: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return engine
}

func upsert(id any, doc map[string]any) []map[string]any {
	return []map[string]any{
		{"update": map[string]any{"_index": "posts", "_id": id}},
		{"doc": doc, "doc_as_upsert": true},
	}
}

func bulk(t *testing.T, engine *Engine, lines ...[]map[string]any) map[string]any {
	t.Helper()

	var body []map[string]any
	for _, l := range lines {
		body = append(body, l...)
	}

	resp, err := engine.Bulk(context.Background(), &scout.BulkRequest{Body: body})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	return out
}

func search(t *testing.T, engine *Engine, body scout.SearchBody) (*scout.SearchResponse, []map[string]any) {
	t.Helper()

	resp, err := engine.Search(context.Background(), &scout.SearchRequest{Index: "posts", Body: body})
	require.NoError(t, err)

	sr, err := scout.DecodeSearchResponse(resp)
	require.NoError(t, err)

	sources := make([]map[string]any, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		var src map[string]any
		require.NoError(t, json.Unmarshal(hit.Source, &src))
		sources = append(sources, src)
	}
	return sr, sources
}

func must(clauses ...scout.Clause) scout.SearchBody {
	return scout.SearchBody{Query: scout.QueryBody{Bool: scout.BoolQuery{Must: clauses}}}
}

func text(q string) scout.Clause {
	return scout.Clause{"query_string": map[string]any{"query": "*" + q + "*"}}
}

func seed(t *testing.T, engine *Engine) {
	t.Helper()
	bulk(t, engine,
		upsert(1, map[string]any{"name": "abcdef", "views": 10, "published": true, "tag": "go"}),
		upsert(2, map[string]any{"name": "ghijkl", "views": 20, "published": false, "tag": "rust"}),
		upsert(3, map[string]any{"name": "mnopqr", "views": 30, "published": true, "tag": "zig"}),
	)
}

func TestEngine_BulkAndSearch(t *testing.T) {
	engine := newTestEngine(t)

	out := bulk(t, engine, upsert(1, map[string]any{"name": "abcdef"}))
	assert.Equal(t, false, out["errors"])
	items := out["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)["update"].(map[string]any)
	assert.Equal(t, "1", item["_id"])
	assert.EqualValues(t, http.StatusCreated, item["status"])

	sr, sources := search(t, engine, must(text("BCD")))
	assert.EqualValues(t, 1, sr.Hits.Total)
	assert.Equal(t, []string{"1"}, sr.Keys())
	assert.Equal(t, "abcdef", sources[0]["name"])

	sr, _ = search(t, engine, must(text("")))
	assert.EqualValues(t, 1, sr.Hits.Total)

	sr, _ = search(t, engine, must(text("nothing")))
	assert.EqualValues(t, 0, sr.Hits.Total)
	assert.Empty(t, sr.Keys())
}

func TestEngine_BulkUpdateMerges(t *testing.T) {
	engine := newTestEngine(t)

	bulk(t, engine, upsert(7, map[string]any{"name": "first", "views": 1}))
	out := bulk(t, engine,
		upsert(7, map[string]any{"views": 2}),
		upsert(7, map[string]any{"extra": "yes"}),
	)
	items := out["items"].([]any)
	require.Len(t, items, 2)
	assert.EqualValues(t, http.StatusOK, items[0].(map[string]any)["update"].(map[string]any)["status"])

	_, sources := search(t, engine, must())
	require.Len(t, sources, 1)
	assert.Equal(t, "first", sources[0]["name"])
	assert.EqualValues(t, 2, sources[0]["views"])
	assert.Equal(t, "yes", sources[0]["extra"])
}

func TestEngine_BulkItemErrors(t *testing.T) {
	engine := newTestEngine(t)

	out := bulk(t, engine,
		[]map[string]any{
			{"update": map[string]any{"_index": "posts", "_id": "missing"}},
			{"doc": map[string]any{"name": "x"}},
		},
		[]map[string]any{
			{"delete": map[string]any{"_index": "posts", "_id": "missing"}},
		},
	)
	assert.Equal(t, true, out["errors"])

	items := out["items"].([]any)
	require.Len(t, items, 2)
	update := items[0].(map[string]any)["update"].(map[string]any)
	assert.EqualValues(t, http.StatusNotFound, update["status"])
	assert.Equal(t, "document_missing_exception", update["error"].(map[string]any)["type"])

	del := items[1].(map[string]any)["delete"].(map[string]any)
	assert.Equal(t, "not_found", del["result"])
}

func TestEngine_BulkDelete(t *testing.T) {
	engine := newTestEngine(t)
	seed(t, engine)

	out := bulk(t, engine, []map[string]any{
		{"delete": map[string]any{"_index": "posts", "_id": 2}},
	})
	del := out["items"].([]any)[0].(map[string]any)["delete"].(map[string]any)
	assert.Equal(t, "deleted", del["result"])

	sr, _ := search(t, engine, must())
	assert.EqualValues(t, 2, sr.Hits.Total)
	assert.NotContains(t, sr.Keys(), "2")
}

func TestEngine_BulkMalformed(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Bulk(context.Background(), &scout.BulkRequest{Body: []map[string]any{
		{"update": map[string]any{"_index": "posts", "_id": 1}},
	}})

	var te *scout.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
}

func TestEngine_SearchFilters(t *testing.T) {
	engine := newTestEngine(t)
	seed(t, engine)

	tests := []struct {
		name   string
		clause scout.Clause
		want   []string
	}{
		{name: "phrase", clause: scout.Clause{"match_phrase": map[string]any{"tag": "rust"}}, want: []string{"2"}},
		{name: "number", clause: scout.Clause{"match_phrase": map[string]any{"views": 30}}, want: []string{"3"}},
		{name: "json number", clause: scout.Clause{"match_phrase": map[string]any{"views": json.Number("10")}}, want: []string{"1"}},
		{name: "bool", clause: scout.Clause{"match_phrase": map[string]any{"published": false}}, want: []string{"2"}},
		{name: "terms", clause: scout.Clause{"terms": map[string]any{"views": []int{10, 30}}}, want: []string{"1", "3"}},
		{name: "empty terms", clause: scout.Clause{"terms": map[string]any{"views": []int{}}}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr, _ := search(t, engine, scout.SearchBody{
				Query: scout.QueryBody{Bool: scout.BoolQuery{Must: []scout.Clause{text(""), tt.clause}}},
				Sort:  []map[string]scout.Direction{{"views": scout.Asc}},
			})
			assert.Equal(t, tt.want, sr.Keys())
		})
	}
}

func TestEngine_SearchSortAndPaging(t *testing.T) {
	engine := newTestEngine(t)
	seed(t, engine)

	from, size := 1, 1
	sr, _ := search(t, engine, scout.SearchBody{
		Query: scout.QueryBody{Bool: scout.BoolQuery{Must: []scout.Clause{text("")}}},
		Sort:  []map[string]scout.Direction{{"views": scout.Desc}},
		From:  &from,
		Size:  &size,
	})
	assert.EqualValues(t, 3, sr.Hits.Total)
	assert.Equal(t, []string{"2"}, sr.Keys())
}

func TestEngine_SearchErrors(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Search(context.Background(), &scout.SearchRequest{Index: "missing"})
	var te *scout.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Equal(t, "index_not_found_exception", te.Type)

	_, err = engine.Search(context.Background(), &scout.SearchRequest{Index: "../etc"})
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)

	seed(t, engine)
	_, err = engine.Search(context.Background(), &scout.SearchRequest{
		Index: "posts",
		Body:  must(scout.Clause{"fuzzy": map[string]any{"name": "x"}}),
	})
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "parsing_exception", te.Type)
}

func TestEngine_SearchWindow(t *testing.T) {
	engine := newTestEngine(t)
	seed(t, engine)

	intPtr := func(v int) *int { return &v }

	tests := []struct {
		name string
		from *int
		size *int
	}{
		{name: "negative from", from: intPtr(-15), size: intPtr(15)},
		{name: "negative size", size: intPtr(-1)},
		{name: "window too large", from: intPtr(9995), size: intPtr(10)},
		{name: "huge from", from: intPtr(math.MaxInt - 5), size: intPtr(15)},
		{name: "huge size", size: intPtr(math.MaxInt)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := must(text(""))
			body.From, body.Size = tt.from, tt.size

			_, err := engine.Search(context.Background(), &scout.SearchRequest{Index: "posts", Body: body})
			var te *scout.TransportError
			require.True(t, errors.As(err, &te), "got %v", err)
			assert.Equal(t, http.StatusBadRequest, te.StatusCode)
			assert.Equal(t, "illegal_argument_exception", te.Type)
		})
	}

	body := must(text(""))
	body.From, body.Size = intPtr(9990), intPtr(10)
	sr, _ := search(t, engine, body)
	assert.Empty(t, sr.Hits.Hits)
}

func TestEngine_ConcurrentPartialUpdates(t *testing.T) {
	engine := newTestEngine(t)
	bulk(t, engine, upsert(1, map[string]any{"name": "x"}))

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := upsert(1, map[string]any{fmt.Sprintf("f%d", i): i})
			if _, err := engine.Bulk(context.Background(), &scout.BulkRequest{Body: body}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, sources := search(t, engine, must(text("")))
	require.Len(t, sources, 1)
	assert.Len(t, sources[0], writers+1)
	assert.Equal(t, "x", sources[0]["name"])
	for i := 0; i < writers; i++ {
		assert.EqualValues(t, i, sources[0][fmt.Sprintf("f%d", i)])
	}
}

func TestEngine_DeleteByQuery(t *testing.T) {
	engine := newTestEngine(t)
	seed(t, engine)

	resp, err := engine.DeleteByQuery(context.Background(), &scout.DeleteByQueryRequest{
		Index: "posts",
		Body:  map[string]any{"query": map[string]any{"match_all": map[string]any{}}},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.EqualValues(t, 3, out["deleted"])

	sr, _ := search(t, engine, must())
	assert.EqualValues(t, 0, sr.Hits.Total)
}

func TestEngine_DeleteIndex(t *testing.T) {
	engine := newTestEngine(t)
	seed(t, engine)

	infos, err := engine.ListIndexes()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, IndexInfo{Name: "posts", DocCount: 3}, infos[0])

	_, err = engine.DeleteIndex(context.Background(), &scout.DeleteIndexRequest{Index: "posts"})
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), &scout.SearchRequest{Index: "posts"})
	var te *scout.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)

	_, err = engine.DeleteIndex(context.Background(), &scout.DeleteIndexRequest{Index: "posts"})
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestEngine_ReopensIndex(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewEngine(config.SearchConfig{IndexPath: dir}, zap.NewNop())
	require.NoError(t, err)
	seed(t, engine)
	require.NoError(t, engine.Close())

	engine, err = NewEngine(config.SearchConfig{IndexPath: dir}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	sr, _ := search(t, engine, must())
	assert.EqualValues(t, 3, sr.Hits.Total)
}

func TestConvertQueryString(t *testing.T) {
	wildcard, ok := convertQueryString("*ABC*").(*query.WildcardQuery)
	require.True(t, ok)
	assert.Equal(t, "*abc*", wildcard.Wildcard)

	_, ok = convertQueryString("**").(*query.MatchAllQuery)
	assert.True(t, ok)

	_, ok = convertQueryString("*title:go*").(*query.QueryStringQuery)
	assert.True(t, ok)
}
