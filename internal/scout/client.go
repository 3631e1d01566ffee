package scout

import (
	"context"
	"encoding/json"
)

// Client is the search engine transport driven by the Engine.
// Implementations only move the logical requests over the wire; they never
// retry and they return the engine's response body untouched.
type Client interface {
	Bulk(ctx context.Context, req *BulkRequest) (*Response, error)
	Search(ctx context.Context, req *SearchRequest) (*Response, error)
	DeleteByQuery(ctx context.Context, req *DeleteByQueryRequest) (*Response, error)
	DeleteIndex(ctx context.Context, req *DeleteIndexRequest) (*Response, error)
}

// BulkRequest is a flat list of alternating action and payload objects.
// A delete action has no payload line.
type BulkRequest struct {
	Body []map[string]any `json:"body"`
}

// Operations returns the number of document mutations in the request.
func (r *BulkRequest) Operations() int {
	n := 0
	for _, line := range r.Body {
		for _, action := range []string{"index", "create", "update", "delete"} {
			if _, ok := line[action]; ok {
				n++
				break
			}
		}
	}
	return n
}

// DeleteByQueryRequest removes every document of an index matching Body.
type DeleteByQueryRequest struct {
	Index string         `json:"index"`
	Type  string         `json:"type,omitempty"`
	Body  map[string]any `json:"body"`
}

// DeleteIndexRequest removes an index together with its documents.
type DeleteIndexRequest struct {
	Index string `json:"index"`
	Type  string `json:"type,omitempty"`
}

// Response is the raw engine answer. Body is never summarized so callers can
// inspect per-item bulk statuses themselves.
type Response struct {
	StatusCode int             `json:"status"`
	Body       json.RawMessage `json:"body"`
}

// IndexRef addresses documents of one collection.
type IndexRef struct {
	Index string
	Type  string
}

// action builds the metadata object of a bulk action line.
func (r IndexRef) action(id any) map[string]any {
	meta := map[string]any{
		"_index": r.Index,
		"_id":    id,
	}
	if r.Type != "" {
		meta["_type"] = r.Type
	}
	return meta
}
