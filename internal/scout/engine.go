package scout

import (
	"context"
	"fmt"
)

// Engine keeps a search index in step with records and runs queries against it.
// It holds no state besides its client and options, so one Engine may be
// shared by concurrent callers.
type Engine struct {
	client        Client
	translator    Translator
	softDelete    bool
	documentTypes bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithSoftDelete enables propagation of soft delete markers into the index.
func WithSoftDelete(enabled bool) Option {
	return func(e *Engine) { e.softDelete = enabled }
}

// WithDocumentTypes emits a _type equal to the index name on every request,
// for clusters that still use mapping types.
func WithDocumentTypes(enabled bool) Option {
	return func(e *Engine) { e.documentTypes = enabled }
}

// NewEngine creates an engine driving client.
func NewEngine(client Client, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	e := &Engine{client: client}
	for _, opt := range opts {
		opt(e)
	}
	e.translator = Translator{DocumentTypes: e.documentTypes}

	return e, nil
}

// Client returns the underlying search client.
func (e *Engine) Client() Client { return e.client }

// SoftDelete reports whether soft delete markers are propagated.
func (e *Engine) SoftDelete() bool { return e.softDelete }

// Upsert creates or merges the documents of records. Records without any
// searchable field are skipped; when nothing is left no request is made and
// both return values are nil.
func (e *Engine) Upsert(ctx context.Context, records []Record) (*Response, error) {
	if len(records) == 0 {
		return nil, nil
	}

	ref, err := e.batchRef(records)
	if err != nil {
		return nil, err
	}

	if e.softDelete {
		for _, r := range records {
			if sd, ok := r.(SoftDeletable); ok {
				sd.PushSoftDeleteMetadata()
			}
		}
	}

	body := make([]map[string]any, 0, 2*len(records))
	for _, r := range records {
		doc := searchableDocument(r)
		if len(doc) == 0 {
			continue
		}
		body = append(body,
			map[string]any{"update": ref.action(r.SearchKey())},
			map[string]any{"doc": doc, "doc_as_upsert": true},
		)
	}

	if len(body) == 0 {
		return nil, nil
	}
	return e.client.Bulk(ctx, &BulkRequest{Body: body})
}

// Remove deletes the documents of records. An empty batch makes no request.
func (e *Engine) Remove(ctx context.Context, records []Record) (*Response, error) {
	if len(records) == 0 {
		return nil, nil
	}

	ref, err := e.batchRef(records)
	if err != nil {
		return nil, err
	}

	body := make([]map[string]any, 0, len(records))
	for _, r := range records {
		body = append(body, map[string]any{"delete": ref.action(r.SearchKey())})
	}

	return e.client.Bulk(ctx, &BulkRequest{Body: body})
}

// ClearCollection deletes every document of c, keeping the index itself.
func (e *Engine) ClearCollection(ctx context.Context, c Collection) (*Response, error) {
	ref := e.translator.ref(c)
	return e.client.DeleteByQuery(ctx, &DeleteByQueryRequest{
		Index: ref.Index,
		Type:  ref.Type,
		Body: map[string]any{
			"query": map[string]any{"match_all": map[string]any{}},
		},
	})
}

// DropCollection deletes the index of c.
func (e *Engine) DropCollection(ctx context.Context, c Collection) (*Response, error) {
	ref := e.translator.ref(c)
	return e.client.DeleteIndex(ctx, &DeleteIndexRequest{Index: ref.Index, Type: ref.Type})
}

// Results is the outcome of a search. Exactly one of Response and Custom is
// meaningful, depending on Delegated.
type Results struct {
	Response  *Response
	Custom    any
	delegated bool
}

// Delegated reports whether the query callback produced the results.
func (r *Results) Delegated() bool { return r.delegated }

// Search runs q, bounded by its limit when one was set.
func (e *Engine) Search(ctx context.Context, q *Query) (*Results, error) {
	var p Pagination
	if q.Limit() > 0 {
		p = Limit(q.Limit())
	}
	return e.run(ctx, q, p)
}

// Paginate runs q for the given 1-indexed page.
func (e *Engine) Paginate(ctx context.Context, q *Query, perPage, page int) (*Results, error) {
	return e.run(ctx, q, Page(perPage, page))
}

func (e *Engine) run(ctx context.Context, q *Query, p Pagination) (*Results, error) {
	plan, err := e.translator.Plan(q, p)
	if err != nil {
		return nil, err
	}

	switch plan := plan.(type) {
	case Delegate:
		custom, err := plan.Callback(ctx, e.client, plan.Text, plan.Request)
		if err != nil {
			return nil, err
		}
		return &Results{Custom: custom, delegated: true}, nil
	case Execute:
		resp, err := e.client.Search(ctx, plan.Request)
		if err != nil {
			return nil, err
		}
		return &Results{Response: resp}, nil
	default:
		return nil, fmt.Errorf("unsupported plan %T", plan)
	}
}

// batchRef resolves the single collection a sync batch belongs to.
func (e *Engine) batchRef(records []Record) (IndexRef, error) {
	name := records[0].SearchableAs()
	for _, r := range records[1:] {
		if r.SearchableAs() != name {
			return IndexRef{}, fmt.Errorf("%w: %q and %q", ErrMixedCollections, name, r.SearchableAs())
		}
	}
	return e.translator.ref(records[0]), nil
}
