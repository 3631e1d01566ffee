package scout

import (
	"encoding"
	"fmt"
	"reflect"
)

// Clause is one query object of a bool clause list, e.g. {"terms": {"tag": [...]}}.
type Clause map[string]any

// SearchRequest is the logical search call handed to a Client.
type SearchRequest struct {
	Index string     `json:"index"`
	Type  string     `json:"type,omitempty"`
	Body  SearchBody `json:"body"`
}

// SearchBody is the engine query DSL document.
type SearchBody struct {
	Query QueryBody              `json:"query"`
	Sort  []map[string]Direction `json:"sort,omitempty"`
	From  *int                   `json:"from,omitempty"`
	Size  *int                   `json:"size,omitempty"`
}

// QueryBody wraps the top level bool query.
type QueryBody struct {
	Bool BoolQuery `json:"bool"`
}

// BoolQuery holds the clauses every hit must match.
type BoolQuery struct {
	Must []Clause `json:"must"`
}

// Pagination bounds a search. Either bound may be absent.
type Pagination struct {
	From *int
	Size *int
}

// Page converts a 1-indexed page number into offset pagination.
func Page(perPage, page int) Pagination {
	if page < 1 {
		page = 1
	}
	from := (page - 1) * perPage
	size := perPage
	return Pagination{From: &from, Size: &size}
}

// Limit bounds a search to size hits from the first one.
func Limit(size int) Pagination {
	return Pagination{Size: &size}
}

// Plan is the outcome of translating a query: either run the request or hand
// it to the query's callback.
type Plan interface {
	SearchRequest() *SearchRequest
}

// Execute runs Request through the client.
type Execute struct {
	Request *SearchRequest
}

func (p Execute) SearchRequest() *SearchRequest { return p.Request }

// Delegate passes Request, with the raw text, to Callback instead of running it.
type Delegate struct {
	Request  *SearchRequest
	Text     string
	Callback Callback
}

func (p Delegate) SearchRequest() *SearchRequest { return p.Request }

// Translator turns queries into engine requests.
type Translator struct {
	// DocumentTypes sets the request type to the index name for engines that
	// still use mapping types.
	DocumentTypes bool
}

// Plan translates q and decides how it is executed.
func (t Translator) Plan(q *Query, p Pagination) (Plan, error) {
	req, err := t.Translate(q, p)
	if err != nil {
		return nil, err
	}
	if cb := q.Callback(); cb != nil {
		return Delegate{Request: req, Text: q.Text(), Callback: cb}, nil
	}
	return Execute{Request: req}, nil
}

// Translate builds the search request for q.
func (t Translator) Translate(q *Query, p Pagination) (*SearchRequest, error) {
	ref := t.ref(q.Collection())

	// The free text clause always comes first and matches substrings.
	must := []Clause{
		{"query_string": map[string]any{"query": "*" + q.Text() + "*"}},
	}
	for _, f := range q.Filters() {
		clause, err := filterClause(f)
		if err != nil {
			return nil, err
		}
		must = append(must, clause)
	}

	req := &SearchRequest{
		Index: ref.Index,
		Type:  ref.Type,
		Body: SearchBody{
			Query: QueryBody{Bool: BoolQuery{Must: must}},
		},
	}

	if sorts := q.Sorts(); len(sorts) > 0 {
		req.Body.Sort = make([]map[string]Direction, 0, len(sorts))
		for _, s := range sorts {
			if s.Direction != Asc && s.Direction != Desc {
				return nil, fmt.Errorf("%w: %q on field %q", ErrInvalidDirection, s.Direction, s.Field)
			}
			req.Body.Sort = append(req.Body.Sort, map[string]Direction{s.Field: s.Direction})
		}
	}

	if p.From != nil {
		from := *p.From
		req.Body.From = &from
	}
	if p.Size != nil {
		size := *p.Size
		req.Body.Size = &size
	}

	return req, nil
}

func (t Translator) ref(c Collection) IndexRef {
	var name string
	if c != nil {
		name = c.SearchableAs()
	}
	ref := IndexRef{Index: name}
	if t.DocumentTypes {
		ref.Type = name
	}
	return ref
}

// filterClause picks the clause type from the shape of the value.
func filterClause(f Filter) (Clause, error) {
	if isScalar(f.Value) {
		return Clause{"match_phrase": map[string]any{f.Field: f.Value}}, nil
	}

	rv := reflect.ValueOf(f.Value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if !isScalar(rv.Index(i).Interface()) {
				return nil, &FilterError{Field: f.Field, Value: f.Value}
			}
		}
		return Clause{"terms": map[string]any{f.Field: f.Value}}, nil
	}

	return nil, &FilterError{Field: f.Field, Value: f.Value}
}

func isScalar(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(encoding.TextMarshaler); ok {
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
