package scout

import (
	"context"
	"strings"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter restricts results to documents whose field matches Value.
// A list value matches any of its members.
type Filter struct {
	Field string
	Value any
}

// Sort orders results by a field.
type Sort struct {
	Field     string
	Direction Direction
}

// Callback takes over execution of a translated search. It receives the live
// client, the raw query text and the translated request; its result is handed
// back to the caller as is.
type Callback func(ctx context.Context, client Client, text string, req *SearchRequest) (any, error)

// Query describes a text search independently of any engine. Builder methods
// never modify the receiver.
type Query struct {
	collection Collection
	text       string
	filters    []Filter
	sorts      []Sort
	limit      int
	callback   Callback
}

// NewQuery starts a query over a collection.
func NewQuery(c Collection, text string) *Query {
	return &Query{collection: c, text: text}
}

func (q *Query) clone() *Query {
	c := *q
	c.filters = append([]Filter(nil), q.filters...)
	c.sorts = append([]Sort(nil), q.sorts...)
	return &c
}

// Where adds an equality filter, or a membership filter when value is a list.
// Filtering the same field twice replaces the earlier value in place.
func (q *Query) Where(field string, value any) *Query {
	c := q.clone()
	for i := range c.filters {
		if c.filters[i].Field == field {
			c.filters[i].Value = value
			return c
		}
	}
	c.filters = append(c.filters, Filter{Field: field, Value: value})
	return c
}

// OrderBy appends a sort directive. Directions are case-insensitive.
func (q *Query) OrderBy(field string, dir Direction) *Query {
	c := q.clone()
	c.sorts = append(c.sorts, Sort{Field: field, Direction: Direction(strings.ToLower(string(dir)))})
	return c
}

// Take limits the number of hits of a non-paginated search.
func (q *Query) Take(limit int) *Query {
	c := q.clone()
	c.limit = limit
	return c
}

// WithCallback delegates execution of the translated request to fn.
func (q *Query) WithCallback(fn Callback) *Query {
	c := q.clone()
	c.callback = fn
	return c
}

func (q *Query) Collection() Collection { return q.collection }
func (q *Query) Text() string           { return q.text }
func (q *Query) Limit() int             { return q.limit }
func (q *Query) Callback() Callback     { return q.callback }

// Filters returns the filters in declaration order.
func (q *Query) Filters() []Filter { return append([]Filter(nil), q.filters...) }

// Sorts returns the sort directives in declaration order.
func (q *Query) Sorts() []Sort { return append([]Sort(nil), q.sorts...) }
