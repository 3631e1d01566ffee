package search

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/davidschrooten/elastic-scout/internal/scout"
)

// convertMust converts a list of must clauses to a conjunction
func convertMust(must []scout.Clause) (query.Query, error) {
	if len(must) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}

	queries := make([]query.Query, 0, len(must))
	for _, clause := range must {
		q, err := convertClause(clause)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	if len(queries) == 1 {
		return queries[0], nil
	}
	return bleve.NewConjunctionQuery(queries...), nil
}

// convertBody converts a raw request body holding a "query" member
func convertBody(body map[string]any) (query.Query, error) {
	raw, ok := body["query"]
	if !ok {
		return bleve.NewMatchAllQuery(), nil
	}
	clause, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("query must be an object, got %T", raw)
	}
	return convertClause(clause)
}

// convertClause converts a single engine query object
func convertClause(clause map[string]any) (query.Query, error) {
	if len(clause) != 1 {
		return nil, fmt.Errorf("query clause must have exactly one member, got %d", len(clause))
	}

	for kind, body := range clause {
		switch kind {
		case "match_all":
			return bleve.NewMatchAllQuery(), nil

		case "query_string":
			params, ok := asMap(body)
			if !ok {
				return nil, fmt.Errorf("[query_string] malformed query")
			}
			text, _ := params["query"].(string)
			return convertQueryString(text), nil

		case "match_phrase":
			field, value, err := single(kind, body)
			if err != nil {
				return nil, err
			}
			return valueQuery(field, value)

		case "terms":
			field, value, err := single(kind, body)
			if err != nil {
				return nil, err
			}
			return termsQuery(field, value)

		case "bool":
			params, ok := asMap(body)
			if !ok {
				return nil, fmt.Errorf("[bool] malformed query")
			}
			return convertBool(params)

		default:
			return nil, fmt.Errorf("unknown query [%s]", kind)
		}
	}

	return nil, fmt.Errorf("empty query clause")
}

func convertBool(params map[string]any) (query.Query, error) {
	var must []scout.Clause
	if raw, ok := params["must"]; ok && raw != nil {
		rv := reflect.ValueOf(raw)
		if rv.Kind() != reflect.Slice {
			return nil, fmt.Errorf("[bool] must should be a list")
		}
		for i := 0; i < rv.Len(); i++ {
			m, ok := asMap(rv.Index(i).Interface())
			if !ok {
				return nil, fmt.Errorf("[bool] must entries should be objects")
			}
			must = append(must, m)
		}
	}
	return convertMust(must)
}

// convertQueryString handles the wildcard wrapped text produced for free text
// searches. Single words become a case insensitive wildcard on all fields,
// anything else goes through the query string parser.
func convertQueryString(text string) query.Query {
	inner := strings.Trim(text, "*")
	if strings.TrimSpace(inner) == "" {
		return bleve.NewMatchAllQuery()
	}

	if !strings.ContainsAny(inner, " \t\n:+-\"()*?/\\^~") {
		pattern := strings.ToLower(inner)
		if strings.HasPrefix(text, "*") {
			pattern = "*" + pattern
		}
		if strings.HasSuffix(text, "*") {
			pattern = pattern + "*"
		}
		return bleve.NewWildcardQuery(pattern)
	}

	return bleve.NewQueryStringQuery(text)
}

// valueQuery matches a field against a single scalar
func valueQuery(field string, value any) (query.Query, error) {
	switch v := value.(type) {
	case string:
		q := bleve.NewMatchPhraseQuery(v)
		q.SetField(field)
		return q, nil
	case bool:
		q := bleve.NewBoolFieldQuery(v)
		q.SetField(field)
		return q, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return valueQuery(field, v.String())
		}
		return numericQuery(field, f), nil
	case time.Time:
		inclusive := true
		q := bleve.NewDateRangeInclusiveQuery(v, v, &inclusive, &inclusive)
		q.SetField(field)
		return q, nil
	case encoding.TextMarshaler:
		text, err := v.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("field [%s]: %w", field, err)
		}
		return valueQuery(field, string(text))
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return numericQuery(field, float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return numericQuery(field, float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return numericQuery(field, rv.Float()), nil
	case reflect.String:
		return valueQuery(field, rv.String())
	case reflect.Bool:
		return valueQuery(field, rv.Bool())
	}

	return nil, fmt.Errorf("field [%s]: unsupported value of type %T", field, value)
}

// termsQuery matches a field against any value of a list
func termsQuery(field string, values any) (query.Query, error) {
	rv := reflect.ValueOf(values)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("[terms] field [%s] expects a list, got %T", field, values)
	}
	if rv.Len() == 0 {
		return bleve.NewMatchNoneQuery(), nil
	}

	queries := make([]query.Query, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		q, err := valueQuery(field, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return bleve.NewDisjunctionQuery(queries...), nil
}

func numericQuery(field string, f float64) query.Query {
	inclusive := true
	q := bleve.NewNumericRangeInclusiveQuery(&f, &f, &inclusive, &inclusive)
	q.SetField(field)
	return q
}

// single unpacks a {"field": value} clause body
func single(kind string, body any) (string, any, error) {
	m, ok := asMap(body)
	if !ok || len(m) != 1 {
		return "", nil, fmt.Errorf("[%s] query expects a single field", kind)
	}
	for field, value := range m {
		return field, value, nil
	}
	return "", nil, fmt.Errorf("[%s] query expects a single field", kind)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case scout.Clause:
		return m, true
	}
	return nil, false
}
