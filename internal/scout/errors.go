package scout

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilterValue is returned when a filter value is neither a scalar nor a list.
	ErrInvalidFilterValue = errors.New("invalid filter value")
	// ErrInvalidDirection is returned for sort directions other than asc and desc.
	ErrInvalidDirection = errors.New("invalid sort direction")
	// ErrMixedCollections is returned when one sync batch spans several collections.
	ErrMixedCollections = errors.New("records belong to different collections")
	// ErrNilClient is returned when an Engine is built without a client.
	ErrNilClient = errors.New("search client is nil")
)

// FilterError describes the filter that could not be translated.
type FilterError struct {
	Field string
	Value any
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("%s: field %q has unsupported value of type %T", ErrInvalidFilterValue, e.Field, e.Value)
}

func (e *FilterError) Unwrap() error { return ErrInvalidFilterValue }

// TransportError is an engine-side failure reported with a non-2xx status.
type TransportError struct {
	Op         string
	StatusCode int
	Type       string
	Reason     string
}

func (e *TransportError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s (status %d)", e.Op, e.Type, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// errorResponse is the error envelope shared by Elasticsearch and OpenSearch.
type errorResponse struct {
	Error  json.RawMessage `json:"error"`
	Status int             `json:"status"`
}

// NewTransportError decodes an engine error body. Unknown bodies still yield an
// error carrying the status code.
func NewTransportError(op string, statusCode int, body []byte) *TransportError {
	te := &TransportError{Op: op, StatusCode: statusCode}

	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Error) == 0 {
		return te
	}

	var detail struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(resp.Error, &detail); err == nil {
		te.Type = detail.Type
		te.Reason = detail.Reason
		return te
	}

	// Older engines report the error as a bare string.
	var reason string
	if err := json.Unmarshal(resp.Error, &reason); err == nil {
		te.Type = "error"
		te.Reason = reason
	}
	return te
}
