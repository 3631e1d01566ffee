package scout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Total is a hit count. Engines report it as a number, a numeric string or
// an object with a "value" member; all of them decode to an int.
type Total int

// UnmarshalJSON implements json.Unmarshaler.
func (t *Total) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}

	switch data[0] {
	case '{':
		var obj struct {
			Value Total `json:"value"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("failed to decode hits.total object: %w", err)
		}
		*t = obj.Value
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return t.parse(s)
	default:
		return t.parse(string(data))
	}
}

func (t *Total) parse(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		*t = Total(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid hits.total %q: %w", s, err)
	}
	*t = Total(int(f))
	return nil
}

// DocumentID is a hit id kept in its textual form.
type DocumentID string

// UnmarshalJSON accepts string and numeric ids.
func (id *DocumentID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = DocumentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid document id %s: %w", data, err)
	}
	*id = DocumentID(n.String())
	return nil
}

// Hit is a single matching document.
type Hit struct {
	ID     DocumentID      `json:"_id"`
	Score  *float64        `json:"_score,omitempty"`
	Source json.RawMessage `json:"_source,omitempty"`
}

// SearchResponse is the decoded part of a search response the mapper needs.
type SearchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Total Total `json:"total"`
		Hits  []Hit `json:"hits"`
	} `json:"hits"`
}

// Keys returns the hit ids in response order.
func (r *SearchResponse) Keys() []string {
	keys := make([]string, 0, len(r.Hits.Hits))
	for _, hit := range r.Hits.Hits {
		keys = append(keys, string(hit.ID))
	}
	return keys
}

// DecodeSearchResponse decodes the raw body of a search response.
func DecodeSearchResponse(resp *Response) (*SearchResponse, error) {
	if resp == nil {
		return nil, errors.New("search response is nil")
	}

	var sr SearchResponse
	if len(resp.Body) == 0 {
		return &sr, nil
	}
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &sr, nil
}

// ExtractKeys returns the ids of the hits in resp, in order.
func ExtractKeys(resp *Response) ([]string, error) {
	sr, err := DecodeSearchResponse(resp)
	if err != nil {
		return nil, err
	}
	return sr.Keys(), nil
}

// TotalCount returns the total number of matches reported in resp.
func TotalCount(resp *Response) (int, error) {
	sr, err := DecodeSearchResponse(resp)
	if err != nil {
		return 0, err
	}
	return int(sr.Hits.Total), nil
}

// Reconcile loads the records behind the hits of resp. Records the loader
// returns for keys that were not hits are dropped; loader order is kept.
func Reconcile(ctx context.Context, q *Query, resp *Response, loader Loader) ([]Record, error) {
	sr, err := DecodeSearchResponse(resp)
	if err != nil {
		return nil, err
	}
	if sr.Hits.Total == 0 {
		return []Record{}, nil
	}

	keys := sr.Keys()
	loaded, err := loader.LoadByKeys(ctx, q, keys)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	records := make([]Record, 0, len(loaded))
	for _, r := range loaded {
		if _, ok := wanted[KeyString(r)]; ok {
			records = append(records, r)
		}
	}
	return records, nil
}
