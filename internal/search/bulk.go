package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/blevesearch/bleve/v2"
)

type bulkOp struct {
	action string
	index  string
	id     string
	doc    map[string]any
	upsert bool
}

type bulkResult struct {
	Index  string     `json:"_index"`
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Result string     `json:"result,omitempty"`
	Error  *itemError `json:"error,omitempty"`
}

type itemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// parseBulk pairs action lines with their payload lines.
func parseBulk(lines []map[string]any) ([]bulkOp, error) {
	ops := make([]bulkOp, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		op, err := parseAction(lines[i])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}

		if op.action != "delete" {
			i++
			if i >= len(lines) {
				return nil, fmt.Errorf("line %d: %s action without payload", i, op.action)
			}
			payload := lines[i]
			if op.action == "update" {
				op.doc, _ = payload["doc"].(map[string]any)
				op.upsert, _ = payload["doc_as_upsert"].(bool)
			} else {
				op.doc = payload
			}
		}

		ops = append(ops, op)
	}

	return ops, nil
}

func parseAction(line map[string]any) (bulkOp, error) {
	if len(line) != 1 {
		return bulkOp{}, errors.New("expected a single action")
	}

	for action, raw := range line {
		switch action {
		case "index", "create", "update", "delete":
		default:
			return bulkOp{}, fmt.Errorf("unknown action %q", action)
		}

		meta, ok := raw.(map[string]any)
		if !ok {
			return bulkOp{}, fmt.Errorf("malformed %s action", action)
		}
		index, _ := meta["_index"].(string)
		if index == "" {
			return bulkOp{}, fmt.Errorf("%s action without _index", action)
		}
		id, ok := meta["_id"]
		if !ok || id == nil {
			return bulkOp{}, fmt.Errorf("%s action without _id", action)
		}

		return bulkOp{action: action, index: index, id: fmt.Sprint(id)}, nil
	}

	return bulkOp{}, errors.New("expected a single action")
}

// pendingBatch collects the writes of one bulk request for a single index.
// docs shadows the index for ids already written in the batch; a nil entry
// marks a deleted document.
type pendingBatch struct {
	index bleve.Index
	batch *bleve.Batch
	docs  map[string]map[string]any
}

func (b *pendingBatch) apply(op bulkOp) (bulkResult, error) {
	res := bulkResult{Index: op.index, ID: op.id}

	existing, found, err := b.source(op.id)
	if err != nil {
		return res, err
	}

	switch op.action {
	case "delete":
		b.batch.Delete(op.id)
		b.docs[op.id] = nil
		if found {
			res.Status, res.Result = http.StatusOK, "deleted"
		} else {
			res.Status, res.Result = http.StatusNotFound, "not_found"
		}
		return res, nil

	case "create":
		if found {
			res.Status = http.StatusConflict
			res.Error = &itemError{
				Type:   "version_conflict_engine_exception",
				Reason: fmt.Sprintf("[%s]: version conflict, document already exists", op.id),
			}
			return res, nil
		}
		return res, b.put(op.id, op.doc, found, &res)

	case "update":
		if !found && !op.upsert {
			res.Status = http.StatusNotFound
			res.Error = &itemError{
				Type:   "document_missing_exception",
				Reason: fmt.Sprintf("[%s]: document missing", op.id),
			}
			return res, nil
		}
		return res, b.put(op.id, merge(existing, op.doc), found, &res)

	default:
		return res, b.put(op.id, op.doc, found, &res)
	}
}

func (b *pendingBatch) put(id string, doc map[string]any, replaced bool, res *bulkResult) error {
	if doc == nil {
		doc = map[string]any{}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	fields := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		fields[k] = v
	}
	fields[sourceField] = string(raw)

	if err := b.batch.Index(id, fields); err != nil {
		return err
	}
	b.docs[id] = doc

	if replaced {
		res.Status, res.Result = http.StatusOK, "updated"
	} else {
		res.Status, res.Result = http.StatusCreated, "created"
	}
	return nil
}

// source returns the current document for id, looking at earlier writes of
// the batch before the index.
func (b *pendingBatch) source(id string) (map[string]any, bool, error) {
	if doc, ok := b.docs[id]; ok {
		return doc, doc != nil, nil
	}

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{sourceField}
	result, err := b.index.Search(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load document: %w", err)
	}
	if len(result.Hits) == 0 {
		return nil, false, nil
	}

	doc := map[string]any{}
	if raw, ok := result.Hits[0].Fields[sourceField].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, false, fmt.Errorf("failed to decode stored document: %w", err)
		}
	}
	return doc, true, nil
}

// merge applies a partial document over an existing one, recursing into
// objects present on both sides.
func merge(existing, partial map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(partial))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range partial {
		if sub, ok := v.(map[string]any); ok {
			if prev, ok := out[k].(map[string]any); ok {
				out[k] = merge(prev, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}
