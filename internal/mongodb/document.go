package mongodb

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/davidschrooten/elastic-scout/config"
)

// SoftDeleteField is the metadata field carrying the soft delete flag.
const SoftDeleteField = "__soft_deleted"

// Document adapts a MongoDB document to scout.Record
type Document struct {
	index   string
	key     string
	fields  map[string]any
	meta    map[string]any
	deleted bool
}

// NewDocument builds the record for raw as configured by idx
func NewDocument(idx config.IndexConfig, raw bson.M) (*Document, error) {
	rawKey, ok := raw[idx.KeyField()]
	if !ok || rawKey == nil {
		return nil, fmt.Errorf("document has no %s field", idx.KeyField())
	}

	doc := &Document{
		index:  idx.SearchableAs(),
		key:    keyString(rawKey),
		fields: make(map[string]any),
		meta:   make(map[string]any),
	}

	if idx.DeletedField != "" {
		if v, ok := raw[idx.DeletedField]; ok && v != nil {
			if _, isNull := v.(primitive.Null); !isNull {
				doc.deleted = true
			}
		}
	}

	if len(idx.Fields) == 0 {
		for k, v := range raw {
			if k == "_id" {
				continue
			}
			doc.fields[k] = Normalize(v)
		}
	} else {
		for _, k := range idx.Fields {
			if v, ok := raw[k]; ok {
				doc.fields[k] = Normalize(v)
			}
		}
	}

	return doc, nil
}

// Tombstone builds a record that only carries a key, for removals of
// documents that no longer exist in the database.
func Tombstone(idx config.IndexConfig, key string) *Document {
	return &Document{index: idx.SearchableAs(), key: key}
}

// SearchableAs implements scout.Collection
func (d *Document) SearchableAs() string { return d.index }

// SearchKey implements scout.Record
func (d *Document) SearchKey() any { return d.key }

// SearchableFields implements scout.Record
func (d *Document) SearchableFields() map[string]any { return d.fields }

// SearchMetadata implements scout.Record
func (d *Document) SearchMetadata() map[string]any { return d.meta }

// PushSoftDeleteMetadata implements scout.SoftDeletable
func (d *Document) PushSoftDeleteMetadata() {
	if d.meta == nil {
		d.meta = make(map[string]any)
	}
	if d.deleted {
		d.meta[SoftDeleteField] = 1
	} else {
		d.meta[SoftDeleteField] = 0
	}
}

// Trashed reports whether the document is soft deleted
func (d *Document) Trashed() bool { return d.deleted }

// Key returns the document key in its textual form
func (d *Document) Key() string { return d.key }

func keyString(v any) string {
	if id, ok := v.(primitive.ObjectID); ok {
		return id.Hex()
	}
	return fmt.Sprint(Normalize(v))
}

// Normalize converts BSON specific values into plain Go values that encode
// to JSON the way a search engine expects.
func Normalize(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.Regex:
		return t.String()
	case primitive.Binary:
		return t.Data
	case primitive.Symbol:
		return string(t)
	case primitive.JavaScript:
		return string(t)
	case primitive.Null, primitive.Undefined:
		return nil
	case bson.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = Normalize(e.Value)
		}
		return m
	case bson.A:
		return normalizeSlice(t)
	case []any:
		return normalizeSlice(t)
	default:
		return v
	}
}

func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = Normalize(v)
	}
	return out
}

func normalizeSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = Normalize(v)
	}
	return out
}
