package scout

import (
	"context"
	"fmt"
)

// Collection is anything that names the index its documents live in.
type Collection interface {
	SearchableAs() string
}

// Index is a Collection identified only by its name.
type Index string

// SearchableAs implements Collection.
func (i Index) SearchableAs() string { return string(i) }

// Record is a persisted entity that can be mirrored into the search index.
type Record interface {
	Collection

	// SearchKey is the stable identifier used as the document id.
	SearchKey() any
	// SearchableFields returns the content to index.
	SearchableFields() map[string]any
	// SearchMetadata returns auxiliary fields merged over the searchable ones.
	SearchMetadata() map[string]any
}

// SoftDeletable is implemented by records that are deleted by flagging them.
// PushSoftDeleteMetadata records the flag in the record's metadata.
type SoftDeletable interface {
	PushSoftDeleteMetadata()
}

// Loader fetches records by the keys a search returned.
type Loader interface {
	LoadByKeys(ctx context.Context, q *Query, keys []string) ([]Record, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, q *Query, keys []string) ([]Record, error)

// LoadByKeys implements Loader.
func (f LoaderFunc) LoadByKeys(ctx context.Context, q *Query, keys []string) ([]Record, error) {
	return f(ctx, q, keys)
}

// KeyString renders a record key the way the engine reports document ids.
func KeyString(r Record) string {
	return fmt.Sprint(r.SearchKey())
}

// searchableDocument merges the searchable content and metadata of a record.
// Metadata wins on conflicting names.
func searchableDocument(r Record) map[string]any {
	fields := r.SearchableFields()
	meta := r.SearchMetadata()

	doc := make(map[string]any, len(fields)+len(meta))
	for k, v := range fields {
		doc[k] = v
	}
	for k, v := range meta {
		doc[k] = v
	}
	return doc
}
