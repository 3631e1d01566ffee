package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/scout"
)

// Client wraps MongoDB client with additional functionality
type Client struct {
	client   *mongo.Client
	database string
	timeout  time.Duration
}

// NewClient creates a new MongoDB client
func NewClient(ctx context.Context, cfg config.MongoDBConfig) (*Client, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.GetMongoURI())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client:   client,
		database: cfg.Database,
		timeout:  timeout,
	}, nil
}

// Disconnect closes the MongoDB connection
func (c *Client) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// Ping verifies the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Ping(ctx, nil)
}

// Collection returns the collection backing an index
func (c *Client) Collection(idx config.IndexConfig) *mongo.Collection {
	database := idx.Database
	if database == "" {
		database = c.database
	}
	return c.client.Database(database).Collection(idx.Collection)
}

// FindDocuments retrieves documents from a collection with optional filter
func (c *Client) FindDocuments(ctx context.Context, idx config.IndexConfig, filter bson.M, limit int64) (*mongo.Cursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	// Optimize cursor for bulk operations
	opts.SetBatchSize(1000)
	opts.SetNoCursorTimeout(true)

	cursor, err := c.Collection(idx).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}

	return cursor, nil
}

// FindDocumentsSince finds documents modified since a given timestamp using
// the index's poll field. A zero since matches every document.
func (c *Client) FindDocumentsSince(ctx context.Context, idx config.IndexConfig, since time.Time) (*mongo.Cursor, error) {
	filter, sortField := sinceFilter(idx.PollField(), since)

	opts := options.Find().SetSort(bson.D{{Key: sortField, Value: 1}})

	// Optimize cursor for incremental sync operations
	opts.SetBatchSize(500)
	opts.SetNoCursorTimeout(true)

	cursor, err := c.Collection(idx).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents since %v: %w", since, err)
	}

	return cursor, nil
}

// Stream reads the documents changed since the given time and hands them to
// fn in batches of at most batchSize records. It returns the most recent
// poll field value seen, or since when nothing matched.
func (c *Client) Stream(ctx context.Context, idx config.IndexConfig, since time.Time, batchSize int, fn func([]*Document) error) (time.Time, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	cursor, err := c.FindDocumentsSince(ctx, idx, since)
	if err != nil {
		return since, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	latest := since
	batch := make([]*Document, 0, batchSize)

	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return latest, fmt.Errorf("failed to decode document: %w", err)
		}

		doc, err := NewDocument(idx, raw)
		if err != nil {
			return latest, err
		}
		batch = append(batch, doc)

		if ts, ok := pollTime(idx.PollField(), raw); ok && ts.After(latest) {
			latest = ts
		}

		if len(batch) >= batchSize {
			if err := fn(batch); err != nil {
				return latest, err
			}
			batch = make([]*Document, 0, batchSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return latest, fmt.Errorf("cursor error: %w", err)
	}

	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return latest, err
		}
	}

	return latest, nil
}

// FindByKeys loads the documents of an index by key, in key order. Keys that
// match nothing are skipped.
func (c *Client) FindByKeys(ctx context.Context, idx config.IndexConfig, keys []string) ([]*Document, error) {
	if len(keys) == 0 {
		return []*Document{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cursor, err := c.FindDocuments(ctx, idx, keysFilter(idx, keys), 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	byKey := make(map[string]*Document, len(keys))
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		doc, err := NewDocument(idx, raw)
		if err != nil {
			return nil, err
		}
		byKey[doc.Key()] = doc
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return orderByKeys(keys, byKey), nil
}

// Loader returns a scout.Loader reading records of idx
func (c *Client) Loader(idx config.IndexConfig) scout.Loader {
	return scout.LoaderFunc(func(ctx context.Context, _ *scout.Query, keys []string) ([]scout.Record, error) {
		docs, err := c.FindByKeys(ctx, idx, keys)
		if err != nil {
			return nil, err
		}
		return Records(docs), nil
	})
}

// Records converts documents to scout records
func Records(docs []*Document) []scout.Record {
	records := make([]scout.Record, len(docs))
	for i, d := range docs {
		records[i] = d
	}
	return records
}

// GetLastDocumentTimestamp gets the timestamp of the most recent document
func (c *Client) GetLastDocumentTimestamp(ctx context.Context, idx config.IndexConfig) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	field := idx.PollField()
	opts := options.FindOne().SetSort(bson.D{{Key: field, Value: -1}})

	var result bson.M
	err := c.Collection(idx).FindOne(ctx, bson.M{}, opts).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, nil // Return zero time if no documents
		}
		return time.Time{}, fmt.Errorf("failed to get last document: %w", err)
	}

	if ts, ok := pollTime(field, result); ok {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("timestamp field %s not found in document", field)
}

// CountDocuments returns the number of documents in a collection matching the filter
func (c *Client) CountDocuments(ctx context.Context, idx config.IndexConfig, filter bson.M) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	count, err := c.Collection(idx).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}

	return count, nil
}

// ParseTimestamp parses various timestamp formats
func ParseTimestamp(timestamp any) (time.Time, error) {
	switch t := timestamp.(type) {
	case time.Time:
		return t, nil
	case primitive.DateTime:
		return t.Time(), nil
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0), nil
	case int64:
		// Assume Unix timestamp
		return time.Unix(t, 0), nil
	case int32:
		return time.Unix(int64(t), 0), nil
	case float64:
		// Assume Unix timestamp as float
		return time.Unix(int64(t), 0), nil
	case string:
		// Try to parse ISO 8601 format
		if parsedTime, err := time.Parse(time.RFC3339, t); err == nil {
			return parsedTime, nil
		}
		// Try to parse other common formats
		formats := []string{
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
		}
		for _, format := range formats {
			if parsedTime, err := time.Parse(format, t); err == nil {
				return parsedTime, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp string: %s", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type: %T", t)
	}
}

// sinceFilter builds the incremental sync filter and its sort field. The
// bound is inclusive: records written later with the checkpoint timestamp
// are still picked up, at the cost of upserting the boundary records again.
func sinceFilter(field string, since time.Time) (bson.M, string) {
	if since.IsZero() {
		return bson.M{}, field
	}
	if field == "_id" {
		// Use ObjectID timestamp
		return bson.M{"_id": bson.M{"$gte": primitive.NewObjectIDFromTimestamp(since)}}, "_id"
	}
	return bson.M{field: bson.M{"$gte": since}}, field
}

// keysFilter matches the documents of idx stored under any of keys
func keysFilter(idx config.IndexConfig, keys []string) bson.M {
	return bson.M{idx.KeyField(): bson.M{"$in": keyCandidates(keys)}}
}

func pollTime(field string, raw bson.M) (time.Time, bool) {
	v, ok := raw[field]
	if !ok {
		return time.Time{}, false
	}
	if id, ok := v.(primitive.ObjectID); ok {
		return id.Timestamp(), true
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// keyCandidates expands textual keys into the BSON values they may be
// stored as.
func keyCandidates(keys []string) bson.A {
	values := make(bson.A, 0, len(keys)*2)
	for _, k := range keys {
		values = append(values, k)
		if id, err := primitive.ObjectIDFromHex(k); err == nil {
			values = append(values, id)
		}
		if n, err := strconv.ParseInt(k, 10, 64); err == nil {
			values = append(values, n)
		}
	}
	return values
}

func orderByKeys(keys []string, byKey map[string]*Document) []*Document {
	docs := make([]*Document, 0, len(byKey))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if doc, ok := byKey[k]; ok {
			docs = append(docs, doc)
		}
	}
	return docs
}
