package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/scout"
)

// Client is an Elasticsearch implementation of scout.Client.
type Client struct {
	es      *elasticsearch.Client
	refresh string
	logger  *zap.Logger
}

// NewClient creates a client for the configured cluster.
func NewClient(cfg config.SearchConfig, logger *zap.Logger) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.Insecure {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: failed to create client: %w", err)
	}

	return &Client{
		es:      es,
		refresh: cfg.Refresh,
		logger:  logger,
	}, nil
}

// Ping checks whether the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: unexpected status %s", res.Status())
	}
	return nil
}

// Bulk sends the operation list as NDJSON, one line per action or payload.
func (c *Client) Bulk(ctx context.Context, req *scout.BulkRequest) (*scout.Response, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range req.Body {
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("elasticsearch bulk: encode line: %w", err)
		}
	}

	opts := []func(*esapi.BulkRequest){c.es.Bulk.WithContext(ctx)}
	if c.refresh != "" {
		opts = append(opts, c.es.Bulk.WithRefresh(c.refresh))
	}

	res, err := c.es.Bulk(bytes.NewReader(buf.Bytes()), opts...)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch bulk: %w", err)
	}

	c.logger.Debug("bulk request sent", zap.Int("operations", req.Operations()), zap.Int("status", res.StatusCode))
	return read("bulk", res)
}

// Search runs a translated search. Mapping types were removed in 8.x so the
// request type is not sent.
func (c *Client) Search(ctx context.Context, req *scout.SearchRequest) (*scout.Response, error) {
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search: marshal query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(req.Index),
		c.es.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search: %w", err)
	}

	return read("search", res)
}

// DeleteByQuery removes matching documents on the server side.
func (c *Client) DeleteByQuery(ctx context.Context, req *scout.DeleteByQueryRequest) (*scout.Response, error) {
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch delete by query: marshal query: %w", err)
	}

	res, err := c.es.DeleteByQuery(
		[]string{req.Index},
		bytes.NewReader(data),
		c.es.DeleteByQuery.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch delete by query: %w", err)
	}

	return read("delete by query", res)
}

// DeleteIndex removes an index.
func (c *Client) DeleteIndex(ctx context.Context, req *scout.DeleteIndexRequest) (*scout.Response, error) {
	res, err := c.es.Indices.Delete(
		[]string{req.Index},
		c.es.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch delete index: %w", err)
	}

	return read("delete index", res)
}

// read drains a response into a scout.Response, turning error statuses into
// a *scout.TransportError.
func read(op string, res *esapi.Response) (*scout.Response, error) {
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch %s: read response: %w", op, err)
	}

	if res.IsError() {
		return nil, scout.NewTransportError("elasticsearch "+op, res.StatusCode, body)
	}

	return &scout.Response{StatusCode: res.StatusCode, Body: body}, nil
}
