package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	osgo "github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/scout"
)

// Client OpenSearch implementation of scout.Client
type Client struct {
	api     *opensearchapi.Client
	refresh string
	logger  *zap.Logger
}

// NewClient creates a new OpenSearch client
func NewClient(cfg config.SearchConfig, logger *zap.Logger) (*Client, error) {
	// Configure transport with TLS options
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Insecure,
		},
	}

	api, err := opensearchapi.NewClient(
		opensearchapi.Config{
			Client: osgo.Config{
				Addresses: cfg.Addresses,
				Username:  cfg.Username,
				Password:  cfg.Password,
				Transport: transport,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("opensearch client creation error: %w", err)
	}

	return &Client{api: api, refresh: cfg.Refresh, logger: logger}, nil
}

// Ping checks cluster reachability
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.api.Client.Do(ctx, opensearchapi.PingReq{}, nil)
	if err != nil {
		return fmt.Errorf("opensearch ping error: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("opensearch ping: unexpected status %d", res.StatusCode)
	}
	return nil
}

// Bulk sends the operation list as NDJSON
func (c *Client) Bulk(ctx context.Context, req *scout.BulkRequest) (*scout.Response, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, line := range req.Body {
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("error encoding bulk line: %w", err)
		}
	}

	bulkReq := opensearchapi.BulkReq{
		Body:   &body,
		Params: opensearchapi.BulkParams{Refresh: c.refresh},
	}

	res, err := c.api.Client.Do(ctx, bulkReq, nil)
	if err != nil {
		return nil, fmt.Errorf("opensearch bulk error: %w", err)
	}

	c.logger.Debug("bulk request sent", zap.Int("operations", req.Operations()), zap.Int("status", res.StatusCode))
	return read("bulk", res)
}

// Search runs a translated search
func (c *Client) Search(ctx context.Context, req *scout.SearchRequest) (*scout.Response, error) {
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("error encoding query: %w", err)
	}

	searchReq := opensearchapi.SearchReq{
		Indices: []string{req.Index},
		Body:    bytes.NewReader(data),
	}

	res, err := c.api.Client.Do(ctx, searchReq, nil)
	if err != nil {
		return nil, fmt.Errorf("opensearch search error: %w", err)
	}

	return read("search", res)
}

// DeleteByQuery removes matching documents
func (c *Client) DeleteByQuery(ctx context.Context, req *scout.DeleteByQueryRequest) (*scout.Response, error) {
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("error encoding query: %w", err)
	}

	deleteReq := opensearchapi.DocumentDeleteByQueryReq{
		Indices: []string{req.Index},
		Body:    bytes.NewReader(data),
	}

	res, err := c.api.Client.Do(ctx, deleteReq, nil)
	if err != nil {
		return nil, fmt.Errorf("opensearch delete by query error: %w", err)
	}

	return read("delete by query", res)
}

// DeleteIndex deletes an index
func (c *Client) DeleteIndex(ctx context.Context, req *scout.DeleteIndexRequest) (*scout.Response, error) {
	deleteReq := opensearchapi.IndicesDeleteReq{
		Indices: []string{req.Index},
	}

	res, err := c.api.Client.Do(ctx, deleteReq, nil)
	if err != nil {
		return nil, fmt.Errorf("opensearch delete index error: %w", err)
	}

	return read("delete index", res)
}

func read(op string, res *osgo.Response) (*scout.Response, error) {
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("opensearch %s: read response: %w", op, err)
	}

	if res.IsError() {
		return nil, scout.NewTransportError("opensearch "+op, res.StatusCode, body)
	}

	return &scout.Response{StatusCode: res.StatusCode, Body: body}, nil
}
