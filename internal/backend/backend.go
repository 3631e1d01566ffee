// Package backend selects the search engine client from configuration.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/elastic"
	"github.com/davidschrooten/elastic-scout/internal/opensearch"
	"github.com/davidschrooten/elastic-scout/internal/scout"
	"github.com/davidschrooten/elastic-scout/internal/search"
)

// Pinger is implemented by clients that can report engine reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New creates the client for cfg.Driver.
func New(cfg config.SearchConfig, logger *zap.Logger) (scout.Client, error) {
	logger = logger.With(zap.String("driver", cfg.Driver))

	var (
		client scout.Client
		err    error
	)
	switch cfg.Driver {
	case config.DriverElasticsearch, "":
		client, err = elastic.NewClient(cfg, logger)
	case config.DriverOpenSearch:
		client, err = opensearch.NewClient(cfg, logger)
	case config.DriverBleve:
		client, err = search.NewEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown search driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Ping checks the engine behind client when it supports it.
func Ping(ctx context.Context, client scout.Client) error {
	if p, ok := client.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases resources held by client, such as open embedded indexes.
func Close(client scout.Client) error {
	if c, ok := client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
