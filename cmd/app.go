package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/backend"
	"github.com/davidschrooten/elastic-scout/internal/indexer"
	"github.com/davidschrooten/elastic-scout/internal/logging"
	"github.com/davidschrooten/elastic-scout/internal/mongodb"
	"github.com/davidschrooten/elastic-scout/internal/scout"
	syncstate "github.com/davidschrooten/elastic-scout/internal/sync"
)

// app holds the components shared by all commands
type app struct {
	config  *config.Config
	logger  *zap.Logger
	mongo   *mongodb.Client
	client  scout.Client
	indexer *indexer.Service
}

// newApp loads configuration and connects to MongoDB and the search engine
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	mongoClient, err := mongodb.NewClient(ctx, cfg.MongoDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	client, err := backend.New(cfg.Search, logger)
	if err != nil {
		_ = mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to initialize search client: %w", err)
	}

	engine, err := scout.NewEngine(client,
		scout.WithSoftDelete(cfg.Search.SoftDelete),
		scout.WithDocumentTypes(cfg.Search.DocumentTypes),
	)
	if err != nil {
		_ = mongoClient.Disconnect(ctx)
		return nil, err
	}

	state := syncstate.NewStateManager(cfg.Search.SyncStatePath, logger)
	if err := state.Load(); err != nil {
		logger.Warn("failed to load sync state, starting fresh", zap.Error(err))
	}

	return &app{
		config:  cfg,
		logger:  logger,
		mongo:   mongoClient,
		client:  client,
		indexer: indexer.NewService(mongoClient, engine, cfg, state, logger),
	}, nil
}

// close saves the sync state and releases connections
func (a *app) close(ctx context.Context) error {
	a.indexer.Stop()
	err := errors.Join(
		backend.Close(a.client),
		a.mongo.Disconnect(ctx),
	)
	_ = a.logger.Sync()
	return err
}
