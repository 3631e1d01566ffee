package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/config"
	"github.com/davidschrooten/elastic-scout/internal/metrics"
	"github.com/davidschrooten/elastic-scout/internal/mongodb"
	"github.com/davidschrooten/elastic-scout/internal/scout"
	syncstate "github.com/davidschrooten/elastic-scout/internal/sync"
)

// Change operations
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

const statePersistInterval = 30 * time.Second

var (
	// ErrUnknownIndex is returned for index names missing from configuration
	ErrUnknownIndex = errors.New("unknown index")
	// ErrUnknownOp is returned for change events with an unsupported operation
	ErrUnknownOp = errors.New("unknown change operation")
)

// Store reads the records mirrored into the search indexes
type Store interface {
	Stream(ctx context.Context, idx config.IndexConfig, since time.Time, batchSize int, fn func([]*mongodb.Document) error) (time.Time, error)
	FindByKeys(ctx context.Context, idx config.IndexConfig, keys []string) ([]*mongodb.Document, error)
}

// Change is a notification that records of an index changed
type Change struct {
	Op    string   `json:"op"`
	Index string   `json:"index"`
	Keys  []string `json:"keys"`
}

// Summary counts the records a sync pass wrote to the index
type Summary struct {
	Upserted int `json:"upserted"`
	Removed  int `json:"removed"`
}

func (s *Summary) add(o Summary) {
	s.Upserted += o.Upserted
	s.Removed += o.Removed
}

// Service keeps the search indexes in step with the record store
type Service struct {
	store  Store
	engine *scout.Engine
	config *config.Config
	state  *syncstate.StateManager
	logger *zap.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService creates a new indexer service
func NewService(store Store, engine *scout.Engine, cfg *config.Config, state *syncstate.StateManager, logger *zap.Logger) *Service {
	for _, idx := range cfg.Indexes {
		state.Register(idx.Name, idx.Collection, idx.PollField())
	}

	return &Service{
		store:  store,
		engine: engine,
		config: cfg,
		state:  state,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Engine returns the search engine the service writes to
func (s *Service) Engine() *scout.Engine { return s.engine }

// Index returns the configuration of a named index
func (s *Service) Index(name string) (config.IndexConfig, error) {
	idx, ok := s.config.Index(name)
	if !ok {
		return config.IndexConfig{}, fmt.Errorf("%w: %s", ErrUnknownIndex, name)
	}
	return idx, nil
}

// Indexes returns the configured indexes
func (s *Service) Indexes() []config.IndexConfig {
	return s.config.Indexes
}

// Start begins polling every index that has a poll interval. Indexes that
// were never synced are imported first.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting indexer service", zap.Int("indexes", len(s.config.Indexes)))

	// Start periodic state saving
	s.wg.Add(1)
	go s.state.StartPeriodicSave(statePersistInterval, s.stopCh, &s.wg)

	for _, idx := range s.config.Indexes {
		if idx.PollInterval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.pollForChanges(ctx, idx)
	}

	return nil
}

// Stop stops the polling loops and saves the sync state
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping indexer service")
		close(s.stopCh)
		s.wg.Wait()

		if err := s.state.Save(); err != nil {
			s.logger.Error("failed to save sync state during shutdown", zap.Error(err))
		}
		s.logger.Info("indexer service stopped")
	})
}

// Import mirrors every record of an index into the search engine
func (s *Service) Import(ctx context.Context, name string) (Summary, error) {
	idx, err := s.Index(name)
	if err != nil {
		return Summary{}, err
	}

	s.logger.Info("starting import", zap.String("index", name), zap.String("collection", idx.Collection))

	summary, latest, err := s.stream(ctx, idx, time.Time{})
	if err != nil {
		s.state.RecordError(name, err)
		return summary, err
	}

	s.state.SetLastPollTime(name, latest)
	s.state.RecordSync(name, int64(summary.Upserted), int64(summary.Removed), time.Now())

	s.logger.Info("import completed",
		zap.String("index", name),
		zap.Int("upserted", summary.Upserted),
		zap.Int("removed", summary.Removed))
	return summary, nil
}

// Poll mirrors the records changed since the last checkpoint of an index
func (s *Service) Poll(ctx context.Context, name string) (Summary, error) {
	idx, err := s.Index(name)
	if err != nil {
		return Summary{}, err
	}

	st, _ := s.state.Get(name)
	summary, latest, err := s.stream(ctx, idx, st.LastPollTime)
	if err != nil {
		s.state.RecordError(name, err)
		return summary, err
	}

	if latest.After(st.LastPollTime) {
		s.state.SetLastPollTime(name, latest)
	}
	s.state.RecordSync(name, int64(summary.Upserted), int64(summary.Removed), time.Now())

	if summary.Upserted+summary.Removed > 0 {
		s.logger.Info("polled changes",
			zap.String("index", name),
			zap.String("poll_field", idx.PollField()),
			zap.Int("upserted", summary.Upserted),
			zap.Int("removed", summary.Removed))
	}
	return summary, nil
}

// Apply handles a change notification. Upserted keys that no longer exist in
// the store are removed from the index.
func (s *Service) Apply(ctx context.Context, change Change) (Summary, error) {
	idx, err := s.Index(change.Index)
	if err != nil {
		return Summary{}, err
	}
	if change.Op != OpUpsert && change.Op != OpDelete {
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownOp, change.Op)
	}
	if len(change.Keys) == 0 {
		return Summary{}, nil
	}

	var summary Summary
	switch change.Op {
	case OpUpsert:
		docs, err := s.store.FindByKeys(ctx, idx, change.Keys)
		if err != nil {
			return summary, err
		}

		found := make(map[string]bool, len(docs))
		for _, d := range docs {
			found[d.Key()] = true
		}
		var gone []*mongodb.Document
		for _, k := range change.Keys {
			if !found[k] {
				gone = append(gone, mongodb.Tombstone(idx, k))
				found[k] = true
			}
		}

		if summary, err = s.syncBatch(ctx, idx, docs); err != nil {
			return summary, err
		}
		if err := s.remove(ctx, idx, gone); err != nil {
			return summary, err
		}
		summary.Removed += len(gone)

	case OpDelete:
		gone := make([]*mongodb.Document, 0, len(change.Keys))
		for _, k := range change.Keys {
			gone = append(gone, mongodb.Tombstone(idx, k))
		}
		if err := s.remove(ctx, idx, gone); err != nil {
			return summary, err
		}
		summary.Removed = len(gone)

	default:
		return summary, fmt.Errorf("%w: %q", ErrUnknownOp, change.Op)
	}

	s.state.RecordSync(idx.Name, int64(summary.Upserted), int64(summary.Removed), time.Now())
	return summary, nil
}

// Flush removes every document of an index, keeping the index
func (s *Service) Flush(ctx context.Context, name string) error {
	idx, err := s.Index(name)
	if err != nil {
		return err
	}

	_, err = s.engine.ClearCollection(ctx, idx)
	metrics.BulkRequests.WithLabelValues("flush", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}

	s.logger.Info("index flushed", zap.String("index", name))
	return nil
}

// Drop deletes an index and forgets its sync checkpoint
func (s *Service) Drop(ctx context.Context, name string) error {
	idx, err := s.Index(name)
	if err != nil {
		return err
	}

	_, err = s.engine.DropCollection(ctx, idx)
	metrics.BulkRequests.WithLabelValues("drop", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}

	s.state.Remove(name)
	s.state.Register(idx.Name, idx.Collection, idx.PollField())
	s.logger.Info("index dropped", zap.String("index", name))
	return nil
}

// SyncStates returns the synchronization states of all indexes
func (s *Service) SyncStates() map[string]syncstate.IndexState {
	return s.state.All()
}

// pollForChanges polls the store for changed records until stopped
func (s *Service) pollForChanges(ctx context.Context, idx config.IndexConfig) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("index", idx.Name))

	if st, ok := s.state.Get(idx.Name); !ok || st.LastPollTime.IsZero() {
		if _, err := s.Import(ctx, idx.Name); err != nil {
			logger.Error("initial import failed", zap.Error(err))
		}
	} else {
		logger.Info("resuming polling", zap.Time("since", st.LastPollTime))
	}

	ticker := time.NewTicker(time.Duration(idx.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Poll(ctx, idx.Name); err != nil {
				logger.Error("poll failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) stream(ctx context.Context, idx config.IndexConfig, since time.Time) (Summary, time.Time, error) {
	var summary Summary
	latest, err := s.store.Stream(ctx, idx, since, s.config.Search.BatchSize, func(docs []*mongodb.Document) error {
		select {
		case <-s.stopCh:
			return errors.New("indexer stopped")
		default:
		}

		batch, err := s.syncBatch(ctx, idx, docs)
		summary.add(batch)
		return err
	})
	return summary, latest, err
}

// syncBatch upserts a batch. Unless soft deletes are propagated, trashed
// records are removed from the index instead.
func (s *Service) syncBatch(ctx context.Context, idx config.IndexConfig, docs []*mongodb.Document) (Summary, error) {
	var summary Summary
	if len(docs) == 0 {
		return summary, nil
	}

	live := docs
	var trashed []*mongodb.Document
	if !s.config.Search.SoftDelete {
		live = make([]*mongodb.Document, 0, len(docs))
		for _, d := range docs {
			if d.Trashed() {
				trashed = append(trashed, d)
			} else {
				live = append(live, d)
			}
		}
	}

	if len(trashed) > 0 {
		if err := s.remove(ctx, idx, trashed); err != nil {
			return summary, err
		}
		summary.Removed = len(trashed)
	}

	if len(live) > 0 {
		resp, err := s.engine.Upsert(ctx, mongodb.Records(live))
		metrics.BulkRequests.WithLabelValues("upsert", metrics.Status(err)).Inc()
		if err != nil {
			return summary, err
		}
		s.reportFailures(idx.Name, "upsert", resp)
		summary.Upserted = len(live)
		metrics.RecordsSynced.WithLabelValues(idx.Name, "upsert").Add(float64(len(live)))
	}

	return summary, nil
}

func (s *Service) remove(ctx context.Context, idx config.IndexConfig, docs []*mongodb.Document) error {
	if len(docs) == 0 {
		return nil
	}

	resp, err := s.engine.Remove(ctx, mongodb.Records(docs))
	metrics.BulkRequests.WithLabelValues("remove", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}
	s.reportFailures(idx.Name, "remove", resp)
	metrics.RecordsSynced.WithLabelValues(idx.Name, "remove").Add(float64(len(docs)))
	return nil
}

// bulkSummary is the part of a bulk response listing per item failures
type bulkSummary struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]json.RawMessage `json:"items"`
}

// reportFailures logs per item failures of a bulk response. Missing
// documents on delete are not failures.
func (s *Service) reportFailures(index, op string, resp *scout.Response) {
	if resp == nil || len(resp.Body) == 0 {
		return
	}

	var bs bulkSummary
	if err := json.Unmarshal(resp.Body, &bs); err != nil || !bs.Errors {
		return
	}

	failed := 0
	var first string
	for _, item := range bs.Items {
		for _, raw := range item {
			var res struct {
				Error json.RawMessage `json:"error"`
			}
			if json.Unmarshal(raw, &res) == nil && len(res.Error) > 0 && string(res.Error) != "null" {
				if failed == 0 {
					first = string(res.Error)
				}
				failed++
			}
		}
	}

	if failed > 0 {
		s.logger.Warn("bulk request had failing items",
			zap.String("index", index),
			zap.String("operation", op),
			zap.Int("failed", failed),
			zap.String("first_error", first))
	}
}
