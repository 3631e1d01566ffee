package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IndexState represents the sync state for a single search index
type IndexState struct {
	Index            string    `json:"index"`
	Collection       string    `json:"collection"`
	PollField        string    `json:"pollField"`
	LastPollTime     time.Time `json:"lastPollTime"`
	LastSyncTime     time.Time `json:"lastSyncTime"`
	DocumentsSynced  int64     `json:"documentsSynced"`
	DocumentsRemoved int64     `json:"documentsRemoved"`
	LastError        string    `json:"lastError,omitempty"`
}

// SyncState manages persistent state for all indexes
type SyncState struct {
	Indexes   map[string]*IndexState `json:"indexes"`
	LastSaved time.Time              `json:"lastSaved"`
}

// StateManager handles loading and saving sync state. An empty file path
// keeps the state in memory only.
type StateManager struct {
	filePath string
	state    *SyncState
	mutex    sync.RWMutex
	logger   *zap.Logger
}

// NewStateManager creates a new sync state manager
func NewStateManager(filePath string, logger *zap.Logger) *StateManager {
	return &StateManager{
		filePath: filePath,
		state: &SyncState{
			Indexes: make(map[string]*IndexState),
		},
		logger: logger,
	}
}

// Load loads the sync state from disk
func (sm *StateManager) Load() error {
	if sm.filePath == "" {
		return nil
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	// Check if file exists
	if _, err := os.Stat(sm.filePath); os.IsNotExist(err) {
		sm.logger.Info("sync state file not found, starting fresh", zap.String("path", sm.filePath))
		return nil
	}

	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return fmt.Errorf("failed to read sync state file: %w", err)
	}

	if err := json.Unmarshal(data, sm.state); err != nil {
		return fmt.Errorf("failed to parse sync state file: %w", err)
	}
	if sm.state.Indexes == nil {
		sm.state.Indexes = make(map[string]*IndexState)
	}

	sm.logger.Info("loaded sync state",
		zap.Int("indexes", len(sm.state.Indexes)),
		zap.String("path", sm.filePath))
	return nil
}

// Save saves the current sync state to disk
func (sm *StateManager) Save() error {
	if sm.filePath == "" {
		return nil
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.LastSaved = time.Now()

	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	// Write to temporary file first
	tempFile := sm.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp sync state file: %w", err)
	}

	// Atomic move
	if err := os.Rename(tempFile, sm.filePath); err != nil {
		return fmt.Errorf("failed to move sync state file: %w", err)
	}

	return nil
}

// Get returns a copy of the sync state of an index
func (sm *StateManager) Get(index string) (IndexState, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	if state, exists := sm.state.Indexes[index]; exists {
		return *state, true
	}
	return IndexState{}, false
}

// Register records the source of an index, keeping its checkpoints
func (sm *StateManager) Register(index, collection, pollField string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state := sm.entry(index)
	state.Collection = collection
	state.PollField = pollField
}

// SetLastPollTime updates the last poll time for an index
func (sm *StateManager) SetLastPollTime(index string, pollTime time.Time) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.entry(index).LastPollTime = pollTime
}

// RecordSync records a completed sync pass and clears the last error
func (sm *StateManager) RecordSync(index string, synced, removed int64, at time.Time) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state := sm.entry(index)
	state.DocumentsSynced += synced
	state.DocumentsRemoved += removed
	state.LastSyncTime = at
	state.LastError = ""
}

// RecordError records the failure of a sync pass
func (sm *StateManager) RecordError(index string, err error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.entry(index).LastError = err.Error()
}

// All returns all index states
func (sm *StateManager) All() map[string]IndexState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	// Return a copy to avoid race conditions
	result := make(map[string]IndexState, len(sm.state.Indexes))
	for key, state := range sm.state.Indexes {
		result[key] = *state
	}
	return result
}

// Remove removes the state of an index
func (sm *StateManager) Remove(index string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	delete(sm.state.Indexes, index)
}

// StartPeriodicSave periodically saves state until stopCh is closed
func (sm *StateManager) StartPeriodicSave(interval time.Duration, stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sm.Save(); err != nil {
				sm.logger.Error("failed to save sync state", zap.Error(err))
			}
		case <-stopCh:
			// Final save before stopping
			if err := sm.Save(); err != nil {
				sm.logger.Error("failed to save sync state on shutdown", zap.Error(err))
			}
			return
		}
	}
}

// entry returns the state of index, creating it. Callers hold the lock.
func (sm *StateManager) entry(index string) *IndexState {
	state, exists := sm.state.Indexes[index]
	if !exists {
		state = &IndexState{Index: index}
		sm.state.Indexes[index] = state
	}
	return state
}
