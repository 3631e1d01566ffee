package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager("/tmp/test_sync_state.json", zap.NewNop())
	if sm == nil {
		t.Fatal("NewStateManager returned nil")
	}
	if sm.filePath != "/tmp/test_sync_state.json" {
		t.Errorf("Expected filePath to be '/tmp/test_sync_state.json', got '%s'", sm.filePath)
	}
	if sm.state == nil || sm.state.Indexes == nil {
		t.Error("Expected state to be initialized")
	}
}

func TestStateManager_SaveAndLoad(t *testing.T) {
	tempFile := filepath.Join(t.TempDir(), "test_sync_state.json")
	sm := NewStateManager(tempFile, zap.NewNop())

	testTime := time.Now().Truncate(time.Second) // Truncate for JSON precision
	sm.Register("posts", "blog.posts", "updated_at")
	sm.SetLastPollTime("posts", testTime)
	sm.RecordSync("posts", 1234, 5, testTime.Add(time.Minute))

	if err := sm.Save(); err != nil {
		t.Fatalf("Failed to save state: %v", err)
	}

	sm2 := NewStateManager(tempFile, zap.NewNop())
	if err := sm2.Load(); err != nil {
		t.Fatalf("Failed to load state: %v", err)
	}

	loaded, ok := sm2.Get("posts")
	if !ok {
		t.Fatal("Failed to load index state")
	}
	if !loaded.LastPollTime.Equal(testTime) {
		t.Errorf("Expected LastPollTime %v, got %v", testTime, loaded.LastPollTime)
	}
	if !loaded.LastSyncTime.Equal(testTime.Add(time.Minute)) {
		t.Errorf("Expected LastSyncTime %v, got %v", testTime.Add(time.Minute), loaded.LastSyncTime)
	}
	if loaded.Collection != "blog.posts" {
		t.Errorf("Expected Collection 'blog.posts', got '%s'", loaded.Collection)
	}
	if loaded.PollField != "updated_at" {
		t.Errorf("Expected PollField 'updated_at', got '%s'", loaded.PollField)
	}
	if loaded.DocumentsSynced != 1234 || loaded.DocumentsRemoved != 5 {
		t.Errorf("Expected 1234 synced and 5 removed, got %d and %d", loaded.DocumentsSynced, loaded.DocumentsRemoved)
	}
}

func TestStateManager_LoadNonExistentFile(t *testing.T) {
	sm := NewStateManager(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	if err := sm.Load(); err != nil {
		t.Errorf("Expected no error when loading non-existent file, got: %v", err)
	}
}

func TestStateManager_InMemory(t *testing.T) {
	sm := NewStateManager("", zap.NewNop())
	sm.SetLastPollTime("posts", time.Now())

	if err := sm.Save(); err != nil {
		t.Errorf("Expected in-memory save to succeed, got: %v", err)
	}
	if err := sm.Load(); err != nil {
		t.Errorf("Expected in-memory load to succeed, got: %v", err)
	}
	if _, ok := sm.Get("posts"); !ok {
		t.Error("Expected state to survive in memory")
	}
}

func TestStateManager_SetLastPollTime(t *testing.T) {
	sm := NewStateManager("", zap.NewNop())
	testTime := time.Now().Truncate(time.Second)

	sm.SetLastPollTime("posts", testTime)

	state, ok := sm.Get("posts")
	if !ok {
		t.Fatal("Expected index state to be created")
	}
	if !state.LastPollTime.Equal(testTime) {
		t.Errorf("Expected LastPollTime %v, got %v", testTime, state.LastPollTime)
	}

	newTime := testTime.Add(time.Hour)
	sm.SetLastPollTime("posts", newTime)

	state, _ = sm.Get("posts")
	if !state.LastPollTime.Equal(newTime) {
		t.Errorf("Expected updated LastPollTime %v, got %v", newTime, state.LastPollTime)
	}
}

func TestStateManager_RecordSyncAndError(t *testing.T) {
	sm := NewStateManager("", zap.NewNop())

	sm.RecordSync("posts", 100, 0, time.Now())
	sm.RecordError("posts", errors.New("connection refused"))

	state, _ := sm.Get("posts")
	if state.LastError != "connection refused" {
		t.Errorf("Expected LastError to be recorded, got '%s'", state.LastError)
	}

	sm.RecordSync("posts", 50, 2, time.Now())
	state, _ = sm.Get("posts")
	if state.DocumentsSynced != 150 {
		t.Errorf("Expected DocumentsSynced 150, got %d", state.DocumentsSynced)
	}
	if state.DocumentsRemoved != 2 {
		t.Errorf("Expected DocumentsRemoved 2, got %d", state.DocumentsRemoved)
	}
	if state.LastError != "" {
		t.Errorf("Expected LastError to be cleared, got '%s'", state.LastError)
	}
}

func TestStateManager_GetReturnsCopy(t *testing.T) {
	sm := NewStateManager("", zap.NewNop())
	sm.RecordSync("posts", 1, 0, time.Now())

	state, _ := sm.Get("posts")
	state.DocumentsSynced = 999

	again, _ := sm.Get("posts")
	if again.DocumentsSynced != 1 {
		t.Errorf("Expected stored state to be unchanged, got %d", again.DocumentsSynced)
	}
}

func TestStateManager_Remove(t *testing.T) {
	sm := NewStateManager("", zap.NewNop())

	sm.SetLastPollTime("posts", time.Now())
	sm.Remove("posts")
	if _, ok := sm.Get("posts"); ok {
		t.Error("Expected index state to be removed")
	}
}

func TestStateManager_ConcurrentAccess(t *testing.T) {
	sm := NewStateManager("", zap.NewNop())
	const numGoroutines = 10
	const numOperations = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			index := fmt.Sprintf("index%d", id)

			for j := 0; j < numOperations; j++ {
				sm.SetLastPollTime(index, time.Now())
				sm.RecordSync(index, 1, 0, time.Now())
				sm.Get(index)
			}
		}(i)
	}

	wg.Wait()

	states := sm.All()
	if len(states) != numGoroutines {
		t.Errorf("Expected %d indexes, got %d", numGoroutines, len(states))
	}

	for i := 0; i < numGoroutines; i++ {
		index := fmt.Sprintf("index%d", i)
		state, ok := states[index]
		if !ok {
			t.Errorf("Expected index %s to exist", index)
			continue
		}
		if state.DocumentsSynced != numOperations {
			t.Errorf("Expected index %s to have %d documents, got %d",
				index, numOperations, state.DocumentsSynced)
		}
	}
}

func TestStateManager_AtomicSave(t *testing.T) {
	tempFile := filepath.Join(t.TempDir(), "test_atomic_save.json")
	sm := NewStateManager(tempFile, zap.NewNop())

	sm.SetLastPollTime("posts", time.Now())

	if err := sm.Save(); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	if _, err := os.Stat(tempFile + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temporary file should not exist after successful save")
	}
	if _, err := os.Stat(tempFile); os.IsNotExist(err) {
		t.Error("Main state file should exist after save")
	}
}

func TestStateManager_StartPeriodicSave(t *testing.T) {
	tempFile := filepath.Join(t.TempDir(), "periodic.json")
	sm := NewStateManager(tempFile, zap.NewNop())
	sm.SetLastPollTime("posts", time.Now())

	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go sm.StartPeriodicSave(time.Hour, stopCh, &wg)

	close(stopCh)
	wg.Wait()

	if _, err := os.Stat(tempFile); err != nil {
		t.Errorf("Expected final save on stop, got: %v", err)
	}
}
