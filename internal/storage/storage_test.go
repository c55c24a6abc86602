package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"feedpool/internal/events"
	"feedpool/internal/pool"
)

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	// Check if database file was created
	dbPath := filepath.Join(tempDir, "feedpool-history.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "missing", "nested")

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}

	// Closing twice must stay safe
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_RecordAndGetTransitions(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	base := time.Now()
	seq := []Transition{
		{ConnectionID: "feed-1", PreviousStatus: pool.StatusClosed, NewStatus: pool.StatusConnecting, Timestamp: base},
		{ConnectionID: "feed-1", PreviousStatus: pool.StatusConnecting, NewStatus: pool.StatusOpen, Timestamp: base.Add(50 * time.Millisecond)},
		{ConnectionID: "feed-2", PreviousStatus: pool.StatusClosed, NewStatus: pool.StatusConnecting, Timestamp: base.Add(10 * time.Millisecond)},
	}
	for _, tr := range seq {
		if err := store.RecordTransition(tr); err != nil {
			t.Fatalf("Failed to record transition: %v", err)
		}
	}

	got, err := store.GetTransitions("feed-1", base.Add(-time.Second), base.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get transitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 transitions for feed-1, got %d", len(got))
	}
	if got[0].NewStatus != pool.StatusConnecting || got[1].NewStatus != pool.StatusOpen {
		t.Errorf("Transitions out of order: %v", got)
	}

	// Range excludes records after end
	got, err = store.GetTransitions("feed-1", base.Add(-time.Second), base.Add(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to get transitions: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 transition in narrowed range, got %d", len(got))
	}
}

func TestStore_RecordAndGetSnapshots(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	at := time.Now()
	snap := pool.ConnectionSnapshot{ID: "feed-1", Status: pool.StatusOpen, MessagesReceived: 42}
	if err := store.RecordSnapshot(snap, at); err != nil {
		t.Fatalf("Failed to record snapshot: %v", err)
	}

	got, err := store.GetSnapshots("feed-1", at.Add(-time.Second), at.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get snapshots: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(got))
	}
	if got[0].MessagesReceived != 42 || got[0].Status != pool.StatusOpen {
		t.Errorf("Snapshot fields not preserved: %+v", got[0])
	}
}

func TestRecorder_PersistsBusEvents(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	bus := events.NewBus()
	detach := NewRecorder(store).Attach(bus)
	defer detach()

	now := time.Now()
	bus.Publish(events.TopicStatusChanged, pool.StatusChanged{
		ConnectionID:   "feed-1",
		PreviousStatus: pool.StatusClosed,
		NewStatus:      pool.StatusConnecting,
		Cause:          "explicit connect",
		Timestamp:      now,
	})
	bus.Publish(events.TopicStatistics, pool.PoolStatistics{
		ActiveConnections: 1,
		GeneratedAt:       now,
		Connections: []pool.ConnectionSnapshot{
			{ID: "feed-1", Status: pool.StatusOpen, MessagesReceived: 7},
		},
	})

	trs, err := store.GetTransitions("feed-1", now.Add(-time.Second), now.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get transitions: %v", err)
	}
	if len(trs) != 1 || trs[0].Cause != "explicit connect" {
		t.Errorf("Transition not persisted correctly: %v", trs)
	}

	snaps, err := store.GetSnapshots("feed-1", now.Add(-time.Second), now.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].MessagesReceived != 7 {
		t.Errorf("Snapshot not persisted correctly: %v", snaps)
	}
}
