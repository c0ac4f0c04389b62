package eventbus

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return store
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)

	event := New(TaskCompleted, "proj-1", "task-1", "agent-a", map[string]any{
		"message": "test message",
		"count":   42,
	})

	if err := store.Save(event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pending, err := store.GetPending("proj-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}

	retrieved := pending[0]
	if retrieved.ID != event.ID {
		t.Errorf("expected ID %s, got %s", event.ID, retrieved.ID)
	}
	if retrieved.Kind != event.Kind {
		t.Errorf("expected Kind %s, got %s", event.Kind, retrieved.Kind)
	}
	if retrieved.ProjectID != event.ProjectID {
		t.Errorf("expected ProjectID %s, got %s", event.ProjectID, retrieved.ProjectID)
	}
	if retrieved.TaskID != event.TaskID {
		t.Errorf("expected TaskID %s, got %s", event.TaskID, retrieved.TaskID)
	}
	if retrieved.AgentName != event.AgentName {
		t.Errorf("expected AgentName %s, got %s", event.AgentName, retrieved.AgentName)
	}

	if msg, ok := retrieved.Detail["message"].(string); !ok || msg != "test message" {
		t.Errorf("expected detail message 'test message', got %v", retrieved.Detail["message"])
	}
	if count, ok := retrieved.Detail["count"].(float64); !ok || count != 42 {
		t.Errorf("expected detail count 42, got %v", retrieved.Detail["count"])
	}
}

func TestSQLiteStore_MarkDelivered(t *testing.T) {
	store := setupTestDB(t)

	event := New(TaskQueued, "proj-1", "task-1", "", map[string]any{"test": "data"})

	if err := store.Save(event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pending, err := store.GetPending("proj-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}

	if err := store.MarkDelivered(event.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	pending, err = store.GetPending("proj-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed after marking delivered: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending events after marking delivered, got %d", len(pending))
	}
}

func TestSQLiteStore_FilterByKind(t *testing.T) {
	store := setupTestDB(t)

	event1 := New(TaskQueued, "proj-1", "task-1", "", map[string]any{"msg": "one"})
	event2 := New(TaskFailed, "proj-1", "task-2", "agent-a", map[string]any{"msg": "two"})
	event3 := New(LeaseExpired, "proj-1", "task-3", "", map[string]any{"msg": "three"})

	store.Save(event1)
	store.Save(event2)
	store.Save(event3)

	allPending, err := store.GetPending("proj-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(allPending) != 3 {
		t.Errorf("expected 3 pending events, got %d", len(allPending))
	}

	queuedPending, err := store.GetPending("proj-1", []Kind{TaskQueued})
	if err != nil {
		t.Fatalf("GetPending with filter failed: %v", err)
	}
	if len(queuedPending) != 1 {
		t.Errorf("expected 1 queued event, got %d", len(queuedPending))
	}
	if queuedPending[0].Kind != TaskQueued {
		t.Errorf("expected TaskQueued, got %s", queuedPending[0].Kind)
	}

	multiKindPending, err := store.GetPending("proj-1", []Kind{TaskFailed, LeaseExpired})
	if err != nil {
		t.Fatalf("GetPending with multiple kind filter failed: %v", err)
	}
	if len(multiKindPending) != 2 {
		t.Errorf("expected 2 events (failed+expired), got %d", len(multiKindPending))
	}

	foundFailed := false
	foundExpired := false
	for _, e := range multiKindPending {
		if e.Kind == TaskFailed {
			foundFailed = true
		}
		if e.Kind == LeaseExpired {
			foundExpired = true
		}
	}
	if !foundFailed || !foundExpired {
		t.Errorf("expected both failed and expired events, got failed=%v expired=%v", foundFailed, foundExpired)
	}
}

func TestSQLiteStore_ScopedByProject(t *testing.T) {
	store := setupTestDB(t)

	event1 := New(TaskQueued, "proj-1", "task-1", "", map[string]any{"msg": "one"})
	event2 := New(TaskQueued, "proj-2", "task-2", "", map[string]any{"msg": "two"})

	store.Save(event1)
	store.Save(event2)

	pending1, err := store.GetPending("proj-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending1) != 1 {
		t.Errorf("expected 1 event for proj-1, got %d", len(pending1))
	}

	pending2, err := store.GetPending("proj-2", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending2) != 1 {
		t.Errorf("expected 1 event for proj-2, got %d", len(pending2))
	}
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	store := setupTestDB(t)

	oldEvent := New(TaskQueued, "proj-1", "task-1", "", map[string]any{"msg": "old"})
	oldEvent.CreatedAt = time.Now().Add(-2 * time.Hour)

	newEvent := New(TaskQueued, "proj-1", "task-2", "", map[string]any{"msg": "new"})

	store.Save(oldEvent)
	store.Save(newEvent)

	store.MarkDelivered(oldEvent.ID)

	if err := store.Cleanup(1 * time.Hour); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM events WHERE id = ?", oldEvent.ID).Scan(&count); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected old delivered event to be cleaned up, but it still exists")
	}

	if err := store.db.QueryRow("SELECT COUNT(*) FROM events WHERE id = ?", newEvent.ID).Scan(&count); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected new event to still exist, but count is %d", count)
	}
}
