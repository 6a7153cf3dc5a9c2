package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
)

func setupFlusher(t *testing.T, interval time.Duration) (*Flusher, *session.Store, *store.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coscribe-persist-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}
	sessions := session.NewStore(db, logger.NewNop())
	f := New(sessions, interval, logger.NewNop())

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return f, sessions, db, cleanup
}

func dirtySession(t *testing.T, sessions *session.Store, docID, text string) *session.Session {
	t.Helper()
	s, err := sessions.GetOrCreate(context.Background(), docID)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := s.ReplaceRange(0, 0, text); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	return s
}

func TestFlushAllPersistsOnlyDirtySessions(t *testing.T) {
	f, sessions, db, cleanup := setupFlusher(t, time.Hour)
	defer cleanup()

	dirtySession(t, sessions, "doc-dirty", "changed")
	if _, err := sessions.GetOrCreate(context.Background(), "doc-clean"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	f.FlushAll()

	state, err := db.GetDocumentState("doc-dirty")
	if err != nil || state == nil {
		t.Fatalf("Dirty session should be persisted, got state=%v err=%v", state, err)
	}
	replica := crdt.NewDoc("verify")
	if err := replica.ApplyUpdate(state.UpdateData); err != nil {
		t.Fatalf("Persisted update should replay: %v", err)
	}
	if replica.Text() != "changed" {
		t.Errorf("Expected 'changed', got %q", replica.Text())
	}

	clean, err := db.GetDocumentState("doc-clean")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if clean != nil {
		t.Error("Clean session should not be written")
	}
}

func TestFlushAllIsolatesFailures(t *testing.T) {
	f, sessions, db, cleanup := setupFlusher(t, time.Hour)
	defer cleanup()

	dirtySession(t, sessions, "doc-a", "alpha")
	dirtySession(t, sessions, "doc-b", "beta")

	f.FlushAll()

	for _, id := range []string{"doc-a", "doc-b"} {
		state, err := db.GetDocumentState(id)
		if err != nil || state == nil {
			t.Errorf("Expected %s persisted, got state=%v err=%v", id, state, err)
		}
	}

	// Both sessions are clean now; a second sweep writes nothing new.
	f.FlushAll()
	for _, s := range sessions.All() {
		if s.Dirty() {
			t.Errorf("Session %s should stay clean after sweep", s.DocumentID)
		}
	}
}

func TestStartStopRunsFinalSweep(t *testing.T) {
	f, sessions, db, cleanup := setupFlusher(t, time.Hour)
	defer cleanup()

	f.Start()
	dirtySession(t, sessions, "doc-1", "last words")
	f.Stop()

	state, err := db.GetDocumentState("doc-1")
	if err != nil || state == nil {
		t.Fatalf("Stop should flush pending edits, got state=%v err=%v", state, err)
	}
}

func TestTickerFlushes(t *testing.T) {
	f, sessions, db, cleanup := setupFlusher(t, 20*time.Millisecond)
	defer cleanup()

	f.Start()
	defer f.Stop()
	dirtySession(t, sessions, "doc-1", "ticked")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, err := db.GetDocumentState("doc-1")
		if err == nil && state != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for periodic flush")
}
