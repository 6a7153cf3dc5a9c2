package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/coscribe/backend/internal/ai"
	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
	"github.com/coscribe/backend/internal/suggest"
)

type scriptedStreamer struct {
	reply string
}

func (f *scriptedStreamer) StreamCompletion(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	if onDelta != nil {
		onDelta(f.reply)
	}
	return f.reply, nil
}

type testEnv struct {
	router   *mux.Router
	db       *store.Store
	sessions *session.Store
	coord    *ai.Coordinator
}

func setupAPI(t *testing.T, streamer ai.Streamer) (*testEnv, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coscribe-api-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	log := logger.NewNop()
	sessions := session.NewStore(db, log)
	rooms := room.NewRegistry(sessions, db, log)
	coord := ai.NewCoordinator(streamer, rooms, sessions, db, log)
	sg := suggest.New(db, sessions, rooms, log)

	router := mux.NewRouter()
	New(db, sessions, rooms, coord, sg, log).Routes(router)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return &testEnv{router: router, db: db, sessions: sessions, coord: coord}, cleanup
}

func doJSON(t *testing.T, env *testEnv, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	rec, body := doJSON(t, env, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("Unexpected health response %d %v", rec.Code, body)
	}
}

func TestStats(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	if _, err := env.sessions.GetOrCreate(context.Background(), "doc-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	rec, body := doJSON(t, env, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["live_documents"] != float64(1) {
		t.Errorf("Expected 1 live document, got %v", body["live_documents"])
	}
	if _, ok := body["room_count"]; !ok {
		t.Error("Stats should include storage counters")
	}
}

func TestRoomLifecycle(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	rec, body := doJSON(t, env, http.MethodPost, "/api/rooms", map[string]string{"id": "room-1", "name": "Notes"})
	if rec.Code != http.StatusCreated || body["name"] != "Notes" {
		t.Fatalf("Unexpected create response %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, env, http.MethodGet, "/api/rooms/room-1", nil)
	if rec.Code != http.StatusOK || body["id"] != "room-1" {
		t.Errorf("Unexpected get response %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, env, http.MethodPut, "/api/rooms/room-1", map[string]string{"name": "Renamed"})
	if rec.Code != http.StatusOK || body["name"] != "Renamed" {
		t.Errorf("Unexpected rename response %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, env, http.MethodPut, "/api/rooms/missing", map[string]string{"name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown room, got %d", rec.Code)
	}

	rec, body = doJSON(t, env, http.MethodGet, "/api/rooms", nil)
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("Unexpected list response %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, env, http.MethodGet, "/api/rooms/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestGetDocument(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	rec, _ := doJSON(t, env, http.MethodGet, "/api/documents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown document, got %d", rec.Code)
	}

	seed := crdt.NewDoc("seed")
	update, _ := seed.Insert(0, "persisted words")
	if err := env.db.SaveDocumentState("doc-1", seed.EncodeStateVector(), update, time.Now().UTC()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	rec, body := doJSON(t, env, http.MethodGet, "/api/documents/doc-1", nil)
	if rec.Code != http.StatusOK || body["content"] != "persisted words" {
		t.Errorf("Unexpected document response %d %v", rec.Code, body)
	}
	// A cold read must not install a session nobody will ever evict.
	if env.sessions.Get("doc-1") != nil {
		t.Error("Cold document read should not register a live session")
	}
}

func TestGetSuggestionsRejectsBadFilter(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	rec, _ := doJSON(t, env, http.MethodGet, "/api/documents/doc-1/suggestions?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestAISuggestEndpoint(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{reply: "improved text"})
	defer cleanup()

	sess, err := env.sessions.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := sess.ReplaceRange(0, 0, "original text"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	rec, body := doJSON(t, env, http.MethodPost, "/api/ai/suggest", map[string]any{
		"document_id": "doc-1", "user_id": "alice", "instruction": "improve", "anchor": 0, "head": 8,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d %v", rec.Code, body)
	}
	if body["suggestion"] != "improved text" || body["status"] != store.SuggestionPending {
		t.Errorf("Unexpected suggestion %v", body)
	}
	if body["target_text"] != "original" {
		t.Errorf("Expected captured target, got %v", body["target_text"])
	}

	rec, _ = doJSON(t, env, http.MethodPost, "/api/ai/suggest", map[string]any{"document_id": "doc-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d", rec.Code)
	}
}

// doRaw issues a request and returns the recorder untouched, for endpoints
// whose body is not JSON.
func doRaw(t *testing.T, env *testEnv, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestAISuggestStreamEndpoint(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{reply: "better"})
	defer cleanup()

	rec := doRaw(t, env, http.MethodPost, "/api/ai/suggest/stream", map[string]any{
		"document_id": "doc-1", "user_id": "alice", "instruction": "improve",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain response, got %q", ct)
	}
	if rec.Body.String() != "better" {
		t.Errorf("Expected streamed fragments in the body, got %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("Fragments should be flushed as they arrive")
	}

	pending, err := env.db.GetSuggestions("doc-1", store.SuggestionPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Expected persisted pending suggestion, got %v err=%v", pending, err)
	}

	rec = doRaw(t, env, http.MethodPost, "/api/ai/suggest/stream", map[string]any{"document_id": "doc-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d", rec.Code)
	}
}

func TestAIChatStreamEndpoint(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{reply: "the answer"})
	defer cleanup()

	rec := doRaw(t, env, http.MethodPost, "/api/ai/chat/stream", map[string]any{
		"document_id": "doc-1", "user_id": "alice", "message": "what is this?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "the answer" {
		t.Errorf("Expected streamed reply in the body, got %q", rec.Body.String())
	}

	msgs, err := env.db.GetChatMessages("doc-1")
	if err != nil {
		t.Fatalf("GetChatMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected question and reply persisted, got %d", len(msgs))
	}
	if rec.Header().Get("X-Message-Id") != msgs[0].ID {
		t.Errorf("Expected the question id in X-Message-Id, got %q", rec.Header().Get("X-Message-Id"))
	}
	if msgs[1].UserID != ai.AuthorAI || msgs[1].ReplyTo != msgs[0].ID {
		t.Errorf("Reply should link the question, got %+v", msgs[1])
	}
}

func TestAIChatEndpoint(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{reply: "the answer"})
	defer cleanup()

	rec, body := doJSON(t, env, http.MethodPost, "/api/ai/chat", map[string]any{
		"document_id": "doc-1", "user_id": "alice", "message": "what is this?",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d %v", rec.Code, body)
	}

	msgs, err := env.db.GetChatMessages("doc-1")
	if err != nil {
		t.Fatalf("GetChatMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected question and reply persisted, got %d", len(msgs))
	}
	if msgs[1].UserID != ai.AuthorAI || msgs[1].ReplyTo != msgs[0].ID {
		t.Errorf("Reply should link the question, got %+v", msgs[1])
	}
}

func TestAICancelUnknownStream(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	rec, _ := doJSON(t, env, http.MethodPost, "/api/ai/streams/nope/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestDiffAcceptAndConflict(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	sess, err := env.sessions.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := sess.ReplaceRange(0, 0, "the dark room"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if err := env.db.SaveSuggestion(store.Suggestion{
		ID: "sg-1", DocumentID: "doc-1", UserID: "alice", Timestamp: time.Now().UTC(),
		Suggestion: "bright", AnchorPos: 4, HeadPos: 8, TargetText: "dark",
		Status: store.SuggestionPending,
	}); err != nil {
		t.Fatalf("SaveSuggestion failed: %v", err)
	}

	rec, body := doJSON(t, env, http.MethodPost, "/api/diff/accept", map[string]string{
		"suggestion_id": "sg-1", "user_id": "bob",
	})
	if rec.Code != http.StatusOK || body["status"] != store.SuggestionAccepted {
		t.Fatalf("Unexpected accept response %d %v", rec.Code, body)
	}
	if got := sess.Text(); got != "the bright room" {
		t.Errorf("Expected applied edit, got %q", got)
	}

	rec, _ = doJSON(t, env, http.MethodPost, "/api/diff/reject", map[string]string{
		"suggestion_id": "sg-1", "user_id": "carol",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for second resolution, got %d", rec.Code)
	}

	rec, _ = doJSON(t, env, http.MethodPost, "/api/diff/accept", map[string]string{
		"suggestion_id": "missing", "user_id": "bob",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown suggestion, got %d", rec.Code)
	}
}

func TestThreadEndpoints(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{reply: "thread reply"})
	defer cleanup()

	rec, body := doJSON(t, env, http.MethodPost, "/api/documents/doc-1/threads", map[string]any{
		"user_id": "alice", "title": "naming", "anchor_position": 3, "anchor_text": "widget",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d %v", rec.Code, body)
	}
	threadID := body["id"].(string)

	rec, body = doJSON(t, env, http.MethodPost, fmt.Sprintf("/api/threads/%s/messages", threadID), map[string]any{
		"document_id": "doc-1", "user_id": "bob", "message": "rename it", "ask_ai": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d %v", rec.Code, body)
	}
	if body["stream_id"] == "" {
		t.Error("ask_ai should start a stream")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.coord.ActiveStreams() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, body = doJSON(t, env, http.MethodGet, fmt.Sprintf("/api/threads/%s/messages", threadID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("Expected human message and AI reply, got %d", len(msgs))
	}
	last := msgs[1].(map[string]any)
	if last["user_id"] != ai.AuthorAI || !strings.Contains(last["message"].(string), "thread reply") {
		t.Errorf("Unexpected AI thread reply %v", last)
	}

	rec, _ = doJSON(t, env, http.MethodPost, fmt.Sprintf("/api/threads/%s/resolve", threadID), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 resolving thread, got %d", rec.Code)
	}
	rec, _ = doJSON(t, env, http.MethodPost, "/api/threads/missing/resolve", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown thread, got %d", rec.Code)
	}

	rec, body = doJSON(t, env, http.MethodGet, "/api/documents/doc-1/threads", nil)
	threads := body["threads"].([]any)
	if len(threads) != 1 || threads[0].(map[string]any)["resolved"] != true {
		t.Errorf("Expected one resolved thread, got %v", threads)
	}
}

func TestActivityEndpoint(t *testing.T) {
	env, cleanup := setupAPI(t, &scriptedStreamer{})
	defer cleanup()

	if err := env.db.SaveActivity(store.ActivityEntry{
		ID: "a1", DocumentID: "doc-1", UserID: "alice",
		Timestamp: time.Now().UTC(), ActivityType: "join",
	}); err != nil {
		t.Fatalf("SaveActivity failed: %v", err)
	}

	rec, body := doJSON(t, env, http.MethodGet, "/api/documents/doc-1/activity", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if entries := body["activity"].([]any); len(entries) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(entries))
	}
}
