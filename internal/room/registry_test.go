package room

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
)

// fakeConn collects sent payloads; failing makes every Send error.
type fakeConn struct {
	userID string

	mu      sync.Mutex
	sent    [][]byte
	failing bool
}

func newFakeConn(userID string) *fakeConn {
	return &fakeConn{userID: userID}
}

func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("send buffer full")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) fail() {
	c.mu.Lock()
	c.failing = true
	c.mu.Unlock()
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) lastPresence(t *testing.T) PresenceEvent {
	t.Helper()
	msgs := c.received()
	for i := len(msgs) - 1; i >= 0; i-- {
		var ev PresenceEvent
		if err := json.Unmarshal(msgs[i], &ev); err == nil && ev.Type == "presence" {
			return ev
		}
	}
	t.Fatal("no presence event received")
	return PresenceEvent{}
}

func participantIDs(ps []Participant) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.UserID
	}
	return ids
}

func setupRegistry(t *testing.T) (*Registry, *session.Store, *store.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coscribe-room-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}
	sessions := session.NewStore(db, logger.NewNop())
	reg := NewRegistry(sessions, db, logger.NewNop())

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return reg, sessions, db, cleanup
}

func TestJoinValidation(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	if _, err := reg.Join(context.Background(), newFakeConn("alice"), ""); !errors.Is(err, ErrMissingField) {
		t.Errorf("Empty room id: expected ErrMissingField, got %v", err)
	}
	if _, err := reg.Join(context.Background(), newFakeConn(""), "room-1"); !errors.Is(err, ErrMissingField) {
		t.Errorf("Empty user id: expected ErrMissingField, got %v", err)
	}
}

func TestJoinBroadcastsPresenceToOthersOnly(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")

	if _, err := reg.Join(context.Background(), alice, "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := reg.Join(context.Background(), bob, "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	ev := alice.lastPresence(t)
	if ev.Action != "join" || ev.UserID != "bob" {
		t.Errorf("Expected join presence for bob, got %+v", ev)
	}
	if got := participantIDs(ev.Participants); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Expected participants [alice bob], got %v", got)
	}
	// The joiner does not hear about itself.
	if len(bob.received()) != 0 {
		t.Errorf("Joiner should receive nothing, got %d payloads", len(bob.received()))
	}
}

func TestJoinLeavesCurrentRoomFirst(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	if _, err := reg.Join(context.Background(), bob, "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := reg.Join(context.Background(), alice, "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, err := reg.Join(context.Background(), alice, "room-2"); err != nil {
		t.Fatalf("Second join failed: %v", err)
	}

	if got := reg.RoomOf(alice); got != "room-2" {
		t.Errorf("Expected alice in room-2, got %q", got)
	}
	if got := participantIDs(reg.Participants("room-1")); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("Expected only bob in room-1, got %v", got)
	}
	ev := bob.lastPresence(t)
	if ev.Action != "leave" || ev.UserID != "alice" {
		t.Errorf("Expected leave presence for alice, got %+v", ev)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	ctx := context.Background()
	reg.Join(ctx, alice, "room-1")
	reg.Join(ctx, bob, "room-1")

	before := len(alice.received())
	reg.Broadcast("room-1", []byte(`{"type":"update"}`), alice)

	if len(alice.received()) != before {
		t.Error("Sender should not receive its own broadcast")
	}
	got := bob.received()
	if len(got) == 0 || string(got[len(got)-1]) != `{"type":"update"}` {
		t.Errorf("Bob should receive the broadcast, got %v", got)
	}
}

func TestBroadcastFailureImpliesLeave(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	carol := newFakeConn("carol")
	ctx := context.Background()
	reg.Join(ctx, alice, "room-1")
	reg.Join(ctx, bob, "room-1")
	reg.Join(ctx, carol, "room-1")

	bob.fail()
	reg.Broadcast("room-1", []byte("x"), alice)

	if got := participantIDs(reg.Participants("room-1")); !reflect.DeepEqual(got, []string{"alice", "carol"}) {
		t.Errorf("Dead connection should be removed, got %v", got)
	}
	ev := carol.lastPresence(t)
	if ev.Action != "leave" || ev.UserID != "bob" {
		t.Errorf("Expected leave presence for bob, got %+v", ev)
	}
}

func TestLastLeaveFlushesAndEvictsSession(t *testing.T) {
	reg, sessions, db, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	sess, err := reg.Join(context.Background(), alice, "room-1")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := sess.ReplaceRange(0, 0, "content"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	reg.Leave(alice)

	if sessions.Get("room-1") != nil {
		t.Error("Session should be evicted when the room empties")
	}
	state, err := db.GetDocumentState("room-1")
	if err != nil || state == nil {
		t.Fatalf("Expected persisted snapshot, got state=%v err=%v", state, err)
	}
	// Leaving twice is a no-op.
	reg.Leave(alice)
}

func TestSendToUserTargetsAllUserConnections(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	aliceLaptop := newFakeConn("alice")
	alicePhone := newFakeConn("alice")
	bob := newFakeConn("bob")
	ctx := context.Background()
	reg.Join(ctx, aliceLaptop, "room-1")
	reg.Join(ctx, alicePhone, "room-1")
	reg.Join(ctx, bob, "room-1")

	bobBefore := len(bob.received())
	sent := reg.SendToUser("room-1", "alice", []byte("private"))
	if sent != 2 {
		t.Errorf("Expected 2 deliveries, got %d", sent)
	}
	if len(bob.received()) != bobBefore {
		t.Error("Other users must not receive targeted payloads")
	}

	if sent := reg.SendToUser("room-1", "nobody", []byte("x")); sent != 0 {
		t.Errorf("Expected 0 deliveries for unknown user, got %d", sent)
	}
}

func TestStats(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	ctx := context.Background()
	reg.Join(ctx, newFakeConn("alice"), "room-1")
	reg.Join(ctx, newFakeConn("bob"), "room-1")
	reg.Join(ctx, newFakeConn("carol"), "room-2")

	stats := reg.Stats()
	if stats["active_rooms"].(int) != 2 {
		t.Errorf("Expected 2 active rooms, got %v", stats["active_rooms"])
	}
	if stats["active_connections"].(int) != 3 {
		t.Errorf("Expected 3 connections, got %v", stats["active_connections"])
	}
	perRoom := stats["rooms"].(map[string]int)
	if perRoom["room-1"] != 2 {
		t.Errorf("Expected 2 members in room-1, got %d", perRoom["room-1"])
	}
}

func TestParticipantMetadata(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	ctx := context.Background()
	if _, err := reg.JoinAs(ctx, alice, "room-1", "Alice W.", "#e07a5f"); err != nil {
		t.Fatalf("JoinAs failed: %v", err)
	}
	reg.Join(ctx, bob, "room-1")

	ps := reg.Participants("room-1")
	if len(ps) != 2 {
		t.Fatalf("Expected 2 participants, got %d", len(ps))
	}
	if ps[0].Name != "Alice W." || ps[0].Color != "#e07a5f" {
		t.Errorf("Expected alice's display fields, got %+v", ps[0])
	}
	if ps[0].JoinedAt.IsZero() || ps[0].LastSeen.IsZero() {
		t.Error("JoinedAt and LastSeen should be set on join")
	}
	// Name falls back to the user id.
	if ps[1].Name != "bob" {
		t.Errorf("Expected default name bob, got %q", ps[1].Name)
	}

	before := ps[0].LastSeen
	time.Sleep(5 * time.Millisecond)
	reg.Touch(alice)
	after := reg.Participants("room-1")[0].LastSeen
	if !after.After(before) {
		t.Errorf("Touch should advance last seen: before=%v after=%v", before, after)
	}
}

func TestJoinRejectsInvalidName(t *testing.T) {
	reg, _, _, cleanup := setupRegistry(t)
	defer cleanup()

	ctx := context.Background()
	long := strings.Repeat("x", 65)
	if _, err := reg.JoinAs(ctx, newFakeConn("alice"), "room-1", long, ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Overlong name: expected ErrInvalidName, got %v", err)
	}
	if _, err := reg.JoinAs(ctx, newFakeConn("alice"), "room-1", "al\x00ice", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Control character: expected ErrInvalidName, got %v", err)
	}
}

func TestRejoinAfterLastLeaveReloadsSession(t *testing.T) {
	reg, sessions, _, cleanup := setupRegistry(t)
	defer cleanup()

	alice := newFakeConn("alice")
	ctx := context.Background()
	sess, err := reg.Join(ctx, alice, "room-1")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := sess.ReplaceRange(0, 0, "kept"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	reg.Leave(alice)
	if sessions.Get("room-1") != nil {
		t.Fatal("Session should be evicted on last leave")
	}

	sess, err = reg.Join(ctx, alice, "room-1")
	if err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}
	if got := sess.Text(); got != "kept" {
		t.Errorf("Rejoin should reload the flushed snapshot, got %q", got)
	}
}
