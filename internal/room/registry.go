// Package room tracks which connections participate in which document room
// and relays payloads between them.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
)

var (
	// ErrMissingField is returned when a join request omits the room id or
	// user id.
	ErrMissingField = errors.New("room: missing required field")

	// ErrNotInRoom is returned when an operation requires membership the
	// connection does not have.
	ErrNotInRoom = errors.New("room: connection not in a room")

	// ErrInvalidName is returned when a join carries a display name that
	// fails validation.
	ErrInvalidName = errors.New("room: invalid display name")
)

// maxNameLen caps display names in runes.
const maxNameLen = 64

// Conn is the transport the registry delivers payloads over. Send must not
// block indefinitely; a send failure marks the connection dead.
type Conn interface {
	UserID() string
	Send(data []byte) error
}

// Participant describes one live connection in a room. A user with several
// connections appears once per connection.
type Participant struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceEvent notifies room members that a participant joined or left.
type PresenceEvent struct {
	Type         string        `json:"type"`
	Action       string        `json:"action"`
	RoomID       string        `json:"room_id"`
	UserID       string        `json:"user_id"`
	Participants []Participant `json:"participants"`
}

// Registry is the single owner of room membership. A connection belongs to
// at most one room; joining another room leaves the current one first.
type Registry struct {
	log      *logger.Logger
	sessions *session.Store
	db       *store.Store

	mu     sync.RWMutex
	rooms  map[string]map[Conn]*Participant
	byConn map[Conn]string
}

func NewRegistry(sessions *session.Store, db *store.Store, log *logger.Logger) *Registry {
	return &Registry{
		log:      log.With("component", "room"),
		sessions: sessions,
		db:       db,
		rooms:    make(map[string]map[Conn]*Participant),
		byConn:   make(map[Conn]string),
	}
}

// Join adds a connection to a room with default display fields. See JoinAs.
func (r *Registry) Join(ctx context.Context, conn Conn, roomID string) (*session.Session, error) {
	return r.JoinAs(ctx, conn, roomID, "", "")
}

// JoinAs adds a connection to a room, leaving any current room first. The
// room id doubles as the document id; the document session is loaded (or
// created) before the connection is registered, so a registered member always
// has a live session to sync against. Name defaults to the user id.
func (r *Registry) JoinAs(ctx context.Context, conn Conn, roomID, name, color string) (*session.Session, error) {
	if roomID == "" || conn.UserID() == "" {
		return nil, ErrMissingField
	}
	if name == "" {
		name = conn.UserID()
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	r.Leave(conn)

	if err := r.db.CreateRoom(roomID, roomID); err != nil {
		return nil, err
	}
	sess, err := r.sessions.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Conn]*Participant)
		r.rooms[roomID] = members
	}
	members[conn] = &Participant{
		UserID:   conn.UserID(),
		Name:     name,
		Color:    color,
		JoinedAt: now,
		LastSeen: now,
	}
	r.byConn[conn] = roomID
	count := len(members)
	r.mu.Unlock()

	r.log.Info("client joined room", "room_id", roomID, "user_id", conn.UserID(), "participants", count)
	r.broadcastPresence(roomID, "join", conn.UserID(), conn)
	r.recordActivity(roomID, conn.UserID(), "join")
	return sess, nil
}

func validateName(name string) error {
	if utf8.RuneCountInString(name) > maxNameLen {
		return ErrInvalidName
	}
	for _, c := range name {
		if unicode.IsControl(c) {
			return ErrInvalidName
		}
	}
	return nil
}

// Leave removes a connection from its room, if any. When the last member
// leaves, the document session is flushed and evicted.
func (r *Registry) Leave(conn Conn) {
	r.mu.Lock()
	roomID, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, conn)
	members := r.rooms[roomID]
	delete(members, conn)
	empty := len(members) == 0
	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	r.log.Info("client left room", "room_id", roomID, "user_id", conn.UserID())
	r.recordActivity(roomID, conn.UserID(), "leave")

	if empty {
		// A join may have repopulated the room since the unlock above;
		// evict the session only while the room is still empty.
		r.mu.Lock()
		_, repopulated := r.rooms[roomID]
		r.mu.Unlock()
		if !repopulated {
			r.sessions.Release(roomID)
			r.log.Info("room closed", "room_id", roomID)
			return
		}
	}
	r.broadcastPresence(roomID, "leave", conn.UserID(), conn)
}

// Touch records activity on a connection, refreshing its last-seen time.
func (r *Registry) Touch(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byConn[conn]
	if !ok {
		return
	}
	if p, ok := r.rooms[roomID][conn]; ok {
		p.LastSeen = time.Now().UTC()
	}
}

// RoomOf returns the room a connection is in, or "".
func (r *Registry) RoomOf(conn Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[conn]
}

// Broadcast delivers data to every member of the room except sender. Sender
// may be nil to reach everyone. Connections whose send fails are removed
// from the room as if they had left.
func (r *Registry) Broadcast(roomID string, data []byte, sender Conn) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		if c != sender {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	var dead []Conn
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		r.log.Warn("dropping unresponsive connection", "room_id", roomID, "user_id", c.UserID())
		r.Leave(c)
	}
}

// SendToUser delivers data to every connection a user has in the room. It
// returns the number of connections reached.
func (r *Registry) SendToUser(roomID, userID string, data []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, 2)
	for c := range r.rooms[roomID] {
		if c.UserID() == userID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	var dead []Conn
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			dead = append(dead, c)
			continue
		}
		sent++
	}
	for _, c := range dead {
		r.Leave(c)
	}
	return sent
}

// Participants returns one entry per live connection in the room, sorted by
// user id then join time.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.rooms[roomID]))
	for _, p := range r.rooms[roomID] {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Stats reports live room occupancy.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perRoom := make(map[string]int, len(r.rooms))
	for id, members := range r.rooms {
		perRoom[id] = len(members)
	}
	return map[string]any{
		"active_rooms":       len(r.rooms),
		"active_connections": len(r.byConn),
		"rooms":              perRoom,
	}
}

func (r *Registry) broadcastPresence(roomID, action, userID string, sender Conn) {
	ev := PresenceEvent{
		Type:         "presence",
		Action:       action,
		RoomID:       roomID,
		UserID:       userID,
		Participants: r.Participants(roomID),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("marshal presence event", "error", err)
		return
	}
	r.Broadcast(roomID, data, sender)
}

// recordActivity is best effort; a storage failure never blocks room flow.
func (r *Registry) recordActivity(roomID, userID, activityType string) {
	err := r.db.SaveActivity(store.ActivityEntry{
		ID:           uuid.NewString(),
		DocumentID:   roomID,
		UserID:       userID,
		Timestamp:    time.Now().UTC(),
		ActivityType: activityType,
		Metadata:     map[string]any{"room_id": roomID},
	})
	if err != nil {
		r.log.Warn("record activity failed", "room_id", roomID, "error", err)
	}
}
