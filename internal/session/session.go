// Package session owns the in-memory mapping from document ids to live
// CRDT replicas and their chat logs. All replica mutation funnels through
// this package.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/store"
)

// serverSite is the site id the authoritative replica edits under.
const serverSite = "server"

// Origin tags why an update is being applied. Replayed updates (loaded back
// from storage) must not re-trigger persistence.
type Origin struct {
	userID string
	replay bool
}

// OriginUser marks an update as a live edit from the given user.
func OriginUser(userID string) Origin {
	return Origin{userID: userID}
}

// OriginReplay marks an update as a replay from storage.
var OriginReplay = Origin{replay: true}

// IsReplay reports whether the update came from storage.
func (o Origin) IsReplay() bool { return o.replay }

// UserID returns the editing user for a live update, or "" for replays.
func (o Origin) UserID() string { return o.userID }

// Session is the unit of collaboration for one document.
type Session struct {
	DocumentID string

	doc *crdt.Doc

	mu       sync.Mutex
	dirty    bool
	messages []store.ChatMessage
	byUser   map[string][]int // user id -> indexes into messages
}

// Text returns the current document content.
func (s *Session) Text() string {
	return s.doc.Text()
}

// Snapshot returns the encoded state vector and full-state update.
func (s *Session) Snapshot() (stateVector, updateData []byte, err error) {
	sv := s.doc.EncodeStateVector()
	full, err := s.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, nil, err
	}
	return sv, full, nil
}

// Diff returns the update bytes a client with the given state vector is
// missing.
func (s *Session) Diff(clientStateVector []byte) ([]byte, error) {
	return s.doc.EncodeStateAsUpdate(clientStateVector)
}

// ApplyUpdate merges update bytes into the replica. Live-user origins mark
// the session dirty; replay origins never do. A failed merge leaves both the
// replica and the dirty flag untouched.
func (s *Session) ApplyUpdate(update []byte, origin Origin) error {
	if err := s.doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("apply update for %s: %w", s.DocumentID, err)
	}
	if !origin.IsReplay() {
		s.MarkDirty()
	}
	return nil
}

// ReplaceRange replaces the visible range [anchor, head) with text, editing
// as the server replica. It returns the updates to relay to clients, in
// apply order.
func (s *Session) ReplaceRange(anchor, head int, text string) ([][]byte, error) {
	if anchor < 0 || head < anchor {
		return nil, fmt.Errorf("session: invalid range [%d,%d)", anchor, head)
	}
	if n := s.doc.Len(); head > n {
		return nil, fmt.Errorf("session: range [%d,%d) exceeds document length %d", anchor, head, n)
	}

	var updates [][]byte
	if head > anchor {
		del, err := s.doc.Delete(anchor, head-anchor)
		if err != nil {
			return nil, err
		}
		updates = append(updates, del)
	}
	if text != "" {
		ins, err := s.doc.Insert(anchor, text)
		if err != nil {
			return nil, err
		}
		updates = append(updates, ins)
	}
	if len(updates) > 0 {
		s.MarkDirty()
	}
	return updates, nil
}

// MarkDirty flags the session as having unpersisted changes.
func (s *Session) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether the session has unpersisted changes.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// beginFlush clears the dirty flag and reports whether a flush is needed.
// Clearing before the write means an edit landing mid-flush re-dirties the
// session instead of being swallowed.
func (s *Session) beginFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.dirty
	s.dirty = false
	return was
}

// AppendMessage records a chat message in the in-memory log. AI replies are
// indexed under the requesting user, so owner may differ from m.UserID.
func (s *Session) AppendMessage(m store.ChatMessage, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	if owner != "" {
		s.byUser[owner] = append(s.byUser[owner], len(s.messages)-1)
	}
}

// Messages returns a copy of the session's chat log.
func (s *Session) Messages() []store.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessagesBy returns the messages authored by, or addressed as AI replies
// to, the given user.
func (s *Session) MessagesBy(userID string) []store.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	idxs := s.byUser[userID]
	out := make([]store.ChatMessage, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.messages[i])
	}
	return out
}

// Store maps document ids to live sessions.
type Store struct {
	log *logger.Logger
	db  *store.Store

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

func NewStore(db *store.Store, log *logger.Logger) *Store {
	return &Store{
		log:      log.With("component", "session"),
		db:       db,
		sessions: make(map[string]*Session),
	}
}

// Get returns the in-memory session, or nil when the document is cold.
func (st *Store) Get(documentID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[documentID]
}

// GetOrCreate returns the live session for a document, loading the persisted
// snapshot and chat history on a cold miss. Concurrent callers for the same
// unseen document share a single load and observe one session instance.
func (st *Store) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	if s := st.Get(documentID); s != nil {
		return s, nil
	}

	v, err, _ := st.group.Do(documentID, func() (interface{}, error) {
		if s := st.Get(documentID); s != nil {
			return s, nil
		}
		s, err := st.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		st.sessions[documentID] = s
		st.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (st *Store) load(_ context.Context, documentID string) (*Session, error) {
	s := &Session{
		DocumentID: documentID,
		doc:        crdt.NewDoc(serverSite),
		byUser:     make(map[string][]int),
	}

	snap, err := st.db.GetDocumentState(documentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", documentID, err)
	}
	if snap != nil {
		if err := s.ApplyUpdate(snap.UpdateData, OriginReplay); err != nil {
			return nil, fmt.Errorf("replay snapshot for %s: %w", documentID, err)
		}
	}

	messages, err := st.db.GetChatMessages(documentID)
	if err != nil {
		return nil, fmt.Errorf("load chat log for %s: %w", documentID, err)
	}
	authors := make(map[string]string, len(messages))
	for _, m := range messages {
		authors[m.ID] = m.UserID
		owner := m.UserID
		if m.UserID == "ai" && m.ReplyTo != "" {
			if requester, ok := authors[m.ReplyTo]; ok {
				owner = requester
			}
		}
		s.AppendMessage(m, owner)
	}

	st.log.Debug("session loaded", "document_id", documentID, "cold", snap == nil)
	return s, nil
}

// SyncDiff computes the update bytes a client is missing. A document with no
// live session yields an empty diff: an absent document has nothing to send.
func (st *Store) SyncDiff(documentID string, clientStateVector []byte) ([]byte, error) {
	s := st.Get(documentID)
	if s == nil {
		return crdt.EmptyUpdate(), nil
	}
	return s.Diff(clientStateVector)
}

// Flush persists the session snapshot if it is dirty. A write failure
// re-dirties the session so the next pass retries.
func (st *Store) Flush(s *Session) error {
	if !s.beginFlush() {
		return nil
	}
	if err := st.flushNow(s); err != nil {
		s.MarkDirty()
		return err
	}
	return nil
}

func (st *Store) flushNow(s *Session) error {
	sv, update, err := s.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", s.DocumentID, err)
	}
	if err := st.db.SaveDocumentState(s.DocumentID, sv, update, time.Now().UTC()); err != nil {
		return fmt.Errorf("persist %s: %w", s.DocumentID, err)
	}
	return nil
}

// Release synchronously flushes a session and evicts it from memory. Called
// when the last participant leaves the document's room.
func (st *Store) Release(documentID string) {
	s := st.Get(documentID)
	if s == nil {
		return
	}
	s.beginFlush()
	if err := st.flushNow(s); err != nil {
		st.log.Error("flush on release failed", "document_id", documentID, "error", err)
		// The session is evicted regardless; the snapshot is retried on
		// next load only if a newer one is written, so log loudly.
	}

	st.mu.Lock()
	delete(st.sessions, documentID)
	st.mu.Unlock()
	st.log.Debug("session evicted", "document_id", documentID)
}

// All returns a snapshot of the live sessions.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
