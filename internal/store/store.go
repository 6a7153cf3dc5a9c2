// Package store is the relational persistence layer: document snapshots,
// chat history, suggestions, side-chat threads, and activity logs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyResolved is returned when resolving a suggestion that has
	// already left the pending state.
	ErrAlreadyResolved = errors.New("store: suggestion already resolved")
)

type Store struct {
	db *sql.DB
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DocumentState struct {
	DocumentID  string
	StateVector []byte
	UpdateData  []byte
	Timestamp   time.Time
}

type ChatMessage struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
}

type Suggestion struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Suggestion string    `json:"suggestion"`
	AnchorPos  int       `json:"target_range_anchor"`
	HeadPos    int       `json:"target_range_head"`
	TargetText string    `json:"target_text"`
	Status     string    `json:"status"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

const (
	SuggestionPending  = "pending"
	SuggestionAccepted = "accepted"
	SuggestionRejected = "rejected"
)

type SideChatThread struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	CreatedBy      string    `json:"created_by"`
	Timestamp      time.Time `json:"timestamp"`
	Title          string    `json:"title"`
	AnchorPosition int       `json:"anchor_position"`
	AnchorText     string    `json:"anchor_text"`
	Resolved       bool      `json:"resolved"`
}

type SideChatMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
}

type ActivityEntry struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	UserID       string         `json:"user_id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActivityType string         `json:"activity_type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_states (
		document_id TEXT PRIMARY KEY,
		state_vector BLOB NOT NULL,
		update_data BLOB NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		message TEXT NOT NULL,
		reply_to TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_document ON chat_messages(document_id, timestamp);

	CREATE TABLE IF NOT EXISTS suggestions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		suggestion TEXT NOT NULL,
		target_range_anchor INTEGER NOT NULL,
		target_range_head INTEGER NOT NULL,
		target_text TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		resolved_by TEXT,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_suggestions_document ON suggestions(document_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS side_chat_threads (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		title TEXT NOT NULL,
		anchor_position INTEGER NOT NULL,
		anchor_text TEXT NOT NULL DEFAULT '',
		resolved BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS side_chat_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_side_chat_messages_thread ON side_chat_messages(thread_id, timestamp);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		activity_type TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_activity_logs_document ON activity_logs(document_id, timestamp DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Room operations

func (s *Store) CreateRoom(id, name string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (s *Store) GetRoom(id string) (*Room, error) {
	row := s.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)
	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := s.db.Query(
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) RenameRoom(id, name string) error {
	res, err := s.db.Exec(
		"UPDATE rooms SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		name, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Document snapshot operations

// SaveDocumentState upserts the latest encoded snapshot for a document.
func (s *Store) SaveDocumentState(documentID string, stateVector, updateData []byte, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO document_states (document_id, state_vector, update_data, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			state_vector = excluded.state_vector,
			update_data = excluded.update_data,
			timestamp = excluded.timestamp
	`, documentID, stateVector, updateData, ts)
	return err
}

// GetDocumentState returns the persisted snapshot, or nil when none exists.
func (s *Store) GetDocumentState(documentID string) (*DocumentState, error) {
	row := s.db.QueryRow(
		"SELECT document_id, state_vector, update_data, timestamp FROM document_states WHERE document_id = ?",
		documentID,
	)
	var st DocumentState
	err := row.Scan(&st.DocumentID, &st.StateVector, &st.UpdateData, &st.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Chat operations

func (s *Store) SaveChatMessage(m ChatMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_messages (id, document_id, user_id, timestamp, message, reply_to, thread_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.DocumentID, m.UserID, m.Timestamp, m.Message, m.ReplyTo, m.ThreadID)
	return err
}

func (s *Store) GetChatMessages(documentID string) ([]ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, user_id, timestamp, message, reply_to, thread_id
		FROM chat_messages WHERE document_id = ? ORDER BY timestamp ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.UserID, &m.Timestamp, &m.Message, &m.ReplyTo, &m.ThreadID); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Suggestion operations

func (s *Store) SaveSuggestion(sg Suggestion) error {
	_, err := s.db.Exec(`
		INSERT INTO suggestions (id, document_id, user_id, timestamp, suggestion,
			target_range_anchor, target_range_head, target_text, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sg.ID, sg.DocumentID, sg.UserID, sg.Timestamp, sg.Suggestion,
		sg.AnchorPos, sg.HeadPos, sg.TargetText, sg.Status)
	return err
}

func (s *Store) GetSuggestion(id string) (*Suggestion, error) {
	row := s.db.QueryRow(`
		SELECT id, document_id, user_id, timestamp, suggestion,
			target_range_anchor, target_range_head, target_text, status,
			COALESCE(resolved_by, ''), resolved_at
		FROM suggestions WHERE id = ?
	`, id)
	return scanSuggestion(row)
}

func (s *Store) GetSuggestions(documentID, status string) ([]Suggestion, error) {
	query := `
		SELECT id, document_id, user_id, timestamp, suggestion,
			target_range_anchor, target_range_head, target_text, status,
			COALESCE(resolved_by, ''), resolved_at
		FROM suggestions WHERE document_id = ?`
	args := []any{documentID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY timestamp DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var sg Suggestion
		var resolvedAt sql.NullTime
		if err := rows.Scan(&sg.ID, &sg.DocumentID, &sg.UserID, &sg.Timestamp, &sg.Suggestion,
			&sg.AnchorPos, &sg.HeadPos, &sg.TargetText, &sg.Status, &sg.ResolvedBy, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			sg.ResolvedAt = resolvedAt.Time
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (*Suggestion, error) {
	var sg Suggestion
	var resolvedAt sql.NullTime
	err := row.Scan(&sg.ID, &sg.DocumentID, &sg.UserID, &sg.Timestamp, &sg.Suggestion,
		&sg.AnchorPos, &sg.HeadPos, &sg.TargetText, &sg.Status, &sg.ResolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		sg.ResolvedAt = resolvedAt.Time
	}
	return &sg, nil
}

// ResolveSuggestion transitions a pending suggestion to accepted or rejected.
// The transition is one-way: resolving an already-resolved suggestion returns
// ErrAlreadyResolved.
func (s *Store) ResolveSuggestion(id, status, resolvedBy string, resolvedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE suggestions SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, resolvedBy, resolvedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSuggestion(id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

// Side chat operations

func (s *Store) SaveSideChatThread(t SideChatThread) error {
	_, err := s.db.Exec(`
		INSERT INTO side_chat_threads (id, document_id, created_by, timestamp, title, anchor_position, anchor_text, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.DocumentID, t.CreatedBy, t.Timestamp, t.Title, t.AnchorPosition, t.AnchorText, t.Resolved)
	return err
}

func (s *Store) GetSideChatThreads(documentID string) ([]SideChatThread, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, created_by, timestamp, title, anchor_position, anchor_text, resolved
		FROM side_chat_threads WHERE document_id = ? ORDER BY timestamp DESC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SideChatThread
	for rows.Next() {
		var t SideChatThread
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.CreatedBy, &t.Timestamp, &t.Title, &t.AnchorPosition, &t.AnchorText, &t.Resolved); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ResolveSideChatThread(id string) error {
	res, err := s.db.Exec("UPDATE side_chat_threads SET resolved = TRUE WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveSideChatMessage(m SideChatMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO side_chat_messages (id, thread_id, document_id, user_id, timestamp, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ThreadID, m.DocumentID, m.UserID, m.Timestamp, m.Message)
	return err
}

func (s *Store) GetSideChatMessages(threadID string) ([]SideChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, document_id, user_id, timestamp, message
		FROM side_chat_messages WHERE thread_id = ? ORDER BY timestamp ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SideChatMessage
	for rows.Next() {
		var m SideChatMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.DocumentID, &m.UserID, &m.Timestamp, &m.Message); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Activity log operations

func (s *Store) SaveActivity(e ActivityEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO activity_logs (id, document_id, user_id, timestamp, activity_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.DocumentID, e.UserID, e.Timestamp, e.ActivityType, string(meta))
	return err
}

func (s *Store) GetActivityLog(documentID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, document_id, user_id, timestamp, activity_type, metadata
		FROM activity_logs WHERE document_id = ? ORDER BY timestamp DESC LIMIT ?
	`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.UserID, &e.Timestamp, &e.ActivityType, &meta); err != nil {
			return nil, err
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats

func (s *Store) GetStats() (map[string]any, error) {
	stats := make(map[string]any)

	var roomCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var docCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM document_states").Scan(&docCount); err != nil {
		return nil, err
	}
	stats["document_count"] = docCount

	var msgCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM chat_messages").Scan(&msgCount); err != nil {
		return nil, err
	}
	stats["chat_message_count"] = msgCount

	return stats, nil
}
