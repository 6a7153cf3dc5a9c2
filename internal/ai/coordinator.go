package ai

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
)

// ErrStreamNotFound is returned when cancelling a stream that is not active.
var ErrStreamNotFound = errors.New("ai: stream not found")

// Stream kinds.
const (
	KindSuggestion  = "suggestion"
	KindChat        = "chat"
	KindThreadReply = "thread_reply"
)

// Visibility controls who receives a stream's events.
const (
	VisibilityShared  = "shared"
	VisibilityPrivate = "private"
)

// AuthorAI is the user id AI-authored records are stored under.
const AuthorAI = "ai"

// StreamEvent is the wire form of every assistant stream notification.
type StreamEvent struct {
	Type         string `json:"type"`
	StreamID     string `json:"stream_id"`
	Kind         string `json:"kind"`
	DocumentID   string `json:"document_id"`
	RequestedBy  string `json:"requested_by"`
	Content      string `json:"content,omitempty"`
	SuggestionID string `json:"suggestion_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
	Error        string `json:"error,omitempty"`
}

const (
	eventStreamStart    = "ai_stream_start"
	eventStreamChunk    = "ai_stream_chunk"
	eventStreamComplete = "ai_stream_complete"
)

// SuggestionRequest asks the assistant to rewrite the passage at
// [Anchor, Head) per the instruction.
type SuggestionRequest struct {
	DocumentID  string
	UserID      string
	Instruction string
	Anchor      int
	Head        int
	Visibility  string
}

// ChatRequest asks the assistant to answer a document chat message.
type ChatRequest struct {
	DocumentID string
	UserID     string
	MessageID  string // the triggering chat message, linked via reply_to
	Message    string
	Visibility string
}

// ThreadReplyRequest asks the assistant to reply inside a side-chat thread.
type ThreadReplyRequest struct {
	DocumentID string
	ThreadID   string
	UserID     string
	Message    string
}

type stream struct {
	id          string
	kind        string
	documentID  string
	requestedBy string
	visibility  string
	ctx         context.Context
	cancel      context.CancelFunc

	// tap, when set, receives each fragment in addition to room delivery.
	// Used by the chunked HTTP endpoints.
	tap func(delta string)

	mu        sync.Mutex
	cancelled bool
}

func (s *stream) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

func (s *stream) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Coordinator runs assistant streams against document rooms. Every stream
// follows the same shape: register, announce, relay chunks, persist on
// success, announce completion, deregister.
type Coordinator struct {
	log      *logger.Logger
	streamer Streamer
	rooms    *room.Registry
	sessions *session.Store
	db       *store.Store

	mu     sync.Mutex
	active map[string]*stream
}

func NewCoordinator(streamer Streamer, rooms *room.Registry, sessions *session.Store, db *store.Store, log *logger.Logger) *Coordinator {
	return &Coordinator{
		log:      log.With("component", "ai"),
		streamer: streamer,
		rooms:    rooms,
		sessions: sessions,
		db:       db,
		active:   make(map[string]*stream),
	}
}

// ActiveStreams returns the number of streams currently running.
func (c *Coordinator) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Cancel stops an active stream. Chunks already delivered stay delivered;
// no further chunks are sent and nothing is persisted.
func (c *Coordinator) Cancel(streamID string) error {
	c.mu.Lock()
	s, ok := c.active[streamID]
	c.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	s.markCancelled()
	return nil
}

// CancelUserStreams cancels every active stream a user requested. Used when
// a requester disconnects and the server policy is to stop their streams.
func (c *Coordinator) CancelUserStreams(userID string) int {
	c.mu.Lock()
	var targets []*stream
	for _, s := range c.active {
		if s.requestedBy == userID {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		s.markCancelled()
	}
	return len(targets)
}

// prepared bundles a registered stream with the prompt and persistence step
// its run needs.
type prepared struct {
	s       *stream
	system  string
	user    string
	persist func(full string) (StreamEvent, error)
}

// prepareSuggestion validates the request, captures the target passage from
// the live document (so a concurrently edited document cannot shift what the
// suggestion refers to) and registers the stream.
func (c *Coordinator) prepareSuggestion(ctx context.Context, req SuggestionRequest) (prepared, error) {
	if req.DocumentID == "" || req.UserID == "" || req.Instruction == "" {
		return prepared{}, room.ErrMissingField
	}
	sess, err := c.sessions.GetOrCreate(ctx, req.DocumentID)
	if err != nil {
		return prepared{}, err
	}
	docText := sess.Text()
	target, err := sliceRange(docText, req.Anchor, req.Head)
	if err != nil {
		return prepared{}, err
	}

	s := c.register(KindSuggestion, req.DocumentID, req.UserID, req.Visibility)
	return prepared{
		s:      s,
		system: suggestionSystemPrompt,
		user:   suggestionUserPrompt(docText, target, req.Instruction),
		persist: func(full string) (StreamEvent, error) {
			sg := store.Suggestion{
				ID:         uuid.NewString(),
				DocumentID: req.DocumentID,
				UserID:     req.UserID,
				Timestamp:  time.Now().UTC(),
				Suggestion: full,
				AnchorPos:  req.Anchor,
				HeadPos:    req.Head,
				TargetText: target,
				Status:     store.SuggestionPending,
			}
			if err := c.db.SaveSuggestion(sg); err != nil {
				return StreamEvent{}, err
			}
			return StreamEvent{SuggestionID: sg.ID}, nil
		},
	}, nil
}

// StartSuggestion begins streaming a rewrite suggestion to the room.
func (c *Coordinator) StartSuggestion(ctx context.Context, req SuggestionRequest) (string, error) {
	p, err := c.prepareSuggestion(ctx, req)
	if err != nil {
		return "", err
	}
	go c.run(p.s, p.system, p.user, p.persist)
	return p.s.id, nil
}

// StreamSuggestion runs a rewrite suggestion synchronously, forwarding each
// fragment to tap as it arrives. Room delivery, persistence, and the
// terminal event behave exactly as StartSuggestion; cancelling ctx cancels
// the stream cooperatively.
func (c *Coordinator) StreamSuggestion(ctx context.Context, req SuggestionRequest, tap func(delta string)) (string, error) {
	p, err := c.prepareSuggestion(ctx, req)
	if err != nil {
		return "", err
	}
	p.s.tap = tap
	stop := context.AfterFunc(ctx, p.s.markCancelled)
	defer stop()
	c.run(p.s, p.system, p.user, p.persist)
	return p.s.id, nil
}

// prepareChat validates the request and registers the stream. The reply is
// stored under the assistant author, linked to the triggering message, and
// indexed in the session log under the requester.
func (c *Coordinator) prepareChat(ctx context.Context, req ChatRequest) (prepared, error) {
	if req.DocumentID == "" || req.UserID == "" || req.Message == "" {
		return prepared{}, room.ErrMissingField
	}
	sess, err := c.sessions.GetOrCreate(ctx, req.DocumentID)
	if err != nil {
		return prepared{}, err
	}

	s := c.register(KindChat, req.DocumentID, req.UserID, req.Visibility)
	return prepared{
		s:      s,
		system: chatSystemPrompt,
		user:   chatUserPrompt(sess.Text(), req.Message),
		persist: func(full string) (StreamEvent, error) {
			m := store.ChatMessage{
				ID:         uuid.NewString(),
				DocumentID: req.DocumentID,
				UserID:     AuthorAI,
				Timestamp:  time.Now().UTC(),
				Message:    full,
				ReplyTo:    req.MessageID,
			}
			if err := c.db.SaveChatMessage(m); err != nil {
				return StreamEvent{}, err
			}
			sess.AppendMessage(m, req.UserID)
			return StreamEvent{MessageID: m.ID}, nil
		},
	}, nil
}

// StartChat begins streaming an answer to a document chat message.
func (c *Coordinator) StartChat(ctx context.Context, req ChatRequest) (string, error) {
	p, err := c.prepareChat(ctx, req)
	if err != nil {
		return "", err
	}
	go c.run(p.s, p.system, p.user, p.persist)
	return p.s.id, nil
}

// StreamChat runs a chat answer synchronously, forwarding each fragment to
// tap. See StreamSuggestion.
func (c *Coordinator) StreamChat(ctx context.Context, req ChatRequest, tap func(delta string)) (string, error) {
	p, err := c.prepareChat(ctx, req)
	if err != nil {
		return "", err
	}
	p.s.tap = tap
	stop := context.AfterFunc(ctx, p.s.markCancelled)
	defer stop()
	c.run(p.s, p.system, p.user, p.persist)
	return p.s.id, nil
}

// StartThreadReply begins streaming an assistant reply inside a side-chat
// thread. Thread replies are always shared; threads are already scoped to
// the participants following them.
func (c *Coordinator) StartThreadReply(ctx context.Context, req ThreadReplyRequest) (string, error) {
	if req.DocumentID == "" || req.ThreadID == "" || req.UserID == "" || req.Message == "" {
		return "", room.ErrMissingField
	}
	sess, err := c.sessions.GetOrCreate(ctx, req.DocumentID)
	if err != nil {
		return "", err
	}
	anchor := c.threadAnchor(req.DocumentID, req.ThreadID)

	s := c.register(KindThreadReply, req.DocumentID, req.UserID, VisibilityShared)
	go c.run(s, threadSystemPrompt, threadUserPrompt(sess.Text(), anchor, req.Message),
		func(full string) (StreamEvent, error) {
			m := store.SideChatMessage{
				ID:         uuid.NewString(),
				ThreadID:   req.ThreadID,
				DocumentID: req.DocumentID,
				UserID:     AuthorAI,
				Timestamp:  time.Now().UTC(),
				Message:    full,
			}
			if err := c.db.SaveSideChatMessage(m); err != nil {
				return StreamEvent{}, err
			}
			return StreamEvent{MessageID: m.ID}, nil
		})
	return s.id, nil
}

// SuggestOnce generates a rewrite suggestion without streaming and returns
// the persisted record.
func (c *Coordinator) SuggestOnce(ctx context.Context, req SuggestionRequest) (*store.Suggestion, error) {
	if req.DocumentID == "" || req.UserID == "" || req.Instruction == "" {
		return nil, room.ErrMissingField
	}
	sess, err := c.sessions.GetOrCreate(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	docText := sess.Text()
	target, err := sliceRange(docText, req.Anchor, req.Head)
	if err != nil {
		return nil, err
	}

	full, err := c.streamer.StreamCompletion(ctx, suggestionSystemPrompt, suggestionUserPrompt(docText, target, req.Instruction), nil)
	if err != nil {
		return nil, err
	}
	sg := store.Suggestion{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Timestamp:  time.Now().UTC(),
		Suggestion: full,
		AnchorPos:  req.Anchor,
		HeadPos:    req.Head,
		TargetText: target,
		Status:     store.SuggestionPending,
	}
	if err := c.db.SaveSuggestion(sg); err != nil {
		return nil, err
	}
	return &sg, nil
}

// ChatOnce answers a chat message without streaming and returns the
// persisted reply.
func (c *Coordinator) ChatOnce(ctx context.Context, req ChatRequest) (*store.ChatMessage, error) {
	if req.DocumentID == "" || req.UserID == "" || req.Message == "" {
		return nil, room.ErrMissingField
	}
	sess, err := c.sessions.GetOrCreate(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	full, err := c.streamer.StreamCompletion(ctx, chatSystemPrompt, chatUserPrompt(sess.Text(), req.Message), nil)
	if err != nil {
		return nil, err
	}
	m := store.ChatMessage{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		UserID:     AuthorAI,
		Timestamp:  time.Now().UTC(),
		Message:    full,
		ReplyTo:    req.MessageID,
	}
	if err := c.db.SaveChatMessage(m); err != nil {
		return nil, err
	}
	sess.AppendMessage(m, req.UserID)
	return &m, nil
}

func (c *Coordinator) register(kind, documentID, userID, visibility string) *stream {
	if visibility != VisibilityPrivate {
		visibility = VisibilityShared
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		id:          uuid.NewString(),
		kind:        kind,
		documentID:  documentID,
		requestedBy: userID,
		visibility:  visibility,
		ctx:         ctx,
		cancel:      cancel,
	}

	c.mu.Lock()
	c.active[s.id] = s
	c.mu.Unlock()
	return s
}

// run drives one stream to completion. It always deregisters the stream and
// always emits a completion event, whether the generation succeeded, failed,
// or was cancelled.
func (c *Coordinator) run(s *stream, system, user string, persist func(full string) (StreamEvent, error)) {
	defer func() {
		s.cancel()
		c.mu.Lock()
		delete(c.active, s.id)
		c.mu.Unlock()
	}()

	c.deliver(s, StreamEvent{
		Type:        eventStreamStart,
		StreamID:    s.id,
		Kind:        s.kind,
		DocumentID:  s.documentID,
		RequestedBy: s.requestedBy,
	})

	full, err := c.streamer.StreamCompletion(s.ctx, system, user, func(delta string) {
		if s.wasCancelled() {
			return
		}
		c.deliver(s, StreamEvent{
			Type:        eventStreamChunk,
			StreamID:    s.id,
			Kind:        s.kind,
			DocumentID:  s.documentID,
			RequestedBy: s.requestedBy,
			Content:     delta,
		})
		if s.tap != nil {
			s.tap(delta)
		}
	})

	complete := StreamEvent{
		Type:        eventStreamComplete,
		StreamID:    s.id,
		Kind:        s.kind,
		DocumentID:  s.documentID,
		RequestedBy: s.requestedBy,
	}

	switch {
	case s.wasCancelled():
		complete.Cancelled = true
		c.log.Info("stream cancelled", "stream_id", s.id, "kind", s.kind)
	case err != nil:
		complete.Error = "generation failed"
		c.log.Error("stream failed", "stream_id", s.id, "kind", s.kind, "error", err)
	default:
		extras, perr := persist(full)
		if perr != nil {
			complete.Error = "persist failed"
			c.log.Error("stream persist failed", "stream_id", s.id, "kind", s.kind, "error", perr)
			break
		}
		complete.Content = full
		complete.SuggestionID = extras.SuggestionID
		complete.MessageID = extras.MessageID
	}

	c.deliver(s, complete)
}

// deliver routes an event to the room, or to the requester alone for
// private streams.
func (c *Coordinator) deliver(s *stream, ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("marshal stream event", "error", err)
		return
	}
	if s.visibility == VisibilityPrivate {
		c.rooms.SendToUser(s.documentID, s.requestedBy, data)
		return
	}
	c.rooms.Broadcast(s.documentID, data, nil)
}

func (c *Coordinator) threadAnchor(documentID, threadID string) string {
	threads, err := c.db.GetSideChatThreads(documentID)
	if err != nil {
		c.log.Warn("load thread anchor failed", "thread_id", threadID, "error", err)
		return ""
	}
	for _, t := range threads {
		if t.ID == threadID {
			return t.AnchorText
		}
	}
	return ""
}

func sliceRange(text string, anchor, head int) (string, error) {
	if anchor < 0 || head < anchor {
		return "", errors.New("ai: invalid target range")
	}
	runes := []rune(text)
	if head > len(runes) {
		return "", errors.New("ai: target range exceeds document length")
	}
	return string(runes[anchor:head]), nil
}
