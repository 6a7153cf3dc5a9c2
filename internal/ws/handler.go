// Package ws exposes the collaborative editing protocol over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coscribe/backend/internal/ai"
	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/ratelimit"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
	"github.com/coscribe/backend/internal/suggest"
)

// Server upgrades websocket connections and routes protocol events to the
// owning components.
type Server struct {
	log      *logger.Logger
	rooms    *room.Registry
	sessions *session.Store
	coord    *ai.Coordinator
	suggest  *suggest.Service
	db       *store.Store

	// When set, a requester disconnecting cancels their running AI streams.
	cancelOnDisconnect bool

	upgrader websocket.Upgrader
}

func NewServer(rooms *room.Registry, sessions *session.Store, coord *ai.Coordinator, sg *suggest.Service, db *store.Store, cancelOnDisconnect bool, log *logger.Logger) *Server {
	return &Server{
		log:                log.With("component", "ws"),
		rooms:              rooms,
		sessions:           sessions,
		coord:              coord,
		suggest:            sg,
		db:                 db,
		cancelOnDisconnect: cancelOnDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS upgrades the connection and starts its pumps. The user identity
// may arrive as a query parameter or later on the join event.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		limiter:  ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		clientID: fmt.Sprintf("%s-%d", conn.RemoteAddr().String(), time.Now().UnixNano()),
		userID:   r.URL.Query().Get("user_id"),
	}

	go c.writePump()
	go c.readPump()
}

func (s *Server) disconnect(c *Client) {
	if s.cancelOnDisconnect {
		if n := s.coord.CancelUserStreams(c.UserID()); n > 0 {
			s.log.Info("cancelled streams on disconnect", "user_id", c.UserID(), "count", n)
		}
	}
	s.rooms.Leave(c)
	c.close()
}

func (s *Server) dispatch(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(c, "", "malformed event")
		return
	}

	s.rooms.Touch(c)

	switch env.Type {
	case EventJoin:
		s.handleJoin(c, env)
	case EventLeave:
		s.rooms.Leave(c)
	case EventUpdate:
		s.handleUpdate(c, env)
	case EventSyncRequest:
		s.handleSyncRequest(c, env)
	case EventAwareness:
		s.handleAwareness(c, env)
	case EventChat:
		s.handleChat(c, env)
	case EventAISuggest:
		s.handleAISuggest(c, env)
	case EventAICancel:
		if err := s.coord.Cancel(env.StreamID); err != nil {
			s.sendError(c, env.Type, "stream not found")
		}
	case EventResolveSuggestion:
		s.handleResolveSuggestion(c, env)
	default:
		s.sendError(c, env.Type, "unknown event type")
	}
}

func (s *Server) handleJoin(c *Client, env Envelope) {
	if env.UserID != "" {
		c.setUserID(env.UserID)
	}

	sess, err := s.rooms.JoinAs(context.Background(), c, env.RoomID, env.Name, env.Color)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrMissingField):
			s.sendError(c, env.Type, "room_id and user_id are required")
		case errors.Is(err, room.ErrInvalidName):
			s.sendError(c, env.Type, "invalid display name")
		default:
			s.log.Error("join failed", "room_id", env.RoomID, "error", err)
			s.sendError(c, env.Type, "join failed")
		}
		return
	}

	// Seed the joiner with the full document state.
	full, err := sess.Diff(nil)
	if err != nil {
		s.log.Error("encode initial state failed", "room_id", env.RoomID, "error", err)
		return
	}
	sv, _, err := sess.Snapshot()
	if err != nil {
		s.log.Error("encode state vector failed", "room_id", env.RoomID, "error", err)
		return
	}
	s.sendEvent(c, SyncResponseEvent{
		Type:        EventSyncResponse,
		DocumentID:  env.RoomID,
		Update:      full,
		StateVector: sv,
	})
}

func (s *Server) handleUpdate(c *Client, env Envelope) {
	roomID := s.rooms.RoomOf(c)
	if roomID == "" {
		s.sendError(c, env.Type, "not in a room")
		return
	}
	// Lazily recreate the session: a last-leave elsewhere may have evicted
	// it while this member was still registered.
	sess, err := s.sessions.GetOrCreate(context.Background(), roomID)
	if err != nil {
		s.log.Error("load document failed", "room_id", roomID, "error", err)
		s.sendError(c, env.Type, "document unavailable")
		return
	}

	if err := sess.ApplyUpdate(env.Update, session.OriginUser(c.UserID())); err != nil {
		s.log.Warn("rejected update", "room_id", roomID, "user_id", c.UserID(), "error", err)
		s.sendError(c, env.Type, "corrupt update")
		return
	}

	s.broadcastEvent(roomID, UpdateEvent{
		Type:       EventUpdate,
		DocumentID: roomID,
		UserID:     c.UserID(),
		Update:     env.Update,
	}, c)
}

func (s *Server) handleSyncRequest(c *Client, env Envelope) {
	roomID := s.rooms.RoomOf(c)
	if roomID == "" {
		s.sendError(c, env.Type, "not in a room")
		return
	}
	diff, err := s.sessions.SyncDiff(roomID, env.StateVector)
	if err != nil {
		s.log.Warn("sync diff failed", "room_id", roomID, "error", err)
		s.sendError(c, env.Type, "sync failed")
		return
	}
	s.sendEvent(c, SyncResponseEvent{
		Type:       EventSyncResponse,
		DocumentID: roomID,
		Update:     diff,
	})
}

func (s *Server) handleAwareness(c *Client, env Envelope) {
	roomID := s.rooms.RoomOf(c)
	if roomID == "" {
		return
	}
	s.broadcastEvent(roomID, AwarenessEvent{
		Type:       EventAwareness,
		DocumentID: roomID,
		UserID:     c.UserID(),
		Awareness:  env.Awareness,
	}, c)
}

func (s *Server) handleChat(c *Client, env Envelope) {
	roomID := s.rooms.RoomOf(c)
	if roomID == "" {
		s.sendError(c, env.Type, "not in a room")
		return
	}
	if env.Message == "" {
		s.sendError(c, env.Type, "message is required")
		return
	}

	m := store.ChatMessage{
		ID:         uuid.NewString(),
		DocumentID: roomID,
		UserID:     c.UserID(),
		Timestamp:  time.Now().UTC(),
		Message:    env.Message,
	}
	if err := s.db.SaveChatMessage(m); err != nil {
		s.log.Error("persist chat message failed", "room_id", roomID, "error", err)
		s.sendError(c, env.Type, "chat failed")
		return
	}
	if sess := s.sessions.Get(roomID); sess != nil {
		sess.AppendMessage(m, c.UserID())
	}

	s.broadcastEvent(roomID, ChatEvent{Type: EventChat, ChatMessage: m}, nil)

	if env.AskAI {
		_, err := s.coord.StartChat(context.Background(), ai.ChatRequest{
			DocumentID: roomID,
			UserID:     c.UserID(),
			MessageID:  m.ID,
			Message:    env.Message,
			Visibility: env.Visibility,
		})
		if err != nil {
			s.log.Error("start chat stream failed", "room_id", roomID, "error", err)
			s.sendError(c, env.Type, "assistant unavailable")
		}
	}
}

func (s *Server) handleAISuggest(c *Client, env Envelope) {
	roomID := s.rooms.RoomOf(c)
	if roomID == "" {
		s.sendError(c, env.Type, "not in a room")
		return
	}
	_, err := s.coord.StartSuggestion(context.Background(), ai.SuggestionRequest{
		DocumentID:  roomID,
		UserID:      c.UserID(),
		Instruction: env.Instruction,
		Anchor:      env.Anchor,
		Head:        env.Head,
		Visibility:  env.Visibility,
	})
	if err != nil {
		if errors.Is(err, room.ErrMissingField) {
			s.sendError(c, env.Type, "instruction is required")
			return
		}
		s.log.Warn("start suggestion failed", "room_id", roomID, "error", err)
		s.sendError(c, env.Type, "suggestion failed")
	}
}

func (s *Server) handleResolveSuggestion(c *Client, env Envelope) {
	var err error
	switch env.Resolution {
	case store.SuggestionAccepted:
		_, err = s.suggest.Accept(context.Background(), env.SuggestionID, c.UserID())
	case store.SuggestionRejected:
		_, err = s.suggest.Reject(context.Background(), env.SuggestionID, c.UserID())
	default:
		s.sendError(c, env.Type, "resolution must be accepted or rejected")
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.sendError(c, env.Type, "suggestion not found")
		case errors.Is(err, store.ErrAlreadyResolved):
			s.sendError(c, env.Type, "suggestion already resolved")
		case errors.Is(err, suggest.ErrTargetMissing):
			s.sendError(c, env.Type, "target text no longer present")
		default:
			s.log.Error("resolve suggestion failed", "suggestion_id", env.SuggestionID, "error", err)
			s.sendError(c, env.Type, "resolution failed")
		}
	}
}

func (s *Server) sendEvent(c *Client, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal event failed", "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		s.rooms.Leave(c)
	}
}

func (s *Server) broadcastEvent(roomID string, ev any, sender room.Conn) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal event failed", "error", err)
		return
	}
	s.rooms.Broadcast(roomID, data, sender)
}

func (s *Server) sendError(c *Client, event, message string) {
	s.sendEvent(c, ErrorEvent{Type: EventError, Event: event, Message: message})
}
