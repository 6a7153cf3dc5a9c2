// Package api exposes the REST surface: rooms, document history, side-chat
// threads, activity, and assistant endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/coscribe/backend/internal/ai"
	"github.com/coscribe/backend/internal/crdt"
	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
	"github.com/coscribe/backend/internal/suggest"
)

type API struct {
	log      *logger.Logger
	db       *store.Store
	sessions *session.Store
	rooms    *room.Registry
	coord    *ai.Coordinator
	suggest  *suggest.Service
}

func New(db *store.Store, sessions *session.Store, rooms *room.Registry, coord *ai.Coordinator, sg *suggest.Service, log *logger.Logger) *API {
	return &API{
		log:      log.With("component", "api"),
		db:       db,
		sessions: sessions,
		rooms:    rooms,
		coord:    coord,
		suggest:  sg,
	}
}

// Routes registers every REST endpoint on the router.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/api/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/api/rooms", a.handleListRooms).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{id}", a.handleGetRoom).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.handleRenameRoom).Methods(http.MethodPut)
	r.HandleFunc("/api/rooms/{id}/participants", a.handleParticipants).Methods(http.MethodGet)

	r.HandleFunc("/api/documents/{id}", a.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/chat", a.handleGetChat).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/suggestions", a.handleGetSuggestions).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/activity", a.handleGetActivity).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/threads", a.handleGetThreads).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/threads", a.handleCreateThread).Methods(http.MethodPost)

	r.HandleFunc("/api/threads/{id}/messages", a.handleGetThreadMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{id}/messages", a.handlePostThreadMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/threads/{id}/resolve", a.handleResolveThread).Methods(http.MethodPost)

	r.HandleFunc("/api/ai/suggest", a.handleAISuggest).Methods(http.MethodPost)
	r.HandleFunc("/api/ai/suggest/stream", a.handleAISuggestStream).Methods(http.MethodPost)
	r.HandleFunc("/api/ai/chat", a.handleAIChat).Methods(http.MethodPost)
	r.HandleFunc("/api/ai/chat/stream", a.handleAIChatStream).Methods(http.MethodPost)
	r.HandleFunc("/api/ai/streams/{id}/cancel", a.handleAICancel).Methods(http.MethodPost)

	r.HandleFunc("/api/diff/accept", a.handleDiffAccept).Methods(http.MethodPost)
	r.HandleFunc("/api/diff/reject", a.handleDiffReject).Methods(http.MethodPost)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.rooms.Stats()
	stats["live_documents"] = a.sessions.Count()
	stats["active_ai_streams"] = a.coord.ActiveStreams()
	stats["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	if dbStats, err := a.db.GetStats(); err == nil {
		for k, v := range dbStats {
			stats[k] = v
		}
	}
	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type createRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a *API) handleListRooms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rooms, err := a.db.ListRooms(limit, offset)
	if err != nil {
		a.log.Error("list rooms failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"rooms": rooms, "count": len(rooms)})
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if err := a.db.CreateRoom(req.ID, req.Name); err != nil {
		a.log.Error("create room failed", "room_id", req.ID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	rm, err := a.db.GetRoom(req.ID)
	if err != nil || rm == nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load room")
		return
	}
	jsonResponse(w, http.StatusCreated, rm)
}

func (a *API) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rm, err := a.db.GetRoom(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load room")
		return
	}
	if rm == nil {
		errorResponse(w, http.StatusNotFound, "room not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"id":           rm.ID,
		"name":         rm.Name,
		"created_at":   rm.CreatedAt,
		"updated_at":   rm.UpdatedAt,
		"participants": a.rooms.Participants(id),
	})
}

func (a *API) handleRenameRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := a.db.RenameRoom(id, req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "room not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "failed to rename room")
		return
	}
	rm, _ := a.db.GetRoom(id)
	jsonResponse(w, http.StatusOK, rm)
}

func (a *API) handleParticipants(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	jsonResponse(w, http.StatusOK, map[string]any{
		"room_id":      id,
		"participants": a.rooms.Participants(id),
	})
}

// Document handlers

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Prefer the live replica; fall back to the persisted snapshot.
	if sess := a.sessions.Get(id); sess != nil {
		jsonResponse(w, http.StatusOK, map[string]any{
			"document_id": id,
			"content":     sess.Text(),
			"live":        true,
		})
		return
	}

	// Cold read: render from the snapshot without installing a session,
	// since nothing would ever evict a session with no participants.
	state, err := a.db.GetDocumentState(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	if state == nil {
		errorResponse(w, http.StatusNotFound, "document not found")
		return
	}
	doc := crdt.NewDoc("reader")
	if err := doc.ApplyUpdate(state.UpdateData); err != nil {
		a.log.Error("decode snapshot failed", "document_id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"document_id": id,
		"content":     doc.Text(),
		"live":        false,
	})
}

func (a *API) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := a.db.GetChatMessages(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"document_id": id, "messages": msgs})
}

func (a *API) handleGetSuggestions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.SuggestionPending, store.SuggestionAccepted, store.SuggestionRejected:
	default:
		errorResponse(w, http.StatusBadRequest, "invalid status filter")
		return
	}
	suggestions, err := a.db.GetSuggestions(id, status)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load suggestions")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"document_id": id, "suggestions": suggestions})
}

func (a *API) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.db.GetActivityLog(id, limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load activity")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"document_id": id, "activity": entries})
}

// Side-chat thread handlers

type createThreadRequest struct {
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
	AnchorPosition int    `json:"anchor_position"`
	AnchorText     string `json:"anchor_text"`
}

func (a *API) handleGetThreads(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	threads, err := a.db.GetSideChatThreads(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load threads")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"document_id": id, "threads": threads})
}

func (a *API) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]
	var req createThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Title == "" {
		errorResponse(w, http.StatusBadRequest, "user_id and title are required")
		return
	}

	th := store.SideChatThread{
		ID:             uuid.NewString(),
		DocumentID:     docID,
		CreatedBy:      req.UserID,
		Timestamp:      time.Now().UTC(),
		Title:          req.Title,
		AnchorPosition: req.AnchorPosition,
		AnchorText:     req.AnchorText,
	}
	if err := a.db.SaveSideChatThread(th); err != nil {
		a.log.Error("create thread failed", "document_id", docID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	jsonResponse(w, http.StatusCreated, th)
}

type postThreadMessageRequest struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	AskAI      bool   `json:"ask_ai,omitempty"`
}

func (a *API) handleGetThreadMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := a.db.GetSideChatMessages(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load thread messages")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"thread_id": id, "messages": msgs})
}

func (a *API) handlePostThreadMessage(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	var req postThreadMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DocumentID == "" || req.UserID == "" || req.Message == "" {
		errorResponse(w, http.StatusBadRequest, "document_id, user_id and message are required")
		return
	}

	m := store.SideChatMessage{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Timestamp:  time.Now().UTC(),
		Message:    req.Message,
	}
	if err := a.db.SaveSideChatMessage(m); err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	resp := map[string]any{"message": m}
	if req.AskAI {
		streamID, err := a.coord.StartThreadReply(r.Context(), ai.ThreadReplyRequest{
			DocumentID: req.DocumentID,
			ThreadID:   threadID,
			UserID:     req.UserID,
			Message:    req.Message,
		})
		if err != nil {
			a.log.Error("start thread reply failed", "thread_id", threadID, "error", err)
		} else {
			resp["stream_id"] = streamID
		}
	}
	jsonResponse(w, http.StatusCreated, resp)
}

func (a *API) handleResolveThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.db.ResolveSideChatThread(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "thread not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "failed to resolve thread")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"thread_id": id, "resolved": true})
}
