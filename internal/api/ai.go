package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/coscribe/backend/internal/ai"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/store"
	"github.com/coscribe/backend/internal/suggest"
)

type suggestRequest struct {
	DocumentID  string `json:"document_id"`
	UserID      string `json:"user_id"`
	Instruction string `json:"instruction"`
	Anchor      int    `json:"anchor"`
	Head        int    `json:"head"`
	Visibility  string `json:"visibility,omitempty"`
}

type chatRequest struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	Visibility string `json:"visibility,omitempty"`
}

type resolveRequest struct {
	SuggestionID string `json:"suggestion_id"`
	UserID       string `json:"user_id"`
}

func (a *API) handleAISuggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sg, err := a.coord.SuggestOnce(r.Context(), ai.SuggestionRequest{
		DocumentID:  req.DocumentID,
		UserID:      req.UserID,
		Instruction: req.Instruction,
		Anchor:      req.Anchor,
		Head:        req.Head,
	})
	if err != nil {
		a.aiError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, sg)
}

// handleAISuggestStream streams the generated suggestion as chunked plain
// text while the room receives the usual stream events. Closing the request
// cancels the stream.
func (a *API) handleAISuggestStream(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := a.coord.StreamSuggestion(r.Context(), ai.SuggestionRequest{
		DocumentID:  req.DocumentID,
		UserID:      req.UserID,
		Instruction: req.Instruction,
		Anchor:      req.Anchor,
		Head:        req.Head,
		Visibility:  req.Visibility,
	}, chunkWriter(w))
	if err != nil {
		// Validation fails before any chunk is written, so the error
		// body replaces the stream.
		a.aiError(w, err)
	}
}

// chunkWriter flushes each fragment to the client as it arrives.
func chunkWriter(w http.ResponseWriter) func(delta string) {
	flusher, canFlush := w.(http.Flusher)
	return func(delta string) {
		_, _ = io.WriteString(w, delta)
		if canFlush {
			flusher.Flush()
		}
	}
}

func (a *API) handleAIChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	human, ok := a.persistHumanMessage(w, req)
	if !ok {
		return
	}
	reply, err := a.coord.ChatOnce(r.Context(), ai.ChatRequest{
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		MessageID:  human.ID,
		Message:    req.Message,
	})
	if err != nil {
		a.aiError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]any{"message": human, "reply": reply})
}

// handleAIChatStream persists the triggering message, then streams the
// assistant's answer as chunked plain text. The persisted message id rides
// in a response header since the body is the reply itself.
func (a *API) handleAIChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	human, ok := a.persistHumanMessage(w, req)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Message-Id", human.ID)
	_, err := a.coord.StreamChat(r.Context(), ai.ChatRequest{
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		MessageID:  human.ID,
		Message:    req.Message,
		Visibility: req.Visibility,
	}, chunkWriter(w))
	if err != nil {
		a.aiError(w, err)
	}
}

func (a *API) handleAICancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.coord.Cancel(id); err != nil {
		if errors.Is(err, ai.ErrStreamNotFound) {
			errorResponse(w, http.StatusNotFound, "stream not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "failed to cancel stream")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"stream_id": id, "cancelled": true})
}

func (a *API) handleDiffAccept(w http.ResponseWriter, r *http.Request) {
	a.handleResolve(w, r, store.SuggestionAccepted)
}

func (a *API) handleDiffReject(w http.ResponseWriter, r *http.Request) {
	a.handleResolve(w, r, store.SuggestionRejected)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request, status string) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SuggestionID == "" || req.UserID == "" {
		errorResponse(w, http.StatusBadRequest, "suggestion_id and user_id are required")
		return
	}

	var (
		sg  *store.Suggestion
		err error
	)
	if status == store.SuggestionAccepted {
		sg, err = a.suggest.Accept(r.Context(), req.SuggestionID, req.UserID)
	} else {
		sg, err = a.suggest.Reject(r.Context(), req.SuggestionID, req.UserID)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			errorResponse(w, http.StatusNotFound, "suggestion not found")
		case errors.Is(err, store.ErrAlreadyResolved):
			errorResponse(w, http.StatusConflict, "suggestion already resolved")
		case errors.Is(err, suggest.ErrTargetMissing):
			errorResponse(w, http.StatusConflict, "target text no longer present")
		default:
			a.log.Error("resolve suggestion failed", "suggestion_id", req.SuggestionID, "error", err)
			errorResponse(w, http.StatusInternalServerError, "failed to resolve suggestion")
		}
		return
	}
	jsonResponse(w, http.StatusOK, sg)
}

func (a *API) persistHumanMessage(w http.ResponseWriter, req chatRequest) (*store.ChatMessage, bool) {
	if req.DocumentID == "" || req.UserID == "" || req.Message == "" {
		errorResponse(w, http.StatusBadRequest, "document_id, user_id and message are required")
		return nil, false
	}
	m := store.ChatMessage{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Timestamp:  time.Now().UTC(),
		Message:    req.Message,
	}
	if err := a.db.SaveChatMessage(m); err != nil {
		a.log.Error("persist chat message failed", "document_id", req.DocumentID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to save message")
		return nil, false
	}
	if sess := a.sessions.Get(req.DocumentID); sess != nil {
		sess.AppendMessage(m, req.UserID)
	}
	return &m, true
}

func (a *API) aiError(w http.ResponseWriter, err error) {
	if errors.Is(err, room.ErrMissingField) {
		errorResponse(w, http.StatusBadRequest, "missing required field")
		return
	}
	a.log.Error("assistant request failed", "error", err)
	errorResponse(w, http.StatusBadGateway, "assistant unavailable")
}
