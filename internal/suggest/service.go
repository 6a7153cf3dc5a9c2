// Package suggest resolves pending rewrite suggestions against the live
// document.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/coscribe/backend/internal/logger"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/session"
	"github.com/coscribe/backend/internal/store"
)

// ErrTargetMissing is returned when an accepted suggestion's target text is
// no longer present in the document.
var ErrTargetMissing = errors.New("suggest: target text no longer present")

// ResolvedEvent announces the outcome of a suggestion to the room.
type ResolvedEvent struct {
	Type         string `json:"type"`
	SuggestionID string `json:"suggestion_id"`
	DocumentID   string `json:"document_id"`
	Status       string `json:"status"`
	ResolvedBy   string `json:"resolved_by"`
}

// UpdateEvent carries the document edits produced by an accepted suggestion.
type UpdateEvent struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Update     []byte `json:"update"`
}

// Service applies suggestion resolutions. Resolution is first-writer-wins:
// the status row is claimed in storage before any document edit happens, so
// two concurrent resolvers can never both apply.
type Service struct {
	log      *logger.Logger
	db       *store.Store
	sessions *session.Store
	rooms    *room.Registry
}

func New(db *store.Store, sessions *session.Store, rooms *room.Registry, log *logger.Logger) *Service {
	return &Service{
		log:      log.With("component", "suggest"),
		db:       db,
		sessions: sessions,
		rooms:    rooms,
	}
}

// Accept applies a pending suggestion to the document and broadcasts the
// resulting edits.
func (s *Service) Accept(ctx context.Context, suggestionID, resolvedBy string) (*store.Suggestion, error) {
	return s.resolve(ctx, suggestionID, store.SuggestionAccepted, resolvedBy)
}

// Reject marks a pending suggestion rejected without touching the document.
func (s *Service) Reject(ctx context.Context, suggestionID, resolvedBy string) (*store.Suggestion, error) {
	return s.resolve(ctx, suggestionID, store.SuggestionRejected, resolvedBy)
}

func (s *Service) resolve(ctx context.Context, suggestionID, status, resolvedBy string) (*store.Suggestion, error) {
	sg, err := s.db.GetSuggestion(suggestionID)
	if err != nil {
		return nil, err
	}

	// For accepts, locate the target before claiming the row, so a stale
	// suggestion stays pending and resolvable once the text is restored.
	var anchor, head int
	var sess *session.Session
	if status == store.SuggestionAccepted {
		sess, err = s.sessions.GetOrCreate(ctx, sg.DocumentID)
		if err != nil {
			return nil, err
		}
		anchor, head, err = locateTarget(sess.Text(), sg)
		if err != nil {
			return nil, err
		}
	}

	resolvedAt := time.Now().UTC()
	if err := s.db.ResolveSuggestion(suggestionID, status, resolvedBy, resolvedAt); err != nil {
		return nil, err
	}
	sg.Status = status
	sg.ResolvedBy = resolvedBy
	sg.ResolvedAt = resolvedAt

	if status == store.SuggestionAccepted {
		updates, err := sess.ReplaceRange(anchor, head, sg.Suggestion)
		if err != nil {
			// The row is already claimed; surface the failure but keep the
			// resolution so it cannot be re-applied against unknown state.
			s.log.Error("apply accepted suggestion failed", "suggestion_id", suggestionID, "error", err)
			return nil, err
		}
		for _, u := range updates {
			s.broadcast(sg.DocumentID, UpdateEvent{
				Type:       "update",
				DocumentID: sg.DocumentID,
				UserID:     "server",
				Update:     u,
			})
		}
	}

	s.broadcast(sg.DocumentID, ResolvedEvent{
		Type:         "suggestion_resolved",
		SuggestionID: sg.ID,
		DocumentID:   sg.DocumentID,
		Status:       status,
		ResolvedBy:   resolvedBy,
	})
	s.recordActivity(sg, resolvedBy)
	return sg, nil
}

// locateTarget finds where the suggestion's captured text currently sits.
// The stored range is tried first; if concurrent edits moved the passage,
// the first occurrence of the captured text is used instead.
func locateTarget(text string, sg *store.Suggestion) (anchor, head int, err error) {
	runes := []rune(text)
	if sg.AnchorPos >= 0 && sg.HeadPos <= len(runes) && sg.AnchorPos <= sg.HeadPos {
		if string(runes[sg.AnchorPos:sg.HeadPos]) == sg.TargetText {
			return sg.AnchorPos, sg.HeadPos, nil
		}
	}
	if sg.TargetText == "" {
		return 0, 0, ErrTargetMissing
	}
	byteIdx := strings.Index(text, sg.TargetText)
	if byteIdx < 0 {
		return 0, 0, ErrTargetMissing
	}
	anchor = len([]rune(text[:byteIdx]))
	head = anchor + len([]rune(sg.TargetText))
	return anchor, head, nil
}

func (s *Service) broadcast(documentID string, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal suggestion event", "error", err)
		return
	}
	s.rooms.Broadcast(documentID, data, nil)
}

func (s *Service) recordActivity(sg *store.Suggestion, resolvedBy string) {
	err := s.db.SaveActivity(store.ActivityEntry{
		ID:           sg.ID + "-" + sg.Status,
		DocumentID:   sg.DocumentID,
		UserID:       resolvedBy,
		Timestamp:    time.Now().UTC(),
		ActivityType: "suggestion_" + sg.Status,
		Metadata:     map[string]any{"suggestion_id": sg.ID},
	})
	if err != nil {
		s.log.Warn("record resolution activity failed", "suggestion_id", sg.ID, "error", err)
	}
}
