package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PragmaticMachineLearning/probly/internal/errinfo"
	"github.com/PragmaticMachineLearning/probly/internal/grid"
	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnAccepted  TurnStatus = "accepted"
	TurnRejected  TurnStatus = "rejected"
	TurnCompleted TurnStatus = "completed"
	TurnNone      TurnStatus = "none"
)

// DialogueTurn is one user message and its evolving answer. Terminal once
// accepted, rejected, or cleared.
type DialogueTurn struct {
	ID          string                   `json:"id"`
	UserText    string                   `json:"user_text"`
	Response    string                   `json:"response"`
	Status      TurnStatus               `json:"status"`
	Updates     []grid.CellEdit          `json:"updates,omitempty"`
	Chart       *ChartSpec               `json:"chart,omitempty"`
	Trace       *AnalysisTrace           `json:"trace,omitempty"`
	Selection   *DataSelectionDescriptor `json:"selection,omitempty"`
	HasDocument bool                     `json:"has_document,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

const truncationNote = "[earlier conversation truncated]"

type conversationStore struct {
	mu    sync.Mutex
	turns map[string][]*DialogueTurn
}

func newConversationStore() *conversationStore {
	return &conversationStore{turns: make(map[string][]*DialogueTurn)}
}

func (s *conversationStore) Append(sessionID string, turn *DialogueTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turn)
}

func (s *conversationStore) Get(sessionID, turnID string) *DialogueTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, turn := range s.turns[sessionID] {
		if turn.ID == turnID {
			return turn
		}
	}
	return nil
}

func (s *conversationStore) List(sessionID string) []*DialogueTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	out := make([]*DialogueTurn, len(turns))
	copy(out, turns)
	return out
}

func (s *conversationStore) Resolve(sessionID, turnID string, status TurnStatus) *DialogueTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, turn := range s.turns[sessionID] {
		if turn.ID != turnID {
			continue
		}
		turn.Status = status
		if status == TurnRejected {
			// Rejected proposals drop their pending edits.
			turn.Updates = nil
			turn.Chart = nil
		}
		return turn
	}
	return nil
}

func (s *conversationStore) Clear(sessionID, turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	for i, turn := range turns {
		if turn.ID == turnID {
			s.turns[sessionID] = append(turns[:i], turns[i+1:]...)
			return true
		}
	}
	return false
}

// History renders the trailing window of prior turns as chat messages, with
// an explicit note when older turns were dropped.
func (s *conversationStore) History(sessionID string, window int) []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	var messages []llm.ChatMessage
	if window > 0 && len(turns) > window {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: truncationNote})
		turns = turns[len(turns)-window:]
	}
	for _, turn := range turns {
		messages = append(messages, llm.ChatMessage{Role: "user", Content: turn.UserText})
		if turn.Response != "" {
			messages = append(messages, llm.ChatMessage{Role: "assistant", Content: turn.Response})
		}
	}
	return messages
}

func (e *Engine) ChatGetConversation(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.SessionID == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "invalid params")
	}
	return map[string]any{"turns": e.conversations.List(req.SessionID)}, nil
}

func (e *Engine) ChatResolveTurn(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		TurnID    string `json:"turn_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "invalid params")
	}
	status := TurnStatus(req.Status)
	if status != TurnAccepted && status != TurnRejected {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "status must be accepted or rejected")
	}
	turn := e.conversations.Resolve(req.SessionID, req.TurnID, status)
	if turn == nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "unknown turn")
	}
	e.logger.Info("chat.turn_resolved", "session_id", req.SessionID, "turn_id", req.TurnID, "status", req.Status)
	return map[string]any{"turn": turn}, nil
}

func (e *Engine) ChatClearTurn(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		TurnID    string `json:"turn_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "invalid params")
	}
	cleared := e.conversations.Clear(req.SessionID, req.TurnID)
	return map[string]any{"cleared": cleared}, nil
}
