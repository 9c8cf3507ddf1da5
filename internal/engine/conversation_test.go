package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/PragmaticMachineLearning/probly/internal/errinfo"
	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

func TestResolveTurnRejectedDropsProposedEdits(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, errInfo := engine.ChatAnalyze(context.Background(), analyzeParams("s1", "[set-cells] total"))
	if errInfo != nil {
		t.Fatalf("unexpected error: %+v", errInfo)
	}
	turnID := asFrame(t, result).TurnID

	params := fmt.Sprintf(`{"session_id":"s1","turn_id":%q,"status":"rejected"}`, turnID)
	if _, errInfo := engine.ChatResolveTurn(context.Background(), json.RawMessage(params)); errInfo != nil {
		t.Fatalf("ChatResolveTurn: %+v", errInfo)
	}
	turn := engine.conversations.Get("s1", turnID)
	if turn.Status != TurnRejected {
		t.Fatalf("status = %q", turn.Status)
	}
	if turn.Updates != nil || turn.Chart != nil {
		t.Fatal("rejected turn kept its proposed edits")
	}
}

func TestResolveTurnAcceptedKeepsEdits(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, _ := engine.ChatAnalyze(context.Background(), analyzeParams("s1", "[set-cells] total"))
	turnID := asFrame(t, result).TurnID

	params := fmt.Sprintf(`{"session_id":"s1","turn_id":%q,"status":"accepted"}`, turnID)
	if _, errInfo := engine.ChatResolveTurn(context.Background(), json.RawMessage(params)); errInfo != nil {
		t.Fatalf("ChatResolveTurn: %+v", errInfo)
	}
	turn := engine.conversations.Get("s1", turnID)
	if turn.Status != TurnAccepted || len(turn.Updates) != 1 {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestResolveTurnRejectsOtherStatuses(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, errInfo := engine.ChatResolveTurn(context.Background(), json.RawMessage(`{"session_id":"s1","turn_id":"x","status":"pending"}`))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", errInfo)
	}
}

func TestClearTurnRemovesIt(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, _ := engine.ChatSelectData(context.Background(), selectParams("s1", "summarize"))
	turnID := asFrame(t, result).TurnID

	params := fmt.Sprintf(`{"session_id":"s1","turn_id":%q}`, turnID)
	cleared, errInfo := engine.ChatClearTurn(context.Background(), json.RawMessage(params))
	if errInfo != nil {
		t.Fatalf("ChatClearTurn: %+v", errInfo)
	}
	if cleared.(map[string]any)["cleared"] != true {
		t.Fatal("turn was not cleared")
	}
	if engine.conversations.Get("s1", turnID) != nil {
		t.Fatal("turn still present after clear")
	}
}

func TestGetConversationListsTurns(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.ChatSelectData(context.Background(), selectParams("s1", "first question"))
	engine.ChatAnalyze(context.Background(), analyzeParams("s1", "second question"))

	result, errInfo := engine.ChatGetConversation(context.Background(), json.RawMessage(`{"session_id":"s1"}`))
	if errInfo != nil {
		t.Fatalf("ChatGetConversation: %+v", errInfo)
	}
	turns := result.(map[string]any)["turns"].([]*DialogueTurn)
	if len(turns) != 2 {
		t.Fatalf("got %d turns", len(turns))
	}
	if turns[0].UserText != "first question" || turns[1].UserText != "second question" {
		t.Fatalf("turns out of order: %+v", turns)
	}
}

func TestHistoryWindowTruncates(t *testing.T) {
	store := newConversationStore()
	for i := 0; i < 12; i++ {
		store.Append("s1", &DialogueTurn{
			ID:       fmt.Sprintf("t%d", i),
			UserText: fmt.Sprintf("question %d", i),
			Response: fmt.Sprintf("answer %d", i),
		})
	}
	messages := store.History("s1", 10)
	if messages[0].Role != "system" || messages[0].Content != truncationNote {
		t.Fatalf("missing truncation note, first = %+v", messages[0])
	}
	if len(messages) != 1+10*2 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[1].Content != "question 2" {
		t.Fatalf("window starts at %q", messages[1].Content)
	}
}

func TestHistoryWithinWindowHasNoNote(t *testing.T) {
	store := newConversationStore()
	store.Append("s1", &DialogueTurn{ID: "t0", UserText: "q", Response: "a"})
	messages := store.History("s1", 10)
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	for _, m := range messages {
		if m.Content == truncationNote {
			t.Fatal("unexpected truncation note")
		}
	}
}

func TestResolveUnknownTurn(t *testing.T) {
	store := newConversationStore()
	if store.Resolve("s1", "missing", TurnAccepted) != nil {
		t.Fatal("resolved a turn that does not exist")
	}
}

func TestRejectedSelectionKeepsDescriptor(t *testing.T) {
	store := newConversationStore()
	store.Append("s1", &DialogueTurn{
		ID:        "t1",
		Status:    TurnPending,
		Updates:   []grid.CellEdit{{Target: "A1", Formula: "1"}},
		Selection: &DataSelectionDescriptor{Kind: SelectionRange, Range: "A1:B2"},
	})
	turn := store.Resolve("s1", "t1", TurnRejected)
	if turn.Updates != nil {
		t.Fatal("rejected turn kept updates")
	}
	if turn.Selection == nil {
		t.Fatal("rejection must not erase the selection record")
	}
}
