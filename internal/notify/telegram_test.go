package notify

import (
	"strings"
	"testing"

	"github.com/user/finsight/internal/session"
	"github.com/user/finsight/internal/types"
)

func TestComposeMessageResult(t *testing.T) {
	text, err := composeMessage(session.Snapshot{
		Key:    "summary",
		State:  types.StateSucceeded,
		Result: &types.Result{Text: "Your savings grew.", ModelUsed: "model-b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Your savings grew.") {
		t.Errorf("expected the result text, got %q", text)
	}
	if !strings.Contains(text, "(model: model-b)") {
		t.Errorf("expected model attribution, got %q", text)
	}
}

func TestComposeMessageFailure(t *testing.T) {
	msg := session.FailureMessage("Rate limited")
	text, err := composeMessage(session.Snapshot{
		Key:        "summary",
		State:      types.StateFailed,
		ErrMessage: msg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if text != msg {
		t.Errorf("expected %q, got %q", msg, text)
	}
}

func TestComposeMessageNonTerminal(t *testing.T) {
	_, err := composeMessage(session.Snapshot{Key: "summary", State: types.StateStreaming})
	if err == nil {
		t.Error("expected an error for a non-terminal snapshot")
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
	if parts[0]+parts[1] != long {
		t.Error("split must preserve the full text")
	}
}
