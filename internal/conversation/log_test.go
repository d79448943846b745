package conversation_test

import (
	"errors"
	"testing"

	"github.com/Snehasis4321/language-learning-backend/internal/conversation"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
)

func TestLog_Lifecycle(t *testing.T) {
	t.Parallel()

	log := conversation.NewLog()
	if got := log.State(); got != conversation.Idle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	if err := log.Seed("system prompt"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if got := log.State(); got != conversation.Seeded {
		t.Fatalf("state after Seed = %s, want seeded", got)
	}

	if err := log.BeginTurn("Hello"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	if got := log.State(); got != conversation.AwaitingCompletion {
		t.Fatalf("state after BeginTurn = %s, want awaiting_completion", got)
	}

	if err := log.CompleteTurn("Hi! What would you like to practice?"); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	if got := log.State(); got != conversation.Seeded {
		t.Fatalf("state after CompleteTurn = %s, want seeded", got)
	}

	msgs := log.Messages()
	if len(msgs) != 3 {
		t.Fatalf("log length = %d, want 3", len(msgs))
	}
	wantRoles := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	if msgs[0].Content != "system prompt" {
		t.Errorf("system message content changed: %q", msgs[0].Content)
	}
}

func TestLog_SeedOnlyOnce(t *testing.T) {
	t.Parallel()

	log := conversation.NewLog()
	if err := log.Seed("first"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := log.Seed("second"); err == nil {
		t.Error("second Seed should fail")
	}
	if n := log.Len(); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
}

func TestLog_BeginTurnRequiresSeeded(t *testing.T) {
	t.Parallel()

	log := conversation.NewLog()
	if err := log.BeginTurn("Hello"); err == nil {
		t.Error("BeginTurn on idle log should fail")
	}

	log.Seed("sys")
	log.BeginTurn("one")
	// A second utterance while a completion is in flight must be rejected,
	// not interleaved.
	if err := log.BeginTurn("two"); err == nil {
		t.Error("BeginTurn while awaiting completion should fail")
	}
}

func TestLog_EmptyUtteranceIgnored(t *testing.T) {
	t.Parallel()

	log := conversation.NewLog()
	log.Seed("sys")

	err := log.BeginTurn("")
	if !errors.Is(err, conversation.ErrEmptyUtterance) {
		t.Fatalf("BeginTurn(\"\") = %v, want ErrEmptyUtterance", err)
	}
	if got := log.State(); got != conversation.Seeded {
		t.Errorf("state after empty utterance = %s, want seeded", got)
	}
	if n := log.Len(); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
}

func TestLog_CloseDiscardsAndRejects(t *testing.T) {
	t.Parallel()

	log := conversation.NewLog()
	log.Seed("sys")
	log.BeginTurn("Hello")

	// Session ends mid-completion; the in-flight result is discarded.
	log.Close()

	if err := log.CompleteTurn("late reply"); !errors.Is(err, conversation.ErrClosed) {
		t.Errorf("CompleteTurn after Close = %v, want ErrClosed", err)
	}
	if err := log.Seed("again"); !errors.Is(err, conversation.ErrClosed) {
		t.Errorf("Seed after Close = %v, want ErrClosed", err)
	}
	if err := log.BeginTurn("more"); !errors.Is(err, conversation.ErrClosed) {
		t.Errorf("BeginTurn after Close = %v, want ErrClosed", err)
	}
	if n := log.Len(); n != 0 {
		t.Errorf("log length after Close = %d, want 0", n)
	}

	// Idempotent.
	log.Close()
}

func TestLog_MessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	log := conversation.NewLog()
	log.Seed("sys")
	snap := log.Messages()
	snap[0].Content = "tampered"

	if got := log.Messages()[0].Content; got != "sys" {
		t.Errorf("log mutated through snapshot: %q", got)
	}
}
