package tutor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Snehasis4321/language-learning-backend/internal/conversation"
	"github.com/Snehasis4321/language-learning-backend/internal/tutor"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
)

// fakeCompleter records every Generate call and returns a fixed reply.
// The optional hook runs inside Generate, simulating work mid-completion.
type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	hook  func()
	calls []generateCall
}

type generateCall struct {
	messages    []llm.Message
	temperature float64
	maxTokens   int
}

func (f *fakeCompleter) Generate(_ context.Context, messages []llm.Message, temperature float64, maxTokens int) string {
	cp := make([]llm.Message, len(messages))
	copy(cp, messages)
	f.mu.Lock()
	f.calls = append(f.calls, generateCall{messages: cp, temperature: temperature, maxTokens: maxTokens})
	hook := f.hook
	reply := f.reply
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return reply
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seededLog(t *testing.T) *conversation.Log {
	t.Helper()
	log := conversation.NewLog()
	if err := log.Seed("You are a tutor."); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return log
}

func TestTurnHandler_CompletesTurn(t *testing.T) {
	t.Parallel()

	log := seededLog(t)
	c := &fakeCompleter{reply: "Paris is a lovely choice! What would you like to see there?"}
	h := tutor.NewTurnHandler(log, c)

	reply, err := h.HandleTurn(context.Background(), "I want to visit Paris")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != c.reply {
		t.Errorf("reply = %q", reply)
	}

	// The log advanced system → user → assistant.
	if got := log.Len(); got != 3 {
		t.Errorf("log length = %d, want 3", got)
	}
	if got := log.State(); got != conversation.Seeded {
		t.Errorf("state = %v, want seeded", got)
	}

	// The completer saw the full history at call time: system + user.
	if c.callCount() != 1 {
		t.Fatalf("Generate calls = %d, want 1", c.callCount())
	}
	call := c.calls[0]
	if len(call.messages) != 2 {
		t.Fatalf("messages at call time = %d, want 2", len(call.messages))
	}
	if call.messages[1].Role != llm.RoleUser || call.messages[1].Content != "I want to visit Paris" {
		t.Errorf("user message = %+v", call.messages[1])
	}
	if call.temperature != 0.7 || call.maxTokens != 500 {
		t.Errorf("generation params = (%v, %d), want (0.7, 500)", call.temperature, call.maxTokens)
	}
}

func TestTurnHandler_EmptyUtteranceIgnored(t *testing.T) {
	t.Parallel()

	log := seededLog(t)
	c := &fakeCompleter{reply: "never spoken"}
	h := tutor.NewTurnHandler(log, c)

	reply, err := h.HandleTurn(context.Background(), "")
	if err != nil || reply != "" {
		t.Fatalf("HandleTurn = (%q, %v), want empty/nil", reply, err)
	}
	if c.callCount() != 0 {
		t.Errorf("Generate calls = %d, want 0", c.callCount())
	}
	if log.Len() != 1 {
		t.Errorf("log length = %d, want 1 (unchanged)", log.Len())
	}
}

func TestTurnHandler_SecondUtteranceMidFlightDiscarded(t *testing.T) {
	t.Parallel()

	log := seededLog(t)
	c := &fakeCompleter{reply: "first reply"}
	h := tutor.NewTurnHandler(log, c)

	// While the first completion is in flight, a second utterance arrives.
	var second string
	var secondErr error
	c.hook = func() {
		second, secondErr = h.HandleTurn(context.Background(), "wait, also this")
	}

	reply, err := h.HandleTurn(context.Background(), "first question")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != "first reply" {
		t.Errorf("reply = %q", reply)
	}
	if secondErr != nil || second != "" {
		t.Errorf("mid-flight utterance = (%q, %v), want discarded", second, secondErr)
	}
	// Only the first turn's messages landed.
	if log.Len() != 3 {
		t.Errorf("log length = %d, want 3", log.Len())
	}
}

func TestTurnHandler_ClosedSessionDiscardsUtterance(t *testing.T) {
	t.Parallel()

	log := seededLog(t)
	log.Close()
	c := &fakeCompleter{reply: "never"}
	h := tutor.NewTurnHandler(log, c)

	reply, err := h.HandleTurn(context.Background(), "hello?")
	if err != nil || reply != "" {
		t.Fatalf("HandleTurn = (%q, %v), want empty/nil", reply, err)
	}
	if c.callCount() != 0 {
		t.Errorf("Generate calls = %d, want 0", c.callCount())
	}
}

func TestTurnHandler_CloseMidFlightDiscardsResult(t *testing.T) {
	t.Parallel()

	log := seededLog(t)
	c := &fakeCompleter{reply: "late reply"}
	c.hook = log.Close
	h := tutor.NewTurnHandler(log, c)

	reply, err := h.HandleTurn(context.Background(), "a question")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want discarded (empty)", reply)
	}
	if log.Len() != 0 {
		t.Errorf("log length = %d, want 0 after close", log.Len())
	}
}

// chanArchiver delivers archived turns on a channel.
type chanArchiver struct {
	turns chan [2]string
}

func (a *chanArchiver) ArchiveTurn(_ context.Context, utterance, reply string) error {
	a.turns <- [2]string{utterance, reply}
	return nil
}

func TestTurnHandler_ArchivesCompletedTurns(t *testing.T) {
	t.Parallel()

	log := seededLog(t)
	c := &fakeCompleter{reply: "archived reply"}
	a := &chanArchiver{turns: make(chan [2]string, 1)}
	h := tutor.NewTurnHandler(log, c, tutor.WithArchiver(a))

	if _, err := h.HandleTurn(context.Background(), "remember this"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	select {
	case turn := <-a.turns:
		if turn[0] != "remember this" || turn[1] != "archived reply" {
			t.Errorf("archived turn = %v", turn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn never archived")
	}
}
