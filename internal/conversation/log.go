// Package conversation holds the per-session message log and its state
// machine. A session's log is seeded once with the system prompt, then
// alternates strictly between user and assistant messages as turns complete.
//
// The log is owned by exactly one session and mutated by one writer — the
// turn handler. The internal mutex guards against accidental concurrent use,
// but correct ordering (one utterance at a time) is the caller's job.
package conversation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
)

// State identifies where the log is in the session lifecycle.
type State int

const (
	// Idle is the initial state: no messages yet.
	Idle State = iota

	// Seeded means the system message is present and the log is ready for
	// the next user utterance.
	Seeded

	// AwaitingCompletion means a user message was appended and the
	// completion request is in flight.
	AwaitingCompletion

	// Closed is terminal: the session ended and the log rejects all further
	// operations.
	Closed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Seeded:
		return "seeded"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by every operation on a closed log.
	ErrClosed = errors.New("conversation: log is closed")

	// ErrEmptyUtterance is returned by BeginTurn for empty text. The caller
	// should treat it as a no-op rather than a fault.
	ErrEmptyUtterance = errors.New("conversation: empty utterance")
)

// Log is the ordered message history of one session.
type Log struct {
	mu       sync.Mutex
	state    State
	messages []llm.Message
}

// NewLog returns an empty log in the Idle state.
func NewLog() *Log {
	return &Log{state: Idle}
}

// State returns the current lifecycle state.
func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Seed inserts the system message. The log must be Idle; seeding happens
// exactly once per session.
func (l *Log) Seed(systemPrompt string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Closed:
		return ErrClosed
	case Idle:
	default:
		return fmt.Errorf("conversation: cannot seed in state %s", l.state)
	}

	l.messages = append(l.messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	l.state = Seeded
	return nil
}

// BeginTurn appends the user's utterance and moves to AwaitingCompletion.
// Empty text returns ErrEmptyUtterance and leaves the log unchanged.
func (l *Log) BeginTurn(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Closed:
		return ErrClosed
	case Seeded:
	default:
		return fmt.Errorf("conversation: cannot begin turn in state %s", l.state)
	}
	if text == "" {
		return ErrEmptyUtterance
	}

	l.messages = append(l.messages, llm.Message{Role: llm.RoleUser, Content: text})
	l.state = AwaitingCompletion
	return nil
}

// CompleteTurn appends the assistant's reply and returns to Seeded.
func (l *Log) CompleteTurn(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Closed:
		return ErrClosed
	case AwaitingCompletion:
	default:
		return fmt.Errorf("conversation: cannot complete turn in state %s", l.state)
	}

	l.messages = append(l.messages, llm.Message{Role: llm.RoleAssistant, Content: text})
	l.state = Seeded
	return nil
}

// Messages returns a copy of the current log contents. The copy is safe to
// hand to a completion request while the log continues to be mutated.
func (l *Log) Messages() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Close terminates the session and discards the log contents. An in-flight
// turn's eventual CompleteTurn will return ErrClosed and its result is
// dropped. Close is idempotent.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Closed
	l.messages = nil
}
