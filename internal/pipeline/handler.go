package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
)

// CompletionHandler turns a finalised learner utterance into the tutor's full
// reply text.
//
// The pipeline takes its handler as a constructor parameter ([Config.Handler]);
// the session orchestrator supplies its turn handler there. Implementations
// must be safe for concurrent use; the pipeline serialises calls per
// participant but multiple participants may share one handler.
type CompletionHandler interface {
	// HandleTurn processes one learner utterance and returns the reply to
	// synthesize. An empty reply with a nil error means the utterance was
	// discarded (e.g., the conversation is closed) and nothing is spoken.
	HandleTurn(ctx context.Context, utterance string) (string, error)
}

// ProviderHandler is a self-contained [CompletionHandler]: it wraps any
// [llm.Provider] and keeps its own in-memory conversation history. It makes
// the pipeline usable without the tutoring layer, for provider smoke tests
// and ad-hoc voice loops; production sessions wire the tutor's turn handler
// instead.
type ProviderHandler struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int

	mu       sync.Mutex
	messages []llm.Message
}

// Compile-time assertion that ProviderHandler satisfies CompletionHandler.
var _ CompletionHandler = (*ProviderHandler)(nil)

// ProviderHandlerOption is a functional option for [NewProviderHandler].
type ProviderHandlerOption func(*ProviderHandler)

// WithSystemPrompt seeds the handler's history with a system message.
func WithSystemPrompt(prompt string) ProviderHandlerOption {
	return func(h *ProviderHandler) {
		h.messages = []llm.Message{{Role: llm.RoleSystem, Content: prompt}}
	}
}

// WithTemperature overrides the sampling temperature forwarded to the
// provider. Default is 0.7.
func WithTemperature(t float64) ProviderHandlerOption {
	return func(h *ProviderHandler) { h.temperature = t }
}

// WithMaxTokens overrides the completion token cap forwarded to the provider.
// Default is 500.
func WithMaxTokens(n int) ProviderHandlerOption {
	return func(h *ProviderHandler) { h.maxTokens = n }
}

// NewProviderHandler constructs a ProviderHandler backed by p.
func NewProviderHandler(p llm.Provider, opts ...ProviderHandlerOption) *ProviderHandler {
	h := &ProviderHandler{
		provider:    p,
		temperature: 0.7,
		maxTokens:   500,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleTurn appends the utterance to the history, requests a completion, and
// appends the reply. On provider failure the utterance is rolled back so a
// retry does not duplicate it.
func (h *ProviderHandler) HandleTurn(ctx context.Context, utterance string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, llm.Message{Role: llm.RoleUser, Content: utterance})

	resp, err := h.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    h.messages,
		Temperature: h.temperature,
		MaxTokens:   h.maxTokens,
	})
	if err != nil {
		h.messages = h.messages[:len(h.messages)-1]
		return "", fmt.Errorf("pipeline: completion failed: %w", err)
	}

	h.messages = append(h.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	return resp.Content, nil
}

// Messages returns a copy of the handler's conversation history.
func (h *ProviderHandler) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}
