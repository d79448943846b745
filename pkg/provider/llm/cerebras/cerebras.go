// Package cerebras provides an LLM client backed by a Cerebras inference
// endpoint speaking the OpenAI-compatible chat completions protocol.
//
// The client is built for live voice sessions: a completion failure must
// degrade the conversation, never crash it. [Client.Generate] therefore never
// returns an error — transport failures, non-2xx responses, timeouts, and
// malformed payloads are logged and converted into a fixed user-facing
// fallback string that the pipeline speaks instead of the intended answer.
//
// Usage:
//
//	c := cerebras.New(apiKey)
//	reply := c.Generate(ctx, messages, 0.7, 500)
package cerebras

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
)

const (
	// DefaultBaseURL is the Cerebras inference API root.
	DefaultBaseURL = "https://api.cerebras.ai/v1"

	// DefaultModel is the model identifier used when none is configured.
	DefaultModel = "llama3.3-70b"

	// DefaultTimeout bounds a single completion request end to end.
	DefaultTimeout = 30 * time.Second

	// DefaultTemperature and DefaultMaxTokens are the generation parameters
	// used by [Client.Complete] when the request leaves them zero.
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)

const (
	// FallbackEmpty is spoken when the provider returns zero choices.
	FallbackEmpty = "I'm sorry, I couldn't generate a response."

	// FallbackUnavailable is spoken on any transport failure, non-2xx
	// response, timeout, or malformed payload.
	FallbackUnavailable = "I'm having trouble connecting. Please try again."
)

// Compile-time assertion that Client satisfies llm.Provider.
var _ llm.Provider = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the default API base URL. The chat completions path
// is appended to it; pass the root (e.g., "https://api.cerebras.ai/v1").
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithModel overrides the default model identifier.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient replaces the internal HTTP client. Useful in tests and for
// callers that need custom transport settings. The client's Timeout is
// honoured as configured by the caller.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is a stateless adapter for the Cerebras chat completions endpoint.
// It holds no conversation state — callers pass the full message history on
// every call. Client is safe for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client authenticating with apiKey. The key is injected here
// rather than read from the environment so the client stays testable; the
// config layer is responsible for resolving and validating the credential at
// startup.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// chatRequest is the wire format of the chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// wireMessage is one role/content pair in the request body.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the response body the client reads.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends the full message history to the completion endpoint and
// returns the first choice's content.
//
// Generate never fails: when the endpoint returns zero choices the fixed
// [FallbackEmpty] string is returned, and any transport failure, non-2xx
// status, timeout, or malformed payload is logged and converted into
// [FallbackUnavailable]. Temperature and maxTokens are forwarded as given;
// keeping them in range is the caller's responsibility.
func (c *Client) Generate(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) string {
	text, _, err := c.generate(ctx, messages, temperature, maxTokens)
	if err != nil {
		slog.Error("cerebras completion failed", "model", c.model, "err", err)
		return FallbackUnavailable
	}
	return text
}

// Complete implements [llm.Provider]. It shares Generate's degrade-don't-fail
// contract: the returned error is always nil and failures surface as fallback
// content, preserving session continuity over correctness of a single turn.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	text, usage, err := c.generate(ctx, req.Messages, temperature, maxTokens)
	if err != nil {
		slog.Error("cerebras completion failed", "model", c.model, "err", err)
		return &llm.CompletionResponse{Content: FallbackUnavailable}, nil
	}
	return &llm.CompletionResponse{Content: text, Usage: usage}, nil
}

// StreamCompletion implements [llm.Provider]. The Cerebras tutor path does
// not stream tokens — the completion is generated in full before being
// spoken — so the returned channel carries a single chunk with the whole
// response followed by closure.
func (c *Client) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, _ := c.Complete(ctx, req)

	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: resp.Content, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// Capabilities implements [llm.Provider].
func (c *Client) Capabilities() llm.ModelCapabilities {
	return llm.ModelCapabilities{
		Model:             c.model,
		SupportsStreaming: false,
	}
}

// generate performs the actual HTTP round trip. It returns the completion
// text, or [FallbackEmpty] with nil error when the provider answered with
// zero choices, or a non-nil error on any other failure.
func (c *Client) generate(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) (string, llm.Usage, error) {
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    wire,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("cerebras: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("cerebras: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("cerebras: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded amount of the error body for the log line.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", llm.Usage{}, fmt.Errorf("cerebras: unexpected status %d: %s", resp.StatusCode, snippet)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", llm.Usage{}, fmt.Errorf("cerebras: decode response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return FallbackEmpty, llm.Usage{}, nil
	}

	usage := llm.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}
