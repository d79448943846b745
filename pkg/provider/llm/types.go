package llm

// Role labels who produced a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in an LLM conversation history.
// A Message is immutable once appended to a conversation log.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role Role

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes static metadata about a provider's model.
// Returned by [Provider.Capabilities]; assumed constant for the lifetime of
// the Provider instance.
type ModelCapabilities struct {
	// Model is the provider-native model identifier (e.g., "llama3.3-70b").
	Model string

	// MaxContextTokens is the size of the model's context window, or zero
	// when the provider does not report it.
	MaxContextTokens int

	// SupportsStreaming reports whether StreamCompletion emits incremental
	// chunks or a single buffered chunk.
	SupportsStreaming bool
}
