package tutor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Snehasis4321/language-learning-backend/internal/conversation"
	"github.com/Snehasis4321/language-learning-backend/internal/pipeline"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
)

// Completer is the narrow completion interface the turn handler binds to the
// conversation log. Satisfied by [cerebras.Client]: the contract is that
// Generate never fails — provider problems surface as user-facing fallback
// text, not as errors.
type Completer interface {
	Generate(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) string
}

// Archiver receives completed turns for post-session review. Satisfied by
// [history.RoomArchive]. Archiving is best-effort and happens off the turn
// path.
type Archiver interface {
	ArchiveTurn(ctx context.Context, utterance, reply string) error
}

// archiveTimeout bounds a single background archive write.
const archiveTimeout = 5 * time.Second

// TurnHandler binds the conversation log to the completion client. It is the
// completion handler the session orchestrator injects into the voice
// pipeline, replacing the pipeline's default provider handler.
//
// The handler is the only component that mutates the log. HandleTurn is the
// single suspension point of a session: the turn-advancement flow blocks on
// the completion call (bounded by the client's 30 s timeout) and nothing
// else in the core blocks.
type TurnHandler struct {
	log         *conversation.Log
	completer   Completer
	archiver    Archiver
	temperature float64
	maxTokens   int
}

// Compile-time assertion that TurnHandler plugs into the pipeline.
var _ pipeline.CompletionHandler = (*TurnHandler)(nil)

// HandlerOption is a functional option for [NewTurnHandler].
type HandlerOption func(*TurnHandler)

// WithArchiver attaches a turn archive. Nil (the default) disables archiving.
func WithArchiver(a Archiver) HandlerOption {
	return func(h *TurnHandler) { h.archiver = a }
}

// WithGeneration overrides the temperature and max token parameters forwarded
// to the completer. Defaults: 0.7 and 500.
func WithGeneration(temperature float64, maxTokens int) HandlerOption {
	return func(h *TurnHandler) {
		h.temperature = temperature
		h.maxTokens = maxTokens
	}
}

// NewTurnHandler constructs a TurnHandler over log and completer.
func NewTurnHandler(log *conversation.Log, completer Completer, opts ...HandlerOption) *TurnHandler {
	h := &TurnHandler{
		log:         log,
		completer:   completer,
		temperature: 0.7,
		maxTokens:   500,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleTurn runs one tutoring turn: it appends the utterance to the log,
// requests a completion over the full history, appends the reply, and returns
// it as a single completed chunk for synthesis.
//
// HandleTurn never returns an error. Utterances that cannot start a turn —
// empty text, a closed session, or a second utterance while a completion is
// already in flight — are discarded and an empty reply tells the pipeline to
// speak nothing. A session closed mid-completion likewise discards the
// in-flight result.
func (h *TurnHandler) HandleTurn(ctx context.Context, utterance string) (string, error) {
	if err := h.log.BeginTurn(utterance); err != nil {
		switch {
		case errors.Is(err, conversation.ErrEmptyUtterance):
			// No-op utterances are ignored, state unchanged.
		case errors.Is(err, conversation.ErrClosed):
			slog.Debug("tutor: utterance after session close discarded")
		default:
			slog.Warn("tutor: utterance discarded", "error", err)
		}
		return "", nil
	}

	reply := h.completer.Generate(ctx, h.log.Messages(), h.temperature, h.maxTokens)

	if err := h.log.CompleteTurn(reply); err != nil {
		// The session closed while the completion was in flight; the result
		// is discarded, nothing is spoken.
		slog.Debug("tutor: in-flight completion discarded", "error", err)
		return "", nil
	}

	if h.archiver != nil {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := h.archiver.ArchiveTurn(actx, utterance, reply); err != nil {
				slog.Warn("tutor: turn archive failed", "error", err)
			}
		}()
	}

	return reply, nil
}
