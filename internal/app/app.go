// Package app wires all tutor subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run watches the audio platform for new rooms and runs one
// tutoring session per room, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithArchiverFactory). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Snehasis4321/language-learning-backend/internal/config"
	"github.com/Snehasis4321/language-learning-backend/internal/history"
	"github.com/Snehasis4321/language-learning-backend/internal/observe"
	"github.com/Snehasis4321/language-learning-backend/internal/tutor"
	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm/cerebras"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/tts"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
)

// Providers holds one interface value per provider slot, populated by main.go
// via the config registry. All slots are required: a tutoring session cannot
// run a voice turn without the full Completion → STT → TTS → VAD → Audio
// chain.
type Providers struct {
	Completion llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Audio      audio.Platform
}

// roomNotifier is implemented by audio platforms that announce room creation,
// such as the signaling server. Platforms without it never trigger automatic
// session start; callers then use [App.StartSession] directly.
type roomNotifier interface {
	OnRoomCreated(cb func(roomID string))
}

// App owns all subsystem lifetimes and runs one tutoring session per room.
type App struct {
	cfg       *config.Config
	providers *Providers

	completer   tutor.Completer
	metrics     *observe.Metrics
	archiverFor func(roomID string) tutor.Archiver

	mu       sync.Mutex
	sessions map[string]*tutor.Session
	wg       sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of using the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithArchiverFactory injects a per-room archiver factory instead of opening
// the PostgreSQL turn archive from config.
func WithArchiverFactory(f func(roomID string) tutor.Archiver) Option {
	return func(a *App) { a.archiverFor = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		sessions:  make(map[string]*tutor.Session),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := validateProviders(providers); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.completer = completerFor(providers.Completion)

	// ── 2. Turn archive ──────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	return a, nil
}

// validateProviders checks that every provider slot is populated.
func validateProviders(p *Providers) error {
	if p == nil {
		return errors.New("providers are required")
	}
	var errs []error
	if p.Completion == nil {
		errs = append(errs, errors.New("completion provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if p.Audio == nil {
		errs = append(errs, errors.New("audio platform is required"))
	}
	return errors.Join(errs...)
}

// initHistory opens the PostgreSQL turn archive when configured. An empty DSN
// disables archiving; sessions then keep conversation state purely in memory.
func (a *App) initHistory(ctx context.Context) error {
	if a.archiverFor != nil {
		return nil // injected
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		return nil
	}

	store, err := history.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.archiverFor = func(roomID string) tutor.Archiver {
		return store.Room(roomID)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("turn archive enabled")
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run watches the audio platform for new rooms, starting a tutoring session
// for each, and blocks until ctx is cancelled. Rooms created before Run are
// picked up via the platform's room-created replay; platforms that do not
// announce rooms require explicit [App.StartSession] calls.
//
// When ctx is done, Run waits for all sessions to finish and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if notifier, ok := a.providers.Audio.(roomNotifier); ok {
		notifier.OnRoomCreated(func(roomID string) {
			if err := a.StartSession(ctx, roomID); err != nil {
				slog.Error("failed to start session", "room", roomID, "err", err)
			}
		})
	} else {
		slog.Warn("audio platform does not announce rooms; sessions must be started explicitly")
	}

	slog.Info("app running")
	<-ctx.Done()

	a.wg.Wait()
	return ctx.Err()
}

// StartSession starts a tutoring session for roomID unless one is already
// running. The session runs in its own goroutine until ctx is cancelled or
// the room empties out; its slot is freed when it ends, so a room that drains
// and later refills gets a fresh session.
func (a *App) StartSession(ctx context.Context, roomID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[roomID]; ok {
		return nil
	}

	cfg := tutor.SessionConfig{
		Platform:   a.providers.Audio,
		RoomID:     roomID,
		Completer:  a.completer,
		STT:        a.providers.STT,
		TTS:        a.providers.TTS,
		VAD:        a.providers.VAD,
		Voice:      configVoiceProfile(a.cfg.Session.Voice),
		Language:   a.cfg.Session.Language,
		Vocabulary: a.cfg.Session.Vocabulary,
		Metrics:    a.metrics,
	}
	if a.archiverFor != nil {
		cfg.Archiver = a.archiverFor(roomID)
	}

	sess, err := tutor.NewSession(cfg)
	if err != nil {
		return fmt.Errorf("app: create session for room %s: %w", roomID, err)
	}
	a.sessions[roomID] = sess

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.sessions, roomID)
			a.mu.Unlock()
		}()

		slog.Info("session started", "room", roomID)
		if err := sess.Run(ctx); err != nil {
			slog.Error("session ended with error", "room", roomID, "err", err)
			return
		}
		slog.Info("session ended", "room", roomID)
	}()
	return nil
}

// Completer exposes the completion adapter driving tutoring turns, primarily
// for inspection in tests.
func (a *App) Completer() tutor.Completer {
	return a.completer
}

// SessionCount reports the number of currently running sessions.
func (a *App) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// completerFor adapts an [llm.Provider] to the turn handler's never-failing
// [tutor.Completer] contract. Providers that already implement Completer (the
// Cerebras client does) are used directly; anything else is wrapped so that
// transport failures degrade to a spoken fallback line instead of an error.
func completerFor(p llm.Provider) tutor.Completer {
	if c, ok := p.(tutor.Completer); ok {
		return c
	}
	return &completionAdapter{provider: p}
}

type completionAdapter struct {
	provider llm.Provider
}

func (c *completionAdapter) Generate(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) string {
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		slog.Warn("completion failed", "err", err)
		return cerebras.FallbackUnavailable
	}
	if resp == nil || resp.Content == "" {
		return cerebras.FallbackEmpty
	}
	return resp.Content
}

// configVoiceProfile converts a config.VoiceConfig to tts.VoiceProfile.
// Pitch is carried as metadata since only some TTS backends support it.
func configVoiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	profile := tts.VoiceProfile{
		ID:          vc.VoiceID,
		SpeedFactor: vc.SpeedFactor,
	}
	if vc.PitchShift != 0 {
		profile.Metadata = map[string]string{
			"pitch_shift": fmt.Sprintf("%.2f", vc.PitchShift),
		}
	}
	return profile
}
