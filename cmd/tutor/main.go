// Command tutor is the main entry point for the language tutor voice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Snehasis4321/language-learning-backend/internal/app"
	"github.com/Snehasis4321/language-learning-backend/internal/config"
	"github.com/Snehasis4321/language-learning-backend/internal/observe"
	"github.com/Snehasis4321/language-learning-backend/internal/resilience"
	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
	"github.com/Snehasis4321/language-learning-backend/pkg/audio/room"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm/anyllm"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm/cerebras"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/llm/openai"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt/deepgram"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt/whisper"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/tts"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/tts/elevenlabs"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tutor: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tutor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("tutor starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must come before provider construction so that fallback chains pick up
	// the real meter provider rather than the no-op default.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "language-tutor",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server: signaling + metrics ──────────────────────────────────────
	var httpServer *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if sig, ok := providers.Audio.(*room.SignalingServer); ok {
			mux.Handle("/", sig.Handler())
		}
		httpServer = &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
				stop()
			}
		}()
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Completion ────────────────────────────────────────────────────────────

	reg.RegisterCompletion("cerebras", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []cerebras.Option
		if entry.Model != "" {
			opts = append(opts, cerebras.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, cerebras.WithBaseURL(entry.BaseURL))
		}
		return cerebras.New(entry.APIKey, opts...), nil
	})

	// anyllm routes to any backend supported by any-llm-go; the concrete
	// backend name comes from options.provider.
	reg.RegisterCompletion("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := optString(entry.Options, "provider")
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	reg.RegisterCompletion("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if n := optInt(entry.Options, "hangover_frames"); n > 0 {
			opts = append(opts, energy.WithHangoverFrames(n))
		}
		return energy.New(opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	// The room platform is wrapped in its signaling server so the same
	// Connection per room is shared between joining browsers and the
	// tutoring session.
	reg.RegisterAudio("room", func(entry config.ProviderEntry) (audio.Platform, error) {
		var opts []room.Option
		if servers := optStrings(entry.Options, "stun_servers"); len(servers) > 0 {
			opts = append(opts, room.WithSTUNServers(servers...))
		}
		return room.NewSignalingServer(room.New(opts...)), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Entries with fallbacks are wrapped in circuit-breaker fallback
// chains.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	entry := cfg.Providers.Completion
	completion, err := reg.CreateCompletion(entry)
	if err != nil {
		return nil, fmt.Errorf("create completion provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) > 0 {
		fb := resilience.NewLLMFallback(completion, entry.Name, resilience.FallbackConfig{
			Kind:    "completion",
			Metrics: observe.DefaultMetrics(),
		})
		for _, fbEntry := range entry.Fallbacks {
			p, err := reg.CreateCompletion(fbEntry)
			if err != nil {
				return nil, fmt.Errorf("create completion fallback %q: %w", fbEntry.Name, err)
			}
			fb.AddFallback(fbEntry.Name, p)
		}
		completion = fb
	}
	ps.Completion = completion
	slog.Info("provider created", "kind", "completion", "name", entry.Name, "fallbacks", len(entry.Fallbacks))

	entry = cfg.Providers.STT
	sttP, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) > 0 {
		fb := resilience.NewSTTFallback(sttP, entry.Name, resilience.FallbackConfig{
			Kind:    "stt",
			Metrics: observe.DefaultMetrics(),
		})
		for _, fbEntry := range entry.Fallbacks {
			p, err := reg.CreateSTT(fbEntry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", fbEntry.Name, err)
			}
			fb.AddFallback(fbEntry.Name, p)
		}
		sttP = fb
	}
	ps.STT = sttP
	slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallbacks", len(entry.Fallbacks))

	entry = cfg.Providers.TTS
	ttsP, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) > 0 {
		fb := resilience.NewTTSFallback(ttsP, entry.Name, resilience.FallbackConfig{
			Kind:    "tts",
			Metrics: observe.DefaultMetrics(),
		})
		for _, fbEntry := range entry.Fallbacks {
			p, err := reg.CreateTTS(fbEntry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", fbEntry.Name, err)
			}
			fb.AddFallback(fbEntry.Name, p)
		}
		ttsP = fb
	}
	ps.TTS = ttsP
	slog.Info("provider created", "kind", "tts", "name", entry.Name, "fallbacks", len(entry.Fallbacks))

	entry = cfg.Providers.VAD
	ps.VAD, err = reg.CreateVAD(entry)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", entry.Name)

	entry = cfg.Providers.Audio
	ps.Audio, err = reg.CreateAudio(entry)
	if err != nil {
		return nil, fmt.Errorf("create audio platform %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", entry.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      language tutor — startup         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Completion", cfg.Providers.Completion.Name, cfg.Providers.Completion.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	lang := cfg.Session.Language
	if lang == "" {
		lang = "(auto)"
	}
	fmt.Printf("║  Language        : %-19s ║\n", lang)
	fmt.Printf("║  Vocabulary      : %-19d ║\n", len(cfg.Session.Vocabulary))
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  Turn archive    : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Turn archive    : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an int value from a provider Options map. YAML decodes
// numbers as int, so only that case is handled. Returns 0 when absent.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}

// optStrings extracts a string slice from a provider Options map. YAML
// decodes sequences as []any; non-string elements are skipped.
func optStrings(opts map[string]any, key string) []string {
	if opts == nil {
		return nil
	}
	v, ok := opts[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
