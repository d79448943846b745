package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// CompletionKeyEnv is the environment variable consulted for the completion
// provider credential when the config file does not carry one.
const CompletionKeyEnv = "CEREBRAS_API_KEY"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"completion": {"cerebras", "anyllm", "openai"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs"},
	"vad":        {"energy"},
	"audio":      {"room"},
}

// Load reads the YAML configuration file at path, validates it, and resolves
// provider credentials from the environment. It is the single entry point the
// server uses; components downstream never read environment variables
// themselves.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ResolveCredentials(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Credentials are not resolved; call [ResolveCredentials] separately. Useful
// in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderEntry("completion", cfg.Providers.Completion)
	validateProviderEntry("stt", cfg.Providers.STT)
	validateProviderEntry("tts", cfg.Providers.TTS)
	validateProviderEntry("vad", cfg.Providers.VAD)
	validateProviderEntry("audio", cfg.Providers.Audio)

	// The tutor cannot run without a completion backend; the other stages
	// have built-in defaults the app falls back to.
	if cfg.Providers.Completion.Name == "" {
		errs = append(errs, errors.New("providers.completion.name is required"))
	}

	// The cerebras client degrades in place: on failure it answers with a
	// canned reply instead of returning an error, so chained fallbacks
	// behind it would never fire. Reject the combination rather than carry
	// dead config.
	if cfg.Providers.Completion.Name == "cerebras" && len(cfg.Providers.Completion.Fallbacks) > 0 {
		errs = append(errs, errors.New("providers.completion: cerebras never surfaces errors, so fallbacks would never be used; remove them or pick a different primary"))
	}

	// Session
	if cfg.Session.DefaultDifficulty != "" && !cfg.Session.DefaultDifficulty.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_difficulty %q is invalid; valid values: beginner, intermediate, advanced", cfg.Session.DefaultDifficulty))
	}
	if sf := cfg.Session.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}
	if ps := cfg.Session.Voice.PitchShift; ps < -10 || ps > 10 {
		errs = append(errs, fmt.Errorf("session.voice.pitch_shift %.2f is out of range [-10, 10]", ps))
	}
	for i, term := range cfg.Session.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("session.vocabulary[%d] is blank", i))
		}
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Info("history.postgres_dsn is empty; turn archiving is disabled")
	}

	return errors.Join(errs...)
}

// ResolveCredentials fills in provider API keys from the environment. Keys
// written as "${VAR}" are replaced with the value of VAR; the completion
// provider additionally falls back to CEREBRAS_API_KEY when no key is
// configured at all.
//
// A missing completion credential is a hard startup error — without it every
// turn would speak only the connectivity apology.
func ResolveCredentials(cfg *Config) error {
	var errs []error

	resolve := func(kind string, entry *ProviderEntry) {
		entries := append([]*ProviderEntry{entry}, fallbackPtrs(entry)...)
		for _, e := range entries {
			name, ok := envRef(e.APIKey)
			if !ok {
				continue
			}
			val := os.Getenv(name)
			if val == "" {
				errs = append(errs, fmt.Errorf("providers.%s.api_key references unset environment variable %s", kind, name))
				continue
			}
			e.APIKey = val
		}
	}

	resolve("completion", &cfg.Providers.Completion)
	resolve("stt", &cfg.Providers.STT)
	resolve("tts", &cfg.Providers.TTS)
	resolve("vad", &cfg.Providers.VAD)
	resolve("audio", &cfg.Providers.Audio)

	if cfg.Providers.Completion.APIKey == "" {
		cfg.Providers.Completion.APIKey = os.Getenv(CompletionKeyEnv)
	}
	if cfg.Providers.Completion.APIKey == "" {
		errs = append(errs, fmt.Errorf("completion API key missing: set providers.completion.api_key or the %s environment variable", CompletionKeyEnv))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// fallbackPtrs returns pointers to entry's fallback entries so their keys can
// be resolved in place.
func fallbackPtrs(entry *ProviderEntry) []*ProviderEntry {
	ptrs := make([]*ProviderEntry, len(entry.Fallbacks))
	for i := range entry.Fallbacks {
		ptrs[i] = &entry.Fallbacks[i]
	}
	return ptrs
}

// envRef reports whether s has the form "${VAR}" and returns VAR.
func envRef(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return s[2 : len(s)-1], true
	}
	return "", false
}

// validateProviderEntry checks entry's name and the names of its fallbacks.
func validateProviderEntry(kind string, entry ProviderEntry) {
	validateProviderName(kind, entry.Name)
	for _, fb := range entry.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
