// Package tutor implements the tutoring session layer: metadata parsing, the
// turn handler that binds the conversation log to the completion client, and
// the session orchestrator that wires both into the voice pipeline.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Snehasis4321/language-learning-backend/internal/conversation"
	"github.com/Snehasis4321/language-learning-backend/internal/observe"
	"github.com/Snehasis4321/language-learning-backend/internal/pipeline"
	"github.com/Snehasis4321/language-learning-backend/internal/prompt"
	"github.com/Snehasis4321/language-learning-backend/internal/transcript"
	"github.com/Snehasis4321/language-learning-backend/internal/transcript/phonetic"
	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/tts"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
)

// Greeting is the fixed opening line spoken when the session starts. It is
// interruptible: a learner who starts talking over it cuts it off.
const Greeting = "Hello! I'm your language teacher. I'm here to help you practice speaking. " +
	"What would you like to talk about today?"

// beginnerSpeedFactor slows tutor speech for beginner sessions when the
// configured voice does not pin its own speed.
const beginnerSpeedFactor = 0.85

// keywordBoost is the recognition boost applied to session vocabulary terms.
const keywordBoost = 2.0

// SessionConfig carries the collaborators of one tutoring session.
// Platform, Completer, STT, TTS, and VAD are required.
type SessionConfig struct {
	Platform  audio.Platform
	RoomID    string
	Completer Completer
	STT       stt.Provider
	TTS       tts.Provider
	Voice     tts.VoiceProfile
	VAD       vad.Engine

	// Language is the BCP-47 recognition language for STT.
	Language string

	// Vocabulary is the session's topic vocabulary: boosted in STT
	// recognition and used for phonetic transcript correction. Optional.
	Vocabulary []string

	// Archiver optionally receives completed turns. Nil disables archiving.
	Archiver Archiver

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics
}

// Session orchestrates one tutoring session in one room: it connects to the
// room, configures itself from the first joining participant's metadata,
// seeds the conversation log, starts the voice pipeline with the turn handler
// substituted for the pipeline's default completion mechanism, and speaks the
// greeting.
type Session struct {
	cfg     SessionConfig
	log     *conversation.Log
	started atomic.Bool
}

// NewSession validates cfg and constructs a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	switch {
	case cfg.Platform == nil:
		return nil, errors.New("tutor: audio platform is required")
	case cfg.Completer == nil:
		return nil, errors.New("tutor: completer is required")
	case cfg.STT == nil:
		return nil, errors.New("tutor: STT provider is required")
	case cfg.TTS == nil:
		return nil, errors.New("tutor: TTS provider is required")
	case cfg.VAD == nil:
		return nil, errors.New("tutor: VAD engine is required")
	}
	return &Session{cfg: cfg, log: conversation.NewLog()}, nil
}

// Log exposes the session's conversation log, primarily for inspection in
// tests and by the history layer.
func (s *Session) Log() *conversation.Log {
	return s.log
}

// Run executes the session until ctx is cancelled or the room empties out.
// Run may be called at most once per Session.
//
// Every participant's audio feeds the same pipeline and the same conversation
// log — later joiners share the room conversation rather than getting
// independent sessions, and only the first participant's metadata configures
// difficulty and topic.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("tutor: session already started")
	}
	defer s.log.Close()

	conn, err := s.cfg.Platform.Connect(ctx, s.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("tutor: connect to room %s: %w", s.cfg.RoomID, err)
	}
	defer conn.Disconnect()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	events := make(chan audio.Event, 16)
	conn.OnParticipantChange(func(ev audio.Event) {
		select {
		case events <- ev:
		default:
			slog.Warn("tutor: participant event dropped", "room", s.cfg.RoomID, "user", ev.UserID)
		}
	})

	first, err := s.awaitFirstParticipant(ctx, events)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	md := ParseMetadata(first.Metadata)
	if err := s.log.Seed(prompt.BuildSystemPrompt(md.Difficulty, md.Topic)); err != nil {
		return fmt.Errorf("tutor: seed conversation: %w", err)
	}
	slog.Info("tutor: session configured",
		"room", s.cfg.RoomID,
		"user", first.UserID,
		"difficulty", md.Difficulty,
		"topic", md.Topic,
	)

	pipe, err := pipeline.New(pipeline.Config{
		STT:      s.cfg.STT,
		TTS:      s.cfg.TTS,
		Voice:    s.voiceFor(md),
		VAD:      s.cfg.VAD,
		Handler:  NewTurnHandler(s.log, s.cfg.Completer, WithArchiver(s.cfg.Archiver)),
		Output:   conn.OutputStream(),
		RoomID:   s.cfg.RoomID,
		Language: s.cfg.Language,
		Keywords: keywordsFor(s.cfg.Vocabulary),
		Correct:  s.correctionHook(transcript.NewCorrector(phonetic.New(), s.cfg.Vocabulary)),
		Metrics:  s.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	defer pipe.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)

	s.startParticipant(gctx, g, pipe, conn, first.UserID)

	// Greeting goes out after the first participant loop is live so a keen
	// learner can interrupt it.
	if err := pipe.Say(gctx, Greeting, true); err != nil {
		slog.Warn("tutor: greeting failed", "room", s.cfg.RoomID, "error", err)
	}

	g.Go(func() error {
		return s.watchParticipants(gctx, g, pipe, conn, events)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// awaitFirstParticipant blocks until the first join event arrives.
func (s *Session) awaitFirstParticipant(ctx context.Context, events <-chan audio.Event) (audio.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return audio.Event{}, ctx.Err()
		case ev := <-events:
			if ev.Type == audio.EventJoin {
				return ev, nil
			}
		}
	}
}

// watchParticipants starts a pipeline loop for each later joiner and logs
// departures. It returns when ctx is cancelled.
func (s *Session) watchParticipants(
	ctx context.Context,
	g *errgroup.Group,
	pipe *pipeline.Pipeline,
	conn audio.Connection,
	events <-chan audio.Event,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.Type {
			case audio.EventJoin:
				s.startParticipant(ctx, g, pipe, conn, ev.UserID)
			case audio.EventLeave:
				slog.Info("tutor: participant left", "room", s.cfg.RoomID, "user", ev.UserID)
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.ActiveParticipants.Add(ctx, -1)
				}
			}
		}
	}
}

// startParticipant launches the pipeline loop for one participant's input
// stream.
func (s *Session) startParticipant(
	ctx context.Context,
	g *errgroup.Group,
	pipe *pipeline.Pipeline,
	conn audio.Connection,
	userID string,
) {
	frames, ok := conn.InputStreams()[userID]
	if !ok {
		slog.Warn("tutor: no input stream for participant", "room", s.cfg.RoomID, "user", userID)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveParticipants.Add(ctx, 1)
	}
	g.Go(func() error {
		return pipe.RunParticipant(ctx, userID, frames)
	})
}

// voiceFor adapts the configured voice to the session difficulty: beginner
// sessions get slowed speech unless the voice pins its own speed.
func (s *Session) voiceFor(md Metadata) tts.VoiceProfile {
	voice := s.cfg.Voice
	if md.Difficulty == prompt.DifficultyBeginner && voice.SpeedFactor == 0 {
		voice.SpeedFactor = beginnerSpeedFactor
	}
	return voice
}

// correctionHook adapts the corrector for the pipeline's transcript hook and
// counts every replacement it applies.
func (s *Session) correctionHook(c *transcript.Corrector) func(stt.Transcript) string {
	return func(tr stt.Transcript) string {
		res := c.Correct(tr)
		if s.cfg.Metrics != nil {
			for range res.Corrections {
				s.cfg.Metrics.RecordCorrection(context.Background())
			}
		}
		return res.Corrected
	}
}

// keywordsFor converts the session vocabulary into STT keyword boosts.
func keywordsFor(vocabulary []string) []stt.KeywordBoost {
	if len(vocabulary) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(vocabulary))
	for i, term := range vocabulary {
		out[i] = stt.KeywordBoost{Keyword: term, Boost: keywordBoost}
	}
	return out
}
