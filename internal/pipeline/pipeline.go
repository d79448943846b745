// Package pipeline implements the voice loop of a tutoring session: room
// audio frames are gated by VAD, streamed to an STT session, corrected
// against the session vocabulary, turned into a reply by the configured
// [CompletionHandler], synthesized by TTS, and written back to the room.
//
// The completion handler is a constructor parameter of the pipeline. The
// session orchestrator in internal/tutor builds a [Config] with its own
// handler; the default [ProviderHandler] only serves setups without the
// tutoring layer.
//
// A learner speaking while the tutor's audio is playing interrupts the
// playback (barge-in), provided the active speech was started with
// interruptions allowed. The fixed session greeting is spoken interruptible
// for exactly this reason.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Snehasis4321/language-learning-backend/internal/observe"
	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/tts"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
)

const (
	// sttSampleRate and sttChannels describe the format every learner input
	// stream is converted to before VAD and STT.
	sttSampleRate = 16000
	sttChannels   = 1

	// ttsSampleRate and ttsChannels describe the PCM the TTS providers emit.
	ttsSampleRate = 16000
	ttsChannels   = 1

	// roomSampleRate and roomChannels describe the room output format.
	roomSampleRate = 48000
	roomChannels   = 2

	// vadFrameSizeMs is the VAD analysis window. Room frames arrive in 20 ms
	// packets, so after format conversion each maps to exactly one VAD frame.
	vadFrameSizeMs = 20

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// ErrClosed is returned by pipeline operations after Close.
var ErrClosed = errors.New("pipeline: closed")

// Config carries the providers and settings for one pipeline instance.
// STT, TTS, VAD, Handler, and Output are required.
type Config struct {
	STT     stt.Provider
	TTS     tts.Provider
	Voice   tts.VoiceProfile
	VAD     vad.Engine
	Handler CompletionHandler

	// Output receives synthesized tutor audio as room-format frames. Usually
	// the room connection's OutputStream.
	Output chan<- audio.AudioFrame

	// RoomID labels metrics and logs. Optional.
	RoomID string

	// Language is the BCP-47 recognition language passed to STT sessions.
	Language string

	// Keywords is the session vocabulary boosted in STT recognition.
	Keywords []stt.KeywordBoost

	// Correct optionally rewrites a final transcript before the turn (e.g.
	// the phonetic vocabulary stage). Nil means transcripts pass through.
	Correct func(tr stt.Transcript) string

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics

	// SpeechThreshold and SilenceThreshold override the VAD defaults when
	// non-zero.
	SpeechThreshold  float64
	SilenceThreshold float64
}

// Pipeline runs the voice loop for one room session. Safe for concurrent use:
// Say, Interrupt, and Close may be called from any goroutine while
// participant loops are running.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	speaking *playback
	closed   bool

	// wg tracks playback goroutines so Close and tests can synchronise with
	// the end of audio streaming.
	wg sync.WaitGroup
}

// playback is one in-flight synthesized utterance.
type playback struct {
	cancel        context.CancelFunc
	interruptible bool
	done          chan struct{}
}

// New validates cfg and constructs a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.STT == nil:
		return nil, errors.New("pipeline: STT provider is required")
	case cfg.TTS == nil:
		return nil, errors.New("pipeline: TTS provider is required")
	case cfg.VAD == nil:
		return nil, errors.New("pipeline: VAD engine is required")
	case cfg.Handler == nil:
		return nil, errors.New("pipeline: completion handler is required")
	case cfg.Output == nil:
		return nil, errors.New("pipeline: output channel is required")
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	return &Pipeline{cfg: cfg}, nil
}

// Say synthesizes text and streams it to the room output. It returns once
// synthesis has started; audio continues streaming in the background. When
// allowInterruptions is true, a learner speech-start cuts the playback off
// mid-stream.
//
// Starting a new Say while a previous utterance is still playing cancels the
// previous playback regardless of its interruptible flag — the pipeline
// speaks one utterance at a time.
func (p *Pipeline) Say(ctx context.Context, text string, allowInterruptions bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return p.speak(ctx, text, allowInterruptions)
}

// Interrupt cancels the active playback if it allows interruptions. Returns
// whether a playback was actually cut off.
func (p *Pipeline) Interrupt() bool {
	p.mu.Lock()
	sp := p.speaking
	p.mu.Unlock()

	if sp == nil || !sp.interruptible {
		return false
	}
	sp.cancel()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordInterruption(context.Background(), p.cfg.RoomID)
	}
	slog.Debug("pipeline: playback interrupted by learner speech", "room", p.cfg.RoomID)
	return true
}

// Close stops the active playback and waits for background goroutines to
// finish. Subsequent Say calls return [ErrClosed]. Safe to call multiple
// times.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.speaking != nil {
		p.speaking.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Wait blocks until all playback goroutines have finished. Primarily useful
// in tests to synchronise before inspecting output.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// speak starts TTS on text and spawns the playback goroutine.
func (p *Pipeline) speak(ctx context.Context, text string, interruptible bool) error {
	sctx, cancel := context.WithCancel(ctx)

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	start := time.Now()
	audioCh, err := p.cfg.TTS.SynthesizeStream(sctx, textCh, p.cfg.Voice)
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: TTS start failed: %w", err)
	}

	sp := &playback{cancel: cancel, interruptible: interruptible, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		go audio.Drain(audioCh)
		return ErrClosed
	}
	if p.speaking != nil {
		p.speaking.cancel()
	}
	p.speaking = sp
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(sp.done)
		p.streamPlayback(sctx, sp, audioCh)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.TTSDuration.Record(context.Background(), time.Since(start).Seconds())
		}
	}()
	return nil
}

// streamPlayback forwards TTS audio chunks to the room output, converting
// them to the room format. It drains the TTS channel fully on cancellation so
// the provider goroutine never blocks.
func (p *Pipeline) streamPlayback(ctx context.Context, sp *playback, audioCh <-chan []byte) {
	defer p.clearPlayback(sp)

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: roomSampleRate, Channels: roomChannels}}
	for chunk := range audioCh {
		select {
		case <-ctx.Done():
			audio.Drain(audioCh)
			return
		default:
		}

		frame := conv.Convert(audio.AudioFrame{
			Data:       chunk,
			SampleRate: ttsSampleRate,
			Channels:   ttsChannels,
			Timestamp:  0,
		})
		if len(frame.Data) == 0 {
			continue
		}

		select {
		case p.cfg.Output <- frame:
		case <-ctx.Done():
			audio.Drain(audioCh)
			return
		}
	}
}

// clearPlayback releases the speaking slot if sp still owns it.
func (p *Pipeline) clearPlayback(sp *playback) {
	p.mu.Lock()
	if p.speaking == sp {
		p.speaking = nil
	}
	p.mu.Unlock()
}
