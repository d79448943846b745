// Package energy provides an RMS-energy Voice Activity Detector implementing
// the vad.Engine interface. It classifies frames by root-mean-square amplitude
// with hysteresis between the speech and silence thresholds, plus a short
// hangover so brief pauses inside an utterance do not end the segment.
//
// An energy detector is cheap and dependency-free but sensitive to background
// noise; for noisy rooms prefer a model-based engine and keep this one as the
// fallback.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
)

const (
	// fullScale is the maximum absolute amplitude of 16-bit PCM. RMS values
	// are normalised against a fraction of this to produce a pseudo
	// probability.
	fullScale = 32768.0

	// referenceRMS is the RMS amplitude mapped to probability 1.0. Normal
	// speech close to a microphone sits around 3000–8000 RMS, so 6000 keeps
	// conversational speech near the top of the scale.
	referenceRMS = 6000.0

	// defaultHangoverFrames is the number of consecutive sub-threshold frames
	// required before a speech segment is considered ended. At 20 ms frames
	// this is 300 ms, shorter than the inter-sentence pause of most speakers.
	defaultHangoverFrames = 15
)

// Engine implements vad.Engine using frame RMS energy.
type Engine struct {
	hangoverFrames int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHangoverFrames sets the number of consecutive silent frames before a
// SpeechEnd event is emitted. Defaults to 15.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) { e.hangoverFrames = n }
}

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{hangoverFrames: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ vad.Engine = (*Engine)(nil)

// NewSession creates a new detection session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %f out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %f must be in [0, %f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	// 16-bit mono PCM: 2 bytes per sample.
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2

	return &session{
		cfg:            cfg,
		frameBytes:     frameBytes,
		hangoverFrames: e.hangoverFrames,
	}, nil
}

// session holds per-stream detection state. Not safe for concurrent use.
type session struct {
	mu sync.Mutex

	cfg            vad.Config
	frameBytes     int
	hangoverFrames int

	inSpeech     bool
	silentFrames int
	closed       bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one frame of 16-bit mono PCM.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, expected %d", len(frame), s.frameBytes)
	}

	prob := probability(frame)

	switch {
	case prob >= s.cfg.SpeechThreshold:
		s.silentFrames = 0
		if !s.inSpeech {
			s.inSpeech = true
			return vad.Event{Type: vad.SpeechStart, Probability: prob}, nil
		}
		return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil

	case prob > s.cfg.SilenceThreshold && s.inSpeech:
		// Between thresholds while speaking counts as continued speech.
		s.silentFrames = 0
		return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil

	case s.inSpeech:
		s.silentFrames++
		if s.silentFrames >= s.hangoverFrames {
			s.inSpeech = false
			s.silentFrames = 0
			return vad.Event{Type: vad.SpeechEnd, Probability: prob}, nil
		}
		return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil

	default:
		return vad.Event{Type: vad.Silence, Probability: prob}, nil
	}
}

// Reset clears the hysteresis state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.silentFrames = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// probability maps frame RMS energy onto [0, 1].
func probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	return math.Min(rms/referenceRMS, 1.0)
}
