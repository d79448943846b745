package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
)

// RunParticipant drives the voice loop for one room participant. It opens a
// VAD session and an STT stream, gates the participant's audio through VAD,
// and runs one tutoring turn per final transcript. It returns when frames is
// closed, when ctx is cancelled, or on an unrecoverable session error.
//
// Call once per participant, each from its own goroutine.
func (p *Pipeline) RunParticipant(ctx context.Context, userID string, frames <-chan audio.AudioFrame) error {
	vadSess, err := p.cfg.VAD.NewSession(vad.Config{
		SampleRate:       sttSampleRate,
		FrameSizeMs:      vadFrameSizeMs,
		SpeechThreshold:  p.cfg.SpeechThreshold,
		SilenceThreshold: p.cfg.SilenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("pipeline: VAD session for %s: %w", userID, err)
	}
	defer vadSess.Close()

	sttSess, err := p.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: sttSampleRate,
		Channels:   sttChannels,
		Language:   p.cfg.Language,
		Keywords:   p.cfg.Keywords,
	})
	if err != nil {
		return fmt.Errorf("pipeline: STT stream for %s: %w", userID, err)
	}

	// Partials only drive debug logging; turns consume finals exclusively.
	go func() {
		for tr := range sttSess.Partials() {
			slog.Debug("pipeline: partial transcript", "user", userID, "text", tr.Text)
		}
	}()

	// speechEnded carries the wall time of the last VAD speech-end event
	// from the audio loop to the finals consumer, where it anchors the STT
	// latency measurement (end of speech to final transcript).
	var speechEnded atomic.Int64

	finalsDone := make(chan struct{})
	go func() {
		defer close(finalsDone)
		p.consumeFinals(ctx, userID, sttSess.Finals(), &speechEnded)
	}()

	err = p.forwardAudio(ctx, userID, frames, vadSess, sttSess, &speechEnded)

	// Closing the STT session flushes pending audio and closes the finals
	// channel, letting the consumer drain the last turn.
	if cerr := sttSess.Close(); cerr != nil {
		slog.Warn("pipeline: STT session close failed", "user", userID, "error", cerr)
	}
	<-finalsDone
	return err
}

// forwardAudio converts room frames to the STT format, runs them through
// VAD, and forwards speech to the STT session. Speech onset during tutor
// playback triggers barge-in.
func (p *Pipeline) forwardAudio(
	ctx context.Context,
	userID string,
	frames <-chan audio.AudioFrame,
	vadSess vad.SessionHandle,
	sttSess stt.SessionHandle,
	speechEnded *atomic.Int64,
) error {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: sttSampleRate, Channels: sttChannels}}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}

			mono := conv.Convert(frame)
			if len(mono.Data) == 0 {
				continue
			}

			ev, verr := vadSess.ProcessFrame(mono.Data)
			if verr != nil {
				// Odd-sized frames confuse the detector but are still valid
				// audio; pass them through unguarded.
				slog.Debug("pipeline: VAD frame error", "user", userID, "error", verr)
				if serr := sttSess.SendAudio(mono.Data); serr != nil {
					return fmt.Errorf("pipeline: send audio for %s: %w", userID, serr)
				}
				continue
			}

			switch ev.Type {
			case vad.SpeechStart:
				p.Interrupt()
				fallthrough
			case vad.SpeechContinue, vad.SpeechEnd:
				if ev.Type == vad.SpeechEnd {
					speechEnded.Store(time.Now().UnixNano())
				}
				if serr := sttSess.SendAudio(mono.Data); serr != nil {
					return fmt.Errorf("pipeline: send audio for %s: %w", userID, serr)
				}
			case vad.Silence:
				// Gated: silence never reaches the STT provider.
			}
		}
	}
}

// consumeFinals runs one tutoring turn per final transcript, sequentially.
func (p *Pipeline) consumeFinals(ctx context.Context, userID string, finals <-chan stt.Transcript, speechEnded *atomic.Int64) {
	for tr := range finals {
		if p.cfg.Metrics != nil {
			if end := speechEnded.Swap(0); end != 0 {
				p.cfg.Metrics.STTDuration.Record(ctx, time.Since(time.Unix(0, end)).Seconds())
			}
		}
		text := tr.Text
		if p.cfg.Correct != nil {
			text = p.cfg.Correct(tr)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		p.takeTurn(ctx, userID, text)
	}
}

// takeTurn feeds one utterance through the completion handler and speaks the
// reply. Handler and TTS failures end the turn without ending the session.
func (p *Pipeline) takeTurn(ctx context.Context, userID, utterance string) {
	start := time.Now()

	reply, err := p.cfg.Handler.HandleTurn(ctx, utterance)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("pipeline: turn handler failed", "user", userID, "error", err)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordProviderError(ctx, "handler", "completion")
		}
		return
	}
	if reply == "" {
		return
	}

	// Replies are always interruptible: a learner should be able to talk
	// over the tutor.
	if err := p.speak(ctx, reply, true); err != nil {
		slog.Error("pipeline: reply synthesis failed", "user", userID, "error", err)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesis")
		}
		return
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		p.cfg.Metrics.RecordTurn(ctx, p.cfg.RoomID)
	}
	slog.Info("pipeline: turn completed",
		"user", userID,
		"room", p.cfg.RoomID,
		"utteranceChars", len(utterance),
		"replyChars", len(reply),
	)
}
