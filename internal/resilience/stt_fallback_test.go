package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	sttmock "github.com/Snehasis4321/language-learning-backend/pkg/provider/stt/mock"
)

func TestSTTFallback_UsesPrimary(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	sess, err := f.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if sess == nil {
		t.Fatal("nil session")
	}
	if len(primary.StartStreamCalls) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.StartStreamCalls))
	}
	if len(secondary.StartStreamCalls) != 0 {
		t.Errorf("secondary calls = %d, want 0", len(secondary.StartStreamCalls))
	}
}

func TestSTTFallback_FailsOverOnStartError(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errBackend}
	secondary := &sttmock.Provider{}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	if _, err := f.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if len(secondary.StartStreamCalls) != 1 {
		t.Errorf("secondary calls = %d, want 1", len(secondary.StartStreamCalls))
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errBackend}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})

	_, err := f.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_OpenBreakerBypassesPrimary(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errBackend}
	secondary := &sttmock.Provider{}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	f.AddFallback("whisper", secondary)

	// Two failures trip the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := f.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
			t.Fatalf("StartStream %d: %v", i, err)
		}
	}
	if _, err := f.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Fatalf("StartStream with open primary: %v", err)
	}
	if len(primary.StartStreamCalls) != 2 {
		t.Errorf("primary calls = %d, want 2 (third skipped)", len(primary.StartStreamCalls))
	}
	if len(secondary.StartStreamCalls) != 3 {
		t.Errorf("secondary calls = %d, want 3", len(secondary.StartStreamCalls))
	}
}
