package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Snehasis4321/language-learning-backend/internal/observe"
	"github.com/Snehasis4321/language-learning-backend/internal/pipeline"
	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
	sttmock "github.com/Snehasis4321/language-learning-backend/pkg/provider/stt/mock"
	ttsmock "github.com/Snehasis4321/language-learning-backend/pkg/provider/tts/mock"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/vad"
	vadmock "github.com/Snehasis4321/language-learning-backend/pkg/provider/vad/mock"
)

// stubHandler is a CompletionHandler that records utterances and returns a
// fixed reply.
type stubHandler struct {
	mu         sync.Mutex
	reply      string
	err        error
	utterances []string
}

func (h *stubHandler) HandleTurn(_ context.Context, utterance string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.utterances = append(h.utterances, utterance)
	return h.reply, h.err
}

func (h *stubHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.utterances))
	copy(out, h.utterances)
	return out
}

// testDeps bundles the mocks behind a pipeline under test.
type testDeps struct {
	sttP    *sttmock.Provider
	sttSess *sttmock.Session
	ttsP    *ttsmock.Provider
	vadE    *vadmock.Engine
	vadSess *vadmock.Session
	handler *stubHandler
	output  chan audio.AudioFrame
}

func newTestPipeline(t *testing.T) (*pipeline.Pipeline, *testDeps) {
	t.Helper()

	d := &testDeps{
		sttSess: &sttmock.Session{
			PartialsCh: make(chan stt.Transcript, 16),
			FinalsCh:   make(chan stt.Transcript, 16),
		},
		ttsP:    &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}},
		vadSess: &vadmock.Session{},
		handler: &stubHandler{reply: "How interesting! Tell me more."},
		output:  make(chan audio.AudioFrame, 256),
	}
	d.sttP = &sttmock.Provider{Session: d.sttSess}
	d.vadE = &vadmock.Engine{Session: d.vadSess}

	p, err := pipeline.New(pipeline.Config{
		STT:     d.sttP,
		TTS:     d.ttsP,
		VAD:     d.vadE,
		Handler: d.handler,
		Output:  d.output,
		RoomID:  "test-room",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, d
}

// roomFrame returns a 20 ms 48 kHz stereo frame of silence (3840 bytes).
func roomFrame() audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, 3840),
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  0,
	}
}

// waitDone fails the test if fn does not return within two seconds.
func waitDone(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// ─── Construction ─────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	base := func() pipeline.Config {
		return pipeline.Config{
			STT:     &sttmock.Provider{},
			TTS:     &ttsmock.Provider{},
			VAD:     &vadmock.Engine{},
			Handler: &stubHandler{},
			Output:  make(chan audio.AudioFrame, 1),
		}
	}

	tests := []struct {
		name   string
		mutate func(*pipeline.Config)
	}{
		{"missing STT", func(c *pipeline.Config) { c.STT = nil }},
		{"missing TTS", func(c *pipeline.Config) { c.TTS = nil }},
		{"missing VAD", func(c *pipeline.Config) { c.VAD = nil }},
		{"missing handler", func(c *pipeline.Config) { c.Handler = nil }},
		{"missing output", func(c *pipeline.Config) { c.Output = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			if _, err := pipeline.New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := pipeline.New(base()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

// ─── Say and playback ─────────────────────────────────────────────────────────

func TestSay_StreamsRoomFormatAudio(t *testing.T) {
	t.Parallel()
	p, d := newTestPipeline(t)

	if err := p.Say(context.Background(), "Hello there!", false); err != nil {
		t.Fatalf("Say: %v", err)
	}
	p.Wait()

	select {
	case frame := <-d.output:
		if frame.SampleRate != 48000 || frame.Channels != 2 {
			t.Errorf("output format = %dHz/%dch, want 48000Hz/2ch", frame.SampleRate, frame.Channels)
		}
		if len(frame.Data) == 0 {
			t.Error("output frame has no data")
		}
	default:
		t.Fatal("no audio reached the output")
	}

	text := d.ttsP.Text()
	if len(text) != 1 || text[0] != "Hello there!" {
		t.Errorf("synthesized text = %q", text)
	}
}

func TestSay_BlankTextIsNoop(t *testing.T) {
	t.Parallel()
	p, d := newTestPipeline(t)

	if err := p.Say(context.Background(), "   ", false); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if n := len(d.ttsP.SynthesizeStreamCalls); n != 0 {
		t.Errorf("SynthesizeStream calls = %d, want 0", n)
	}
}

func TestSay_TTSStartFailure(t *testing.T) {
	t.Parallel()
	p, d := newTestPipeline(t)
	d.ttsP.SynthesizeErr = context.DeadlineExceeded

	if err := p.Say(context.Background(), "hi", false); err == nil {
		t.Fatal("expected error")
	}
}

func TestInterrupt_CutsInterruptiblePlayback(t *testing.T) {
	t.Parallel()
	// Unread unbuffered output keeps the playback goroutine blocked mid-stream.
	out := make(chan audio.AudioFrame)
	p, _ := newTestPipelineWithOutput(t, out)

	if err := p.Say(context.Background(), "a long explanation", true); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if !p.Interrupt() {
		t.Fatal("Interrupt returned false for interruptible playback")
	}
	waitDone(t, "playback cancellation", p.Wait)

	// Slot released: nothing left to interrupt.
	if p.Interrupt() {
		t.Error("Interrupt returned true with no active playback")
	}
}

func TestInterrupt_IgnoresProtectedPlayback(t *testing.T) {
	t.Parallel()
	out := make(chan audio.AudioFrame)
	p, _ := newTestPipelineWithOutput(t, out)

	if err := p.Say(context.Background(), "do not interrupt", false); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if p.Interrupt() {
		t.Error("Interrupt cut off a non-interruptible playback")
	}

	// Drain so the playback can finish.
	go func() {
		for range out {
		}
	}()
	waitDone(t, "playback", p.Wait)
	close(out)
}

func TestClose_RejectsFurtherSay(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := p.Say(context.Background(), "hello", false); err == nil {
		t.Error("Say after Close succeeded")
	}
}

// newTestPipelineWithOutput builds a pipeline whose output is the given
// channel.
func newTestPipelineWithOutput(t *testing.T, out chan audio.AudioFrame) (*pipeline.Pipeline, *testDeps) {
	t.Helper()
	d := &testDeps{
		sttSess: &sttmock.Session{
			PartialsCh: make(chan stt.Transcript, 16),
			FinalsCh:   make(chan stt.Transcript, 16),
		},
		ttsP:    &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320), make([]byte, 320)}},
		vadSess: &vadmock.Session{},
		handler: &stubHandler{reply: "reply"},
		output:  out,
	}
	d.sttP = &sttmock.Provider{Session: d.sttSess}
	d.vadE = &vadmock.Engine{Session: d.vadSess}

	p, err := pipeline.New(pipeline.Config{
		STT:     d.sttP,
		TTS:     d.ttsP,
		VAD:     d.vadE,
		Handler: d.handler,
		Output:  out,
		RoomID:  "test-room",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, d
}

// ─── Participant loop ─────────────────────────────────────────────────────────

func TestRunParticipant_TurnFlow(t *testing.T) {
	t.Parallel()
	p, d := newTestPipeline(t)

	// Script the VAD: speech, speech, then silence (gated).
	var vadCalls int
	d.vadSess.EventFn = func(_ []byte) (vad.Event, error) {
		vadCalls++
		switch vadCalls {
		case 1:
			return vad.Event{Type: vad.SpeechStart, Probability: 0.9}, nil
		case 2:
			return vad.Event{Type: vad.SpeechContinue, Probability: 0.8}, nil
		default:
			return vad.Event{Type: vad.Silence, Probability: 0.1}, nil
		}
	}

	frames := make(chan audio.AudioFrame, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunParticipant(context.Background(), "learner-1", frames)
	}()

	for range 3 {
		frames <- roomFrame()
	}
	d.sttSess.FinalsCh <- stt.Transcript{Text: "  I want to visit Paris  ", IsFinal: true}

	close(frames)
	close(d.sttSess.FinalsCh)
	close(d.sttSess.PartialsCh)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunParticipant: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunParticipant did not return")
	}
	p.Wait()

	// Only the two speech frames reached STT, converted to 16 kHz mono.
	if got := d.sttSess.SendAudioCallCount(); got != 2 {
		t.Errorf("SendAudio calls = %d, want 2", got)
	}
	for _, chunk := range d.sttSess.SendAudioCalls {
		if len(chunk) != 640 {
			t.Errorf("STT chunk = %d bytes, want 640 (20ms 16kHz mono)", len(chunk))
		}
	}

	// The final transcript drove exactly one trimmed turn.
	if got := d.handler.seen(); len(got) != 1 || got[0] != "I want to visit Paris" {
		t.Errorf("handler utterances = %q", got)
	}

	// The reply was synthesized and reached the room.
	text := d.ttsP.Text()
	if len(text) != 1 || text[0] != "How interesting! Tell me more." {
		t.Errorf("synthesized text = %q", text)
	}
	if d.sttSess.CloseCallCount != 1 {
		t.Errorf("STT session Close calls = %d, want 1", d.sttSess.CloseCallCount)
	}
	if d.vadSess.CloseCallCount != 1 {
		t.Errorf("VAD session Close calls = %d, want 1", d.vadSess.CloseCallCount)
	}
}

func TestRunParticipant_AppliesCorrection(t *testing.T) {
	t.Parallel()

	d := &testDeps{
		sttSess: &sttmock.Session{
			PartialsCh: make(chan stt.Transcript, 16),
			FinalsCh:   make(chan stt.Transcript, 16),
		},
		ttsP:    &ttsmock.Provider{},
		vadSess: &vadmock.Session{EventResult: vad.Event{Type: vad.Silence}},
		handler: &stubHandler{reply: "ok"},
		output:  make(chan audio.AudioFrame, 16),
	}
	d.sttP = &sttmock.Provider{Session: d.sttSess}
	d.vadE = &vadmock.Engine{Session: d.vadSess}

	p, err := pipeline.New(pipeline.Config{
		STT:     d.sttP,
		TTS:     d.ttsP,
		VAD:     d.vadE,
		Handler: d.handler,
		Output:  d.output,
		Correct: func(tr stt.Transcript) string { return "boulangerie" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames := make(chan audio.AudioFrame)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunParticipant(context.Background(), "learner-1", frames)
	}()

	d.sttSess.FinalsCh <- stt.Transcript{Text: "boulangeree", IsFinal: true, Confidence: 0.4}
	close(frames)
	close(d.sttSess.FinalsCh)
	close(d.sttSess.PartialsCh)

	waitDone(t, "RunParticipant", func() { <-errCh })

	if got := d.handler.seen(); len(got) != 1 || got[0] != "boulangerie" {
		t.Errorf("handler utterances = %q, want corrected text", got)
	}
}

// newTestMetrics returns Metrics backed by a ManualReader so tests can
// inspect recorded values.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// histogramCount returns the number of samples recorded in the named
// float64 histogram, or 0 when the metric has no data points.
func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) == 0 {
				return 0
			}
			return hist.DataPoints[0].Count
		}
	}
	return 0
}

func TestRunParticipant_RecordsSTTLatency(t *testing.T) {
	t.Parallel()

	metrics, reader := newTestMetrics(t)

	d := &testDeps{
		sttSess: &sttmock.Session{
			PartialsCh: make(chan stt.Transcript, 16),
			FinalsCh:   make(chan stt.Transcript, 16),
		},
		ttsP:    &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}},
		vadSess: &vadmock.Session{},
		handler: &stubHandler{reply: "ok"},
		output:  make(chan audio.AudioFrame, 256),
	}
	d.sttP = &sttmock.Provider{Session: d.sttSess}
	d.vadE = &vadmock.Engine{Session: d.vadSess}

	p, err := pipeline.New(pipeline.Config{
		STT:     d.sttP,
		TTS:     d.ttsP,
		VAD:     d.vadE,
		Handler: d.handler,
		Output:  d.output,
		RoomID:  "test-room",
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Script the VAD: speech onset, then end of speech.
	var vadCalls int
	d.vadSess.EventFn = func(_ []byte) (vad.Event, error) {
		vadCalls++
		if vadCalls == 1 {
			return vad.Event{Type: vad.SpeechStart, Probability: 0.9}, nil
		}
		return vad.Event{Type: vad.SpeechEnd, Probability: 0.3}, nil
	}

	frames := make(chan audio.AudioFrame, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunParticipant(context.Background(), "learner-1", frames)
	}()

	frames <- roomFrame()
	frames <- roomFrame()

	// The end-of-speech mark must be in place before the final arrives.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.sttSess.SendAudioCallCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := d.sttSess.SendAudioCallCount(); got < 2 {
		t.Fatalf("SendAudio calls = %d, want 2", got)
	}

	d.sttSess.FinalsCh <- stt.Transcript{Text: "bonjour", IsFinal: true}
	close(frames)
	close(d.sttSess.FinalsCh)
	close(d.sttSess.PartialsCh)

	waitDone(t, "RunParticipant", func() { <-errCh })
	p.Wait()

	if got := histogramCount(t, reader, "tutor.stt.duration"); got != 1 {
		t.Errorf("tutor.stt.duration samples = %d, want 1", got)
	}
}

func TestRunParticipant_EmptyTranscriptSkipped(t *testing.T) {
	t.Parallel()
	p, d := newTestPipeline(t)

	frames := make(chan audio.AudioFrame)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunParticipant(context.Background(), "learner-1", frames)
	}()

	d.sttSess.FinalsCh <- stt.Transcript{Text: "   ", IsFinal: true}
	close(frames)
	close(d.sttSess.FinalsCh)
	close(d.sttSess.PartialsCh)
	waitDone(t, "RunParticipant", func() { <-errCh })

	if got := d.handler.seen(); len(got) != 0 {
		t.Errorf("handler utterances = %q, want none", got)
	}
}

func TestRunParticipant_BargeIn(t *testing.T) {
	t.Parallel()
	out := make(chan audio.AudioFrame)
	p, d := newTestPipelineWithOutput(t, out)
	d.vadSess.EventFn = func(_ []byte) (vad.Event, error) {
		return vad.Event{Type: vad.SpeechStart, Probability: 0.95}, nil
	}

	// Playback blocks on the unread output until the learner barges in.
	if err := p.Say(context.Background(), "a very long monologue", true); err != nil {
		t.Fatalf("Say: %v", err)
	}

	frames := make(chan audio.AudioFrame, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunParticipant(context.Background(), "learner-1", frames)
	}()

	frames <- roomFrame()
	waitDone(t, "barge-in cancellation", p.Wait)

	close(frames)
	close(d.sttSess.FinalsCh)
	close(d.sttSess.PartialsCh)
	waitDone(t, "RunParticipant", func() { <-errCh })
}

func TestRunParticipant_ProviderFailures(t *testing.T) {
	t.Parallel()

	t.Run("vad session error", func(t *testing.T) {
		t.Parallel()
		p, d := newTestPipeline(t)
		d.vadE.NewSessionErr = context.DeadlineExceeded

		err := p.RunParticipant(context.Background(), "learner-1", make(chan audio.AudioFrame))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("stt stream error", func(t *testing.T) {
		t.Parallel()
		p, d := newTestPipeline(t)
		d.sttP.StartStreamErr = context.DeadlineExceeded

		err := p.RunParticipant(context.Background(), "learner-1", make(chan audio.AudioFrame))
		if err == nil {
			t.Fatal("expected error")
		}
		if d.vadSess.CloseCallCount != 1 {
			t.Errorf("VAD session Close calls = %d, want 1", d.vadSess.CloseCallCount)
		}
	})
}

func TestRunParticipant_ContextCancelled(t *testing.T) {
	t.Parallel()
	p, d := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan audio.AudioFrame)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunParticipant(ctx, "learner-1", frames)
	}()

	cancel()
	close(d.sttSess.FinalsCh)
	close(d.sttSess.PartialsCh)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunParticipant did not return after cancellation")
	}
}
