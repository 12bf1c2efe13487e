package stt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
)

type staticReadiness bool

func (r staticReadiness) IsReady(context.Context, string) (bool, error) {
	return bool(r), nil
}

type fakeSession struct {
	results   chan *TranscriptionResult
	onSend    func(s *fakeSession, chunk *audio.Chunk)
	onFinish  func(s *fakeSession)
	sendErr   error
	err       error
	closeOnce sync.Once

	mu       sync.Mutex
	received []*audio.Chunk
}

func newFakeSession() *fakeSession {
	return &fakeSession{results: make(chan *TranscriptionResult, 64)}
}

func (s *fakeSession) Send(chunk *audio.Chunk) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	s.received = append(s.received, chunk)
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(s, chunk)
	}
	return nil
}

func (s *fakeSession) Results() <-chan *TranscriptionResult { return s.results }

func (s *fakeSession) Finish(context.Context) error {
	if s.onFinish != nil {
		s.onFinish(s)
	}
	s.closeResults()
	return nil
}

func (s *fakeSession) Err() error { return s.err }

func (s *fakeSession) Close() error {
	s.closeResults()
	return nil
}

func (s *fakeSession) closeResults() {
	s.closeOnce.Do(func() { close(s.results) })
}

func (s *fakeSession) receivedChunks() []*audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*audio.Chunk(nil), s.received...)
}

type fakeEngine struct {
	format    audio.Format
	hasFormat bool
	session   *fakeSession
	opens     int
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) PreferredFormat(context.Context, string) (audio.Format, bool) {
	return e.format, e.hasFormat
}

func (e *fakeEngine) Open(context.Context, string, audio.Format) (EngineSession, error) {
	e.opens++
	return e.session, nil
}

func pcmChunk(t *testing.T, frames int, amplitude float64) *audio.Chunk {
	t.Helper()
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	chunk, err := audio.NewInt16Chunk(audio.DefaultRecognitionFormat, samples)
	if err != nil {
		t.Fatalf("NewInt16Chunk failed: %v", err)
	}
	return chunk
}

func collectEvents(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("Timed out waiting for the events channel to close")
		}
	}
}

func startStream(t *testing.T, engine Engine, opts StreamOptions) *Stream {
	t.Helper()
	s := NewStream(engine, staticReadiness(true), opts)
	if err := s.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("Expected Streaming, got %s", s.State())
	}
	return s
}

func TestStream_StartRequiresReadyLocale(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	s := NewStream(engine, staticReadiness(false), StreamOptions{})

	err := s.Start(context.Background(), "fr-FR")
	if !errors.Is(err, ErrLocaleNotReady) {
		t.Fatalf("Expected ErrLocaleNotReady, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("Expected Uninitialized, got %s", s.State())
	}
	if engine.opens != 0 {
		t.Errorf("Expected no engine session, got %d", engine.opens)
	}
	if err := s.Finish(context.Background()); err != nil {
		t.Errorf("Expected Finish on an unstarted stream to succeed, got %v", err)
	}
	if events := collectEvents(t, s); len(events) != 0 {
		t.Errorf("Expected no events, got %v", events)
	}
}

func TestStream_DefaultFormatFallback(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	s := startStream(t, engine, StreamOptions{})
	defer s.Finish(context.Background())

	if s.Format() != audio.DefaultRecognitionFormat {
		t.Errorf("Expected %s, got %s", audio.DefaultRecognitionFormat, s.Format())
	}
}

func TestStream_SilenceProducesNoFinalText(t *testing.T) {
	engine := NewUtteranceEngine("mock", NewMockRecognizer(), DefaultUtteranceConfig())
	s := startStream(t, engine, StreamOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Push(ctx, pcmChunk(t, 1600, 0)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	for _, ev := range collectEvents(t, s) {
		if ev.Kind == EventFinal && ev.Text != "" {
			t.Errorf("Expected no final text for silence, got %q", ev.Text)
		}
	}
	if s.State() != StateFinished {
		t.Errorf("Expected Finished, got %s", s.State())
	}
}

func TestStream_EmptyChunkIsSkipped(t *testing.T) {
	session := newFakeSession()
	session.onSend = func(s *fakeSession, chunk *audio.Chunk) {
		s.results <- &TranscriptionResult{Text: "hello"}
	}
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})
	ctx := context.Background()

	empty, err := audio.NewInt16Chunk(audio.DefaultRecognitionFormat, nil)
	if err != nil {
		t.Fatalf("NewInt16Chunk failed: %v", err)
	}
	if err := s.Push(ctx, empty); err != nil {
		t.Errorf("Expected empty chunk to be skipped without error, got %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("Expected Streaming, got %s", s.State())
	}
	if n := len(session.receivedChunks()); n != 0 {
		t.Errorf("Expected no chunk forwarded, got %d", n)
	}

	s.Finish(ctx)
	if events := collectEvents(t, s); len(events) != 0 {
		t.Errorf("Expected no events, got %v", events)
	}
}

func TestStream_OrderedWindows(t *testing.T) {
	session := newFakeSession()
	var sent int
	session.onSend = func(s *fakeSession, chunk *audio.Chunk) {
		sent++
		window := (sent - 1) / 3
		if sent%3 == 0 {
			s.results <- &TranscriptionResult{Text: fmt.Sprintf("window %d", window), IsFinal: true}
			return
		}
		s.results <- &TranscriptionResult{Text: fmt.Sprintf("window %d part %d", window, sent%3)}
	}
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if err := s.Push(ctx, pcmChunk(t, 320, 4000)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	events := collectEvents(t, s)
	if len(events) != 9 {
		t.Fatalf("Expected 9 events, got %d: %v", len(events), events)
	}

	finals := map[int]int{}
	lastWindow := 0
	for _, ev := range events {
		if ev.Window < lastWindow {
			t.Errorf("Expected non-decreasing windows, got %d after %d", ev.Window, lastWindow)
		}
		if finals[ev.Window] > 0 {
			t.Errorf("Expected nothing after the final of window %d, got %+v", ev.Window, ev)
		}
		if ev.Kind == EventFinal {
			finals[ev.Window]++
			if ev.Text != fmt.Sprintf("window %d", ev.Window) {
				t.Errorf("Expected final text for window %d, got %q", ev.Window, ev.Text)
			}
		}
		lastWindow = ev.Window
	}
	for w := 0; w < 3; w++ {
		if finals[w] != 1 {
			t.Errorf("Expected exactly one final for window %d, got %d", w, finals[w])
		}
	}
}

func TestStream_FinishResolvesPendingPartial(t *testing.T) {
	session := newFakeSession()
	session.onSend = func(s *fakeSession, chunk *audio.Chunk) {
		s.results <- &TranscriptionResult{Text: "trailing speech", StartTime: 1, Duration: 0.5}
	}
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})
	ctx := context.Background()

	if err := s.Push(ctx, pcmChunk(t, 320, 4000)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	events := collectEvents(t, s)
	if len(events) != 2 {
		t.Fatalf("Expected partial and final, got %v", events)
	}
	final := events[1]
	if final.Kind != EventFinal || final.Text != "trailing speech" || final.Window != 0 {
		t.Errorf("Expected final 'trailing speech' in window 0, got %+v", final)
	}
	if final.Range.Start != time.Second || final.Range.End != 1500*time.Millisecond {
		t.Errorf("Expected range 1s-1.5s, got %v-%v", final.Range.Start, final.Range.End)
	}
}

func TestStream_FinishIdempotent(t *testing.T) {
	session := newFakeSession()
	session.onSend = func(s *fakeSession, chunk *audio.Chunk) {
		s.results <- &TranscriptionResult{Text: "only once"}
	}
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})
	ctx := context.Background()

	s.Push(ctx, pcmChunk(t, 320, 4000))
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("First Finish failed: %v", err)
	}
	if err := s.Finish(ctx); err != nil {
		t.Errorf("Expected second Finish to succeed, got %v", err)
	}
	if s.State() != StateFinished {
		t.Errorf("Expected Finished, got %s", s.State())
	}

	finals := 0
	for _, ev := range collectEvents(t, s) {
		if ev.Kind == EventFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("Expected 1 final event, got %d", finals)
	}
}

func TestStream_PushAfterFinish(t *testing.T) {
	s := startStream(t, &fakeEngine{session: newFakeSession()}, StreamOptions{})
	ctx := context.Background()
	s.Finish(ctx)

	if err := s.Push(ctx, pcmChunk(t, 320, 0)); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming, got %v", err)
	}
}

func TestStream_ConvertsToEngineFormat(t *testing.T) {
	session := newFakeSession()
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})
	ctx := context.Background()

	src := audio.Format{SampleRate: 48000, Channels: 2, Sample: audio.SampleFloat32, Interleaved: true}
	chunk, err := audio.NewFloat32Chunk(src, make([]float32, 4800*2))
	if err != nil {
		t.Fatalf("NewFloat32Chunk failed: %v", err)
	}
	if err := s.Push(ctx, chunk); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	s.Finish(ctx)

	received := session.receivedChunks()
	if len(received) != 1 {
		t.Fatalf("Expected 1 forwarded chunk, got %d", len(received))
	}
	if received[0].Format() != audio.DefaultRecognitionFormat {
		t.Errorf("Expected %s, got %s", audio.DefaultRecognitionFormat, received[0].Format())
	}
	if received[0].Frames() != 1600 {
		t.Errorf("Expected 1600 frames, got %d", received[0].Frames())
	}
}

func TestStream_UnconvertibleChunkIsDropped(t *testing.T) {
	session := newFakeSession()
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})
	ctx := context.Background()
	defer s.Finish(ctx)

	// 3 -> 1 is mappable, but 2 -> 3 is not
	chunk, err := audio.NewInt16Chunk(audio.PCM16(16000, 2), make([]int16, 640))
	if err != nil {
		t.Fatalf("NewInt16Chunk failed: %v", err)
	}
	target := audio.PCM16(16000, 3)
	s.mu.Lock()
	s.format = target
	s.mu.Unlock()

	if err := s.Push(ctx, chunk); err != nil {
		t.Errorf("Expected conversion failure to be absorbed, got %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("Expected Streaming, got %s", s.State())
	}
	if n := len(session.receivedChunks()); n != 0 {
		t.Errorf("Expected nothing forwarded, got %d", n)
	}
}

func TestStream_RepeatedEngineFailuresFailStream(t *testing.T) {
	session := newFakeSession()
	session.sendErr = errors.New("connection reset")
	breaker := resilience.NewCircuitBreaker("fake", 2, time.Minute)
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{Breaker: breaker})
	ctx := context.Background()

	if err := s.Push(ctx, pcmChunk(t, 320, 4000)); err != nil {
		t.Errorf("Expected a single failure to be absorbed, got %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("Expected Streaming after one failure, got %s", s.State())
	}

	err := s.Push(ctx, pcmChunk(t, 320, 4000))
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("Expected ErrEngineFailure, got %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("Expected Failed, got %s", s.State())
	}
	collectEvents(t, s)

	if err := s.Push(ctx, pcmChunk(t, 320, 4000)); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming after failure, got %v", err)
	}
}

func TestStream_EngineDropFailsStream(t *testing.T) {
	session := newFakeSession()
	session.err = errors.New("backend unavailable")
	s := startStream(t, &fakeEngine{session: session}, StreamOptions{})

	session.results <- &TranscriptionResult{Text: "half a sen"}
	session.closeResults()

	events := collectEvents(t, s)
	if len(events) != 2 || events[1].Kind != EventFinal {
		t.Errorf("Expected the open window to be closed, got %v", events)
	}
	if s.State() != StateFailed {
		t.Errorf("Expected Failed, got %s", s.State())
	}
	if !errors.Is(s.Err(), ErrEngineFailure) {
		t.Errorf("Expected ErrEngineFailure, got %v", s.Err())
	}
}

func TestStream_NotRestartable(t *testing.T) {
	s := startStream(t, &fakeEngine{session: newFakeSession()}, StreamOptions{})
	defer s.Finish(context.Background())

	if err := s.Start(context.Background(), "en-US"); err == nil {
		t.Error("Expected second Start to fail")
	}
}
