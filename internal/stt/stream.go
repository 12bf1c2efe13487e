package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/queue"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
)

// State is the lifecycle state of a Stream
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateStreaming
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamOptions tunes a Stream. Zero values get defaults.
type StreamOptions struct {
	Converter *audio.Converter
	Breaker   *resilience.CircuitBreaker
	Logger    *zerolog.Logger
}

// Stream converts pushed chunks to the engine's format, forwards them and
// turns engine results into an ordered, finite sequence of Events.
// A Stream is single-use.
type Stream struct {
	engine    Engine
	readiness Readiness
	converter *audio.Converter
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger

	mu        sync.Mutex
	state     State
	locale    string
	format    audio.Format
	session   EngineSession
	err       error
	finishing chan struct{}

	pending  *queue.Queue[Event]
	events   chan Event
	pumpDone chan struct{}

	// owned by the pump goroutine
	window  int
	partial *Event
}

// NewStream creates a stream over engine, gated by readiness
func NewStream(engine Engine, readiness Readiness, opts StreamOptions) *Stream {
	if opts.Converter == nil {
		opts.Converter = audio.NewConverter()
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(engine.Name(), 5, 30*time.Second)
	}
	logger := observability.Component("stt")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "stt").Logger()
	}

	s := &Stream{
		engine:    engine,
		readiness: readiness,
		converter: opts.Converter,
		breaker:   opts.Breaker,
		logger:    logger.With().Str("engine", engine.Name()).Logger(),
		state:     StateUninitialized,
		pending:   queue.New[Event](),
		events:    make(chan Event),
		pumpDone:  make(chan struct{}),
	}
	go s.forward()
	return s
}

// Events returns the ordered event sequence. It is closed once Finish
// completes or the stream fails.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// State returns the current state
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure reason once the stream is Failed
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Format returns the engine input format chosen by Start
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Start checks the locale, picks the engine format and opens an engine session
func (s *Stream) Start(ctx context.Context, locale string) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("stream already %s", state)
	}
	s.mu.Unlock()

	if s.readiness != nil {
		ready, err := s.readiness.IsReady(ctx, locale)
		if err != nil {
			return fmt.Errorf("check locale %s: %w", locale, err)
		}
		if !ready {
			return fmt.Errorf("%w: %s", ErrLocaleNotReady, locale)
		}
	}

	format, ok := s.engine.PreferredFormat(ctx, locale)
	if !ok || !format.Valid() {
		format = audio.DefaultRecognitionFormat
	}

	s.mu.Lock()
	s.state = StateReady
	s.locale = locale
	s.format = format
	s.mu.Unlock()

	session, err := s.engine.Open(ctx, locale, format)
	if err != nil {
		observability.RecordError("engine_open", "stt")
		s.fail(fmt.Errorf("%w: open %s session: %v", ErrEngineFailure, s.engine.Name(), err))
		return s.Err()
	}

	s.mu.Lock()
	s.session = session
	s.state = StateStreaming
	s.mu.Unlock()

	go s.pump(session)

	s.logger.Info().Str("locale", locale).Str("format", format.String()).Msg("Transcription stream started")
	return nil
}

// Push converts chunk and forwards it to the engine. Bad chunks and single
// send failures are logged and dropped; only an open circuit fails the stream.
func (s *Stream) Push(ctx context.Context, chunk *audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateStreaming || s.finishing != nil {
		s.mu.Unlock()
		return ErrNotStreaming
	}
	session, format := s.session, s.format
	s.mu.Unlock()

	if chunk.IsEmpty() {
		s.logger.Debug().Msg("Skipping empty chunk")
		observability.RecordChunkDropped("empty")
		return nil
	}

	converted, err := s.converter.Convert(chunk, format)
	if err != nil {
		s.logger.Warn().Err(err).Str("from", chunk.Format().String()).Msg("Dropping unconvertible chunk")
		observability.RecordChunkDropped("conversion")
		observability.RecordError("conversion", "stt")
		return nil
	}

	started := time.Now()
	err = s.breaker.Call(func() error {
		return session.Send(converted)
	})
	observability.UpdateCircuitBreakerState(s.breaker.Name(), int(s.breaker.GetState()))
	if err == nil {
		observability.RecordEngineLatency(s.engine.Name(), time.Since(started))
		return nil
	}

	observability.IncrementCircuitBreakerFailures(s.breaker.Name())
	if errors.Is(err, resilience.ErrCircuitOpen) || s.breaker.GetState() == resilience.StateOpen {
		s.fail(fmt.Errorf("%w: %v", ErrEngineFailure, err))
		return s.Err()
	}

	s.logger.Warn().Err(err).Msg("Failed to send chunk to engine")
	observability.RecordChunkDropped("engine")
	observability.RecordError("engine_send", "stt")
	return nil
}

// Finish ends input, waits for the engine to flush and closes every window
// still holding a Partial with a Final. Calling it again is a no-op.
func (s *Stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finishing != nil {
		done := s.finishing
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.finishing = make(chan struct{})
	defer close(s.finishing)

	switch s.state {
	case StateFinished, StateFailed:
		s.mu.Unlock()
		return nil
	case StateUninitialized, StateReady:
		s.state = StateFinished
		s.mu.Unlock()
		s.pending.Close()
		return nil
	}
	session := s.session
	s.mu.Unlock()

	var finishErr error
	if err := session.Finish(ctx); err != nil {
		finishErr = fmt.Errorf("%w: flush: %v", ErrEngineFailure, err)
		s.logger.Warn().Err(err).Msg("Engine flush failed")
		session.Close()
	}

	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		s.logger.Warn().Msg("Engine flush timed out, closing session")
		session.Close()
		<-s.pumpDone
		if finishErr == nil {
			finishErr = ctx.Err()
		}
	}
	session.Close()

	s.mu.Lock()
	if s.state == StateStreaming {
		s.state = StateFinished
	}
	s.mu.Unlock()

	s.logger.Info().Int("windows", s.window).Msg("Transcription stream finished")
	return finishErr
}

// fail moves the stream to Failed and tears down the engine session
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.state == StateFinished || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	started := s.session != nil
	s.state = StateFailed
	s.err = err
	session := s.session
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Transcription stream failed")
	observability.RecordError("engine_failure", "stt")

	if session != nil {
		session.Close()
	}
	if !started {
		s.pending.Close()
	}
}

// pump turns engine results into events. It is the only writer of events.
func (s *Stream) pump(session EngineSession) {
	defer close(s.pumpDone)
	defer s.pending.Close()

	for res := range session.Results() {
		s.handle(res)
	}

	// input ended: resolve the open window with the last partial
	s.closeWindow(nil)

	s.mu.Lock()
	unexpected := s.finishing == nil && s.state == StateStreaming
	s.mu.Unlock()
	if unexpected {
		cause := session.Err()
		if cause == nil {
			cause = errors.New("results closed unexpectedly")
		}
		s.fail(fmt.Errorf("%w: %v", ErrEngineFailure, cause))
	}
}

func (s *Stream) handle(res *TranscriptionResult) {
	if res == nil {
		return
	}
	text := strings.TrimSpace(res.Text)

	if !res.IsFinal {
		if text == "" {
			return
		}
		ev := Event{Kind: EventPartial, Text: text, Range: res.timeRange(), Window: s.window}
		s.partial = &ev
		s.emit(ev)
		return
	}

	if text == "" {
		// an empty final still closes a window that showed partial text
		s.closeWindow(nil)
		return
	}
	s.closeWindow(&Event{Kind: EventFinal, Text: text, Range: res.timeRange()})
}

// closeWindow emits the Final for the current window. A nil final promotes
// the pending partial, if any.
func (s *Stream) closeWindow(final *Event) {
	if final == nil {
		if s.partial == nil {
			return
		}
		ev := *s.partial
		ev.Kind = EventFinal
		final = &ev
	}
	final.Window = s.window
	s.emit(*final)
	s.partial = nil
	s.window++
}

func (s *Stream) emit(ev Event) {
	observability.RecordTranscriptEvent(ev.Kind.String())
	s.pending.Enqueue(ev)
}

// forward hands queued events to the events channel without ever blocking the pump
func (s *Stream) forward() {
	for {
		ev, ok := s.pending.Dequeue(context.Background())
		if !ok {
			close(s.events)
			return
		}
		s.events <- ev
	}
}
