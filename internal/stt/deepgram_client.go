package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
)

// messageCallbackHandler embeds the default handler and overrides only the
// methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// liveClient is the part of the SDK websocket client a session drives
type liveClient interface {
	Write(p []byte) (int, error)
	// Finalize asks Deepgram to flush buffered audio into a final result
	Finalize() error
	Stop()
}

var _ liveClient = (*listenClient.WSCallback)(nil)

// DeepgramConfig configures the hosted streaming engine
type DeepgramConfig struct {
	APIKey       string
	Model        string
	FlushQuiet   time.Duration // no traffic for this long after end of input means flushed
	FinalizeWait time.Duration // quiet allowed while waiting for the finalize response
	Reconnect    *resilience.ReconnectConfig
}

// DeepgramConfigFrom extracts engine settings from the service config
func DeepgramConfigFrom(cfg *config.Config) DeepgramConfig {
	return DeepgramConfig{
		APIKey:       cfg.DeepgramAPIKey,
		Model:        cfg.DeepgramModel,
		FlushQuiet:   time.Duration(cfg.DeepgramFlushQuiet) * time.Millisecond,
		FinalizeWait: time.Duration(cfg.DeepgramFinalize) * time.Millisecond,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}
}

// DeepgramEngine streams linear16 audio to Deepgram's live transcription API
type DeepgramEngine struct {
	cfg DeepgramConfig
}

// NewDeepgramEngine creates a Deepgram engine
func NewDeepgramEngine(cfg DeepgramConfig) *DeepgramEngine {
	if cfg.FlushQuiet <= 0 {
		cfg.FlushQuiet = 500 * time.Millisecond
	}
	if cfg.FinalizeWait < cfg.FlushQuiet {
		cfg.FinalizeWait = 3 * time.Second
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = resilience.DefaultReconnectConfig()
	}
	return &DeepgramEngine{cfg: cfg}
}

func (e *DeepgramEngine) Name() string { return "deepgram" }

func (e *DeepgramEngine) PreferredFormat(context.Context, string) (audio.Format, bool) {
	return audio.DefaultRecognitionFormat, true
}

// Open connects a live transcription websocket for locale
func (e *DeepgramEngine) Open(ctx context.Context, locale string, format audio.Format) (EngineSession, error) {
	if format.Sample != audio.SampleInt16 || !format.Interleaved {
		return nil, fmt.Errorf("%w: deepgram needs linear16, got %s", audio.ErrFormatUnsupported, format)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &deepgramSession{
		engine:  e,
		locale:  locale,
		format:  format,
		ctx:     sessionCtx,
		cancel:  cancel,
		results:   make(chan *TranscriptionResult, 100),
		finalized: make(chan struct{}, 1),
		logger:    observability.Component("deepgram").With().Str("locale", locale).Logger(),
	}
	if err := s.connect(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

type deepgramSession struct {
	engine *DeepgramEngine
	locale string
	format audio.Format
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.RWMutex
	client   liveClient
	isActive bool
	closed   bool
	err      error
	results  chan *TranscriptionResult

	// receives once Deepgram answers a Finalize request
	finalized chan struct{}

	lastActivity atomic.Int64
	reconnecting atomic.Bool
}

func (s *deepgramSession) connect() error {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.engine.cfg.Model,
		Language:       s.locale,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       s.format.Channels,
		SampleRate:     s.format.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                s.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			s.logger.Error().Interface("response", errorResponse).Msg("Deepgram error")
			observability.RecordError("deepgram", "stt")

			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			s.mu.Lock()
			s.isActive = false
			s.mu.Unlock()
			go s.attemptReconnect()
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(s.ctx, s.engine.cfg.APIKey, nil, tOptions, callback)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return errors.New("failed to connect to Deepgram")
	}

	s.mu.Lock()
	s.client = client
	s.isActive = true
	s.mu.Unlock()
	s.touch()

	s.logger.Info().Str("model", s.engine.cfg.Model).Msg("Deepgram streaming session connected")
	return nil
}

func (s *deepgramSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	s.touch()

	switch msg.Type {
	case "SpeechStarted", "UtteranceEnd", "Metadata":
		s.logger.Debug().Str("type", msg.Type).Msg("Deepgram event")

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			duration = alt.Words[len(alt.Words)-1].End - startTime
		}

		s.deliver(&TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  startTime,
			Duration:   duration,
		})
		if msg.FromFinalize {
			select {
			case s.finalized <- struct{}{}:
			default:
			}
		}

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Deepgram: unknown message type")
	}
}

// deliver blocks until the stream takes the result; finals must not be dropped
func (s *deepgramSession) deliver(result *TranscriptionResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.results <- result:
	case <-s.ctx.Done():
	}
}

func (s *deepgramSession) Send(chunk *audio.Chunk) error {
	s.mu.RLock()
	active, client := s.isActive, s.client
	s.mu.RUnlock()
	if !active || client == nil {
		return errors.New("deepgram client is not active")
	}

	data, err := chunk.PCM16Bytes()
	if err != nil {
		return err
	}
	if _, err := client.Write(data); err != nil {
		go s.attemptReconnect()
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	s.touch()
	return nil
}

func (s *deepgramSession) Results() <-chan *TranscriptionResult { return s.results }

// Finish tells Deepgram input has ended and waits for the finalize response
// before closing the stream. Without one it falls back to waiting for quiet.
func (s *deepgramSession) Finish(ctx context.Context) error {
	s.mu.RLock()
	client, active := s.client, s.isActive
	s.mu.RUnlock()

	quiet := s.engine.cfg.FlushQuiet
	if active && client != nil {
		if err := client.Finalize(); err != nil {
			s.logger.Warn().Err(err).Msg("Deepgram finalize failed, waiting for quiet instead")
		} else {
			quiet = s.engine.cfg.FinalizeWait
		}
	}
	s.touch()

	if err := s.awaitFlush(ctx, quiet); err != nil {
		return err
	}

	s.stop()
	s.closeResults()
	return nil
}

// awaitFlush returns once the finalize response arrived or Deepgram has been
// quiet for quiet
func (s *deepgramSession) awaitFlush(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if time.Since(time.Unix(0, s.lastActivity.Load())) >= quiet {
			s.logger.Debug().Dur("quiet", quiet).Msg("Deepgram quiet, closing without finalize response")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.finalized:
			return nil
		case <-ticker.C:
		}
	}
}

func (s *deepgramSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *deepgramSession) Close() error {
	s.cancel()
	s.stop()
	s.closeResults()
	return nil
}

// stop closes the websocket outside the lock; the SDK may still be
// delivering a message that needs it
func (s *deepgramSession) stop() {
	s.mu.Lock()
	client, active := s.client, s.isActive
	s.isActive = false
	s.mu.Unlock()

	if active && client != nil {
		client.Stop()
	}
}

func (s *deepgramSession) closeResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
}

// attemptReconnect re-establishes the websocket; giving up fails the session
func (s *deepgramSession) attemptReconnect() {
	if s.ctx.Err() != nil || !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	s.mu.RLock()
	alreadyActive, closed := s.isActive, s.closed
	s.mu.RUnlock()
	if alreadyActive || closed {
		return
	}

	err := resilience.Reconnect(s.ctx, s.connect, s.engine.cfg.Reconnect)
	if err == nil {
		s.logger.Info().Msg("Successfully reconnected Deepgram client")
		return
	}

	s.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeResults()
}
