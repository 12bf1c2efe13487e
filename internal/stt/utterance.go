package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/queue"
)

// UtteranceConfig tunes utterance segmentation
type UtteranceConfig struct {
	EnergyThreshold float64
	SilenceFrames   int           // 20ms frames of silence that end an utterance
	PartialEvery    time.Duration // speech between partial recognitions, 0 disables partials
	Timeout         time.Duration // upper bound for one recognition
}

// DefaultUtteranceConfig returns segmentation defaults for 16kHz speech
func DefaultUtteranceConfig() UtteranceConfig {
	vad := audio.DefaultVADConfig()
	return UtteranceConfig{
		EnergyThreshold: vad.EnergyThreshold,
		SilenceFrames:   vad.SilenceFrames,
		PartialEvery:    800 * time.Millisecond,
		Timeout:         45 * time.Second,
	}
}

// UtteranceEngine is a local engine: it splits audio into utterance windows
// with an energy VAD and asks a Recognizer for partial and final text.
type UtteranceEngine struct {
	name       string
	recognizer Recognizer
	cfg        UtteranceConfig
}

// NewUtteranceEngine creates an engine named name over recognizer
func NewUtteranceEngine(name string, recognizer Recognizer, cfg UtteranceConfig) *UtteranceEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &UtteranceEngine{name: name, recognizer: recognizer, cfg: cfg}
}

func (e *UtteranceEngine) Name() string { return e.name }

func (e *UtteranceEngine) PreferredFormat(context.Context, string) (audio.Format, bool) {
	return audio.DefaultRecognitionFormat, true
}

// Open starts a session; format must be interleaved PCM-16
func (e *UtteranceEngine) Open(ctx context.Context, locale string, format audio.Format) (EngineSession, error) {
	if format.Sample != audio.SampleInt16 || !format.Interleaved || !format.Valid() {
		return nil, fmt.Errorf("%w: %s engine needs interleaved pcm16, got %s", audio.ErrFormatUnsupported, e.name, format)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &utteranceSession{
		engine:  e,
		locale:  locale,
		format:  format,
		input:   queue.New[*audio.Chunk](),
		results: make(chan *TranscriptionResult, 32),
		done:    make(chan struct{}),
		ctx:     sessionCtx,
		cancel:  cancel,
		logger:  observability.Component("stt_utterance").With().Str("locale", locale).Logger(),
		vad: audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: e.cfg.EnergyThreshold,
			SilenceFrames:   e.cfg.SilenceFrames,
			FrameSize:       audio.FrameSizeFor(format.SampleRate, 20) * format.Channels,
		}),
	}
	go s.run()
	return s, nil
}

type utteranceSession struct {
	engine  *UtteranceEngine
	locale  string
	format  audio.Format
	input   *queue.Queue[*audio.Chunk]
	results chan *TranscriptionResult
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu  sync.Mutex
	err error

	// owned by run
	vad            *audio.VADDetector
	position       int // frames consumed
	utterance      []int16
	utteranceStart int
	sincePartial   int
}

func (s *utteranceSession) Send(chunk *audio.Chunk) error {
	if chunk.Format() != s.format {
		return fmt.Errorf("%w: session expects %s, got %s", audio.ErrFormatUnsupported, s.format, chunk.Format())
	}
	if !s.input.Enqueue(chunk) {
		return errors.New("utterance session closed")
	}
	return nil
}

func (s *utteranceSession) Results() <-chan *TranscriptionResult { return s.results }

// Finish stops accepting audio and waits until the open utterance is recognized
func (s *utteranceSession) Finish(ctx context.Context) error {
	s.input.Close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *utteranceSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *utteranceSession) Close() error {
	s.cancel()
	s.input.Close()
	<-s.done
	return nil
}

func (s *utteranceSession) run() {
	defer close(s.done)
	defer close(s.results)

	for {
		chunk, ok := s.input.Dequeue(s.ctx)
		if !ok {
			break
		}
		s.consume(chunk)
	}

	if s.ctx.Err() != nil {
		return
	}
	if len(s.utterance) > 0 {
		s.recognize(true)
	}
}

func (s *utteranceSession) consume(chunk *audio.Chunk) {
	channels := s.format.Channels
	partialEvery := int(s.engine.cfg.PartialEvery.Seconds() * float64(s.format.SampleRate))

	for _, frame := range s.vad.Frames(chunk.Int16Samples()) {
		frames := len(frame) / channels
		result := s.vad.ProcessFrame(frame)

		if result.Started {
			s.utterance = s.utterance[:0]
			s.utteranceStart = s.position
			s.sincePartial = 0
		}
		if result.Speaking || result.Ended {
			s.utterance = append(s.utterance, frame...)
			s.sincePartial += frames
		}
		s.position += frames

		switch {
		case result.Ended:
			s.recognize(true)
		case result.Speaking && partialEvery > 0 && s.sincePartial >= partialEvery:
			s.recognize(false)
		}
	}
}

// recognize runs the recognizer over the current utterance and reports the result
func (s *utteranceSession) recognize(final bool) {
	utterance, err := audio.NewInt16Chunk(s.format, s.utterance)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed utterance")
		return
	}
	start, frames := s.utteranceStart, len(s.utterance)/s.format.Channels
	s.sincePartial = 0
	if final {
		s.utterance = nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.engine.cfg.Timeout)
	defer cancel()

	began := time.Now()
	rec, err := s.engine.recognizer.Recognize(ctx, RecognizeRequest{Audio: utterance, Locale: s.locale, Final: final})
	observability.RecordEngineLatency(s.engine.name, time.Since(began))
	if err != nil {
		s.logger.Warn().Err(err).Bool("final", final).Msg("Recognition failed")
		observability.RecordError("recognize", "stt")
		if !final {
			return
		}
		// the window still needs closing; an empty final promotes the last partial
		rec = Recognition{}
	}

	rate := float64(s.format.SampleRate)
	result := &TranscriptionResult{
		Text:       rec.Text,
		IsFinal:    final,
		Confidence: rec.Confidence,
		StartTime:  float64(start) / rate,
		Duration:   float64(frames) / rate,
	}
	select {
	case s.results <- result:
	case <-s.ctx.Done():
	}
}
