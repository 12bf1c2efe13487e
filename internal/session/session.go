package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/locale"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/permission"
	"github.com/rohit-iwnl/EchoMind/internal/stt"
)

var (
	// ErrMicrophoneDenied means the host has not granted microphone access
	ErrMicrophoneDenied = errors.New("microphone permission denied")
	// ErrSpeechDenied means the host has not granted speech recognition
	ErrSpeechDenied = errors.New("speech recognition permission denied")
	// ErrNoTarget is returned by RetryAfterDownload before any Start
	ErrNoTarget = errors.New("no previous recording target")
	// ErrStartCancelled is returned by Start when Stop arrived while preparing
	ErrStartCancelled = errors.New("recording stopped before it started")
)

// Target is the persisted entity a recording belongs to
type Target struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityStore is the persisted-entity collaborator that receives the
// recording as it happens
type EntityStore interface {
	AppendTranscriptText(ctx context.Context, entityID, text string) error
	MarkDone(ctx context.Context, entityID string) error
	SetTitle(ctx context.Context, entityID, title string) error
	SetAudioURL(ctx context.Context, entityID, path string) error
}

// Recorder is the capture side of a session
type Recorder interface {
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Next(ctx context.Context) (*audio.Chunk, bool)
	Path() string
}

// Transcriber is the transcription side of a session
type Transcriber interface {
	Start(ctx context.Context, locale string) error
	Push(ctx context.Context, chunk *audio.Chunk) error
	Events() <-chan stt.Event
	Finish(ctx context.Context) error
}

// Factory builds the capture engine and transcription stream of one run
type Factory interface {
	NewRecorder(target Target) (Recorder, error)
	NewTranscriber() Transcriber
}

// Locales makes a locale ready for transcription
type Locales interface {
	EnsureReady(ctx context.Context, locale string) error
}

// Notifier receives state transitions and transcript events, e.g. to fan
// them out over a message bus
type Notifier interface {
	StateChanged(snap Snapshot)
	TranscriptEvent(sessionID, entityID string, ev stt.Event)
}

// Config holds session behavior settings
type Config struct {
	Locale string
	// AudioOnlyFallback keeps recording without transcription when the
	// locale cannot be made ready or the engine fails
	AudioOnlyFallback bool
	FinishTimeout     time.Duration
	Clock             func() time.Time
}

// Deps are the collaborators of a session
type Deps struct {
	Factory     Factory
	Locales     Locales
	Permissions permission.Checker
	Store       EntityStore
	Notifier    Notifier
}

// Snapshot is an immutable view of a session
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	State         State         `json:"state"`
	Reason        string        `json:"reason,omitempty"`
	Err           error         `json:"-"`
	NeedsDownload bool          `json:"needs_download"`
	Target        Target        `json:"target"`
	FinalText     string        `json:"final_text"`
	LiveText      string        `json:"live_text"`
	Segments      []Segment     `json:"segments"`
	Duration      time.Duration `json:"duration_ns"`
	WordCount     int           `json:"word_count"`
	AudioOnly     bool          `json:"audio_only"`
	AudioPath     string        `json:"audio_path,omitempty"`
}

// Session is the recording state machine. All state mutations happen under
// mu; transcript appends happen only on the session's event task.
type Session struct {
	id      string
	cfg     Config
	deps    Deps
	metrics *observability.SessionMetrics

	mu          sync.Mutex
	logger      zerolog.Logger
	state       State
	reason      error
	target      Target
	hasTarget   bool
	recorder    Recorder
	transcriber Transcriber
	transcript  *Transcript
	live        string
	audioOnly   bool
	timing      Timing
	consumeDone chan struct{}
	eventsDone  chan struct{}

	// set while preparing; Stop cancels setup through them
	cancelPrepare context.CancelFunc
	stopPending   bool

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// New creates an idle session
func New(cfg Config, deps Deps) *Session {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = 10 * time.Second
	}
	id := uuid.New().String()
	return &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		metrics:    observability.NewSessionMetrics(id),
		logger:     observability.WithSession(id, ""),
		state:      StateIdle,
		transcript: NewTranscript(),
		subs:       make(map[int]chan Snapshot),
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the committed transcript of the current run
func (s *Session) Transcript() *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Start prepares capture and transcription for target and begins recording.
// It is a no-op while the session is already preparing, recording, paused
// or stopping.
func (s *Session) Start(ctx context.Context, target Target) error {
	ctx, started := s.begin(ctx, target)
	if !started {
		return nil
	}
	return s.run(ctx)
}

// begin moves an inactive session into Preparing. It reports false when the
// session is already active. Callers must follow a true result with run.
func (s *Session) begin(ctx context.Context, target Target) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active() {
		s.logger.Debug().Str("state", s.state.String()).Msg("Start ignored, session already active")
		return ctx, false
	}
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.CreatedAt.IsZero() {
		target.CreatedAt = s.cfg.Clock()
	}
	s.state = StatePreparing
	s.reason = nil
	s.target = target
	s.hasTarget = true
	s.audioOnly = false
	s.live = ""
	s.transcript = NewTranscript()
	s.timing = Timing{}
	s.stopPending = false
	s.logger = observability.WithSession(s.id, target.ID)

	prepCtx, cancel := context.WithCancel(ctx)
	s.cancelPrepare = cancel
	return prepCtx, true
}

// run performs the setup begun by begin
func (s *Session) run(ctx context.Context) error {
	s.mu.Lock()
	target := s.target
	logger := s.logger
	cancel := s.cancelPrepare
	s.mu.Unlock()
	if cancel != nil {
		defer cancel()
	}
	s.publish(true)

	ctx, span := observability.Tracer("session").Start(ctx, "session.start")
	span.SetAttributes(attribute.String("session_id", s.id), attribute.String("entity_id", target.ID))
	defer span.End()

	err := s.prepare(ctx, target, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Session) prepare(ctx context.Context, target Target, logger zerolog.Logger) error {
	if !s.deps.Permissions.MicrophoneGranted() {
		return s.failSetup(ErrMicrophoneDenied)
	}

	recorder, err := s.deps.Factory.NewRecorder(target)
	if err != nil {
		return s.failSetup(err)
	}

	transcriber, reason := s.prepareTranscription(ctx)
	if s.stopRequested() {
		return s.cancelSetup(nil, transcriber, logger)
	}
	audioOnly := false
	if reason != nil {
		if !s.cfg.AudioOnlyFallback {
			return s.failSetup(reason)
		}
		logger.Warn().Err(reason).Msg("Transcription unavailable, recording audio only")
		transcriber = nil
		audioOnly = true
	}

	if err := recorder.Start(); err != nil {
		if transcriber != nil {
			s.finishTranscriber(transcriber, logger)
		}
		return s.failSetup(err)
	}

	taskCtx := context.WithoutCancel(ctx)
	s.mu.Lock()
	if s.stopPending {
		s.mu.Unlock()
		return s.cancelSetup(recorder, transcriber, logger)
	}
	s.cancelPrepare = nil
	s.recorder = recorder
	s.transcriber = transcriber
	s.audioOnly = audioOnly
	s.state = StateRecording
	s.timing = Timing{Start: s.cfg.Clock()}
	s.consumeDone = make(chan struct{})
	s.eventsDone = make(chan struct{})
	go s.consume(taskCtx, recorder, transcriber, s.consumeDone)
	if transcriber != nil {
		go s.handleEvents(taskCtx, target, transcriber.Events(), s.eventsDone)
	} else {
		close(s.eventsDone)
	}
	s.mu.Unlock()

	if err := s.deps.Store.SetAudioURL(taskCtx, target.ID, recorder.Path()); err != nil {
		logger.Warn().Err(err).Msg("Failed to record audio path")
		observability.RecordError("store", "session")
	}

	s.metrics.RecordStart()
	logger.Info().
		Str("audio_path", recorder.Path()).
		Bool("audio_only", audioOnly).
		Msg("Recording started")
	s.publish(true)
	return nil
}

// prepareTranscription checks speech permission, readies the locale and
// starts a stream. A non-nil error explains why transcription is unavailable.
func (s *Session) prepareTranscription(ctx context.Context) (Transcriber, error) {
	if !s.deps.Permissions.SpeechGranted() {
		return nil, ErrSpeechDenied
	}
	if err := s.deps.Locales.EnsureReady(ctx, s.cfg.Locale); err != nil {
		return nil, err
	}
	transcriber := s.deps.Factory.NewTranscriber()
	if err := transcriber.Start(ctx, s.cfg.Locale); err != nil {
		s.finishTranscriber(transcriber, s.logger)
		return nil, err
	}
	return transcriber, nil
}

func (s *Session) finishTranscriber(t Transcriber, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinishTimeout)
	defer cancel()
	if err := t.Finish(ctx); err != nil {
		logger.Warn().Err(err).Msg("Transcription stream did not finish cleanly")
	}
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopPending
}

// cancelSetup releases whatever setup built and returns the session to Idle
// after a Stop that arrived while preparing
func (s *Session) cancelSetup(recorder Recorder, transcriber Transcriber, logger zerolog.Logger) error {
	if recorder != nil {
		if err := recorder.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop capture after cancelled start")
		}
	}
	if transcriber != nil {
		s.finishTranscriber(transcriber, logger)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.reason = nil
	s.stopPending = false
	s.cancelPrepare = nil
	s.mu.Unlock()

	logger.Info().Msg("Recording cancelled while preparing")
	s.metrics.RecordEnd("cancelled", 0)
	s.publish(true)
	return ErrStartCancelled
}

func (s *Session) failSetup(reason error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.reason = reason
	s.cancelPrepare = nil
	s.mu.Unlock()

	s.logger.Error().Err(reason).Msg("Recording setup failed")
	observability.RecordError("setup", "session")
	s.metrics.RecordEnd("setup_failed", 0)
	s.publish(true)
	return reason
}

// consume drains captured chunks into the transcriber in FIFO order. It
// returns once the recorder is stopped and its queue is empty.
func (s *Session) consume(ctx context.Context, recorder Recorder, transcriber Transcriber, done chan struct{}) {
	defer close(done)
	for {
		chunk, ok := recorder.Next(ctx)
		if !ok {
			return
		}
		if transcriber == nil {
			continue
		}
		err := transcriber.Push(ctx, chunk)
		switch {
		case err == nil:
		case errors.Is(err, stt.ErrEngineFailure), errors.Is(err, stt.ErrNotStreaming):
			transcriber = nil
			s.transcriptionLost(err)
		default:
			s.logger.Warn().Err(err).Msg("Failed to push chunk")
		}
	}
}

// transcriptionLost handles an unrecoverable stream failure mid-recording
func (s *Session) transcriptionLost(reason error) {
	if s.cfg.AudioOnlyFallback {
		s.mu.Lock()
		s.audioOnly = true
		s.live = ""
		s.mu.Unlock()
		s.logger.Warn().Err(reason).Msg("Transcription lost, continuing audio only")
		s.publish(true)
		return
	}
	go s.abort(reason)
}

// abort tears capture down and leaves the session Failed with reason
func (s *Session) abort(reason error) {
	s.mu.Lock()
	if s.state != StateRecording && s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.timing.End = s.cfg.Clock()
	recorder, transcriber := s.recorder, s.transcriber
	consumeDone, eventsDone := s.consumeDone, s.eventsDone
	s.mu.Unlock()
	s.publish(true)

	if err := recorder.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop capture")
	}
	<-consumeDone
	if transcriber != nil {
		s.finishTranscriber(transcriber, s.logger)
	}
	<-eventsDone

	s.mu.Lock()
	s.state = StateFailed
	s.reason = reason
	s.recorder = nil
	s.transcriber = nil
	recorded := s.timing.Duration(s.cfg.Clock())
	s.mu.Unlock()

	s.logger.Error().Err(reason).Msg("Recording aborted")
	s.metrics.RecordEnd("failed", recorded)
	s.publish(true)
}

// handleEvents applies transcript events in emission order
func (s *Session) handleEvents(ctx context.Context, target Target, events <-chan stt.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.Kind {
		case stt.EventPartial:
			s.mu.Lock()
			s.live = ev.Text
			s.mu.Unlock()
		case stt.EventFinal:
			s.mu.Lock()
			s.transcript.Commit(ev)
			s.live = ""
			s.mu.Unlock()
			if err := s.deps.Store.AppendTranscriptText(ctx, target.ID, ev.Text); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to append transcript text")
				observability.RecordError("store", "session")
			}
		}
		if s.deps.Notifier != nil {
			s.deps.Notifier.TranscriptEvent(s.id, target.ID, ev)
		}
		s.publish(false)
	}
}

// Stop drains buffered audio through the stream, finishes it, marks the
// target done and returns to Idle. Stopping a Failed session resets it.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateFailed:
		s.state = StateIdle
		s.reason = nil
		s.mu.Unlock()
		s.publish(true)
		return nil
	case StatePreparing:
		s.stopPending = true
		cancel := s.cancelPrepare
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.logger.Info().Msg("Stop requested while preparing")
		return nil
	case StateRecording, StatePaused:
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	now := s.cfg.Clock()
	s.timing.End = now
	recorder, transcriber := s.recorder, s.transcriber
	consumeDone, eventsDone := s.consumeDone, s.eventsDone
	target, logger := s.target, s.logger
	started := s.timing.Start
	s.mu.Unlock()
	s.publish(true)

	ctx, span := observability.Tracer("session").Start(ctx, "session.stop")
	span.SetAttributes(attribute.String("session_id", s.id), attribute.String("entity_id", target.ID))
	defer span.End()

	// end capture first so trailing audio reaches the stream before finish
	if err := recorder.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop capture")
	}
	<-consumeDone

	if transcriber != nil {
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinishTimeout)
		if err := transcriber.Finish(finishCtx); err != nil {
			logger.Warn().Err(err).Msg("Transcription stream did not finish cleanly")
		}
		cancel()
	}
	<-eventsDone

	if err := s.deps.Store.MarkDone(ctx, target.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark target done")
		observability.RecordError("store", "session")
	}
	if target.Title == "" {
		target.Title = DefaultTitle(started)
		if err := s.deps.Store.SetTitle(ctx, target.ID, target.Title); err != nil {
			logger.Warn().Err(err).Msg("Failed to set default title")
			observability.RecordError("store", "session")
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.target = target
	s.recorder = nil
	s.transcriber = nil
	s.live = ""
	recorded := s.timing.Duration(now)
	segments := s.transcript.Len()
	s.mu.Unlock()

	s.metrics.RecordEnd("completed", recorded)
	logger.Info().
		Dur("duration", recorded).
		Int("segments", segments).
		Msg("Recording stopped")
	s.publish(true)
	return nil
}

// Pause halts capture; transcription just receives nothing meanwhile
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}
	if err := s.recorder.Pause(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pause capture: %w", err)
	}
	s.state = StatePaused
	s.timing.pause(s.cfg.Clock())
	s.mu.Unlock()

	s.publish(true)
	return nil
}

// Resume re-engages capture after Pause
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	if err := s.recorder.Resume(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("resume capture: %w", err)
	}
	s.state = StateRecording
	s.timing.resume(s.cfg.Clock())
	s.mu.Unlock()

	s.publish(true)
	return nil
}

// RetryAfterDownload clears the previous failure and starts again with the
// same target, typically after the locale assets were installed
func (s *Session) RetryAfterDownload(ctx context.Context) error {
	s.mu.Lock()
	if !s.hasTarget {
		s.mu.Unlock()
		return ErrNoTarget
	}
	if s.state.Active() {
		s.mu.Unlock()
		return nil
	}
	target := s.target
	s.state = StateIdle
	s.reason = nil
	s.mu.Unlock()

	return s.Start(ctx, target)
}

// Snapshot returns the current view of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	finalText := s.transcript.Text()
	snap := Snapshot{
		SessionID: s.id,
		State:     s.state,
		Err:       s.reason,
		Target:    s.target,
		FinalText: finalText,
		LiveText:  s.live,
		Segments:  s.transcript.Segments(),
		Duration:  s.timing.Duration(s.cfg.Clock()),
		WordCount: CountWords(finalText, s.live),
		AudioOnly: s.audioOnly,
	}
	if s.reason != nil {
		snap.Reason = s.reason.Error()
		snap.NeedsDownload = errors.Is(s.reason, locale.ErrLocaleNotSupported) ||
			errors.Is(s.reason, locale.ErrInstallationFailed) ||
			errors.Is(s.reason, stt.ErrLocaleNotReady)
	}
	if s.recorder != nil {
		snap.AudioPath = s.recorder.Path()
	}
	if s.live != "" {
		snap.Segments = append(snap.Segments, Segment{Text: s.live, Hint: HintLive})
	}
	return snap
}

// Subscribe returns a channel of snapshots published on every transition and
// transcript change. Slow subscribers only see the latest snapshot. Call the
// returned function to unsubscribe; it closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

// publish fans out the current snapshot; transition also informs the notifier
func (s *Session) publish(transition bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	snap := s.Snapshot()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	if transition && s.deps.Notifier != nil {
		s.deps.Notifier.StateChanged(snap)
	}
}
