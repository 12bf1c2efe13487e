// Package app wires configuration into a running recorder.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/api"
	"github.com/rohit-iwnl/EchoMind/internal/bus"
	"github.com/rohit-iwnl/EchoMind/internal/capture"
	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/locale"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/permission"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
	"github.com/rohit-iwnl/EchoMind/internal/session"
	"github.com/rohit-iwnl/EchoMind/internal/store"
	"github.com/rohit-iwnl/EchoMind/internal/stt"
	"github.com/rohit-iwnl/EchoMind/internal/summary"
)

// ErrNoInput is returned when recording is requested without an input device
var ErrNoInput = errors.New("no audio input device configured")

// Options supplies host resources
type Options struct {
	// Input is the capture device; nil leaves the app unable to record
	Input capture.Device
}

// App holds the recorder's long-lived components
type App struct {
	Config      *config.Config
	Store       *store.Store
	Locales     *locale.Manager
	Registry    *session.Registry
	Permissions *permission.Static
	Summarizer  *summary.Summarizer // nil without an OpenAI key
	Bus         *bus.Client         // nil without NATS_URL

	engine          stt.Engine
	input           capture.Device
	shutdownTracing func(context.Context) error
	logger          zerolog.Logger
}

// New opens storage, builds the recognition engine and the session registry
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := observability.Component("app")

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.TracingEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		ServiceName:  config.GetEnv("OTEL_SERVICE_NAME", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	meetings, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	engine, catalog, err := buildEngine(cfg)
	if err != nil {
		meetings.Close()
		return nil, err
	}

	a := &App{
		Config:          cfg,
		Store:           meetings,
		Locales:         locale.NewManager(catalog),
		Permissions:     permission.NewStatic(cfg.MicrophoneGranted, cfg.SpeechGranted),
		engine:          engine,
		input:           opts.Input,
		shutdownTracing: shutdownTracing,
		logger:          logger,
	}

	if cfg.OpenAIAPIKey != "" {
		a.Summarizer = summary.NewFromConfig(cfg)
	}

	var notifier session.Notifier
	if cfg.NATSURL != "" {
		client, err := bus.Connect(cfg.NATSURL, 2*time.Second)
		if err != nil {
			// events are optional; recording works without them
			logger.Warn().Err(err).Msg("NATS unavailable, session events will not be published")
		} else {
			a.Bus = client
			notifier = bus.NewNotifier(client.Conn(), cfg.NATSSubject)
		}
	}

	a.Registry = session.NewRegistry(func() *session.Session {
		return session.New(session.Config{
			Locale:            cfg.Locale,
			AudioOnlyFallback: cfg.AudioOnlyFallback,
			FinishTimeout:     cfg.FinishTimeoutDuration(),
		}, session.Deps{
			Factory:     a,
			Locales:     a.Locales,
			Permissions: a.Permissions,
			Store:       a.Store,
			Notifier:    notifier,
		})
	}, session.RegistryOptions{
		Tick:         cfg.DurationTickInterval(),
		ReleaseDelay: cfg.ReleaseDelay(),
	})
	session.SetDefault(a.Registry)

	logger.Info().
		Str("engine", engine.Name()).
		Str("locale", cfg.Locale).
		Bool("audio_only_fallback", cfg.AudioOnlyFallback).
		Bool("summaries", a.Summarizer != nil).
		Bool("events", a.Bus != nil).
		Msg("Recorder initialized")
	return a, nil
}

// buildEngine selects the recognition engine and the catalog that decides
// which locales it can serve
func buildEngine(cfg *config.Config) (stt.Engine, locale.Catalog, error) {
	utterance := stt.UtteranceConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		SilenceFrames:   cfg.VADSilenceFrames,
		PartialEvery:    time.Duration(cfg.STTPartialEvery) * time.Millisecond,
		Timeout:         cfg.FinishTimeoutDuration(),
	}

	switch cfg.STTEngine {
	case config.EngineDeepgram:
		return stt.NewDeepgramEngine(stt.DeepgramConfigFrom(cfg)), locale.NewStaticCatalog(cfg.DeepgramLocales), nil
	case config.EngineExec:
		catalog := locale.NewDirectoryCatalog(cfg.LocaleModelsDir, cfg.LocaleModelURL, cfg.LocaleSupported)
		recognizer, err := stt.NewExecRecognizer(cfg.STTCommand, catalog.ModelPath)
		if err != nil {
			return nil, nil, err
		}
		return stt.NewUtteranceEngine(config.EngineExec, recognizer, utterance), catalog, nil
	case config.EngineMock:
		return stt.NewUtteranceEngine(config.EngineMock, stt.NewMockRecognizer(), utterance), locale.NewStaticCatalog(cfg.LocaleSupported), nil
	default:
		return nil, nil, fmt.Errorf("unknown STT_ENGINE %q", cfg.STTEngine)
	}
}

// NewRecorder creates a capture engine writing to a fresh side file
func (a *App) NewRecorder(target session.Target) (session.Recorder, error) {
	if a.input == nil {
		return nil, ErrNoInput
	}
	path := filepath.Join(a.Config.RecordingsDir, uuid.New().String()+".wav")
	return capture.NewEngine(a.input, path), nil
}

// NewTranscriber creates a transcription stream over the configured engine
func (a *App) NewTranscriber() session.Transcriber {
	return stt.NewStream(a.engine, a.Locales, stt.StreamOptions{Breaker: a.newBreaker()})
}

// newBreaker guards one stream's engine. Failed sends are counted by the
// stream; the hook only mirrors state transitions.
func (a *App) newBreaker() *resilience.CircuitBreaker {
	breaker := resilience.NewCircuitBreaker(
		a.engine.Name(),
		a.Config.CircuitBreakerMaxFailures,
		time.Duration(a.Config.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})
	return breaker
}

// Server builds the HTTP API over the app's components
func (a *App) Server() *api.Server {
	opts := api.Options{
		Sessions: a.Registry,
		Locales:  a.Locales,
		Meetings: a.Store,
		Locale:   a.Config.Locale,
		Metrics:  a.Config.MetricsEnabled,
		Checks: map[string]observability.HealthCheckFunc{
			"database": func(ctx context.Context) (bool, error) {
				if err := a.Store.Ping(ctx); err != nil {
					return false, err
				}
				return true, nil
			},
			"locale": func(ctx context.Context) (bool, error) {
				asset, err := a.Locales.Asset(ctx, a.Config.Locale)
				if err != nil {
					return false, err
				}
				if !asset.Supported {
					return false, fmt.Errorf("%w: %s", locale.ErrLocaleNotSupported, asset.Locale)
				}
				return true, nil
			},
		},
	}
	if a.Summarizer != nil {
		opts.Summarizer = a.Summarizer
	}
	if a.Bus != nil {
		opts.Checks["nats"] = func(context.Context) (bool, error) {
			if !a.Bus.Healthy() {
				return false, errors.New("not connected")
			}
			return true, nil
		}
	}
	return api.NewServer(opts)
}

// Close stops any recording and releases resources
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	a.Bus.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}
