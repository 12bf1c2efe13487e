package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/capture"
	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
	"github.com/rohit-iwnl/EchoMind/internal/session"
	"github.com/rohit-iwnl/EchoMind/internal/store"
)

type scriptedDevice struct {
	mu  sync.Mutex
	tap capture.Tap
}

func (d *scriptedDevice) NativeFormat() (audio.Format, error) {
	return audio.DefaultRecognitionFormat, nil
}

func (d *scriptedDevice) Open(_ audio.Format, tap capture.Tap) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tap = tap
	return nil
}

func (d *scriptedDevice) Start() error { return nil }
func (d *scriptedDevice) Pause() error { return nil }

func (d *scriptedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tap = nil
	return nil
}

func (d *scriptedDevice) emit(chunk *audio.Chunk) {
	d.mu.Lock()
	tap := d.tap
	d.mu.Unlock()
	if tap != nil {
		tap(chunk)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:                       "0",
		RecordingsDir:              filepath.Join(dir, "recordings"),
		DatabasePath:               filepath.Join(dir, "meetings.db"),
		Locale:                     "en-US",
		STTEngine:                  config.EngineMock,
		FinishTimeout:              5,
		LocaleSupported:            []string{"en-US"},
		STTPartialEvery:            0,
		VADEnergyThreshold:         500,
		VADSilenceFrames:           25,
		CaptureChannels:            1,
		DurationTick:               10,
		SessionReleaseDelay:        1000,
		MicrophoneGranted:          true,
		SpeechGranted:              true,
		SummaryMaxAttempts:         3,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
}

func TestApp_RecordsAndTranscribes(t *testing.T) {
	cfg := testConfig(t)
	input := &scriptedDevice{}
	a, err := New(context.Background(), cfg, Options{Input: input})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close(context.Background())
	ctx := context.Background()

	meeting, err := a.Store.CreateMeeting(ctx, store.Meeting{Title: "Standup"})
	if err != nil {
		t.Fatalf("CreateMeeting failed: %v", err)
	}
	sess, err := a.Registry.Start(ctx, session.Target{ID: meeting.ID, Title: meeting.Title})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	samples := make([]int16, 4800)
	for i := range samples {
		samples[i] = 8000
	}
	chunk, err := audio.NewInt16Chunk(audio.DefaultRecognitionFormat, samples)
	if err != nil {
		t.Fatalf("Failed to build chunk: %v", err)
	}
	input.emit(chunk)

	if err := a.Registry.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sess.State() != session.StateIdle {
		t.Errorf("Expected idle, got %s", sess.State())
	}

	saved, err := a.Store.GetMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("GetMeeting failed: %v", err)
	}
	if saved.Transcript != "[final transcript frames=4800]" {
		t.Errorf("Expected mock transcript, got %q", saved.Transcript)
	}
	if !saved.Done {
		t.Error("Expected meeting done")
	}
	if saved.Title != "Standup" {
		t.Errorf("Expected title kept, got %q", saved.Title)
	}

	info, err := os.Stat(saved.AudioPath)
	if err != nil {
		t.Fatalf("Expected side file at %q: %v", saved.AudioPath, err)
	}
	if info.Size() <= 44 {
		t.Errorf("Expected audio in side file, got %d bytes", info.Size())
	}

	side, err := audio.ReadWAV(saved.AudioPath)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}
	if side.Frames() != 4800 {
		t.Errorf("Expected 4800 frames in side file, got %d", side.Frames())
	}
}

func TestApp_NoInputFailsSession(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close(context.Background())

	_, err = a.Registry.Start(context.Background(), session.Target{ID: "m1"})
	if !errors.Is(err, ErrNoInput) {
		t.Errorf("Expected ErrNoInput, got %v", err)
	}
}

func TestApp_ServerReady(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close(context.Background())

	srv := a.Server()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected ready, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildEngine(t *testing.T) {
	cfg := testConfig(t)

	engine, _, err := buildEngine(cfg)
	if err != nil {
		t.Fatalf("buildEngine failed: %v", err)
	}
	if engine.Name() != config.EngineMock {
		t.Errorf("Expected mock engine, got %s", engine.Name())
	}

	cfg.STTEngine = config.EngineDeepgram
	cfg.DeepgramLocales = []string{"en-US"}
	engine, _, err = buildEngine(cfg)
	if err != nil {
		t.Fatalf("buildEngine failed: %v", err)
	}
	if engine.Name() != "deepgram" {
		t.Errorf("Expected deepgram engine, got %s", engine.Name())
	}

	cfg.STTEngine = config.EngineExec
	cfg.STTCommand = ""
	if _, _, err := buildEngine(cfg); err == nil {
		t.Error("Expected exec engine without command to fail")
	}

	cfg.STTEngine = "whisper"
	if _, _, err := buildEngine(cfg); err == nil {
		t.Error("Expected unknown engine to fail")
	}
}

func TestApp_CloseWithoutRecording(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Close(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung")
	}
}

func metricValue(t *testing.T, name, service string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "service" && label.GetValue() == service {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestApp_BreakerTripIsNotCountedAsFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.CircuitBreakerMaxFailures = 2
	a, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close(context.Background())

	breaker := a.newBreaker()
	before := metricValue(t, "recorder_circuit_breaker_failures_total", breaker.Name())

	boom := errors.New("engine down")
	for i := 0; i < cfg.CircuitBreakerMaxFailures; i++ {
		_ = breaker.Call(func() error { return boom })
	}
	if breaker.GetState() != resilience.StateOpen {
		t.Fatalf("Expected open breaker, got %s", breaker.GetState())
	}

	if got := metricValue(t, "recorder_circuit_breaker_state", breaker.Name()); got != float64(resilience.StateOpen) {
		t.Errorf("Expected state gauge %d, got %v", resilience.StateOpen, got)
	}
	if after := metricValue(t, "recorder_circuit_breaker_failures_total", breaker.Name()); after != before {
		t.Errorf("Expected failures counter unchanged by the trip, got %v -> %v", before, after)
	}
}
