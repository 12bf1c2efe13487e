package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/capture"
	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/store"
)

type silentDevice struct{}

func (silentDevice) NativeFormat() (audio.Format, error) { return audio.DefaultRecognitionFormat, nil }
func (silentDevice) Open(audio.Format, capture.Tap) error  { return nil }
func (silentDevice) Start() error                          { return nil }
func (silentDevice) Pause() error                          { return nil }
func (silentDevice) Close() error                          { return nil }

func testDeps(t *testing.T) *Dependencies {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Port:                       "0",
		RecordingsDir:              filepath.Join(dir, "recordings"),
		DatabasePath:               filepath.Join(dir, "meetings.db"),
		Locale:                     "en-US",
		STTEngine:                  config.EngineMock,
		FinishTimeout:              5,
		LocaleSupported:            []string{"en-US", "fr-FR"},
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
	return &Dependencies{
		Config: cfg,
		Input: func() (capture.Device, func(), error) {
			return silentDevice{}, func() {}, nil
		},
	}
}

func TestRecord_StopsOnCancel(t *testing.T) {
	deps := testDeps(t)
	a, cleanup, err := deps.openApp(context.Background(), true)
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	meeting, err := record(ctx, a, "", &out)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !meeting.Done {
		t.Error("Expected meeting marked done")
	}
	if !strings.HasPrefix(meeting.Title, "Meeting ") {
		t.Errorf("Expected default title, got %q", meeting.Title)
	}
	if !strings.Contains(out.String(), "Saved") {
		t.Errorf("Expected save notice, got %q", out.String())
	}
}

func TestListLocales(t *testing.T) {
	deps := testDeps(t)
	a, cleanup, err := deps.openApp(context.Background(), false)
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer cleanup()

	var out bytes.Buffer
	if err := listLocales(context.Background(), a.Locales, "en-US", &out); err != nil {
		t.Fatalf("listLocales failed: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "en-US") || !strings.Contains(text, "fr-FR") {
		t.Errorf("Expected both locales listed, got %q", text)
	}
	if !strings.Contains(text, "(default)") {
		t.Errorf("Expected default marker, got %q", text)
	}
}

func TestListAndShowMeetings(t *testing.T) {
	deps := testDeps(t)
	a, cleanup, err := deps.openApp(context.Background(), false)
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer cleanup()
	ctx := context.Background()

	var out bytes.Buffer
	if err := listMeetings(ctx, a.Store, 10, &out); err != nil {
		t.Fatalf("listMeetings failed: %v", err)
	}
	if !strings.Contains(out.String(), "No meetings found") {
		t.Errorf("Expected empty notice, got %q", out.String())
	}

	m, err := a.Store.CreateMeeting(ctx, store.Meeting{Title: "Planning", CreatedAt: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("CreateMeeting failed: %v", err)
	}
	if err := a.Store.AppendTranscriptText(ctx, m.ID, "ship it friday"); err != nil {
		t.Fatalf("AppendTranscriptText failed: %v", err)
	}
	if err := a.Store.SaveSummary(ctx, m.ID, store.Summary{
		Summary:     "Release planning",
		ActionItems: []store.ActionItem{{Text: "Tag release", Priority: store.PriorityHigh}},
	}); err != nil {
		t.Fatalf("SaveSummary failed: %v", err)
	}

	out.Reset()
	if err := listMeetings(ctx, a.Store, 10, &out); err != nil {
		t.Fatalf("listMeetings failed: %v", err)
	}
	if !strings.Contains(out.String(), m.ID) || !strings.Contains(out.String(), "Planning") {
		t.Errorf("Expected meeting row, got %q", out.String())
	}

	saved, err := a.Store.GetMeeting(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMeeting failed: %v", err)
	}
	out.Reset()
	showMeeting(saved, &out)
	text := out.String()
	for _, want := range []string{"Planning", "Release planning", "[high] Tag release (unassigned)", "ship it friday"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in output, got %q", want, text)
		}
	}
}

func TestSummarizeWithoutKey(t *testing.T) {
	deps := testDeps(t)
	a, cleanup, err := deps.openApp(context.Background(), false)
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer cleanup()

	var out bytes.Buffer
	if err := summarizeMeeting(context.Background(), a, "missing", &out); err != errNoSummarizer {
		t.Errorf("Expected errNoSummarizer, got %v", err)
	}
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd(testDeps(t))
	want := map[string]bool{"serve": false, "record": false, "locales": false, "play": false, "meetings": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("Expected %s command", name)
		}
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "abcdefghij", 10, "abcdefghij"},
		{"ascii", "abcdefghijkl", 10, "...fghijkl"},
		{"multibyte", "今日はいい天気ですね、また明日", 8, "...、また明日"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tail(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Expected valid UTF-8, got %q", got)
			}
		})
	}
}
