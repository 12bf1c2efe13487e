package session

import (
	"fmt"
	"strings"
	"time"
)

// State is the recording session state
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRecording
	StatePaused
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a session in this state owns capture resources
func (s State) Active() bool {
	return s == StatePreparing || s == StateRecording || s == StatePaused || s == StateStopping
}

// Timing tracks recorded time excluding pauses
type Timing struct {
	Start       time.Time
	PausedTotal time.Duration
	PausedAt    time.Time // zero unless paused
	End         time.Time // zero until stopped
}

// Duration returns recorded time at now, not counting paused spans
func (t Timing) Duration(now time.Time) time.Duration {
	if t.Start.IsZero() {
		return 0
	}
	if !t.End.IsZero() {
		now = t.End
	}
	d := now.Sub(t.Start) - t.PausedTotal
	if !t.PausedAt.IsZero() {
		d -= now.Sub(t.PausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

func (t *Timing) pause(now time.Time) {
	if t.PausedAt.IsZero() {
		t.PausedAt = now
	}
}

func (t *Timing) resume(now time.Time) {
	if !t.PausedAt.IsZero() {
		t.PausedTotal += now.Sub(t.PausedAt)
		t.PausedAt = time.Time{}
	}
}

// FormatDuration renders d as MM:SS; minutes keep counting past 59
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// CountWords counts whitespace-delimited tokens across texts
func CountWords(texts ...string) int {
	n := 0
	for _, text := range texts {
		n += len(strings.Fields(text))
	}
	return n
}

// DefaultTitle names a meeting after the day it started
func DefaultTitle(started time.Time) string {
	return "Meeting " + started.Format("Jan 2, 2006")
}
