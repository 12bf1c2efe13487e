package stt

import (
	"context"
	"errors"
	"time"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
)

var (
	// ErrLocaleNotReady is returned by Start when the locale's assets are not installed and allocated
	ErrLocaleNotReady = errors.New("locale not ready for transcription")
	// ErrNotStreaming is returned by Push outside the Streaming state
	ErrNotStreaming = errors.New("transcription stream is not streaming")
	// ErrEngineFailure means the recognition engine became unusable for the rest of the stream
	ErrEngineFailure = errors.New("recognition engine failure")
)

// EventKind distinguishes provisional from terminal results
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
)

func (k EventKind) String() string {
	if k == EventFinal {
		return "final"
	}
	return "partial"
}

// Range is the audio time span an event covers, relative to stream start
type Range struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Event is a transcript event for one utterance window. Every window that
// produced a Partial is closed by exactly one Final.
type Event struct {
	Kind   EventKind `json:"kind"`
	Text   string    `json:"text"`
	Range  Range     `json:"range"`
	Window int       `json:"window"`
}

// TranscriptionResult is a raw result reported by an engine session
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal marks the result as terminal for the current utterance
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

func (r *TranscriptionResult) timeRange() Range {
	start := time.Duration(r.StartTime * float64(time.Second))
	return Range{Start: start, End: start + time.Duration(r.Duration*float64(time.Second))}
}

// Engine is a recognition capability able to open streaming sessions
type Engine interface {
	Name() string

	// PreferredFormat reports the input format the engine wants for locale,
	// if it has a preference
	PreferredFormat(ctx context.Context, locale string) (audio.Format, bool)

	Open(ctx context.Context, locale string, format audio.Format) (EngineSession, error)
}

// EngineSession is one streaming recognition session
type EngineSession interface {
	// Send forwards a chunk already converted to the session format
	Send(chunk *audio.Chunk) error

	// Results delivers results in order. It is closed after Finish has
	// flushed, after Close, or when the session fails (see Err).
	Results() <-chan *TranscriptionResult

	// Finish signals end of input and returns once remaining audio is flushed
	Finish(ctx context.Context) error

	// Err reports why the session failed, if it did
	Err() error

	Close() error
}

// Readiness answers whether a locale can be transcribed right now
type Readiness interface {
	IsReady(ctx context.Context, locale string) (bool, error)
}
