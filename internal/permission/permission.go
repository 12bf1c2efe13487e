// Package permission exposes the host's capture and recognition permissions.
package permission

import "sync/atomic"

// Checker answers read-only permission queries from the host
type Checker interface {
	MicrophoneGranted() bool
	SpeechGranted() bool
}

// Static holds permissions decided by configuration. They can be changed at
// runtime, e.g. after the user grants access and retries.
type Static struct {
	microphone atomic.Bool
	speech     atomic.Bool
}

// NewStatic creates a checker with fixed initial answers
func NewStatic(microphone, speech bool) *Static {
	s := &Static{}
	s.microphone.Store(microphone)
	s.speech.Store(speech)
	return s
}

func (s *Static) MicrophoneGranted() bool { return s.microphone.Load() }
func (s *Static) SpeechGranted() bool     { return s.speech.Load() }

// SetMicrophone updates the microphone answer
func (s *Static) SetMicrophone(granted bool) { s.microphone.Store(granted) }

// SetSpeech updates the speech recognition answer
func (s *Static) SetSpeech(granted bool) { s.speech.Store(granted) }
