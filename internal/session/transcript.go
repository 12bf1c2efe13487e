package session

import (
	"strings"
	"sync"

	"github.com/rohit-iwnl/EchoMind/internal/stt"
)

// Hint marks whether a segment is committed or still live
type Hint int

const (
	HintCommitted Hint = iota
	HintLive
)

func (h Hint) String() string {
	if h == HintLive {
		return "live"
	}
	return "committed"
}

// MarshalText encodes the hint by name
func (h Hint) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Segment is one span of transcript text
type Segment struct {
	Text  string    `json:"text"`
	Range stt.Range `json:"range"`
	Hint  Hint      `json:"hint"`
}

// Transcript is an append-only list of committed segments. Segments are
// never reordered or edited once appended.
type Transcript struct {
	mu       sync.RWMutex
	segments []Segment
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Commit appends the text of a final event
func (t *Transcript) Commit(ev stt.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = append(t.segments, Segment{Text: ev.Text, Range: ev.Range, Hint: HintCommitted})
}

// Segments returns a copy of the committed segments
func (t *Transcript) Segments() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Len returns the number of committed segments
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}

// Text joins the committed segments with single spaces
func (t *Transcript) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parts := make([]string, 0, len(t.segments))
	for _, seg := range t.segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}
