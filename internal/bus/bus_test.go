package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rohit-iwnl/EchoMind/internal/session"
	"github.com/rohit-iwnl/EchoMind/internal/stt"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func TestNotifier_StateChanged(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "")

	n.StateChanged(session.Snapshot{
		SessionID: "s1",
		State:     session.StateRecording,
		Target:    session.Target{ID: "m1"},
		Duration:  1500 * time.Millisecond,
		WordCount: 3,
	})

	if len(pub.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(pub.msgs))
	}
	if pub.msgs[0].subject != "recorder.session.state" {
		t.Errorf("Expected recorder.session.state, got %s", pub.msgs[0].subject)
	}

	var msg map[string]any
	if err := json.Unmarshal(pub.msgs[0].data, &msg); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if msg["state"] != "recording" {
		t.Errorf("Expected state by name, got %v", msg["state"])
	}
	if msg["entity_id"] != "m1" {
		t.Errorf("Expected entity m1, got %v", msg["entity_id"])
	}
	if msg["duration_seconds"] != 1.5 {
		t.Errorf("Expected 1.5 seconds, got %v", msg["duration_seconds"])
	}
}

func TestNotifier_TranscriptSubjects(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "meetings")

	n.TranscriptEvent("s1", "m1", stt.Event{Kind: stt.EventPartial, Text: "hel"})
	n.TranscriptEvent("s1", "m1", stt.Event{Kind: stt.EventFinal, Text: "hello", Window: 2})

	if len(pub.msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(pub.msgs))
	}
	if pub.msgs[0].subject != "meetings.transcript.partial" {
		t.Errorf("Expected partial subject, got %s", pub.msgs[0].subject)
	}
	if pub.msgs[1].subject != "meetings.transcript.final" {
		t.Errorf("Expected final subject, got %s", pub.msgs[1].subject)
	}

	var msg TranscriptMessage
	if err := json.Unmarshal(pub.msgs[1].data, &msg); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if msg.Text != "hello" || msg.Window != 2 {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestNotifier_PublishErrorIsAbsorbed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := NewNotifier(pub, "")

	n.StateChanged(session.Snapshot{State: session.StateIdle})
	n.TranscriptEvent("s1", "m1", stt.Event{Kind: stt.EventFinal, Text: "x"})
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := Connect("", time.Second); err == nil {
		t.Error("Expected error without url")
	}
}

func TestClient_NilHealthy(t *testing.T) {
	var c *Client
	if c.Healthy() {
		t.Error("Expected nil client to be unhealthy")
	}
	c.Close()
}
