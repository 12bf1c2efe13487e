// Package bus publishes session transitions and transcript events on NATS.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/session"
	"github.com/rohit-iwnl/EchoMind/internal/stt"
)

var _ session.Notifier = (*Notifier)(nil)

// Publisher is the subset of a NATS connection used for publishing
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Client wraps a NATS connection
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials url
func Connect(url string, timeout time.Duration) (*Client, error) {
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	logger := observability.Component("bus")
	conn, err := nats.Connect(url,
		nats.Name("echomind-recorder"),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info().Str("url", url).Msg("Connected to NATS")
	return &Client{conn: conn, logger: logger}, nil
}

// Conn returns the underlying connection
func (c *Client) Conn() *nats.Conn { return c.conn }

// Healthy reports whether the connection is up
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Close drains pending messages and closes the connection
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.logger.Info().Msg("Closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// StateMessage is published on <prefix>.session.state
type StateMessage struct {
	SessionID string        `json:"session_id"`
	EntityID  string        `json:"entity_id"`
	State     session.State `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	AudioOnly bool          `json:"audio_only"`
	Duration  float64       `json:"duration_seconds"`
	WordCount int           `json:"word_count"`
	Timestamp time.Time     `json:"timestamp"`
}

// TranscriptMessage is published on <prefix>.transcript.partial or .final
type TranscriptMessage struct {
	SessionID string    `json:"session_id"`
	EntityID  string    `json:"entity_id"`
	Text      string    `json:"text"`
	Window    int       `json:"window"`
	Start     float64   `json:"start_seconds"`
	End       float64   `json:"end_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier forwards session notifications to a Publisher. Publish failures
// are logged and counted; they never affect the session.
type Notifier struct {
	pub    Publisher
	prefix string
	clock  func() time.Time
	logger zerolog.Logger
}

// NewNotifier publishes under subject prefix, e.g. "recorder"
func NewNotifier(pub Publisher, prefix string) *Notifier {
	if prefix == "" {
		prefix = "recorder"
	}
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		clock:  time.Now,
		logger: observability.Component("bus"),
	}
}

// StateSubject is the subject session transitions are published on
func (n *Notifier) StateSubject() string { return n.prefix + ".session.state" }

// TranscriptSubject is the subject for events of kind
func (n *Notifier) TranscriptSubject(kind stt.EventKind) string {
	return n.prefix + ".transcript." + kind.String()
}

func (n *Notifier) StateChanged(snap session.Snapshot) {
	n.publish(n.StateSubject(), StateMessage{
		SessionID: snap.SessionID,
		EntityID:  snap.Target.ID,
		State:     snap.State,
		Reason:    snap.Reason,
		AudioOnly: snap.AudioOnly,
		Duration:  snap.Duration.Seconds(),
		WordCount: snap.WordCount,
		Timestamp: n.clock().UTC(),
	})
}

func (n *Notifier) TranscriptEvent(sessionID, entityID string, ev stt.Event) {
	n.publish(n.TranscriptSubject(ev.Kind), TranscriptMessage{
		SessionID: sessionID,
		EntityID:  entityID,
		Text:      ev.Text,
		Window:    ev.Window,
		Start:     ev.Range.Start.Seconds(),
		End:       ev.Range.End.Seconds(),
		Timestamp: n.clock().UTC(),
	})
}

func (n *Notifier) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to encode message")
		observability.RecordError("encode", "bus")
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish")
		observability.RecordError("publish", "bus")
	}
}
