package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rohit-iwnl/EchoMind/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	// the feed is read-only and served to local clients
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStream upgrades to a WebSocket and pushes a snapshot of the current
// session on every change until the client goes away
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.opts.Sessions.Subscribe()
	defer unsubscribe()

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("Snapshot feed connected")

	// the read loop only services control frames and notices disconnects
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	if snap, ok := s.opts.Sessions.Snapshot(); ok {
		if err := writeSnapshot(conn, snap); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSnapshot(conn, snap); err != nil {
				logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap session.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(currentResponse{
		Snapshot:          snap,
		FormattedDuration: session.FormatDuration(snap.Duration),
	})
}
