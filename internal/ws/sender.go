package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-gateway/internal/protocol"
)

// sender serializes writes to one connection. After the first failed write,
// or after close, every event is dropped.
type sender struct {
	conn         *websocket.Conn
	sessionID    string
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newSender(conn *websocket.Conn, sessionID string, writeTimeout time.Duration) *sender {
	return &sender{conn: conn, sessionID: sessionID, writeTimeout: writeTimeout}
}

// Send encodes m and writes it as one text frame. Safe for concurrent use.
func (s *sender) Send(m protocol.Outbound) {
	data, err := protocol.Encode(m)
	if err != nil {
		slog.Error("encode event", "session_id", s.sessionID, "type", m.OutboundType(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.setDeadline()
	if err = s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed = true
		slog.Warn("write event", "session_id", s.sessionID, "type", m.OutboundType(), "error", err)
	}
}

func (s *sender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.setDeadline()
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// goingAway tells the peer the server is shutting down and stops further writes.
func (s *sender) goingAway() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.setDeadline()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (s *sender) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sender) setDeadline() {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
}
