package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/protocol"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
)

const msgBinaryFrame = "Invalid message: binary frames are not supported"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared services and connection limits for all sessions.
type HandlerConfig struct {
	Services *pipeline.Services
	// Traces receives run history. Leave nil to disable.
	Traces trace.Writer

	MaxConcurrent int
	ReadLimit     int64
	// PingInterval is the keepalive period. The peer must answer within two periods.
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Handler upgrades requests to WebSocket sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// NewHandler creates a WebSocket handler with shared services and a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 16 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the connection and runs a session until the peer leaves.
// Returns 503 when at capacity or shutting down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Done()

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	h.serve(conn, r)
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

func (h *Handler) serve(conn *websocket.Conn, r *http.Request) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	metadata := fmt.Sprintf(`{"path":%q,"remote":%q}`, r.URL.Path, r.RemoteAddr)
	var out *sender
	sess := NewSession(h.cfg.Services, h.cfg.Traces, func(m protocol.Outbound) { out.Send(m) }, metadata)
	out = newSender(conn, sess.ID, h.cfg.WriteTimeout)

	slog.Info("session started", "session_id", sess.ID, "path", r.URL.Path, "remote", r.RemoteAddr)
	started := time.Now()

	sess.Start(ctx)
	stopKeepalive := h.keepalive(ctx, conn, out, sess.ID)

	h.readLoop(conn, sess, out)

	cancel()
	stopKeepalive()
	out.close()
	sess.Close()
	slog.Info("session ended", "session_id", sess.ID, "duration_ms", time.Since(started).Milliseconds())
}

// keepalive arms the read deadline, refreshes it on every pong and pings the peer
// on a ticker. When the handler shuts down it sends a going-away close frame and
// closes the connection, which unblocks the read loop.
func (h *Handler) keepalive(ctx context.Context, conn *websocket.Conn, out *sender, sessionID string) func() {
	conn.SetReadLimit(h.cfg.ReadLimit)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if interval := h.cfg.PingInterval; interval > 0 {
		pongWait := 2 * interval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		ticker = time.NewTicker(interval)
		tick = ticker.C
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.watch(ctx, conn, out, sessionID, tick, stop)
	}()
	return func() {
		close(stop)
		<-done
		if ticker != nil {
			ticker.Stop()
		}
	}
}

func (h *Handler) watch(ctx context.Context, conn *websocket.Conn, out *sender, sessionID string, tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			if h.ctx.Err() != nil {
				out.goingAway()
				_ = conn.Close()
			}
			return
		case <-tick:
			if err := out.ping(); err != nil {
				slog.Info("keepalive ping failed", "session_id", sessionID, "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop reads text frames one at a time until the transport fails or closes.
// Bad frames produce an error event and the loop continues.
func (h *Handler) readLoop(conn *websocket.Conn, sess *Session, out *sender) {
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			logReadError(sess.ID, err)
			return
		}
		if h.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
		}

		if msgType != websocket.TextMessage {
			out.Send(protocol.NewError(msgBinaryFrame))
			continue
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) {
				out.Send(protocol.NewError(pe.Message))
				continue
			}
			out.Send(protocol.NewError("Invalid message: " + err.Error()))
			continue
		}
		sess.Accept(msg)
	}
}

func logReadError(sessionID string, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		slog.Warn("connection closed", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("connection closed", "session_id", sessionID, "error", err)
}

// Shutdown stops admitting sessions and waits for active ones to finish.
// When ctx expires first, remaining sessions are cancelled and closed.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}
