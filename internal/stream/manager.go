// Package stream maintains the long-lived ambient thought-stream
// connection. One socket per process; on close it schedules exactly one
// reconnect after a fixed delay, and a cancelled manager stays down until
// Open is called again. Connection errors degrade to "no live telemetry"
// — they are never surfaced to callers.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smebi/alex/internal/events"
	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/telemetry"
)

// DefaultReconnectDelay is the fixed wait before a reconnect attempt.
const DefaultReconnectDelay = 5 * time.Second

// DefaultPingInterval paces the outbound JSON keepalive.
const DefaultPingInterval = 30 * time.Second

const writeWait = 10 * time.Second

// Config holds the ambient channel settings.
type Config struct {
	// URL is the thought-stream WebSocket endpoint.
	URL string

	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration

	// PingInterval overrides DefaultPingInterval when positive. Negative
	// disables the keepalive.
	PingInterval time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the ambient connection lifecycle.
type Manager struct {
	cfg     Config
	sink    *telemetry.Store
	subject *events.Subject
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	cancelled      bool
	reconnectTimer *time.Timer
	gen            int // connection generation; stale close events are ignored
	session        int // bumped per Open-from-idle; validates cancellers
}

// NewManager creates a connection manager feeding classified events into
// sink. subject may be nil; when set, connect/disconnect transitions are
// published on TopicStream.
func NewManager(cfg Config, sink *telemetry.Store, subject *events.Subject, opts ...ManagerOption) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	m := &Manager{
		cfg:     cfg,
		sink:    sink,
		subject: subject,
		logger:  slog.Default().With("component", "stream"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts the ambient connection. Idempotent: while a healthy
// connection (or a pending reconnect) exists, the returned cancel is a
// no-op and no duplicate socket is created. Otherwise the returned
// function cancels any pending reconnect and closes the socket; after
// cancellation no further automatic reconnects occur.
func (m *Manager) Open() func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected || m.reconnectTimer != nil {
		return func() {}
	}

	m.cancelled = false
	m.session++
	sess := m.session
	m.gen++
	go m.dial(m.gen)

	return func() { m.cancel(sess) }
}

// cancel shuts the session down unless a later Open superseded it.
// Reconnects stay within the session that opened them, so the canceller
// returned by that Open remains effective across reconnects.
func (m *Manager) cancel(sess int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess != m.session {
		return
	}
	m.cancelled = true
	m.gen++ // invalidate any in-flight dial or read loop
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected = false
}

// Connected reports whether the socket is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// dial attempts one connection. Failures are swallowed and treated as a
// close, which schedules the single reconnect.
func (m *Manager) dial(gen int) {
	m.mu.Lock()
	url := m.cfg.URL
	m.mu.Unlock()

	conn, _, err := m.dialer.Dial(url, nil)

	m.mu.Lock()
	if gen != m.gen || m.cancelled {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("thought stream dial failed", "url", url, "error", err)
		m.handleClose(gen)
		return
	}
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	m.logger.Info("thought stream connected", "url", url)
	m.publishHealth(true)

	go m.readLoop(conn, gen)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(conn, gen)
	}
}

// readLoop consumes frames until the connection drops, feeding each
// classified event into the telemetry store in arrival order.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := gen != m.gen
			if !stale {
				m.connected = false
				m.conn = nil
			}
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Warn("thought stream closed", "error", err)
			m.publishHealth(false)
			m.handleClose(gen)
			return
		}

		ev, ok := protocol.Classify(data)
		if !ok {
			// Unparsable or noise frame; dropped, not an error.
			continue
		}
		m.sink.Record(ev)
	}
}

// pingLoop sends the JSON keepalive the backend answers with a pong
// event. Best effort: a failed write surfaces as a read error.
func (m *Manager) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	for range ticker.C {
		m.mu.Lock()
		live := gen == m.gen && m.conn == conn
		m.mu.Unlock()
		if !live {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
			return
		}
	}
}

// handleClose schedules exactly one reconnect. Close events arriving
// while a timer is already pending are absorbed; that single timer is
// the debounce.
func (m *Manager) handleClose(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.cancelled {
		return
	}
	if m.reconnectTimer != nil {
		return
	}

	m.logger.Info("scheduling reconnect", "delay", m.cfg.ReconnectDelay)
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.cancelled || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.gen++
		next := m.gen
		m.mu.Unlock()
		m.dial(next)
	})
}

func (m *Manager) publishHealth(up bool) {
	if m.subject == nil {
		return
	}
	if err := events.Emit(m.subject, events.TopicStream, up); err != nil {
		m.logger.Debug("emit stream health", "error", err)
	}
}
