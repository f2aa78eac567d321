// Package exchange implements the request/response correlator: one
// dedicated WebSocket connection per user request, multiplexed against
// the ambient telemetry state, resolving to exactly one terminal outcome.
//
// The state machine is IDLE → DISPATCHED → (STREAMING)* → RESOLVED |
// ABORTED. Resolution is guarded by a sync.Once: whatever arrives after
// the first terminal transition — a duplicate terminator, a late
// response on an aborted exchange — is discarded without effect.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/telemetry"
)

// Errors surfaced by the correlator.
var (
	// ErrAborted reports that the caller abandoned the exchange. Not a
	// failure: callers treat it as a silent no-op.
	ErrAborted = errors.New("exchange aborted")

	// ErrExchangeInFlight rejects a dispatch while another exchange is
	// unresolved. The ambient telemetry state is shared, so concurrent
	// exchanges would interleave their events.
	ErrExchangeInFlight = errors.New("an exchange is already in flight")
)

// AgentError is an explicit error frame from the agent, carrying its
// human-readable text. Never retried automatically.
type AgentError struct {
	Text string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Text)
}

// Response is the single authoritative result of an exchange.
type Response struct {
	Reply           string
	Charts          []protocol.ChartSpec
	DashboardUpdate *protocol.DashboardUpdate
	SessionID       string
	Intent          string
	Confidence      string
}

// State of a pending exchange.
type State int32

const (
	StateDispatched State = iota + 1
	StateStreaming
	StateResolved
	StateAborted
)

// Config holds the exchange channel settings.
type Config struct {
	// URL is the chat WebSocket endpoint. A fresh connection is dialed
	// per dispatch.
	URL string
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) CorrelatorOption {
	return func(c *Correlator) { c.logger = l }
}

// Correlator dispatches exchanges one at a time.
type Correlator struct {
	cfg    Config
	sink   *telemetry.Store
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	current *Pending
}

// NewCorrelator creates a correlator forwarding exchange telemetry into
// sink.
func NewCorrelator(cfg Config, sink *telemetry.Store, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		cfg:    cfg,
		sink:   sink,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: slog.Default().With("component", "exchange"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pending is one in-flight exchange.
type Pending struct {
	RequestID string
	SessionID string
	StartedAt time.Time

	c       *Correlator
	conn    *websocket.Conn
	state   atomic.Int32
	aborted atomic.Bool

	resolveOnce sync.Once
	done        chan struct{}
	resp        *Response
	err         error
}

// Dispatch opens a fresh exchange for (text, sessionID) and sends the
// request. It returns once the request is on the wire; the resolution is
// awaited via Wait. Exactly one exchange may be pending at a time.
func (c *Correlator) Dispatch(ctx context.Context, text, sessionID string, ec *protocol.ExchangeContext) (*Pending, error) {
	c.mu.Lock()
	if c.current != nil && !c.current.terminal() {
		c.mu.Unlock()
		return nil, ErrExchangeInFlight
	}

	p := &Pending{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		c:         c,
		done:      make(chan struct{}),
	}
	p.state.Store(int32(StateDispatched))
	c.current = p
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		derr := fmt.Errorf("dial exchange: %w", err)
		p.resolve(nil, derr)
		return nil, derr
	}
	p.conn = conn

	req := protocol.ExchangeRequest{
		Message:   text,
		SessionID: sessionID,
		Context:   ec,
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		werr := fmt.Errorf("send exchange request: %w", err)
		p.resolve(nil, werr)
		return nil, werr
	}

	// New operation window: the telemetry ring covers this exchange.
	c.sink.Reset()

	c.logger.Debug("exchange dispatched",
		"request_id", p.RequestID,
		"session_id", sessionID)

	go p.readLoop()
	return p, nil
}

// Current returns the unresolved pending exchange, or nil.
func (c *Correlator) Current() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.terminal() {
		return nil
	}
	return c.current
}

func (c *Correlator) clear(p *Pending) {
	c.mu.Lock()
	if c.current == p {
		c.current = nil
	}
	c.mu.Unlock()
}

// State returns the exchange's current state.
func (p *Pending) State() State {
	return State(p.state.Load())
}

func (p *Pending) terminal() bool {
	s := p.State()
	return s == StateResolved || s == StateAborted
}

// Aborted reports whether the caller abandoned this exchange.
func (p *Pending) Aborted() bool {
	return p.aborted.Load()
}

// Abort abandons the exchange. The transport is left to drain on its own
// (fire-and-forget on the wire); effects are suppressed from here on, so
// a response arriving late is discarded silently. Idempotent.
func (p *Pending) Abort() {
	p.aborted.Store(true)
	p.resolve(nil, ErrAborted)
}

// Wait blocks until the exchange reaches its terminal outcome. Exactly
// one of (resp, nil), (nil, *AgentError or transport error), or
// (nil, ErrAborted) is ever returned.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop consumes exchange frames until a terminator. Telemetry frames
// are forwarded to the ambient store in arrival order, so they are always
// applied strictly before the authoritative response resolves.
func (p *Pending) readLoop() {
	acc := &Response{SessionID: p.SessionID}

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			// Socket close without an error frame is itself a valid
			// terminator: resolve with whatever accumulated so far.
			p.settle()
			p.resolve(acc, nil)
			return
		}

		frame, perr := protocol.ParseExchangeFrame(data)
		if perr != nil {
			// Unparsable frame: dropped, never surfaced.
			continue
		}

		switch frame.Type {
		case protocol.FrameThought:
			if p.aborted.Load() {
				continue
			}
			ev, ok := protocol.ClassifyThought(frame.ThoughtType, frame.Content, frame.Metadata)
			if !ok {
				continue
			}
			p.state.CompareAndSwap(int32(StateDispatched), int32(StateStreaming))
			p.c.sink.Record(ev)

		case protocol.FrameResponse:
			acc.Reply = frame.Reply
			acc.Charts = frame.Charts
			acc.DashboardUpdate = frame.DashboardUpdate
			acc.Intent = frame.Intent
			acc.Confidence = frame.Confidence
			if frame.SessionID != "" {
				acc.SessionID = frame.SessionID
			}
			// The response frame doubles as a terminator; a trailing
			// "done" is a benign no-op against the resolve-once guard.
			p.settle()
			p.resolve(acc, nil)
			p.conn.Close()
			return

		case protocol.FrameDone:
			p.settle()
			p.resolve(acc, nil)
			p.conn.Close()
			return

		case protocol.FrameError:
			if !p.aborted.Load() {
				p.c.sink.SetIdle()
			}
			p.resolve(nil, &AgentError{Text: frame.Content})
			p.conn.Close()
			return

		default:
			// Unknown frame type: dropped.
		}
	}
}

// settle clears the ambient processing latch when the exchange ends on
// its own terms. An aborted exchange leaves the latch as the caller last
// set it.
func (p *Pending) settle() {
	if !p.aborted.Load() {
		p.c.sink.SetIdle()
	}
}

// resolve performs the single terminal transition. The first caller
// wins; an abort that raced ahead turns any later resolution into a
// silent discard.
func (p *Pending) resolve(resp *Response, err error) {
	p.resolveOnce.Do(func() {
		if p.aborted.Load() {
			p.resp = nil
			p.err = ErrAborted
			p.state.Store(int32(StateAborted))
			p.c.logger.Debug("exchange aborted", "request_id", p.RequestID)
		} else {
			p.resp = resp
			p.err = err
			p.state.Store(int32(StateResolved))
			p.c.logger.Debug("exchange resolved",
				"request_id", p.RequestID,
				"failed", err != nil)
		}
		p.c.clear(p)
		close(p.done)
	})
}
