// Package client is the composition root for the Alex client core. It
// constructs the ambient connection, telemetry state, correlator, and
// stores, and owns the one place where a resolved exchange is turned
// into visible application state.
package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/smebi/alex/internal/artifact"
	"github.com/smebi/alex/internal/config"
	"github.com/smebi/alex/internal/conversation"
	"github.com/smebi/alex/internal/events"
	"github.com/smebi/alex/internal/exchange"
	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/store"
	"github.com/smebi/alex/internal/stream"
	"github.com/smebi/alex/internal/telemetry"
)

// fallbackReply is appended when an exchange fails, so a failure never
// leaves the conversation hanging without a visible outcome.
const fallbackReply = "I hit a snag analyzing that. Let me know if you want to try rephrasing the question."

// Client owns the wired client core. Construct with New, start the
// ambient channel with Start, send requests with Send.
type Client struct {
	Subject       *events.Subject
	Telemetry     *telemetry.Store
	Stream        *stream.Manager
	Conversations *conversation.Store
	Artifacts     *artifact.Store

	correlator *exchange.Correlator
	kv         store.KV
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New wires the client core onto kv. The caller owns kv's lifecycle.
func New(cfg *config.Config, kv store.KV, opts ...Option) *Client {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	subject := events.NewSubject(
		events.WithSyncDelivery(),
		events.WithLogger(o.logger),
	)
	sink := telemetry.NewStore(subject,
		telemetry.WithLogger(o.logger.With("component", "telemetry")))

	return &Client{
		Subject:   subject,
		Telemetry: sink,
		Stream: stream.NewManager(stream.Config{
			URL:            cfg.ThoughtsURL,
			ReconnectDelay: cfg.ReconnectDelay,
		}, sink, subject,
			stream.WithLogger(o.logger.With("component", "stream"))),
		Conversations: conversation.NewStore(kv,
			conversation.WithFlushDelay(cfg.FlushDelay),
			conversation.WithRetention(cfg.HistoryLimit),
			conversation.WithLogger(o.logger.With("component", "conversation"))),
		Artifacts: artifact.NewStore(kv,
			artifact.WithLogger(o.logger.With("component", "artifact"))),
		correlator: exchange.NewCorrelator(exchange.Config{URL: cfg.ChatURL}, sink,
			exchange.WithLogger(o.logger.With("component", "exchange"))),
		kv:     kv,
		logger: o.logger,
	}
}

// Start opens the ambient telemetry channel and returns its canceller.
func (c *Client) Start() func() {
	return c.Stream.Open()
}

// Send runs one full user request: appends the user message, dispatches
// an exchange with the active dashboard as context, waits for the
// terminal outcome, and applies it.
//
// On success the agent reply is appended and any charts or dashboard
// update are applied to the live artifact. On failure exactly one
// fallback message is appended and the error is returned. On abort
// nothing is applied at all and ErrAborted is returned.
func (c *Client) Send(ctx context.Context, text string) (*exchange.Response, error) {
	p, err := c.Dispatch(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, p)
}

// Dispatch starts an exchange without waiting. The user message is
// appended before the request goes out.
func (c *Client) Dispatch(ctx context.Context, text string) (*exchange.Pending, error) {
	if cur := c.correlator.Current(); cur != nil {
		return nil, exchange.ErrExchangeInFlight
	}

	c.Conversations.Append(conversation.Message{
		Role:    conversation.RoleUser,
		Content: text,
	})

	var ec *protocol.ExchangeContext
	if dc := c.Artifacts.Context(); dc != nil {
		ec = &protocol.ExchangeContext{Page: "dashboard", Dashboard: dc}
	}

	return c.correlator.Dispatch(ctx, text, c.Conversations.SessionID(), ec)
}

// Await waits out a dispatched exchange and applies its outcome.
func (c *Client) Await(ctx context.Context, p *exchange.Pending) (*exchange.Response, error) {
	resp, err := p.Wait(ctx)

	switch {
	case errors.Is(err, exchange.ErrAborted):
		// Abandonment: nothing was applied, nothing to undo.
		return nil, err

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up waiting, not the exchange. Abandon it so
		// a response landing after we return cannot be applied, and
		// leave the conversation alone.
		p.Abort()
		return nil, err

	case err != nil:
		c.Conversations.Append(conversation.Message{
			Role:    conversation.RoleAgent,
			Content: fallbackReply,
		})
		return nil, err
	}

	c.apply(resp)
	return resp, nil
}

// apply hands the authoritative response to the conversation and
// artifact stores.
func (c *Client) apply(resp *exchange.Response) {
	c.Conversations.Append(conversation.Message{
		Role:      conversation.RoleAgent,
		Content:   resp.Reply,
		Artifacts: resp.Charts,
	})

	if resp.DashboardUpdate != nil {
		if err := c.Artifacts.ApplyUpdate(resp.DashboardUpdate); err != nil {
			c.logger.Warn("dashboard update failed", "error", err)
		}
	}
}

// Abort abandons the in-flight exchange, if any. A response arriving
// afterwards is discarded without touching conversation or artifact
// state.
func (c *Client) Abort() {
	if p := c.correlator.Current(); p != nil {
		p.Abort()
	}
}

// Close flushes the conversation and shuts down the event fan-out. The
// KV handle is the caller's to close.
func (c *Client) Close() error {
	err := c.Conversations.Flush()
	events.Complete(c.Subject)
	return err
}
