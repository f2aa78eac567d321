// Package protocol defines the wire contract between the Alex client core
// and the agent backend: the ambient thought-stream frames, the per-request
// chat exchange frames, and chart specifications. Both channels carry JSON
// text frames.
package protocol

import (
	"encoding/json"
	"time"
)

// Chart kinds produced by the agent.
const (
	ChartBar    = "bar"
	ChartLine   = "line"
	ChartArea   = "area"
	ChartPie    = "pie"
	ChartMetric = "metric"
)

// ChartSpec is a single chart definition. Immutable value object; the ID
// is assigned client-side when the agent omits it, so mutations address a
// stable identity rather than a list position.
type ChartSpec struct {
	ID     string           `json:"id,omitempty"`
	Type   string           `json:"chart_type"`
	Title  string           `json:"title"`
	Data   []map[string]any `json:"data"`
	XKey   string           `json:"x_key"`
	YKeys  []string         `json:"y_keys"`
	Colors []string         `json:"colors,omitempty"`
}

// DashboardUpdate is the agent's instruction for mutating the active
// dashboard, attached to a response frame.
type DashboardUpdate struct {
	Action string      `json:"action"` // "replace_all" or "add"
	Charts []ChartSpec `json:"charts"`
}

// Dashboard update actions.
const (
	ActionReplaceAll = "replace_all"
	ActionAdd        = "add"
)

// ExchangeRequest is the single outbound frame sent when a chat exchange
// connection opens.
type ExchangeRequest struct {
	Message   string           `json:"message"`
	SessionID string           `json:"session_id"`
	Context   *ExchangeContext `json:"context,omitempty"`
}

// ExchangeContext tells the agent what the user is looking at, so
// dashboard edits can target the visible screen.
type ExchangeContext struct {
	Page      string            `json:"page,omitempty"`
	Dashboard *DashboardContext `json:"dashboard,omitempty"`
}

// DashboardContext is the active dashboard snapshot included in an
// exchange request.
type DashboardContext struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Charts []ChartSpec `json:"charts"`
}

// Exchange frame types, discriminated by the "type" field.
const (
	FrameThought  = "thought"
	FrameResponse = "response"
	FrameDone     = "done"
	FrameError    = "error"
)

// ExchangeFrame is any inbound frame on the chat exchange channel. Fields
// are populated according to Type; unused fields stay zero.
type ExchangeFrame struct {
	Type string `json:"type"`

	// FrameThought
	ThoughtType string         `json:"thought_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// FrameThought text / FrameError text
	Content string `json:"content,omitempty"`

	// FrameResponse
	Reply           string           `json:"reply,omitempty"`
	Charts          []ChartSpec      `json:"charts,omitempty"`
	DashboardUpdate *DashboardUpdate `json:"dashboard_update,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Intent          string           `json:"intent,omitempty"`
	Confidence      string           `json:"confidence,omitempty"`
}

// ParseExchangeFrame decodes an inbound exchange frame. A frame without a
// recognized type is not an error here; the correlator drops it.
func ParseExchangeFrame(raw []byte) (*ExchangeFrame, error) {
	var f ExchangeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// thoughtFrame is the inbound shape on the ambient thought-stream channel.
type thoughtFrame struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Kind is the typed telemetry vocabulary the rest of the client consumes.
type Kind string

const (
	KindThinking Kind = "thinking" // agent is reasoning
	KindQuery    Kind = "query"    // agent is running a data query
	KindInsight  Kind = "insight"  // agent surfaced an intermediate finding
	KindRender   Kind = "render"   // agent is producing a chart
	KindError    Kind = "error"    // agent reported a failure
)

// Event is a classified telemetry event. Transient: retained only in the
// bounded ring for the current operation window, never persisted.
type Event struct {
	Kind Kind           `json:"kind"`
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
	At   time.Time      `json:"at"`
}

// Raw thought types used by the agent on the wire.
const (
	rawThinking        = "thinking"
	rawExecutingSQL    = "executing_sql"
	rawFoundInsight    = "found_insight"
	rawGeneratingChart = "generating_chart"
	rawError           = "error"
)

// kindFor maps a raw wire thought type to the typed vocabulary. The second
// return is false for noise frames (pong, ack, chat_response echoes) and
// anything unknown.
func kindFor(rawType string) (Kind, bool) {
	switch rawType {
	case rawThinking:
		return KindThinking, true
	case rawExecutingSQL:
		return KindQuery, true
	case rawFoundInsight:
		return KindInsight, true
	case rawGeneratingChart:
		return KindRender, true
	case rawError:
		return KindError, true
	}
	return "", false
}

// Classify maps a raw ambient-channel frame to a typed Event. Pure and
// fail-closed: unparsable input or an unrecognized type yields no event.
func Classify(raw []byte) (Event, bool) {
	var f thoughtFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, false
	}
	return ClassifyThought(f.Type, f.Content, f.Metadata)
}

// ClassifyThought classifies an already-decoded thought by its raw wire
// type. Used directly by the exchange correlator, whose thought frames
// arrive inside an envelope.
func ClassifyThought(rawType, content string, meta map[string]any) (Event, bool) {
	kind, ok := kindFor(rawType)
	if !ok {
		return Event{}, false
	}
	return Event{
		Kind: kind,
		Text: content,
		Meta: meta,
		At:   time.Now(),
	}, true
}

// StartsProcessing reports whether an event of this kind marks the agent
// as busy. The complement set (insight, render, error) marks it idle;
// the derived flag is a last-write-wins latch, not a counter.
func (k Kind) StartsProcessing() bool {
	return k == KindThinking || k == KindQuery
}
