package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/telemetry"
)

// chatScript runs the agent side of one exchange after the request frame
// has been read.
type chatScript func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest)

// newChatServer starts a mock agent endpoint running script per
// connection and returns its ws:// URL.
func newChatServer(t *testing.T, script chatScript) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req protocol.ExchangeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		script(t, conn, req)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHappyPathWithThoughts(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		if req.Message != "show revenue" {
			t.Errorf("request message = %q", req.Message)
		}
		if req.SessionID != "s-1" {
			t.Errorf("request session = %q", req.SessionID)
		}
		send(t, conn, `{"type":"thought","thought_type":"thinking","content":"analyzing"}`)
		send(t, conn, `{"type":"thought","thought_type":"executing_sql","content":"SELECT region"}`)
		send(t, conn, `{"type":"response","reply":"Revenue is up.","session_id":"s-1","intent":"analysis","confidence":"high",
			"dashboard_update":{"action":"add","charts":[{"chart_type":"bar","title":"Revenue","data":[],"x_key":"region","y_keys":["total"]}]}}`)
	})

	sink := telemetry.NewStore(nil)
	c := NewCorrelator(Config{URL: url}, sink)

	p, err := c.Dispatch(context.Background(), "show revenue", "s-1", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	resp, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Reply != "Revenue is up." {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Intent != "analysis" || resp.Confidence != "high" {
		t.Errorf("intent/confidence = %q/%q", resp.Intent, resp.Confidence)
	}
	if resp.DashboardUpdate == nil || resp.DashboardUpdate.Action != protocol.ActionAdd {
		t.Errorf("dashboard update = %+v", resp.DashboardUpdate)
	}
	if p.State() != StateResolved {
		t.Errorf("state = %v, want resolved", p.State())
	}

	// Telemetry frames are applied before the resolution is observable.
	recent := sink.Recent()
	if len(recent) != 2 {
		t.Fatalf("telemetry events = %d, want 2", len(recent))
	}
	if recent[0].Kind != protocol.KindThinking || recent[1].Kind != protocol.KindQuery {
		t.Errorf("event order = %v, %v", recent[0].Kind, recent[1].Kind)
	}
	if sink.Processing() {
		t.Error("processing should be cleared after resolution")
	}
}

func TestCloseWithoutTerminatorResolvesSuccess(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"thought","thought_type":"thinking","content":"hm"}`)
		// Close without response/done/error: still a clean terminator.
	})

	sink := telemetry.NewStore(nil)
	c := NewCorrelator(Config{URL: url}, sink)

	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	resp, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Reply != "" {
		t.Errorf("reply = %q, want empty accumulation", resp.Reply)
	}
	if p.State() != StateResolved {
		t.Errorf("state = %v", p.State())
	}
	if sink.Processing() {
		t.Error("processing should be cleared on clean close")
	}
}

func TestDoneTerminator(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"done"}`)
	})

	c := NewCorrelator(Config{URL: url}, telemetry.NewStore(nil))
	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := p.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestResponseThenDoneResolvesOnce(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"response","reply":"first"}`)
		// Trailing terminator after the response: must not re-resolve.
		send(t, conn, `{"type":"done"}`)
	})

	c := NewCorrelator(Config{URL: url}, telemetry.NewStore(nil))
	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	resp, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Reply != "first" {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestErrorFrame(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"thought","thought_type":"executing_sql","content":"SELECT"}`)
		send(t, conn, `{"type":"error","content":"query exceeded time limit"}`)
	})

	sink := telemetry.NewStore(nil)
	c := NewCorrelator(Config{URL: url}, sink)

	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	_, err = p.Wait(waitCtx(t))

	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("err = %v, want *AgentError", err)
	}
	if agentErr.Text != "query exceeded time limit" {
		t.Errorf("error text = %q", agentErr.Text)
	}
	if sink.Processing() {
		t.Error("error frame should clear processing")
	}
	if p.State() != StateResolved {
		t.Errorf("state = %v", p.State())
	}
}

func TestUnknownFramesDropped(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"status","content":"warming up"}`)
		send(t, conn, `not even json`)
		send(t, conn, `{"type":"thought","thought_type":"pong"}`)
		send(t, conn, `{"type":"response","reply":"fine"}`)
	})

	sink := telemetry.NewStore(nil)
	c := NewCorrelator(Config{URL: url}, sink)

	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	resp, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Reply != "fine" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if got := sink.Recent(); len(got) != 0 {
		t.Errorf("noise produced %d telemetry events", len(got))
	}
}

func TestAbortSuppressesLateResponse(t *testing.T) {
	proceed := make(chan struct{})
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"thought","thought_type":"thinking","content":"working"}`)
		<-proceed
		send(t, conn, `{"type":"thought","thought_type":"found_insight","content":"too late"}`)
		send(t, conn, `{"type":"response","reply":"also too late"}`)
	})

	sink := telemetry.NewStore(nil)
	c := NewCorrelator(Config{URL: url}, sink)

	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Wait until the pre-abort thought has landed.
	deadline := time.Now().Add(3 * time.Second)
	for len(sink.Recent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first thought never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.Abort()
	close(proceed)

	resp, err := p.Wait(waitCtx(t))
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if resp != nil {
		t.Fatalf("resp = %+v, want nil", resp)
	}
	if p.State() != StateAborted {
		t.Errorf("state = %v, want aborted", p.State())
	}

	// Let post-abort frames drain; none may have effects.
	time.Sleep(100 * time.Millisecond)
	if got := sink.Recent(); len(got) != 1 {
		t.Errorf("telemetry events after abort = %d, want 1", len(got))
	}
	if !sink.Processing() {
		t.Error("abort must leave the processing latch as it was")
	}
}

func TestAbortIdempotent(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		<-block
	})

	c := NewCorrelator(Config{URL: url}, telemetry.NewStore(nil))
	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	p.Abort()
	p.Abort()

	if _, err := p.Wait(waitCtx(t)); !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestSingleExchangeAtATime(t *testing.T) {
	block := make(chan struct{})
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		<-block
		send(t, conn, `{"type":"response","reply":"ok"}`)
	})

	c := NewCorrelator(Config{URL: url}, telemetry.NewStore(nil))

	p, err := c.Dispatch(context.Background(), "first", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := c.Dispatch(context.Background(), "second", "s", nil); !errors.Is(err, ErrExchangeInFlight) {
		t.Fatalf("second dispatch err = %v, want ErrExchangeInFlight", err)
	}

	close(block)
	if _, err := p.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if c.Current() != nil {
		t.Fatal("current should be cleared after resolution")
	}

	// Resolution frees the slot.
	p2, err := c.Dispatch(context.Background(), "third", "s", nil)
	if err != nil {
		t.Fatalf("dispatch after resolution: %v", err)
	}
	if _, err := p2.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestDispatchResetsTelemetryWindow(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"thought","thought_type":"found_insight","content":"fresh"}`)
		send(t, conn, `{"type":"response","reply":"ok"}`)
	})

	sink := telemetry.NewStore(nil)
	sink.Record(protocol.Event{Kind: protocol.KindThinking, Text: "stale", At: time.Now()})

	c := NewCorrelator(Config{URL: url}, sink)
	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := p.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}

	recent := sink.Recent()
	if len(recent) != 1 || recent[0].Text != "fresh" {
		t.Fatalf("window = %+v, want only this exchange's events", recent)
	}
}

func TestDialFailure(t *testing.T) {
	c := NewCorrelator(Config{URL: "ws://127.0.0.1:1/ws/chat"}, telemetry.NewStore(nil))

	if _, err := c.Dispatch(context.Background(), "q", "s", nil); err == nil {
		t.Fatal("expected dial error")
	}
	if c.Current() != nil {
		t.Fatal("failed dispatch must not leave a pending exchange")
	}

	// The slot is immediately reusable.
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"response","reply":"ok"}`)
	})
	c.cfg.URL = url
	p, err := c.Dispatch(context.Background(), "q", "s", nil)
	if err != nil {
		t.Fatalf("dispatch after failure: %v", err)
	}
	if _, err := p.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSessionIDAdoptedFromResponse(t *testing.T) {
	url := newChatServer(t, func(t *testing.T, conn *websocket.Conn, req protocol.ExchangeRequest) {
		send(t, conn, `{"type":"response","reply":"ok","session_id":"server-assigned"}`)
	})

	c := NewCorrelator(Config{URL: url}, telemetry.NewStore(nil))
	p, err := c.Dispatch(context.Background(), "q", "client-side", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	resp, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.SessionID != "server-assigned" {
		t.Errorf("session id = %q, want server-assigned", resp.SessionID)
	}
}
