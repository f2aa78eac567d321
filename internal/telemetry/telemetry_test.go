package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smebi/alex/internal/events"
	"github.com/smebi/alex/internal/protocol"
)

func ev(kind protocol.Kind, text string) protocol.Event {
	return protocol.Event{Kind: kind, Text: text, At: time.Now()}
}

func TestProcessingLatch(t *testing.T) {
	s := NewStore(nil)

	if s.Processing() {
		t.Fatal("fresh store should be idle")
	}

	s.Record(ev(protocol.KindThinking, "hm"))
	if !s.Processing() {
		t.Fatal("thinking should set processing")
	}

	s.Record(ev(protocol.KindQuery, "SELECT 1"))
	if !s.Processing() {
		t.Fatal("query should keep processing set")
	}

	s.Record(ev(protocol.KindInsight, "found it"))
	if s.Processing() {
		t.Fatal("insight should clear processing")
	}

	// Last write wins: a late query flips it back on even though an
	// insight already ended the previous phase.
	s.Record(ev(protocol.KindQuery, "SELECT 2"))
	if !s.Processing() {
		t.Fatal("query after insight should set processing again")
	}

	s.Record(ev(protocol.KindError, "boom"))
	if s.Processing() {
		t.Fatal("error should clear processing")
	}
}

func TestRingBounded(t *testing.T) {
	s := NewStore(nil, WithRingSize(5))

	for i := 0; i < 12; i++ {
		s.Record(ev(protocol.KindThinking, fmt.Sprintf("step %d", i)))
	}

	got := s.Recent()
	if len(got) != 5 {
		t.Fatalf("ring holds %d events, want 5", len(got))
	}
	// Oldest entries evicted; the newest five survive in order.
	for i, e := range got {
		want := fmt.Sprintf("step %d", 7+i)
		if e.Text != want {
			t.Errorf("ring[%d] = %q, want %q", i, e.Text, want)
		}
	}
}

func TestSetIdle(t *testing.T) {
	s := NewStore(nil)
	s.Record(ev(protocol.KindThinking, "hm"))
	s.SetIdle()
	if s.Processing() {
		t.Fatal("SetIdle should clear processing")
	}
	// Idempotent.
	s.SetIdle()
	if s.Processing() {
		t.Fatal("repeated SetIdle should stay idle")
	}
}

func TestReset(t *testing.T) {
	s := NewStore(nil)
	s.Record(ev(protocol.KindThinking, "a"))
	s.Record(ev(protocol.KindInsight, "b"))
	s.Reset()
	if got := s.Recent(); len(got) != 0 {
		t.Fatalf("ring has %d events after reset, want 0", len(got))
	}
}

func TestRecentReturnsSnapshot(t *testing.T) {
	s := NewStore(nil)
	s.Record(ev(protocol.KindThinking, "a"))

	snap := s.Recent()
	snap[0].Text = "mutated"

	if got := s.Recent()[0].Text; got != "a" {
		t.Fatalf("store leaked internal slice; text = %q", got)
	}
}

func TestPublishesEvents(t *testing.T) {
	subject := events.NewSubject(events.WithSyncDelivery())
	defer events.Complete(subject)

	gotEvents := make(chan protocol.Event, 8)
	gotProcessing := make(chan bool, 8)
	events.Subscribe(subject, events.TopicTelemetry, func(_ context.Context, e protocol.Event) error {
		gotEvents <- e
		return nil
	})
	events.Subscribe(subject, events.TopicProcessing, func(_ context.Context, p bool) error {
		gotProcessing <- p
		return nil
	})

	s := NewStore(subject)
	s.Record(ev(protocol.KindThinking, "hm"))
	s.Record(ev(protocol.KindQuery, "SELECT 1"))
	s.Record(ev(protocol.KindInsight, "done"))

	for i := 0; i < 3; i++ {
		select {
		case <-gotEvents:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for telemetry event %d", i)
		}
	}

	// Processing changed twice: idle→busy on thinking, busy→idle on
	// insight. The query in between must not re-emit.
	var transitions []bool
	for i := 0; i < 2; i++ {
		select {
		case p := <-gotProcessing:
			transitions = append(transitions, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for processing transition %d", i)
		}
	}
	if transitions[0] != true || transitions[1] != false {
		t.Fatalf("transitions = %v, want [true false]", transitions)
	}
	select {
	case p := <-gotProcessing:
		t.Fatalf("unexpected extra processing transition %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}
