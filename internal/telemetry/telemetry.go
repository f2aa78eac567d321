// Package telemetry holds the ambient client state derived from the
// thought stream: the processing latch and a bounded ring of recent
// events. The ring covers the current operation window only; nothing
// here is ever persisted.
package telemetry

import (
	"log/slog"
	"sync"

	"github.com/smebi/alex/internal/events"
	"github.com/smebi/alex/internal/protocol"
)

// DefaultRingSize bounds how many events the window retains.
const DefaultRingSize = 50

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRingSize overrides the event ring capacity.
func WithRingSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.cap = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is the ambient telemetry state. It is shared across exchanges:
// the processing flag and the ring are not scoped per request, which is
// acceptable because the correlator enforces one exchange at a time.
type Store struct {
	mu         sync.Mutex
	ring       []protocol.Event
	cap        int
	processing bool
	subject    *events.Subject
	logger     *slog.Logger
}

// NewStore creates a telemetry store publishing to subject. A nil subject
// is allowed; events are then retained but not fanned out.
func NewStore(subject *events.Subject, opts ...StoreOption) *Store {
	s := &Store{
		cap:     DefaultRingSize,
		subject: subject,
		logger:  slog.Default().With("component", "telemetry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record applies a classified event: appends it to the ring and updates
// the processing latch. Last write wins on the latch; a late insight can
// clear a flag an unrelated error already cleared, which is the accepted
// quantization of this design.
func (s *Store) Record(ev protocol.Event) {
	s.mu.Lock()
	s.ring = append(s.ring, ev)
	if len(s.ring) > s.cap {
		s.ring = s.ring[len(s.ring)-s.cap:]
	}
	was := s.processing
	s.processing = ev.Kind.StartsProcessing()
	now := s.processing
	s.mu.Unlock()

	if s.subject != nil {
		if err := events.Emit(s.subject, events.TopicTelemetry, ev); err != nil {
			s.logger.Debug("emit telemetry", "error", err)
		}
		if was != now {
			if err := events.Emit(s.subject, events.TopicProcessing, now); err != nil {
				s.logger.Debug("emit processing", "error", err)
			}
		}
	}
}

// Processing reports whether the agent is currently busy, per the
// last-write-wins latch.
func (s *Store) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// SetIdle force-clears the processing latch. Used by the correlator when
// an exchange terminates with an explicit error frame.
func (s *Store) SetIdle() {
	s.mu.Lock()
	was := s.processing
	s.processing = false
	s.mu.Unlock()

	if was && s.subject != nil {
		if err := events.Emit(s.subject, events.TopicProcessing, false); err != nil {
			s.logger.Debug("emit processing", "error", err)
		}
	}
}

// Recent returns a snapshot of the current window's events, oldest first.
func (s *Store) Recent() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Event, len(s.ring))
	copy(out, s.ring)
	return out
}

// Reset clears the event window. Called when a new exchange is
// dispatched so the ring covers exactly one operation.
func (s *Store) Reset() {
	s.mu.Lock()
	s.ring = s.ring[:0]
	s.mu.Unlock()
}
