// Package artifact owns the live dashboard: the one editable chart
// collection bound to the screen the user is looking at. Local edits are
// persisted synchronously per mutation, keyed by artifact id, and win
// over freshly supplied authoritative content on activation.
package artifact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/store"
)

const keyPrefix = "alex:artifact:"

// Artifact is the active dashboard. The store hands out copies; only the
// store mutates the live instance.
type Artifact struct {
	ID     string               `json:"artifact_id"`
	Title  string               `json:"title"`
	Pinned bool                 `json:"pinned,omitempty"`
	Charts []protocol.ChartSpec `json:"charts"`
}

// persisted is the durable per-artifact state.
type persisted struct {
	Title  string               `json:"title,omitempty"`
	Pinned bool                 `json:"pinned,omitempty"`
	Charts []protocol.ChartSpec `json:"charts"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store manages the active artifact. All mutations are no-ops while no
// artifact is active, which guards against orphan edits racing a
// navigation-away.
type Store struct {
	mu     sync.Mutex
	kv     store.KV
	active *Artifact
	logger *slog.Logger
}

// NewStore creates an artifact store with nothing active.
func NewStore(kv store.KV, opts ...StoreOption) *Store {
	s := &Store{
		kv:     kv,
		logger: slog.Default().With("component", "artifact"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate binds an artifact to the screen. Previously persisted local
// state for the same id overrides the supplied chart list when non-empty.
// Activate(nil) clears the active artifact with no side effects.
func (s *Store) Activate(a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a == nil {
		s.active = nil
		return nil
	}

	cp := *a
	cp.Charts = ensureIDs(append([]protocol.ChartSpec(nil), a.Charts...))

	raw, ok, err := s.kv.Get(keyPrefix + cp.ID)
	if err != nil {
		return fmt.Errorf("load artifact %s: %w", cp.ID, err)
	}
	if ok {
		var p persisted
		if err := json.Unmarshal(raw, &p); err != nil {
			// Corrupt local state loses to the supplied artifact.
			s.logger.Warn("discarding unreadable artifact state", "artifact_id", cp.ID, "error", err)
		} else {
			if len(p.Charts) > 0 {
				cp.Charts = ensureIDs(p.Charts)
			}
			if p.Title != "" {
				cp.Title = p.Title
			}
			cp.Pinned = p.Pinned
		}
	}

	s.active = &cp
	return nil
}

// Active returns a copy of the active artifact, or nil.
func (s *Store) Active() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	cp.Charts = append([]protocol.ChartSpec(nil), s.active.Charts...)
	return &cp
}

// SetCharts replaces the chart list wholesale.
func (s *Store) SetCharts(charts []protocol.ChartSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	s.active.Charts = ensureIDs(append([]protocol.ChartSpec(nil), charts...))
	return s.persistLocked()
}

// AddChart appends a chart.
func (s *Store) AddChart(chart protocol.ChartSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	if chart.ID == "" {
		chart.ID = uuid.New().String()
	}
	s.active.Charts = append(s.active.Charts, chart)
	return s.persistLocked()
}

// RemoveChart removes the chart with the given id. Unknown ids are a
// no-op: a stale id from a racing edit must not remove the wrong chart.
func (s *Store) RemoveChart(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	for i, c := range s.active.Charts {
		if c.ID == id {
			s.active.Charts = append(s.active.Charts[:i], s.active.Charts[i+1:]...)
			return s.persistLocked()
		}
	}
	return nil
}

// RemoveChartAt removes by list position, for callers that still address
// charts positionally. Out-of-range indices are a no-op.
func (s *Store) RemoveChartAt(index int) error {
	s.mu.Lock()
	id, ok := s.idAtLocked(index)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.RemoveChart(id)
}

// ReplaceChart swaps the chart with the given id for a new spec, keeping
// the identity stable. Unknown ids are a no-op.
func (s *Store) ReplaceChart(id string, chart protocol.ChartSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	for i, c := range s.active.Charts {
		if c.ID == id {
			chart.ID = id
			s.active.Charts[i] = chart
			return s.persistLocked()
		}
	}
	return nil
}

// ReplaceChartAt replaces by list position. Out-of-range indices are a
// no-op.
func (s *Store) ReplaceChartAt(index int, chart protocol.ChartSpec) error {
	s.mu.Lock()
	id, ok := s.idAtLocked(index)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.ReplaceChart(id, chart)
}

// Rename changes the artifact title.
func (s *Store) Rename(title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	s.active.Title = title
	return s.persistLocked()
}

// SetPinned toggles the pinned flag.
func (s *Store) SetPinned(pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	s.active.Pinned = pinned
	return s.persistLocked()
}

// ApplyUpdate applies an agent-issued dashboard update. Unknown actions
// are dropped.
func (s *Store) ApplyUpdate(u *protocol.DashboardUpdate) error {
	if u == nil {
		return nil
	}
	switch u.Action {
	case protocol.ActionReplaceAll:
		return s.SetCharts(u.Charts)
	case protocol.ActionAdd:
		for _, c := range u.Charts {
			if err := s.AddChart(c); err != nil {
				return err
			}
		}
		return nil
	default:
		s.logger.Warn("unknown dashboard update action", "action", u.Action)
		return nil
	}
}

// Context returns the active artifact as exchange request context, or nil.
func (s *Store) Context() *protocol.DashboardContext {
	a := s.Active()
	if a == nil {
		return nil
	}
	return &protocol.DashboardContext{
		ID:     a.ID,
		Title:  a.Title,
		Charts: a.Charts,
	}
}

// idAtLocked resolves a list position to a chart id. Caller holds mu.
func (s *Store) idAtLocked(index int) (string, bool) {
	if s.active == nil || index < 0 || index >= len(s.active.Charts) {
		return "", false
	}
	return s.active.Charts[index].ID, true
}

// persistLocked writes the active artifact's durable state. Synchronous
// on purpose: chart edits are rare and small, so durability beats write
// coalescing here. Caller holds mu.
func (s *Store) persistLocked() error {
	raw, err := json.Marshal(persisted{
		Title:  s.active.Title,
		Pinned: s.active.Pinned,
		Charts: s.active.Charts,
	})
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", s.active.ID, err)
	}
	if err := s.kv.Set(keyPrefix+s.active.ID, raw); err != nil {
		return fmt.Errorf("persist artifact %s: %w", s.active.ID, err)
	}
	return nil
}

// ensureIDs assigns identities to charts that arrived without one.
func ensureIDs(charts []protocol.ChartSpec) []protocol.ChartSpec {
	for i := range charts {
		if charts[i].ID == "" {
			charts[i].ID = uuid.New().String()
		}
	}
	return charts
}
