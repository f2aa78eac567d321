// Package conversation owns the in-memory message log for the current
// chat session and its reconciliation with persisted history. The log is
// authoritative while loaded; history is a bounded, newest-first archive
// flushed on agent replies, session switches, and explicit calls.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smebi/alex/internal/protocol"
	"github.com/smebi/alex/internal/store"
)

// HistoryKey is the fixed persistence key for the conversation archive.
const HistoryKey = "alex:conversations"

// DefaultRetention caps how many conversation records history keeps.
const DefaultRetention = 30

// DefaultFlushDelay is the debounce window for automatic flushes after
// agent-authored messages.
const DefaultFlushDelay = 750 * time.Millisecond

const titleLimit = 60

// ErrUnknownSession is returned by SwitchTo for a session id with no
// persisted record.
var ErrUnknownSession = errors.New("unknown session")

// Role identifies a message author.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry in a conversation. Immutable once appended.
type Message struct {
	ID        string               `json:"id"`
	Role      Role                 `json:"role"`
	Content   string               `json:"content"`
	Artifacts []protocol.ChartSpec `json:"artifacts,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// Record is one archived conversation. UpdatedAt tracks the newest
// message rather than the flush time, so re-archiving an unchanged
// conversation writes an identical record.
type Record struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFlushDelay overrides the automatic flush debounce window.
func WithFlushDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.flushDelay = d
		}
	}
}

// WithRetention overrides the archive retention bound.
func WithRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store holds exactly one session's log in memory at a time.
type Store struct {
	mu         sync.Mutex
	kv         store.KV
	sessionID  string
	messages   []Message
	flushTimer *time.Timer
	flushDelay time.Duration
	retention  int
	logger     *slog.Logger
}

// NewStore creates a conversation store with a freshly generated session.
func NewStore(kv store.KV, opts ...StoreOption) *Store {
	s := &Store{
		kv:         kv,
		sessionID:  uuid.New().String(),
		flushDelay: DefaultFlushDelay,
		retention:  DefaultRetention,
		logger:     slog.Default().With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the current session identity.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Messages returns a snapshot of the current log in insertion order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append adds a message to the log. Missing id and timestamp are filled
// in. Agent-authored messages schedule a debounced flush so reply bursts
// coalesce into one history write.
func (s *Store) Append(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	if msg.Role == RoleAgent {
		s.scheduleFlushLocked()
	}
	s.mu.Unlock()

	return msg
}

// scheduleFlushLocked arms (or re-arms) the debounce timer. Caller holds mu.
func (s *Store) scheduleFlushLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, func() {
		if err := s.Flush(); err != nil {
			s.logger.Warn("debounced flush failed", "error", err)
		}
	})
}

// Flush archives the current log into persisted history. A no-op when the
// log is empty. Returns the persistence acknowledgment.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked upserts the current conversation into history, re-sorts by
// recency, and enforces the retention bound. Caller holds mu.
func (s *Store) flushLocked() error {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.messages) == 0 {
		return nil
	}

	records, err := s.loadHistory()
	if err != nil {
		return err
	}

	rec := Record{
		SessionID: s.sessionID,
		Title:     titleFor(s.messages),
		Messages:  append([]Message(nil), s.messages...),
		UpdatedAt: s.messages[len(s.messages)-1].CreatedAt,
	}

	replaced := false
	for i := range records {
		if records[i].SessionID == s.sessionID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	if len(records) > s.retention {
		records = records[:s.retention]
	}

	return s.saveHistory(records)
}

// SwitchTo flushes the current log (no data loss on switch) and replaces
// it with the archived record for id.
func (s *Store) SwitchTo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) > 0 {
		if err := s.flushLocked(); err != nil {
			return fmt.Errorf("flush before switch: %w", err)
		}
	}

	records, err := s.loadHistory()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.SessionID == id {
			s.sessionID = rec.SessionID
			s.messages = append([]Message(nil), rec.Messages...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSession, id)
}

// StartNew flushes the current log and resets to a fresh session.
func (s *Store) StartNew() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) > 0 {
		if err := s.flushLocked(); err != nil {
			return fmt.Errorf("flush before new session: %w", err)
		}
	}
	s.sessionID = uuid.New().String()
	s.messages = nil
	return nil
}

// Delete removes a session from persisted history only. The in-memory
// log is untouched even when it belongs to the deleted session; the two
// are decoupled once loaded.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadHistory()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.SessionID != id {
			kept = append(kept, rec)
		}
	}
	return s.saveHistory(kept)
}

// History returns the persisted archive, newest first.
func (s *Store) History() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadHistory()
}

func (s *Store) loadHistory() ([]Record, error) {
	raw, ok, err := s.kv.Get(HistoryKey)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

func (s *Store) saveHistory(records []Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.kv.Set(HistoryKey, raw); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// titleFor derives a record title from the first user message.
func titleFor(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleUser && m.Content != "" {
			runes := []rune(m.Content)
			if len(runes) > titleLimit {
				return string(runes[:titleLimit]) + "…"
			}
			return m.Content
		}
	}
	return "New conversation"
}
