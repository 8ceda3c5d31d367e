// Package memstore provides a thread-safe, in-memory implementation of
// [lore.Store]. It backs the "memory" store configuration and unit tests.
// Nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// Compile-time assertion that Store satisfies the lore.Store interface.
var _ lore.Store = (*Store)(nil)

type entityRecord struct {
	seq    uint64
	entity lore.Entity
}

type messageRecord struct {
	seq     uint64
	message lore.Message
}

// Store is an in-memory [lore.Store]. The zero value is not usable; call [New].
type Store struct {
	mu sync.RWMutex

	seq       uint64
	entities  map[lore.Kind]map[string]*entityRecord
	chats     map[string]lore.Chat
	lorebooks map[string]lore.Lorebook
	messages  map[string][]*messageRecord

	now func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entities:  make(map[lore.Kind]map[string]*entityRecord, len(lore.Kinds)),
		chats:     make(map[string]lore.Chat),
		lorebooks: make(map[string]lore.Lorebook),
		messages:  make(map[string][]*messageRecord),
		now:       time.Now,
	}
	for _, k := range lore.Kinds {
		s.entities[k] = make(map[string]*entityRecord)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Entities
// ─────────────────────────────────────────────────────────────────────────────

// ListEntities implements [lore.EntityStore].
func (s *Store) ListEntities(_ context.Context, chatID string, kind lore.Kind, filter lore.Filter) ([]lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*entityRecord, 0)
	for _, r := range s.entities[kind] {
		if r.entity.ChatID == chatID && filter.Match(r.entity.State) {
			recs = append(recs, r)
		}
	}
	slices.SortFunc(recs, func(a, b *entityRecord) int {
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return strings.Compare(a.entity.ID, b.entity.ID)
	})

	out := make([]lore.Entity, len(recs))
	for i, r := range recs {
		out[i] = clone(r.entity)
	}
	return out, nil
}

// GetEntity implements [lore.EntityStore].
func (s *Store) GetEntity(_ context.Context, kind lore.Kind, id string) (lore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.entities[kind][id]
	if !ok {
		return lore.Entity{}, fmt.Errorf("memstore: get %s %q: %w", kind, id, lore.ErrNotFound)
	}
	return clone(r.entity), nil
}

// InsertEntity implements [lore.EntityStore].
func (s *Store) InsertEntity(_ context.Context, e lore.Entity) (lore.Entity, error) {
	if err := e.Validate(); err != nil {
		return lore.Entity{}, fmt.Errorf("memstore: insert %s: %w", e.Kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = lore.NewID()
	}
	now := s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.LastMentioned.IsZero() {
		e.LastMentioned = now
	}
	s.seq++
	s.entities[e.Kind][e.ID] = &entityRecord{seq: s.seq, entity: clone(e)}
	return clone(e), nil
}

// Reinforce implements [lore.EntityStore].
func (s *Store) Reinforce(_ context.Context, kind lore.Kind, id string, m lore.Mention) (lore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entities[kind][id]
	if !ok {
		return lore.Entity{}, fmt.Errorf("memstore: reinforce %s %q: %w", kind, id, lore.ErrNotFound)
	}
	if m.At.IsZero() {
		m.At = s.now().UTC()
	}
	r.entity.ApplyMention(m)
	r.entity.UpdatedAt = s.now().UTC()
	return clone(r.entity), nil
}

// TransitionState implements [lore.EntityStore].
func (s *Store) TransitionState(_ context.Context, kind lore.Kind, id string, from, to lore.State) error {
	if err := kind.CheckState(to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entities[kind][id]
	if !ok {
		return fmt.Errorf("memstore: transition %s %q: %w", kind, id, lore.ErrNotFound)
	}
	if r.entity.State == lore.StateArchived {
		return fmt.Errorf("memstore: transition %s %q: %w", kind, id, lore.ErrTerminalState)
	}
	if r.entity.State != from {
		return fmt.Errorf("memstore: transition %s %q from %s: %w", kind, id, from, lore.ErrStateConflict)
	}
	r.entity.State = to
	r.entity.UpdatedAt = s.now().UTC()
	return nil
}

// SetState implements [lore.EntityStore].
func (s *Store) SetState(_ context.Context, kind lore.Kind, id string, to lore.State) (lore.Entity, error) {
	if err := kind.CheckState(to); err != nil {
		return lore.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entities[kind][id]
	if !ok {
		return lore.Entity{}, fmt.Errorf("memstore: set state %s %q: %w", kind, id, lore.ErrNotFound)
	}
	if r.entity.State == lore.StateArchived && to != lore.StateArchived {
		return lore.Entity{}, fmt.Errorf("memstore: set state %s %q: %w", kind, id, lore.ErrTerminalState)
	}
	if r.entity.State != to {
		r.entity.State = to
		r.entity.UpdatedAt = s.now().UTC()
	}
	return clone(r.entity), nil
}

// RaiseImportance implements [lore.EntityStore].
func (s *Store) RaiseImportance(_ context.Context, kind lore.Kind, id string, importance int) (lore.Entity, error) {
	if importance < 0 {
		return lore.Entity{}, fmt.Errorf("memstore: importance must be >= 0, got %d", importance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entities[kind][id]
	if !ok {
		return lore.Entity{}, fmt.Errorf("memstore: raise importance %s %q: %w", kind, id, lore.ErrNotFound)
	}
	if importance > r.entity.Importance {
		r.entity.Importance = importance
		r.entity.UpdatedAt = s.now().UTC()
	}
	return clone(r.entity), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Chats & lorebooks
// ─────────────────────────────────────────────────────────────────────────────

// CreateChat implements [lore.ChatStore].
func (s *Store) CreateChat(_ context.Context, c lore.Chat) (lore.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = lore.NewID()
	}
	if _, exists := s.chats[c.ID]; exists {
		return lore.Chat{}, fmt.Errorf("memstore: create chat %q: already exists", c.ID)
	}
	if c.LorebookID != "" {
		if _, ok := s.lorebooks[c.LorebookID]; !ok {
			return lore.Chat{}, fmt.Errorf("memstore: create chat: lorebook %q: %w", c.LorebookID, lore.ErrNotFound)
		}
	}
	c.AssistantTurn = 0
	c.CreatedAt = s.now().UTC()
	s.chats[c.ID] = c
	return c, nil
}

// GetChat implements [lore.ChatStore].
func (s *Store) GetChat(_ context.Context, id string) (lore.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return lore.Chat{}, fmt.Errorf("memstore: get chat %q: %w", id, lore.ErrNotFound)
	}
	return c, nil
}

// SetMainPrompt implements [lore.ChatStore].
func (s *Store) SetMainPrompt(_ context.Context, chatID, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("memstore: set main prompt %q: %w", chatID, lore.ErrNotFound)
	}
	c.MainPrompt = prompt
	s.chats[chatID] = c
	return nil
}

// AttachLorebook implements [lore.ChatStore].
func (s *Store) AttachLorebook(_ context.Context, chatID, lorebookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("memstore: attach lorebook to chat %q: %w", chatID, lore.ErrNotFound)
	}
	if lorebookID != "" {
		if _, ok := s.lorebooks[lorebookID]; !ok {
			return fmt.Errorf("memstore: attach lorebook %q: %w", lorebookID, lore.ErrNotFound)
		}
	}
	c.LorebookID = lorebookID
	s.chats[chatID] = c
	return nil
}

// IncrementAssistantTurn implements [lore.ChatStore].
func (s *Store) IncrementAssistantTurn(_ context.Context, chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return 0, fmt.Errorf("memstore: increment turn %q: %w", chatID, lore.ErrNotFound)
	}
	c.AssistantTurn++
	s.chats[chatID] = c
	return c.AssistantTurn, nil
}

// CreateLorebook implements [lore.ChatStore].
func (s *Store) CreateLorebook(_ context.Context, lb lore.Lorebook) (lore.Lorebook, error) {
	if strings.TrimSpace(lb.Name) == "" {
		return lore.Lorebook{}, fmt.Errorf("memstore: create lorebook: name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lb.ID == "" {
		lb.ID = lore.NewID()
	}
	lb.CreatedAt = s.now().UTC()
	s.lorebooks[lb.ID] = lb
	return lb, nil
}

// GetLorebook implements [lore.ChatStore].
func (s *Store) GetLorebook(_ context.Context, id string) (lore.Lorebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lb, ok := s.lorebooks[id]
	if !ok {
		return lore.Lorebook{}, fmt.Errorf("memstore: get lorebook %q: %w", id, lore.ErrNotFound)
	}
	return lb, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────────────────────────────────────

// AppendMessage implements [lore.MessageLog].
func (s *Store) AppendMessage(_ context.Context, m lore.Message) (lore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return lore.Message{}, fmt.Errorf("memstore: append message to chat %q: %w", m.ChatID, lore.ErrNotFound)
	}
	if m.ID == "" {
		m.ID = lore.NewMessageID()
	}
	m.CreatedAt = s.now().UTC()
	s.seq++
	s.messages[m.ChatID] = append(s.messages[m.ChatID], &messageRecord{seq: s.seq, message: m})
	return m, nil
}

// ListMessages implements [lore.MessageLog].
func (s *Store) ListMessages(_ context.Context, chatID string, limit int) ([]lore.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.messages[chatID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]lore.Message, len(recs))
	for i, r := range recs {
		out[i] = r.message
	}
	return out, nil
}

// UpdateMessageContent implements [lore.MessageLog].
func (s *Store) UpdateMessageContent(_ context.Context, chatID, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.messages[chatID] {
		if r.message.ID == id {
			r.message.Content = content
			return nil
		}
	}
	return fmt.Errorf("memstore: update message %q: %w", id, lore.ErrNotFound)
}

// Ping implements [lore.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [lore.Store].
func (s *Store) Close() {}

func clone(e lore.Entity) lore.Entity {
	if e.LastMentionedTurn != nil {
		t := *e.LastMentionedTurn
		e.LastMentionedTurn = &t
	}
	return e
}
