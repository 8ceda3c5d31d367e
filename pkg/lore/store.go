package lore

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound is returned when the requested chat, lorebook, message or
	// entity does not exist.
	ErrNotFound = errors.New("lore: not found")

	// ErrIllegalState is returned when a state is not legal for the entity kind.
	ErrIllegalState = errors.New("lore: illegal state")

	// ErrTerminalState is returned when a write would move an entity out of
	// the archived state.
	ErrTerminalState = errors.New("lore: entity is archived")

	// ErrStateConflict is returned by TransitionState when the stored state
	// no longer equals the expected source state.
	ErrStateConflict = errors.New("lore: state changed concurrently")
)

// Filter narrows a ListEntities call by state. All non-empty fields are
// applied as AND conditions; the zero Filter matches everything.
type Filter struct {
	// States keeps only entities in one of these states.
	States []State

	// ExcludeStates drops entities in any of these states.
	ExcludeStates []State
}

// Match reports whether s passes the filter.
func (f Filter) Match(s State) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, s) {
		return false
	}
	return !slices.Contains(f.ExcludeStates, s)
}

// EntityStore persists lore entities for the three kinds.
//
// List results are always returned in creation order with the id as tie
// breaker, so callers that pick the first match get a deterministic answer.
type EntityStore interface {
	// ListEntities returns the chat's entities of kind that pass filter.
	ListEntities(ctx context.Context, chatID string, kind Kind, filter Filter) ([]Entity, error)

	// GetEntity returns a single entity. Returns [ErrNotFound] when missing.
	GetEntity(ctx context.Context, kind Kind, id string) (Entity, error)

	// InsertEntity stores a new entity, assigning an id and timestamps.
	InsertEntity(ctx context.Context, e Entity) (Entity, error)

	// Reinforce atomically increments the reinforcement count and applies m.
	Reinforce(ctx context.Context, kind Kind, id string, m Mention) (Entity, error)

	// TransitionState moves an entity from one state to another only if its
	// stored state still equals from. Returns [ErrStateConflict] otherwise.
	TransitionState(ctx context.Context, kind Kind, id string, from, to State) error

	// SetState applies an externally decided state (for example resolving a
	// plot point). Returns [ErrTerminalState] for archived entities.
	SetState(ctx context.Context, kind Kind, id string, to State) (Entity, error)

	// RaiseImportance sets importance to max(current, importance).
	RaiseImportance(ctx context.Context, kind Kind, id string, importance int) (Entity, error)
}

// ChatStore persists chats, their assistant-turn clock and lorebooks.
type ChatStore interface {
	CreateChat(ctx context.Context, c Chat) (Chat, error)
	GetChat(ctx context.Context, id string) (Chat, error)
	SetMainPrompt(ctx context.Context, chatID, prompt string) error

	// AttachLorebook links a lorebook to the chat. An empty lorebookID detaches.
	AttachLorebook(ctx context.Context, chatID, lorebookID string) error

	// IncrementAssistantTurn atomically adds one to the chat's assistant turn
	// counter and returns the new value.
	IncrementAssistantTurn(ctx context.Context, chatID string) (int, error)

	CreateLorebook(ctx context.Context, lb Lorebook) (Lorebook, error)
	GetLorebook(ctx context.Context, id string) (Lorebook, error)
}

// MessageLog is the append-only chat transcript.
type MessageLog interface {
	AppendMessage(ctx context.Context, m Message) (Message, error)

	// ListMessages returns the newest limit messages of the chat in creation
	// order. A limit <= 0 returns the whole log.
	ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error)

	// UpdateMessageContent replaces the text of a stored message.
	UpdateMessageContent(ctx context.Context, chatID, id, content string) error
}

// Store is the full persistence contract of the service.
type Store interface {
	EntityStore
	ChatStore
	MessageLog

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}

// NewID returns a random identifier for chats, lorebooks and entities.
func NewID() string {
	return uuid.NewString()
}

// NewMessageID returns a lexicographically sortable message identifier so
// messages created within the same clock tick keep their append order.
func NewMessageID() string {
	return ulid.Make().String()
}
