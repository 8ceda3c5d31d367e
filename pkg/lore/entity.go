package lore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Entity is a character, place or plot point tracked within a chat.
//
// Name holds the display key: the character or place name, or the plot
// point title.
type Entity struct {
	ID     string
	ChatID string
	Kind   Kind

	Name        string
	Description string

	State              State
	Importance         int
	ReinforcementCount int

	// LastMentioned is the time of the most recent reinforcement or creation.
	LastMentioned time.Time

	// LastMentionedTurn is the assistant turn of the most recent mention.
	// Nil until first known.
	LastMentionedTurn *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mention describes one reinforcement of an existing entity.
type Mention struct {
	// Description replaces the stored description when non-empty.
	Description string

	// Turn is the assistant turn the mention happened in. The stored turn
	// never moves backwards.
	Turn int

	// At is the mention time.
	At time.Time
}

// Validate checks an entity for required fields and kind-legal values.
func (e Entity) Validate() error {
	var errs []error

	if err := e.Kind.Validate(); err != nil {
		errs = append(errs, err)
	} else if err := e.Kind.CheckState(e.State); err != nil {
		errs = append(errs, err)
	}
	if e.ChatID == "" {
		errs = append(errs, errors.New("chat id must not be empty"))
	}
	if strings.TrimSpace(e.Name) == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", e.Kind.KeyField()))
	}
	if e.Importance < 0 {
		errs = append(errs, fmt.Errorf("importance must be >= 0, got %d", e.Importance))
	}
	if e.ReinforcementCount < 1 {
		errs = append(errs, fmt.Errorf("reinforcement count must be >= 1, got %d", e.ReinforcementCount))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// NewCandidate returns a fresh candidate entity with the creation defaults
// (importance 1, reinforcement 1) applied.
func NewCandidate(chatID string, kind Kind, name, description string, turn int, at time.Time) Entity {
	t := turn
	return Entity{
		ChatID:             chatID,
		Kind:               kind,
		Name:               name,
		Description:        description,
		State:              StateCandidate,
		Importance:         1,
		ReinforcementCount: 1,
		LastMentioned:      at,
		LastMentionedTurn:  &t,
	}
}

// TurnsIdle returns how many assistant turns have passed since e was last
// mentioned. An unknown last-mention turn counts as zero idle turns.
func (e Entity) TurnsIdle(currentTurn int) int {
	if e.LastMentionedTurn == nil {
		return 0
	}
	return currentTurn - *e.LastMentionedTurn
}

// ApplyMention mutates e the way every backend applies a reinforcement.
func (e *Entity) ApplyMention(m Mention) {
	e.ReinforcementCount++
	if m.Description != "" {
		e.Description = m.Description
	}
	if !m.At.IsZero() {
		e.LastMentioned = m.At
	}
	if e.LastMentionedTurn == nil || *e.LastMentionedTurn < m.Turn {
		t := m.Turn
		e.LastMentionedTurn = &t
	}
}
