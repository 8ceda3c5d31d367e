package lore

import "time"

// Chat is a roleplay session. AssistantTurn is the lifecycle clock: it
// counts the assistant replies stored for this chat.
type Chat struct {
	ID         string
	Title      string
	MainPrompt string
	LorebookID string

	AssistantTurn int
	CreatedAt     time.Time
}

// Lorebook is the authored setting a chat may be attached to.
type Lorebook struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Message roles stored in the chat log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one role-tagged turn in a chat's append-only log.
type Message struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}
