package turn

import (
	"context"
	"log/slog"

	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
)

// toLLM converts stored chat messages into provider messages. Unknown roles
// are sent as user turns.
func toLLM(messages []lore.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		switch m.Role {
		case lore.RoleAssistant:
			role = llm.RoleAssistant
		case lore.RoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// fitHistory drops the oldest history messages until the system prompt, the
// history and the reserved completion budget fit into the provider's context
// window. The newest message is always kept. A provider that reports no
// context window, or whose token counter fails, gets the history unchanged.
func fitHistory(ctx context.Context, p llm.Provider, system string, history []llm.Message, reserve int) []llm.Message {
	window := p.Capabilities().ContextWindow
	if window <= 0 {
		return history
	}
	budget := window - reserve

	sys := llm.Message{Role: llm.RoleSystem, Content: system}
	for len(history) > 1 {
		n, err := p.CountTokens(append([]llm.Message{sys}, history...))
		if err != nil {
			observe.Logger(ctx).Warn("turn: token count failed, sending untrimmed history", slog.Any("err", err))
			return history
		}
		if n <= budget {
			return history
		}
		history = history[1:]
	}
	return history
}
