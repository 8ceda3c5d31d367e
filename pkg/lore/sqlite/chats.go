package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// CreateChat implements [lore.ChatStore].
func (s *Store) CreateChat(ctx context.Context, c lore.Chat) (lore.Chat, error) {
	if c.LorebookID != "" {
		if err := s.requireRow(ctx, "lorebooks", c.LorebookID); err != nil {
			return lore.Chat{}, fmt.Errorf("sqlite store: create chat: %w", err)
		}
	}
	if c.ID == "" {
		c.ID = lore.NewID()
	}
	c.AssistantTurn = 0
	c.CreatedAt = s.now().UTC()

	const q = `INSERT INTO chats (id, title, main_prompt, lorebook_id, created_at) VALUES (?, ?, ?, NULLIF(?, ''), ?)`
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.Title, c.MainPrompt, c.LorebookID, nanos(c.CreatedAt)); err != nil {
		return lore.Chat{}, fmt.Errorf("sqlite store: create chat: %w", err)
	}
	return c, nil
}

// GetChat implements [lore.ChatStore].
func (s *Store) GetChat(ctx context.Context, id string) (lore.Chat, error) {
	const q = `SELECT id, title, main_prompt, COALESCE(lorebook_id, ''), assistant_turn, created_at FROM chats WHERE id = ?`

	var (
		c       lore.Chat
		created int64
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.Title, &c.MainPrompt, &c.LorebookID, &c.AssistantTurn, &created); err != nil {
		return lore.Chat{}, fmt.Errorf("sqlite store: get chat %q: %w", id, notFound(err))
	}
	c.CreatedAt = fromNanos(created)
	return c, nil
}

// SetMainPrompt implements [lore.ChatStore].
func (s *Store) SetMainPrompt(ctx context.Context, chatID, prompt string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET main_prompt = ? WHERE id = ?`, prompt, chatID)
	if err != nil {
		return fmt.Errorf("sqlite store: set main prompt %q: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: set main prompt %q: %w", chatID, lore.ErrNotFound)
	}
	return nil
}

// AttachLorebook implements [lore.ChatStore].
func (s *Store) AttachLorebook(ctx context.Context, chatID, lorebookID string) error {
	if err := s.requireRow(ctx, "chats", chatID); err != nil {
		return fmt.Errorf("sqlite store: attach lorebook: %w", err)
	}
	if lorebookID != "" {
		if err := s.requireRow(ctx, "lorebooks", lorebookID); err != nil {
			return fmt.Errorf("sqlite store: attach lorebook: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET lorebook_id = NULLIF(?, '') WHERE id = ?`, lorebookID, chatID); err != nil {
		return fmt.Errorf("sqlite store: attach lorebook: %w", err)
	}
	return nil
}

// IncrementAssistantTurn implements [lore.ChatStore].
func (s *Store) IncrementAssistantTurn(ctx context.Context, chatID string) (int, error) {
	const q = `UPDATE chats SET assistant_turn = assistant_turn + 1 WHERE id = ? RETURNING assistant_turn`

	var turn int
	if err := s.db.QueryRowContext(ctx, q, chatID).Scan(&turn); err != nil {
		return 0, fmt.Errorf("sqlite store: increment turn %q: %w", chatID, notFound(err))
	}
	return turn, nil
}

// CreateLorebook implements [lore.ChatStore].
func (s *Store) CreateLorebook(ctx context.Context, lb lore.Lorebook) (lore.Lorebook, error) {
	if strings.TrimSpace(lb.Name) == "" {
		return lore.Lorebook{}, fmt.Errorf("sqlite store: create lorebook: name must not be empty")
	}
	if lb.ID == "" {
		lb.ID = lore.NewID()
	}
	lb.CreatedAt = s.now().UTC()

	const q = `INSERT INTO lorebooks (id, name, description, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, lb.ID, lb.Name, lb.Description, nanos(lb.CreatedAt)); err != nil {
		return lore.Lorebook{}, fmt.Errorf("sqlite store: create lorebook: %w", err)
	}
	return lb, nil
}

// GetLorebook implements [lore.ChatStore].
func (s *Store) GetLorebook(ctx context.Context, id string) (lore.Lorebook, error) {
	var (
		lb      lore.Lorebook
		created int64
	)
	const q = `SELECT id, name, description, created_at FROM lorebooks WHERE id = ?`
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&lb.ID, &lb.Name, &lb.Description, &created); err != nil {
		return lore.Lorebook{}, fmt.Errorf("sqlite store: get lorebook %q: %w", id, notFound(err))
	}
	lb.CreatedAt = fromNanos(created)
	return lb, nil
}

// AppendMessage implements [lore.MessageLog].
func (s *Store) AppendMessage(ctx context.Context, m lore.Message) (lore.Message, error) {
	if err := s.requireRow(ctx, "chats", m.ChatID); err != nil {
		return lore.Message{}, fmt.Errorf("sqlite store: append message: %w", err)
	}
	if m.ID == "" {
		m.ID = lore.NewMessageID()
	}
	m.CreatedAt = s.now().UTC()

	const q = `INSERT INTO chat_messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, m.ID, m.ChatID, m.Role, m.Content, nanos(m.CreatedAt)); err != nil {
		return lore.Message{}, fmt.Errorf("sqlite store: append message: %w", err)
	}
	return m, nil
}

// ListMessages implements [lore.MessageLog].
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]lore.Message, error) {
	q := `SELECT id, chat_id, role, content, created_at FROM chat_messages WHERE chat_id = ? ORDER BY seq`
	args := []any{chatID}
	if limit > 0 {
		q = `SELECT id, chat_id, role, content, created_at FROM (
		         SELECT seq, id, chat_id, role, content, created_at FROM chat_messages
		         WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		     ) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []lore.Message{}
	for rows.Next() {
		var (
			m       lore.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		m.CreatedAt = fromNanos(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	return msgs, nil
}

// UpdateMessageContent implements [lore.MessageLog].
func (s *Store) UpdateMessageContent(ctx context.Context, chatID, id, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET content = ? WHERE chat_id = ? AND id = ?`, content, chatID, id)
	if err != nil {
		return fmt.Errorf("sqlite store: update message %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: update message %q: %w", id, lore.ErrNotFound)
	}
	return nil
}
