package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// CreateChat implements [lore.ChatStore].
func (s *Store) CreateChat(ctx context.Context, c lore.Chat) (lore.Chat, error) {
	if c.ID == "" {
		c.ID = lore.NewID()
	}
	const q = `
		INSERT INTO chats (id, title, main_prompt, lorebook_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING assistant_turn, created_at`

	if err := s.pool.QueryRow(ctx, q, c.ID, c.Title, c.MainPrompt, c.LorebookID).Scan(&c.AssistantTurn, &c.CreatedAt); err != nil {
		return lore.Chat{}, fmt.Errorf("postgres store: create chat: %w", notFound(err))
	}
	return c, nil
}

// GetChat implements [lore.ChatStore].
func (s *Store) GetChat(ctx context.Context, id string) (lore.Chat, error) {
	const q = `
		SELECT id, title, main_prompt, COALESCE(lorebook_id, ''), assistant_turn, created_at
		FROM   chats
		WHERE  id = $1`

	var c lore.Chat
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Title, &c.MainPrompt, &c.LorebookID, &c.AssistantTurn, &c.CreatedAt)
	if err != nil {
		return lore.Chat{}, fmt.Errorf("postgres store: get chat %q: %w", id, notFound(err))
	}
	return c, nil
}

// SetMainPrompt implements [lore.ChatStore].
func (s *Store) SetMainPrompt(ctx context.Context, chatID, prompt string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chats SET main_prompt = $2 WHERE id = $1`, chatID, prompt)
	if err != nil {
		return fmt.Errorf("postgres store: set main prompt %q: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: set main prompt %q: %w", chatID, lore.ErrNotFound)
	}
	return nil
}

// AttachLorebook implements [lore.ChatStore].
func (s *Store) AttachLorebook(ctx context.Context, chatID, lorebookID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chats SET lorebook_id = NULLIF($2, '') WHERE id = $1`, chatID, lorebookID)
	if err != nil {
		return fmt.Errorf("postgres store: attach lorebook %q: %w", lorebookID, notFound(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: attach lorebook to chat %q: %w", chatID, lore.ErrNotFound)
	}
	return nil
}

// IncrementAssistantTurn implements [lore.ChatStore] with a single atomic
// UPDATE … RETURNING.
func (s *Store) IncrementAssistantTurn(ctx context.Context, chatID string) (int, error) {
	const q = `UPDATE chats SET assistant_turn = assistant_turn + 1 WHERE id = $1 RETURNING assistant_turn`

	var turn int
	if err := s.pool.QueryRow(ctx, q, chatID).Scan(&turn); err != nil {
		return 0, fmt.Errorf("postgres store: increment turn %q: %w", chatID, notFound(err))
	}
	return turn, nil
}

// CreateLorebook implements [lore.ChatStore].
func (s *Store) CreateLorebook(ctx context.Context, lb lore.Lorebook) (lore.Lorebook, error) {
	if strings.TrimSpace(lb.Name) == "" {
		return lore.Lorebook{}, fmt.Errorf("postgres store: create lorebook: name must not be empty")
	}
	if lb.ID == "" {
		lb.ID = lore.NewID()
	}
	const q = `INSERT INTO lorebooks (id, name, description) VALUES ($1, $2, $3) RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, lb.ID, lb.Name, lb.Description).Scan(&lb.CreatedAt); err != nil {
		return lore.Lorebook{}, fmt.Errorf("postgres store: create lorebook: %w", err)
	}
	return lb, nil
}

// GetLorebook implements [lore.ChatStore].
func (s *Store) GetLorebook(ctx context.Context, id string) (lore.Lorebook, error) {
	const q = `SELECT id, name, description, created_at FROM lorebooks WHERE id = $1`

	var lb lore.Lorebook
	if err := s.pool.QueryRow(ctx, q, id).Scan(&lb.ID, &lb.Name, &lb.Description, &lb.CreatedAt); err != nil {
		return lore.Lorebook{}, fmt.Errorf("postgres store: get lorebook %q: %w", id, notFound(err))
	}
	return lb, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Message log
// ─────────────────────────────────────────────────────────────────────────────

// AppendMessage implements [lore.MessageLog].
func (s *Store) AppendMessage(ctx context.Context, m lore.Message) (lore.Message, error) {
	if m.ID == "" {
		m.ID = lore.NewMessageID()
	}
	const q = `
		INSERT INTO chat_messages (id, chat_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	if err := s.pool.QueryRow(ctx, q, m.ID, m.ChatID, m.Role, m.Content).Scan(&m.CreatedAt); err != nil {
		return lore.Message{}, fmt.Errorf("postgres store: append message to chat %q: %w", m.ChatID, notFound(err))
	}
	return m, nil
}

// ListMessages implements [lore.MessageLog].
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]lore.Message, error) {
	q := `
		SELECT id, chat_id, role, content, created_at
		FROM   chat_messages
		WHERE  chat_id = $1
		ORDER  BY seq`
	args := []any{chatID}
	if limit > 0 {
		q = `
		SELECT id, chat_id, role, content, created_at FROM (
		    SELECT seq, id, chat_id, role, content, created_at
		    FROM   chat_messages
		    WHERE  chat_id = $1
		    ORDER  BY seq DESC
		    LIMIT  $2
		) recent
		ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lore.Message, error) {
		var m lore.Message
		err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []lore.Message{}
	}
	return msgs, nil
}

// UpdateMessageContent implements [lore.MessageLog].
func (s *Store) UpdateMessageContent(ctx context.Context, chatID, id, content string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chat_messages SET content = $3 WHERE chat_id = $1 AND id = $2`, chatID, id, content)
	if err != nil {
		return fmt.Errorf("postgres store: update message %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: update message %q: %w", id, lore.ErrNotFound)
	}
	return nil
}
