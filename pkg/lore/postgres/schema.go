// Package postgres provides a PostgreSQL-backed implementation of
// [lore.Store] on top of a single [pgxpool.Pool].
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	chat, _ := store.CreateChat(ctx, lore.Chat{Title: "Curse of Strahd"})
//	turn, _ := store.IncrementAssistantTurn(ctx, chat.ID)
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// ─────────────────────────────────────────────────────────────────────────────
// Chats, lorebooks and the message log
// ─────────────────────────────────────────────────────────────────────────────

const ddlChats = `
CREATE TABLE IF NOT EXISTS lorebooks (
    id           TEXT         PRIMARY KEY,
    name         TEXT         NOT NULL,
    description  TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chats (
    id              TEXT         PRIMARY KEY,
    title           TEXT         NOT NULL DEFAULT '',
    main_prompt     TEXT         NOT NULL DEFAULT '',
    lorebook_id     TEXT         REFERENCES lorebooks (id) ON DELETE SET NULL,
    assistant_turn  INTEGER      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    chat_id     TEXT         NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_seq
    ON chat_messages (chat_id, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// Session entity tables
// ─────────────────────────────────────────────────────────────────────────────

// ddlEntityTable returns the DDL for one entity kind. The three tables share
// a shape; they differ in the display-key column and the legal state set.
func ddlEntityTable(kind lore.Kind) string {
	states := make([]string, 0, len(kind.States()))
	for _, s := range kind.States() {
		states = append(states, "'"+string(s)+"'")
	}
	table := kind.Table()

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    seq                  BIGSERIAL    NOT NULL,
    id                   TEXT         PRIMARY KEY,
    chat_id              TEXT         NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
    %[2]s                TEXT         NOT NULL,
    description          TEXT,
    state                TEXT         NOT NULL DEFAULT 'candidate' CHECK (state IN (%[3]s)),
    importance           INTEGER      NOT NULL DEFAULT 1 CHECK (importance >= 0),
    reinforcement_count  INTEGER      NOT NULL DEFAULT 1 CHECK (reinforcement_count >= 1),
    last_mentioned       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_mentioned_turn  INTEGER,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_chat_state
    ON %[1]s (chat_id, state);

CREATE INDEX IF NOT EXISTS idx_%[1]s_chat_seq
    ON %[1]s (chat_id, seq);
`, table, kind.KeyField(), strings.Join(states, ", "))
}

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{ddlChats}
	for _, k := range lore.Kinds {
		statements = append(statements, ddlEntityTable(k))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
