package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// Timestamps are stored as unix nanoseconds.
const ddlChats = `
CREATE TABLE IF NOT EXISTS lorebooks (
    id           TEXT     PRIMARY KEY,
    name         TEXT     NOT NULL,
    description  TEXT     NOT NULL DEFAULT '',
    created_at   INTEGER  NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
    id              TEXT     PRIMARY KEY,
    title           TEXT     NOT NULL DEFAULT '',
    main_prompt     TEXT     NOT NULL DEFAULT '',
    lorebook_id     TEXT     REFERENCES lorebooks (id) ON DELETE SET NULL,
    assistant_turn  INTEGER  NOT NULL DEFAULT 0,
    created_at      INTEGER  NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq         INTEGER  PRIMARY KEY AUTOINCREMENT,
    id          TEXT     NOT NULL UNIQUE,
    chat_id     TEXT     NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
    role        TEXT     NOT NULL,
    content     TEXT     NOT NULL,
    created_at  INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_seq ON chat_messages (chat_id, seq);
`

func ddlEntityTable(kind lore.Kind) string {
	states := make([]string, 0, len(kind.States()))
	for _, s := range kind.States() {
		states = append(states, "'"+string(s)+"'")
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    seq                  INTEGER  PRIMARY KEY AUTOINCREMENT,
    id                   TEXT     NOT NULL UNIQUE,
    chat_id              TEXT     NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
    %[2]s                TEXT     NOT NULL,
    description          TEXT,
    state                TEXT     NOT NULL DEFAULT 'candidate' CHECK (state IN (%[3]s)),
    importance           INTEGER  NOT NULL DEFAULT 1 CHECK (importance >= 0),
    reinforcement_count  INTEGER  NOT NULL DEFAULT 1 CHECK (reinforcement_count >= 1),
    last_mentioned       INTEGER  NOT NULL,
    last_mentioned_turn  INTEGER,
    created_at           INTEGER  NOT NULL,
    updated_at           INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_chat_state ON %[1]s (chat_id, state);
`, kind.Table(), kind.KeyField(), strings.Join(states, ", "))
}

// Migrate creates all tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{ddlChats}
	for _, k := range lore.Kinds {
		statements = append(statements, ddlEntityTable(k))
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}
