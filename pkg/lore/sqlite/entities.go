package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/loreweave/pkg/lore"
)

func entityColumns(kind lore.Kind) string {
	return "id, chat_id, " + kind.KeyField() + ", description, state, importance, " +
		"reinforcement_count, last_mentioned, last_mentioned_turn, created_at, updated_at"
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ListEntities implements [lore.EntityStore].
func (s *Store) ListEntities(ctx context.Context, chatID string, kind lore.Kind, filter lore.Filter) ([]lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	args := []any{chatID}
	conditions := []string{"chat_id = ?"}
	if len(filter.States) > 0 {
		conditions = append(conditions, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if len(filter.ExcludeStates) > 0 {
		conditions = append(conditions, "state NOT IN ("+placeholders(len(filter.ExcludeStates))+")")
		for _, st := range filter.ExcludeStates {
			args = append(args, string(st))
		}
	}

	q := "SELECT " + entityColumns(kind) + " FROM " + kind.Table() +
		" WHERE " + strings.Join(conditions, " AND ") + " ORDER BY seq, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list %s: %w", kind, err)
	}
	defer rows.Close()

	entities := []lore.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan %s: %w", kind, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list %s: %w", kind, err)
	}
	return entities, nil
}

// GetEntity implements [lore.EntityStore].
func (s *Store) GetEntity(ctx context.Context, kind lore.Kind, id string) (lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return lore.Entity{}, err
	}
	q := "SELECT " + entityColumns(kind) + " FROM " + kind.Table() + " WHERE id = ?"
	e, err := scanEntity(s.db.QueryRowContext(ctx, q, id), kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: get %s %q: %w", kind, id, notFound(err))
	}
	return e, nil
}

// InsertEntity implements [lore.EntityStore].
func (s *Store) InsertEntity(ctx context.Context, e lore.Entity) (lore.Entity, error) {
	if err := e.Validate(); err != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: insert %s: %w", e.Kind, err)
	}
	if err := s.requireRow(ctx, "chats", e.ChatID); err != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: insert %s: %w", e.Kind, err)
	}
	if e.ID == "" {
		e.ID = lore.NewID()
	}
	now := s.now()
	if e.LastMentioned.IsZero() {
		e.LastMentioned = now
	}

	q := fmt.Sprintf(`
		INSERT INTO %s
		    (id, chat_id, %s, description, state, importance, reinforcement_count,
		     last_mentioned, last_mentioned_turn, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
		RETURNING %s`, e.Kind.Table(), e.Kind.KeyField(), entityColumns(e.Kind))

	var turn any
	if e.LastMentionedTurn != nil {
		turn = *e.LastMentionedTurn
	}
	got, err := scanEntity(s.db.QueryRowContext(ctx, q,
		e.ID, e.ChatID, e.Name, e.Description, string(e.State), e.Importance, e.ReinforcementCount,
		nanos(e.LastMentioned), turn, nanos(now), nanos(now),
	), e.Kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: insert %s %q: %w", e.Kind, e.Name, err)
	}
	return got, nil
}

// Reinforce implements [lore.EntityStore].
func (s *Store) Reinforce(ctx context.Context, kind lore.Kind, id string, m lore.Mention) (lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return lore.Entity{}, err
	}
	now := s.now()
	at := m.At
	if at.IsZero() {
		at = now
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    reinforcement_count = reinforcement_count + 1,
		       description         = COALESCE(NULLIF(?1, ''), description),
		       last_mentioned      = ?2,
		       last_mentioned_turn = MAX(COALESCE(last_mentioned_turn, ?3), ?3),
		       updated_at          = ?4
		WHERE  id = ?5
		RETURNING %s`, kind.Table(), entityColumns(kind))

	e, err := scanEntity(s.db.QueryRowContext(ctx, q, m.Description, nanos(at), m.Turn, nanos(now), id), kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: reinforce %s %q: %w", kind, id, notFound(err))
	}
	return e, nil
}

// TransitionState implements [lore.EntityStore] as a compare-and-set.
func (s *Store) TransitionState(ctx context.Context, kind lore.Kind, id string, from, to lore.State) error {
	if err := kind.CheckState(to); err != nil {
		return err
	}

	q := "UPDATE " + kind.Table() + " SET state = ?, updated_at = ? WHERE id = ? AND state = ? AND state <> 'archived'"
	res, err := s.db.ExecContext(ctx, q, string(to), nanos(s.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("sqlite store: transition %s %q: %w", kind, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	current, err := s.currentState(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("sqlite store: transition %s %q: %w", kind, id, err)
	}
	if current == lore.StateArchived {
		return fmt.Errorf("sqlite store: transition %s %q: %w", kind, id, lore.ErrTerminalState)
	}
	return fmt.Errorf("sqlite store: transition %s %q from %s (now %s): %w", kind, id, from, current, lore.ErrStateConflict)
}

// SetState implements [lore.EntityStore]. The archived check and the write
// are one statement, so a concurrent sweep can neither be overwritten out of
// archived nor make the external state disappear.
func (s *Store) SetState(ctx context.Context, kind lore.Kind, id string, to lore.State) (lore.Entity, error) {
	if err := kind.CheckState(to); err != nil {
		return lore.Entity{}, err
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    updated_at = CASE WHEN state = ?1 THEN updated_at ELSE ?2 END,
		       state      = ?1
		WHERE  id = ?3 AND (state <> 'archived' OR ?1 = 'archived')
		RETURNING %s`, kind.Table(), entityColumns(kind))

	e, err := scanEntity(s.db.QueryRowContext(ctx, q, string(to), nanos(s.now()), id), kind)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return lore.Entity{}, fmt.Errorf("sqlite store: set state %s %q: %w", kind, id, err)
	}
	if _, stateErr := s.currentState(ctx, kind, id); stateErr != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: set state %s %q: %w", kind, id, stateErr)
	}
	return lore.Entity{}, fmt.Errorf("sqlite store: set state %s %q: %w", kind, id, lore.ErrTerminalState)
}

// RaiseImportance implements [lore.EntityStore].
func (s *Store) RaiseImportance(ctx context.Context, kind lore.Kind, id string, importance int) (lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return lore.Entity{}, err
	}
	if importance < 0 {
		return lore.Entity{}, fmt.Errorf("sqlite store: importance must be >= 0, got %d", importance)
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    updated_at = CASE WHEN importance < ?1 THEN ?2 ELSE updated_at END,
		       importance = MAX(importance, ?1)
		WHERE  id = ?3
		RETURNING %s`, kind.Table(), entityColumns(kind))

	e, err := scanEntity(s.db.QueryRowContext(ctx, q, importance, nanos(s.now()), id), kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("sqlite store: raise importance %s %q: %w", kind, id, notFound(err))
	}
	return e, nil
}

func (s *Store) currentState(ctx context.Context, kind lore.Kind, id string) (lore.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM "+kind.Table()+" WHERE id = ?", id).Scan(&state)
	if err != nil {
		return "", notFound(err)
	}
	return lore.State(state), nil
}

func scanEntity(row rowScanner, kind lore.Kind) (lore.Entity, error) {
	var (
		e                               lore.Entity
		description                     sql.NullString
		state                           string
		turn                            sql.NullInt64
		lastMentioned, created, updated int64
	)
	err := row.Scan(
		&e.ID, &e.ChatID, &e.Name, &description, &state, &e.Importance, &e.ReinforcementCount,
		&lastMentioned, &turn, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lore.Entity{}, err
		}
		return lore.Entity{}, fmt.Errorf("scan: %w", err)
	}
	e.Kind = kind
	e.State = lore.State(state)
	e.Description = description.String
	if turn.Valid {
		t := int(turn.Int64)
		e.LastMentionedTurn = &t
	}
	e.LastMentioned = fromNanos(lastMentioned)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
