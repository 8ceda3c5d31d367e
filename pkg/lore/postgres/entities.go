package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// entityColumns returns the select list shared by every entity query.
func entityColumns(kind lore.Kind) string {
	return "id, chat_id, " + kind.KeyField() + ", description, state, importance, " +
		"reinforcement_count, last_mentioned, last_mentioned_turn, created_at, updated_at"
}

// ListEntities implements [lore.EntityStore].
func (s *Store) ListEntities(ctx context.Context, chatID string, kind lore.Kind, filter lore.Filter) ([]lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	args := []any{chatID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"chat_id = $1"}
	if len(filter.States) > 0 {
		conditions = append(conditions, "state = ANY("+next(stateStrings(filter.States))+")")
	}
	if len(filter.ExcludeStates) > 0 {
		conditions = append(conditions, "NOT (state = ANY("+next(stateStrings(filter.ExcludeStates))+"))")
	}

	q := "SELECT " + entityColumns(kind) + "\n" +
		"FROM   " + kind.Table() + "\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY seq, id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list %s: %w", kind, err)
	}
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lore.Entity, error) {
		return scanEntity(row, kind)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan %s rows: %w", kind, err)
	}
	if entities == nil {
		entities = []lore.Entity{}
	}
	return entities, nil
}

// GetEntity implements [lore.EntityStore].
func (s *Store) GetEntity(ctx context.Context, kind lore.Kind, id string) (lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return lore.Entity{}, err
	}
	q := "SELECT " + entityColumns(kind) + " FROM " + kind.Table() + " WHERE id = $1"
	e, err := scanEntity(s.pool.QueryRow(ctx, q, id), kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("postgres store: get %s %q: %w", kind, id, notFound(err))
	}
	return e, nil
}

// InsertEntity implements [lore.EntityStore].
func (s *Store) InsertEntity(ctx context.Context, e lore.Entity) (lore.Entity, error) {
	if err := e.Validate(); err != nil {
		return lore.Entity{}, fmt.Errorf("postgres store: insert %s: %w", e.Kind, err)
	}
	if e.ID == "" {
		e.ID = lore.NewID()
	}
	lastMentioned := e.LastMentioned
	if lastMentioned.IsZero() {
		lastMentioned = time.Now()
	}

	q := fmt.Sprintf(`
		INSERT INTO %s
		    (id, chat_id, %s, description, state, importance, reinforcement_count, last_mentioned, last_mentioned_turn)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		RETURNING %s`, e.Kind.Table(), e.Kind.KeyField(), entityColumns(e.Kind))

	got, err := scanEntity(s.pool.QueryRow(ctx, q,
		e.ID,
		e.ChatID,
		e.Name,
		e.Description,
		string(e.State),
		e.Importance,
		e.ReinforcementCount,
		lastMentioned,
		e.LastMentionedTurn,
	), e.Kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("postgres store: insert %s %q: %w", e.Kind, e.Name, notFound(err))
	}
	return got, nil
}

// Reinforce implements [lore.EntityStore]. The count increment and the
// never-decreasing turn are computed inside a single UPDATE.
func (s *Store) Reinforce(ctx context.Context, kind lore.Kind, id string, m lore.Mention) (lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return lore.Entity{}, err
	}
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    reinforcement_count = reinforcement_count + 1,
		       description         = COALESCE(NULLIF($2::text, ''), description),
		       last_mentioned      = $3,
		       last_mentioned_turn = GREATEST(COALESCE(last_mentioned_turn, $4::integer), $4::integer),
		       updated_at          = now()
		WHERE  id = $1
		RETURNING %s`, kind.Table(), entityColumns(kind))

	e, err := scanEntity(s.pool.QueryRow(ctx, q, id, m.Description, at, m.Turn), kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("postgres store: reinforce %s %q: %w", kind, id, notFound(err))
	}
	return e, nil
}

// TransitionState implements [lore.EntityStore] as a compare-and-set.
func (s *Store) TransitionState(ctx context.Context, kind lore.Kind, id string, from, to lore.State) error {
	if err := kind.CheckState(to); err != nil {
		return err
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    state = $3, updated_at = now()
		WHERE  id = $1 AND state = $2 AND state <> 'archived'`, kind.Table())

	tag, err := s.pool.Exec(ctx, q, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres store: transition %s %q: %w", kind, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.currentState(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("postgres store: transition %s %q: %w", kind, id, err)
	}
	if current == lore.StateArchived {
		return fmt.Errorf("postgres store: transition %s %q: %w", kind, id, lore.ErrTerminalState)
	}
	return fmt.Errorf("postgres store: transition %s %q from %s (now %s): %w", kind, id, from, current, lore.ErrStateConflict)
}

// SetState implements [lore.EntityStore].
func (s *Store) SetState(ctx context.Context, kind lore.Kind, id string, to lore.State) (lore.Entity, error) {
	if err := kind.CheckState(to); err != nil {
		return lore.Entity{}, err
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    updated_at = CASE WHEN state = $2::text THEN updated_at ELSE now() END,
		       state      = $2::text
		WHERE  id = $1 AND (state <> 'archived' OR $2::text = 'archived')
		RETURNING %s`, kind.Table(), entityColumns(kind))

	e, err := scanEntity(s.pool.QueryRow(ctx, q, id, string(to)), kind)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return lore.Entity{}, fmt.Errorf("postgres store: set state %s %q: %w", kind, id, err)
	}
	if _, stateErr := s.currentState(ctx, kind, id); stateErr != nil {
		return lore.Entity{}, fmt.Errorf("postgres store: set state %s %q: %w", kind, id, stateErr)
	}
	return lore.Entity{}, fmt.Errorf("postgres store: set state %s %q: %w", kind, id, lore.ErrTerminalState)
}

// RaiseImportance implements [lore.EntityStore].
func (s *Store) RaiseImportance(ctx context.Context, kind lore.Kind, id string, importance int) (lore.Entity, error) {
	if err := kind.Validate(); err != nil {
		return lore.Entity{}, err
	}
	if importance < 0 {
		return lore.Entity{}, fmt.Errorf("postgres store: importance must be >= 0, got %d", importance)
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET    updated_at = CASE WHEN importance < $2::integer THEN now() ELSE updated_at END,
		       importance = GREATEST(importance, $2::integer)
		WHERE  id = $1
		RETURNING %s`, kind.Table(), entityColumns(kind))

	e, err := scanEntity(s.pool.QueryRow(ctx, q, id, importance), kind)
	if err != nil {
		return lore.Entity{}, fmt.Errorf("postgres store: raise importance %s %q: %w", kind, id, notFound(err))
	}
	return e, nil
}

func (s *Store) currentState(ctx context.Context, kind lore.Kind, id string) (lore.State, error) {
	var state string
	err := s.pool.QueryRow(ctx, "SELECT state FROM "+kind.Table()+" WHERE id = $1", id).Scan(&state)
	if err != nil {
		return "", notFound(err)
	}
	return lore.State(state), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanEntity(row pgx.Row, kind lore.Kind) (lore.Entity, error) {
	var (
		e           lore.Entity
		description *string
		state       string
		turn        *int32
	)
	if err := row.Scan(
		&e.ID,
		&e.ChatID,
		&e.Name,
		&description,
		&state,
		&e.Importance,
		&e.ReinforcementCount,
		&e.LastMentioned,
		&turn,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return lore.Entity{}, err
	}
	e.Kind = kind
	e.State = lore.State(state)
	if description != nil {
		e.Description = *description
	}
	if turn != nil {
		t := int(*turn)
		e.LastMentionedTurn = &t
	}
	return e, nil
}

func stateStrings(states []lore.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
