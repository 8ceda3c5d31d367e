// Package lifecycle promotes and decays lore entities once per assistant
// turn.
//
// A sweep loads every entity of a chat that is not in a sweep-excluded state
// (archived for all kinds, plus resolved for plot points), decides its next
// state with [Evaluate] and persists only genuine changes. Writes are
// compare-and-set against the state that was read, so a concurrent external
// update (for example a plot point being resolved) is never overwritten.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/pkg/lore"
)

// Transition records one state change applied by a sweep.
type Transition struct {
	Kind      lore.Kind
	EntityID  string
	Name      string
	From      lore.State
	To        lore.State
	TurnsIdle int
}

func (t Transition) String() string {
	return fmt.Sprintf("%s %q: %s -> %s (idle %d)", t.Kind, t.Name, t.From, t.To, t.TurnsIdle)
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithMetrics records transitions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine runs lifecycle sweeps against an [lore.EntityStore]. Rules can be
// swapped at runtime with [Engine.SetRules].
type Engine struct {
	store   lore.EntityStore
	rules   atomic.Pointer[Rules]
	metrics *observe.Metrics
}

// NewEngine returns an Engine using rules.
func NewEngine(store lore.EntityStore, rules Rules, opts ...Option) *Engine {
	e := &Engine{store: store}
	e.rules.Store(&rules)
	for _, o := range opts {
		o(e)
	}
	return e
}

// Rules returns the rules currently in force.
func (e *Engine) Rules() Rules {
	return *e.rules.Load()
}

// SetRules replaces the rules used by subsequent sweeps.
func (e *Engine) SetRules(r Rules) {
	e.rules.Store(&r)
}

// Sweep evaluates every sweepable entity of chatID at currentTurn and
// persists the resulting transitions. Per-entity failures are logged and the
// sweep continues; the returned error joins them and is nil when every write
// succeeded. Entities whose state changed underneath the sweep are skipped
// without error.
func (e *Engine) Sweep(ctx context.Context, chatID string, currentTurn int) (_ []Transition, err error) {
	ctx, span := observe.StartSpan(ctx, "lifecycle.sweep")
	defer func() { observe.Finish(span, err) }()

	rules := e.Rules()
	log := observe.Logger(ctx).With(slog.String("chat_id", chatID), slog.Int("turn", currentTurn))

	var (
		transitions []Transition
		errs        []error
	)
	for _, kind := range lore.Kinds {
		entities, err := e.store.ListEntities(ctx, chatID, kind, lore.Filter{ExcludeStates: kind.SweepExcluded()})
		if err != nil {
			log.Error("lifecycle: list entities failed", slog.String("kind", string(kind)), slog.Any("err", err))
			e.recordStoreError(ctx, "list_entities")
			errs = append(errs, fmt.Errorf("lifecycle: list %s: %w", kind, err))
			continue
		}

		for _, ent := range entities {
			next, ok := Evaluate(rules, ent, currentTurn)
			if !ok {
				continue
			}
			err := e.store.TransitionState(ctx, kind, ent.ID, ent.State, next)
			switch {
			case errors.Is(err, lore.ErrStateConflict):
				log.Debug("lifecycle: state changed concurrently, skipping",
					slog.String("kind", string(kind)), slog.String("entity_id", ent.ID))
				continue
			case err != nil:
				log.Error("lifecycle: transition failed",
					slog.String("kind", string(kind)),
					slog.String("entity_id", ent.ID),
					slog.String("from", string(ent.State)),
					slog.String("to", string(next)),
					slog.Any("err", err))
				e.recordStoreError(ctx, "transition_state")
				errs = append(errs, fmt.Errorf("lifecycle: %s %s: %w", kind, ent.ID, err))
				continue
			}

			t := Transition{
				Kind:      kind,
				EntityID:  ent.ID,
				Name:      ent.Name,
				From:      ent.State,
				To:        next,
				TurnsIdle: ent.TurnsIdle(currentTurn),
			}
			transitions = append(transitions, t)
			log.Info("lifecycle: transition",
				slog.String("kind", string(kind)),
				slog.String("entity_id", ent.ID),
				slog.String("name", ent.Name),
				slog.String("from", string(t.From)),
				slog.String("to", string(t.To)),
				slog.Int("turns_idle", t.TurnsIdle))
			if e.metrics != nil {
				e.metrics.RecordTransition(ctx, string(kind), string(t.From), string(t.To))
			}
		}
	}
	return transitions, errors.Join(errs...)
}

func (e *Engine) recordStoreError(ctx context.Context, op string) {
	if e.metrics != nil {
		e.metrics.RecordStoreError(ctx, op)
	}
}

// Plan returns the transitions a sweep at currentTurn would apply, without
// writing anything.
func Plan(ctx context.Context, store lore.EntityStore, rules Rules, chatID string, currentTurn int) ([]Transition, error) {
	var out []Transition
	for _, kind := range lore.Kinds {
		entities, err := store.ListEntities(ctx, chatID, kind, lore.Filter{ExcludeStates: kind.SweepExcluded()})
		if err != nil {
			return nil, fmt.Errorf("lifecycle: list %s: %w", kind, err)
		}
		for _, ent := range entities {
			if next, ok := Evaluate(rules, ent, currentTurn); ok {
				out = append(out, Transition{
					Kind:      kind,
					EntityID:  ent.ID,
					Name:      ent.Name,
					From:      ent.State,
					To:        next,
					TurnsIdle: ent.TurnsIdle(currentTurn),
				})
			}
		}
	}
	return out, nil
}
