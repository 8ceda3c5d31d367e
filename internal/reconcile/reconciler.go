// Package reconcile merges freshly extracted entity mentions into the lore
// store of a chat.
//
// For every extracted candidate the reconciler looks for a stored entity of
// the same kind whose name matches under the kind's [Policy]:
//
//   - On a match the stored entity is reinforced: its reinforcement count
//     goes up by one, a non-empty description replaces the stored one and
//     the last-mentioned time and turn move forward.
//   - Otherwise a new candidate entity is inserted with importance 1 and a
//     reinforcement count of 1.
//
// Archived entities take part in matching so that a name which has decayed
// out of the story does not come back as a duplicate; they are reinforced in
// place and stay archived. Candidates are processed in extraction order and
// stored entities are scanned in creation order, so the first matching entity
// always wins.
//
// Persistence failures are logged and skipped; one bad row never aborts the
// rest of the batch.
package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/pkg/lore"
)

// Action describes what happened to one candidate.
type Action string

const (
	ActionInserted   Action = "inserted"
	ActionReinforced Action = "reinforced"
	ActionFailed     Action = "failed"
)

// Outcome is the result of reconciling one candidate.
type Outcome struct {
	Kind     lore.Kind
	Name     string
	EntityID string
	Action   Action
	Err      error
}

// Report summarises one [Reconciler.Apply] call.
type Report struct {
	Outcomes []Outcome
}

// Count returns how many outcomes carry action.
func (r Report) Count(action Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == action {
			n++
		}
	}
	return n
}

// Option is a functional option for configuring a [Reconciler].
type Option func(*Reconciler)

// WithClock overrides the time source used for last-mentioned timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// Reconciler applies extraction results to an [lore.EntityStore]. It is safe
// for concurrent use across chats; callers serialise work within one chat.
type Reconciler struct {
	store   lore.EntityStore
	matcher atomic.Pointer[Matcher]
	now     func() time.Time
	metrics *observe.Metrics
}

// New returns a Reconciler writing to store. A nil matcher selects
// [DefaultPolicies].
func New(store lore.EntityStore, matcher *Matcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		store: store,
		now:   time.Now,
	}
	if matcher == nil {
		matcher = &Matcher{policies: DefaultPolicies()}
	}
	r.matcher.Store(matcher)
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetMatcher swaps the matching policies. Calls already in progress finish
// with the previous matcher.
func (r *Reconciler) SetMatcher(m *Matcher) {
	if m != nil {
		r.matcher.Store(m)
	}
}

// Apply reconciles every candidate in ex against the chat's stored entities,
// stamping mentions with turn.
func (r *Reconciler) Apply(ctx context.Context, chatID string, turn int, ex lore.Extraction) Report {
	ctx, span := observe.StartSpan(ctx, "reconcile.apply")
	defer span.End()

	log := observe.Logger(ctx).With(slog.String("chat_id", chatID), slog.Int("turn", turn))
	matcher := r.matcher.Load()
	var report Report

	for _, kind := range lore.Kinds {
		candidates := ex.ByKind(kind)
		if len(candidates) == 0 {
			continue
		}

		existing, err := r.store.ListEntities(ctx, chatID, kind, lore.Filter{})
		if err != nil {
			log.Error("reconcile: list entities failed, skipping kind",
				slog.String("kind", string(kind)), slog.Any("err", err))
			r.recordStoreError(ctx, "list_entities")
			for _, c := range candidates {
				report.add(ctx, r.metrics, Outcome{Kind: kind, Name: c.Name, Action: ActionFailed, Err: err})
			}
			continue
		}

		for _, c := range candidates {
			out := r.reconcileOne(ctx, log, matcher, chatID, kind, turn, c, &existing)
			report.add(ctx, r.metrics, out)
		}
	}
	return report
}

// reconcileOne handles a single candidate. Successful writes are folded back
// into existing so that a name repeated within one batch reinforces the row
// inserted a moment earlier.
func (r *Reconciler) reconcileOne(ctx context.Context, log *slog.Logger, matcher *Matcher, chatID string, kind lore.Kind, turn int, c lore.Candidate, existing *[]lore.Entity) Outcome {
	out := Outcome{Kind: kind, Name: c.Name}
	now := r.now()

	if match, ok := matcher.Find(kind, c.Name, *existing); ok {
		updated, err := r.store.Reinforce(ctx, kind, match.ID, lore.Mention{
			Description: c.Description,
			Turn:        turn,
			At:          now,
		})
		if err != nil {
			log.Error("reconcile: reinforce failed",
				slog.String("kind", string(kind)),
				slog.String("entity_id", match.ID),
				slog.String("name", c.Name),
				slog.Any("err", err))
			r.recordStoreError(ctx, "reinforce")
			out.EntityID, out.Action, out.Err = match.ID, ActionFailed, err
			return out
		}
		replace(*existing, updated)
		out.EntityID, out.Action = updated.ID, ActionReinforced
		return out
	}

	inserted, err := r.store.InsertEntity(ctx, lore.NewCandidate(chatID, kind, c.Name, c.Description, turn, now))
	if err != nil {
		log.Error("reconcile: insert failed",
			slog.String("kind", string(kind)),
			slog.String("name", c.Name),
			slog.Any("err", err))
		r.recordStoreError(ctx, "insert_entity")
		out.Action, out.Err = ActionFailed, err
		return out
	}
	*existing = append(*existing, inserted)
	out.EntityID, out.Action = inserted.ID, ActionInserted
	log.Debug("reconcile: new candidate",
		slog.String("kind", string(kind)),
		slog.String("entity_id", inserted.ID),
		slog.String("name", inserted.Name))
	return out
}

func (r *Reconciler) recordStoreError(ctx context.Context, op string) {
	if r.metrics != nil {
		r.metrics.RecordStoreError(ctx, op)
	}
}

func (rep *Report) add(ctx context.Context, m *observe.Metrics, o Outcome) {
	rep.Outcomes = append(rep.Outcomes, o)
	if m != nil {
		m.RecordReconcile(ctx, string(o.Kind), string(o.Action))
	}
}

func replace(entities []lore.Entity, e lore.Entity) {
	for i := range entities {
		if entities[i].ID == e.ID {
			entities[i] = e
			return
		}
	}
}
