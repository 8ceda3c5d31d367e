package lifecycle

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// Promotion holds the thresholds that lift a candidate to active. A zero
// Importance disables the importance branch for the kind.
type Promotion struct {
	Reinforcement int
	Importance    int
}

// DecayStep moves an entity from From to To once it has been idle for at
// least IdleTurns assistant turns.
type DecayStep struct {
	From      lore.State
	To        lore.State
	IdleTurns int
}

// Rules configures promotion and decay per entity kind.
type Rules struct {
	Promotion map[lore.Kind]Promotion
	Decay     map[lore.Kind][]DecayStep
}

// DefaultRules returns the stock lifecycle:
//
//	kind        promotion              decay
//	character   reinf >= 2 | imp >= 3  active -10-> inactive -30-> archived
//	place       reinf >= 2             active -20-> archived
//	plot_point  reinf >= 2 | imp >= 3  active -5-> fading -10-> archived
func DefaultRules() Rules {
	return Rules{
		Promotion: map[lore.Kind]Promotion{
			lore.KindCharacter: {Reinforcement: 2, Importance: 3},
			lore.KindPlace:     {Reinforcement: 2},
			lore.KindPlotPoint: {Reinforcement: 2, Importance: 3},
		},
		Decay: map[lore.Kind][]DecayStep{
			lore.KindCharacter: {
				{From: lore.StateActive, To: lore.StateInactive, IdleTurns: 10},
				{From: lore.StateInactive, To: lore.StateArchived, IdleTurns: 30},
			},
			lore.KindPlace: {
				{From: lore.StateActive, To: lore.StateArchived, IdleTurns: 20},
			},
			lore.KindPlotPoint: {
				{From: lore.StateActive, To: lore.StateFading, IdleTurns: 5},
				{From: lore.StateFading, To: lore.StateArchived, IdleTurns: 10},
			},
		},
	}
}

// Validate checks every threshold and that each decay step only uses states
// the kind allows, never starts from a sweep-excluded state and never leads
// back to candidate.
func (r Rules) Validate() error {
	var errs []error
	for kind, p := range r.Promotion {
		if err := kind.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if p.Reinforcement < 1 {
			errs = append(errs, fmt.Errorf("%s: promotion reinforcement must be >= 1", kind))
		}
		if p.Importance < 0 {
			errs = append(errs, fmt.Errorf("%s: promotion importance must be >= 0", kind))
		}
	}
	for kind, steps := range r.Decay {
		if err := kind.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		seen := make(map[lore.State]bool, len(steps))
		for i, s := range steps {
			prefix := fmt.Sprintf("%s: decay[%d]", kind, i)
			if err := kind.CheckState(s.From); err != nil {
				errs = append(errs, fmt.Errorf("%s: from: %w", prefix, err))
			}
			if err := kind.CheckState(s.To); err != nil {
				errs = append(errs, fmt.Errorf("%s: to: %w", prefix, err))
			}
			if slices.Contains(kind.SweepExcluded(), s.From) {
				errs = append(errs, fmt.Errorf("%s: %q is never swept", prefix, s.From))
			}
			if s.To == lore.StateCandidate || s.From == s.To {
				errs = append(errs, fmt.Errorf("%s: %q -> %q is not a decay", prefix, s.From, s.To))
			}
			if s.IdleTurns < 1 {
				errs = append(errs, fmt.Errorf("%s: idle turns must be >= 1", prefix))
			}
			if seen[s.From] {
				errs = append(errs, fmt.Errorf("%s: duplicate step from %q", prefix, s.From))
			}
			seen[s.From] = true
		}
	}
	return errors.Join(errs...)
}

// Evaluate decides the next state of e at currentTurn. It reports false when
// the state should stay as it is. Entities in a sweep-excluded state are
// never moved.
//
// Promotion is checked first and, when it applies, no decay is considered in
// the same evaluation. Decay steps are followed as far as the idle time
// allows, so an active character idle for 40 turns goes straight to archived
// and a second evaluation at the same turn finds nothing to do.
func Evaluate(r Rules, e lore.Entity, currentTurn int) (lore.State, bool) {
	if slices.Contains(e.Kind.SweepExcluded(), e.State) {
		return e.State, false
	}

	if e.State == lore.StateCandidate {
		if p, ok := r.Promotion[e.Kind]; ok && promotes(p, e) {
			return lore.StateActive, true
		}
	}

	idle := e.TurnsIdle(currentTurn)
	state := e.State
	steps := r.Decay[e.Kind]
	for range steps {
		next, ok := decayStep(steps, e.Kind, state, idle)
		if !ok {
			break
		}
		state = next
	}
	return state, state != e.State
}

// decayStep returns the target of the first step leaving state whose idle
// threshold has been reached. Steps into sweep-excluded states end the chain.
func decayStep(steps []DecayStep, kind lore.Kind, state lore.State, idle int) (lore.State, bool) {
	if slices.Contains(kind.SweepExcluded(), state) {
		return state, false
	}
	for _, s := range steps {
		if s.From == state && idle >= s.IdleTurns && s.To != state {
			return s.To, true
		}
	}
	return state, false
}

func promotes(p Promotion, e lore.Entity) bool {
	if p.Reinforcement > 0 && e.ReinforcementCount >= p.Reinforcement {
		return true
	}
	return p.Importance > 0 && e.Importance >= p.Importance
}
