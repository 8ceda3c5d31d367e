package reconcile

import (
	"errors"
	"fmt"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// Policy selects how candidate names of one kind are compared against the
// names already stored.
type Policy struct {
	Algorithm Algorithm

	// Threshold is the score a stored name must strictly exceed to match.
	// Ignored by the exact and substring algorithms.
	Threshold float64
}

// Validate checks the algorithm and that the threshold lies in [0, 1).
func (p Policy) Validate() error {
	if err := p.Algorithm.Validate(); err != nil {
		return err
	}
	if p.Threshold < 0 || p.Threshold >= 1 {
		return fmt.Errorf("reconcile: threshold %v must be in [0, 1)", p.Threshold)
	}
	return nil
}

// Matches reports whether a score produced by p.Algorithm counts as a match.
func (p Policy) Matches(score float64) bool {
	if p.Algorithm.binary() {
		return score == 1
	}
	return score > p.Threshold
}

// DefaultPolicies returns the stock matching rules: characters tolerate
// small spelling drift through positional similarity above 0.8, while places
// and plot points must match their stored key exactly.
func DefaultPolicies() map[lore.Kind]Policy {
	return map[lore.Kind]Policy{
		lore.KindCharacter: {Algorithm: AlgorithmPositional, Threshold: 0.8},
		lore.KindPlace:     {Algorithm: AlgorithmExact},
		lore.KindPlotPoint: {Algorithm: AlgorithmExact},
	}
}

// Matcher resolves an extracted name to a stored entity using a per-kind
// [Policy]. A Matcher is immutable and safe for concurrent use.
type Matcher struct {
	policies map[lore.Kind]Policy
}

// NewMatcher returns a Matcher using policies, falling back to
// [DefaultPolicies] for any kind not present. It returns an error if a
// supplied policy is invalid or names an unknown kind.
func NewMatcher(policies map[lore.Kind]Policy) (*Matcher, error) {
	m := &Matcher{policies: DefaultPolicies()}
	var errs []error
	for kind, p := range policies {
		if err := kind.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		m.policies[kind] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Policy returns the policy in force for kind.
func (m *Matcher) Policy(kind lore.Kind) Policy {
	return m.policies[kind]
}

// Find returns the first entity in existing, in slice order, whose name
// matches name under the kind's policy.
func (m *Matcher) Find(kind lore.Kind, name string, existing []lore.Entity) (lore.Entity, bool) {
	p := m.policies[kind]
	for _, e := range existing {
		if p.Matches(Score(p.Algorithm, name, e.Name)) {
			return e, true
		}
	}
	return lore.Entity{}, false
}
