// Package lore defines the session lore model: the characters, places and
// plot points a conversation introduces, the chats that own them, and the
// storage contract every backend implements.
//
// Each entity kind has its own closed set of legal states. The shared
// [State] type keeps the stores generic while [Kind.Allows] rejects a state
// that is illegal for a kind (an inactive place, a fading character) before
// it can reach storage.
package lore

import (
	"fmt"
	"slices"
)

// Kind identifies one of the three lore entity kinds.
type Kind string

const (
	// KindCharacter is a person or creature, keyed by name.
	KindCharacter Kind = "character"

	// KindPlace is a location, keyed by name.
	KindPlace Kind = "place"

	// KindPlotPoint is a story thread, keyed by title.
	KindPlotPoint Kind = "plot_point"
)

// Kinds lists every kind in the order the prompt renders them.
var Kinds = []Kind{KindCharacter, KindPlace, KindPlotPoint}

// State is the lifecycle state of a lore entity.
type State string

const (
	StateCandidate State = "candidate"
	StateActive    State = "active"
	StateInactive  State = "inactive"
	StateFading    State = "fading"
	StateResolved  State = "resolved"
	StateArchived  State = "archived"
)

// SnapshotStates are the states visible to the narrator prompt.
var SnapshotStates = []State{StateActive, StateCandidate}

var legalStates = map[Kind][]State{
	KindCharacter: {StateCandidate, StateActive, StateInactive, StateArchived},
	KindPlace:     {StateCandidate, StateActive, StateArchived},
	KindPlotPoint: {StateCandidate, StateActive, StateFading, StateResolved, StateArchived},
}

var sweepExcluded = map[Kind][]State{
	KindCharacter: {StateArchived},
	KindPlace:     {StateArchived},
	KindPlotPoint: {StateResolved, StateArchived},
}

// ParseKind converts s into a Kind, accepting the plural route forms
// ("characters", "places", "plot_points") as well.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "character", "characters":
		return KindCharacter, nil
	case "place", "places":
		return KindPlace, nil
	case "plot_point", "plot_points", "plotpoint", "plot-point":
		return KindPlotPoint, nil
	default:
		return "", fmt.Errorf("lore: unknown kind %q", s)
	}
}

// Validate reports an error when k is not one of the known kinds.
func (k Kind) Validate() error {
	if _, ok := legalStates[k]; !ok {
		return fmt.Errorf("lore: unknown kind %q", k)
	}
	return nil
}

// States returns the legal states for k in lifecycle order.
func (k Kind) States() []State {
	return slices.Clone(legalStates[k])
}

// Allows reports whether s is a legal state for k.
func (k Kind) Allows(s State) bool {
	return slices.Contains(legalStates[k], s)
}

// SweepExcluded returns the states the lifecycle sweep never touches.
func (k Kind) SweepExcluded() []State {
	return slices.Clone(sweepExcluded[k])
}

// KeyField is the display-key column name: "title" for plot points,
// "name" for everything else.
func (k Kind) KeyField() string {
	if k == KindPlotPoint {
		return "title"
	}
	return "name"
}

// Table is the relational table that stores entities of kind k.
func (k Kind) Table() string {
	switch k {
	case KindCharacter:
		return "session_characters"
	case KindPlace:
		return "session_places"
	case KindPlotPoint:
		return "session_plot_points"
	default:
		return ""
	}
}

// CheckState returns [ErrIllegalState] when s is not legal for k.
func (k Kind) CheckState(s State) error {
	if !k.Allows(s) {
		return fmt.Errorf("%w: %q is not a %s state", ErrIllegalState, s, k)
	}
	return nil
}
