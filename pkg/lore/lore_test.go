package lore_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/pkg/lore"
)

func TestKind_Allows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  lore.Kind
		state lore.State
		want  bool
	}{
		{lore.KindCharacter, lore.StateInactive, true},
		{lore.KindCharacter, lore.StateFading, false},
		{lore.KindCharacter, lore.StateResolved, false},
		{lore.KindPlace, lore.StateActive, true},
		{lore.KindPlace, lore.StateInactive, false},
		{lore.KindPlotPoint, lore.StateFading, true},
		{lore.KindPlotPoint, lore.StateResolved, true},
		{lore.KindPlotPoint, lore.StateInactive, false},
		{lore.Kind("item"), lore.StateActive, false},
	}
	for _, tc := range tests {
		if got := tc.kind.Allows(tc.state); got != tc.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", tc.kind, tc.state, got, tc.want)
		}
	}
}

func TestKind_CheckState(t *testing.T) {
	t.Parallel()
	err := lore.KindPlace.CheckState(lore.StateInactive)
	if !errors.Is(err, lore.ErrIllegalState) {
		t.Fatalf("CheckState: expected ErrIllegalState, got %v", err)
	}
}

func TestKind_SweepExcluded(t *testing.T) {
	t.Parallel()
	plot := lore.KindPlotPoint.SweepExcluded()
	if len(plot) != 2 {
		t.Fatalf("plot point sweep exclusions = %v, want resolved and archived", plot)
	}
	char := lore.KindCharacter.SweepExcluded()
	if len(char) != 1 || char[0] != lore.StateArchived {
		t.Fatalf("character sweep exclusions = %v, want [archived]", char)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]lore.Kind{
		"characters":  lore.KindCharacter,
		"place":       lore.KindPlace,
		"plot_points": lore.KindPlotPoint,
	} {
		got, err := lore.ParseKind(in)
		if err != nil {
			t.Fatalf("ParseKind(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := lore.ParseKind("items"); err == nil {
		t.Error("ParseKind(items): expected error")
	}
}

func TestEntity_Validate(t *testing.T) {
	t.Parallel()

	valid := lore.NewCandidate("chat-1", lore.KindCharacter, "Elara", "", 0, time.Now())
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: unexpected error: %v", err)
	}

	bad := lore.Entity{Kind: lore.KindPlace, State: lore.StateInactive, Importance: -1}
	err := bad.Validate()
	if err == nil {
		t.Fatal("Validate: expected error")
	}
	for _, want := range []string{"illegal state", "chat id", "name must not be empty", "importance", "reinforcement"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error %q does not mention %q", err, want)
		}
	}

	plot := lore.Entity{Kind: lore.KindPlotPoint, ChatID: "c", State: lore.StateActive, ReinforcementCount: 1}
	if err := plot.Validate(); err == nil || !strings.Contains(err.Error(), "title") {
		t.Errorf("Validate: expected title error for plot point, got %v", err)
	}
}

func TestEntity_ApplyMention(t *testing.T) {
	t.Parallel()

	e := lore.NewCandidate("chat-1", lore.KindCharacter, "Elara", "an elf", 5, time.Unix(0, 0))
	e.ApplyMention(lore.Mention{Turn: 3, At: time.Unix(100, 0)})

	if e.ReinforcementCount != 2 {
		t.Errorf("ReinforcementCount = %d, want 2", e.ReinforcementCount)
	}
	if e.Description != "an elf" {
		t.Errorf("empty mention description must keep the stored one, got %q", e.Description)
	}
	if *e.LastMentionedTurn != 5 {
		t.Errorf("LastMentionedTurn decreased to %d", *e.LastMentionedTurn)
	}

	e.ApplyMention(lore.Mention{Description: "a ranger", Turn: 8, At: time.Unix(200, 0)})
	if e.Description != "a ranger" || *e.LastMentionedTurn != 8 || e.ReinforcementCount != 3 {
		t.Errorf("unexpected entity after mention: %+v", e)
	}
}

func TestEntity_TurnsIdle(t *testing.T) {
	t.Parallel()

	var e lore.Entity
	if got := e.TurnsIdle(42); got != 0 {
		t.Errorf("unset last mention turn: TurnsIdle = %d, want 0", got)
	}
	turn := 10
	e.LastMentionedTurn = &turn
	if got := e.TurnsIdle(25); got != 15 {
		t.Errorf("TurnsIdle = %d, want 15", got)
	}
}

func TestFilter_Match(t *testing.T) {
	t.Parallel()

	f := lore.Filter{States: lore.SnapshotStates}
	if !f.Match(lore.StateCandidate) || f.Match(lore.StateArchived) {
		t.Error("snapshot filter mismatched")
	}
	ex := lore.Filter{ExcludeStates: lore.KindPlotPoint.SweepExcluded()}
	if ex.Match(lore.StateResolved) || !ex.Match(lore.StateFading) {
		t.Error("exclusion filter mismatched")
	}
}
