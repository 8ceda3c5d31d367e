// Package loretest holds the behavioural test suite every [lore.Store]
// backend must pass. Backends call [Run] from their own tests.
package loretest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// Factory returns a fresh, empty store. It should register cleanup on t.
type Factory func(t *testing.T) lore.Store

// Run executes the full suite against the stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s lore.Store)
	}{
		{"ChatLifecycle", testChatLifecycle},
		{"IncrementAssistantTurnConcurrent", testIncrementConcurrent},
		{"InsertAndListOrder", testInsertAndListOrder},
		{"ListFilter", testListFilter},
		{"Reinforce", testReinforce},
		{"TransitionState", testTransitionState},
		{"SetState", testSetState},
		{"SetStateAgainstConcurrentTransitions", testSetStateConcurrent},
		{"RaiseImportance", testRaiseImportance},
		{"Messages", testMessages},
		{"NotFound", testNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func mustChat(t *testing.T, s lore.Store) lore.Chat {
	t.Helper()
	c, err := s.CreateChat(context.Background(), lore.Chat{Title: "The Sunken Crown"})
	if err != nil {
		t.Fatalf("CreateChat: unexpected error: %v", err)
	}
	return c
}

func mustInsert(t *testing.T, s lore.Store, chatID string, kind lore.Kind, name string, turn int) lore.Entity {
	t.Helper()
	e, err := s.InsertEntity(context.Background(), lore.NewCandidate(chatID, kind, name, name+" description", turn, time.Now()))
	if err != nil {
		t.Fatalf("InsertEntity(%s %q): unexpected error: %v", kind, name, err)
	}
	return e
}

func testChatLifecycle(t *testing.T, s lore.Store) {
	ctx := context.Background()

	lb, err := s.CreateLorebook(ctx, lore.Lorebook{Name: "Eberron", Description: "Magic-punk continent."})
	if err != nil {
		t.Fatalf("CreateLorebook: unexpected error: %v", err)
	}
	c := mustChat(t, s)
	if c.ID == "" || c.AssistantTurn != 0 {
		t.Fatalf("CreateChat: unexpected chat %+v", c)
	}
	if err := s.SetMainPrompt(ctx, c.ID, "Keep it grim."); err != nil {
		t.Fatalf("SetMainPrompt: unexpected error: %v", err)
	}
	if err := s.AttachLorebook(ctx, c.ID, lb.ID); err != nil {
		t.Fatalf("AttachLorebook: unexpected error: %v", err)
	}
	got, err := s.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChat: unexpected error: %v", err)
	}
	if got.MainPrompt != "Keep it grim." || got.LorebookID != lb.ID {
		t.Errorf("GetChat: got %+v", got)
	}
	gotLB, err := s.GetLorebook(ctx, lb.ID)
	if err != nil {
		t.Fatalf("GetLorebook: unexpected error: %v", err)
	}
	if gotLB.Name != "Eberron" || gotLB.Description != "Magic-punk continent." {
		t.Errorf("GetLorebook: got %+v", gotLB)
	}

	if err := s.AttachLorebook(ctx, c.ID, ""); err != nil {
		t.Fatalf("AttachLorebook(detach): unexpected error: %v", err)
	}
	got, _ = s.GetChat(ctx, c.ID)
	if got.LorebookID != "" {
		t.Errorf("expected lorebook to be detached, got %q", got.LorebookID)
	}

	turn, err := s.IncrementAssistantTurn(ctx, c.ID)
	if err != nil {
		t.Fatalf("IncrementAssistantTurn: unexpected error: %v", err)
	}
	if turn != 1 {
		t.Errorf("IncrementAssistantTurn = %d, want 1", turn)
	}
}

func testIncrementConcurrent(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementAssistantTurn(ctx, c.ID); err != nil {
				t.Errorf("IncrementAssistantTurn: unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChat: unexpected error: %v", err)
	}
	if got.AssistantTurn != n {
		t.Errorf("AssistantTurn = %d after %d concurrent increments", got.AssistantTurn, n)
	}
}

func testInsertAndListOrder(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)
	other := mustChat(t, s)

	names := []string{"Elara", "Borin", "Cassia", "Dorn"}
	for _, n := range names {
		mustInsert(t, s, c.ID, lore.KindCharacter, n, 0)
	}
	mustInsert(t, s, other.ID, lore.KindCharacter, "Stranger", 0)
	mustInsert(t, s, c.ID, lore.KindPlace, "Waterdeep", 0)

	got, err := s.ListEntities(ctx, c.ID, lore.KindCharacter, lore.Filter{})
	if err != nil {
		t.Fatalf("ListEntities: unexpected error: %v", err)
	}
	if len(got) != len(names) {
		t.Fatalf("ListEntities returned %d entities, want %d", len(got), len(names))
	}
	for i, e := range got {
		if e.Name != names[i] {
			t.Errorf("position %d: got %q, want %q (creation order)", i, e.Name, names[i])
		}
		if e.State != lore.StateCandidate || e.Importance != 1 || e.ReinforcementCount != 1 {
			t.Errorf("%q: unexpected defaults %+v", e.Name, e)
		}
		if e.LastMentionedTurn == nil || *e.LastMentionedTurn != 0 {
			t.Errorf("%q: LastMentionedTurn = %v, want 0", e.Name, e.LastMentionedTurn)
		}
		if e.Description != e.Name+" description" {
			t.Errorf("%q: description %q", e.Name, e.Description)
		}
	}

	plot, err := s.InsertEntity(ctx, lore.Entity{
		ChatID: c.ID, Kind: lore.KindPlotPoint, Name: "Find the crown",
		State: lore.StateCandidate, Importance: 1, ReinforcementCount: 1,
	})
	if err != nil {
		t.Fatalf("InsertEntity(plot): unexpected error: %v", err)
	}
	if plot.LastMentionedTurn != nil {
		t.Errorf("plot inserted without turn: LastMentionedTurn = %v, want nil", *plot.LastMentionedTurn)
	}
	if plot.Description != "" {
		t.Errorf("plot description = %q, want empty", plot.Description)
	}

	if _, err := s.InsertEntity(ctx, lore.Entity{ChatID: c.ID, Kind: lore.KindPlace, Name: "X", State: lore.StateInactive, ReinforcementCount: 1}); !errors.Is(err, lore.ErrIllegalState) {
		t.Errorf("InsertEntity(inactive place): expected ErrIllegalState, got %v", err)
	}
}

func testListFilter(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)

	a := mustInsert(t, s, c.ID, lore.KindPlotPoint, "A", 0)
	b := mustInsert(t, s, c.ID, lore.KindPlotPoint, "B", 0)
	d := mustInsert(t, s, c.ID, lore.KindPlotPoint, "D", 0)
	mustInsert(t, s, c.ID, lore.KindPlotPoint, "E", 0)

	if _, err := s.SetState(ctx, lore.KindPlotPoint, a.ID, lore.StateResolved); err != nil {
		t.Fatalf("SetState: unexpected error: %v", err)
	}
	if _, err := s.SetState(ctx, lore.KindPlotPoint, b.ID, lore.StateArchived); err != nil {
		t.Fatalf("SetState: unexpected error: %v", err)
	}
	if err := s.TransitionState(ctx, lore.KindPlotPoint, d.ID, lore.StateCandidate, lore.StateActive); err != nil {
		t.Fatalf("TransitionState: unexpected error: %v", err)
	}

	sweep, err := s.ListEntities(ctx, c.ID, lore.KindPlotPoint, lore.Filter{ExcludeStates: lore.KindPlotPoint.SweepExcluded()})
	if err != nil {
		t.Fatalf("ListEntities: unexpected error: %v", err)
	}
	if len(sweep) != 2 || sweep[0].Name != "D" || sweep[1].Name != "E" {
		t.Errorf("sweep filter returned %v", entityNames(sweep))
	}

	snap, err := s.ListEntities(ctx, c.ID, lore.KindPlotPoint, lore.Filter{States: []lore.State{lore.StateActive}})
	if err != nil {
		t.Fatalf("ListEntities: unexpected error: %v", err)
	}
	if len(snap) != 1 || snap[0].Name != "D" {
		t.Errorf("state filter returned %v", entityNames(snap))
	}
}

func testReinforce(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)
	e := mustInsert(t, s, c.ID, lore.KindCharacter, "Elara", 4)

	at := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	got, err := s.Reinforce(ctx, lore.KindCharacter, e.ID, lore.Mention{Description: "A half-elf ranger.", Turn: 6, At: at})
	if err != nil {
		t.Fatalf("Reinforce: unexpected error: %v", err)
	}
	if got.ReinforcementCount != 2 || got.Description != "A half-elf ranger." || *got.LastMentionedTurn != 6 {
		t.Errorf("Reinforce: got %+v", got)
	}
	if !got.LastMentioned.Equal(at) {
		t.Errorf("LastMentioned = %v, want %v", got.LastMentioned, at)
	}

	got, err = s.Reinforce(ctx, lore.KindCharacter, e.ID, lore.Mention{Turn: 2, At: at})
	if err != nil {
		t.Fatalf("Reinforce: unexpected error: %v", err)
	}
	if got.ReinforcementCount != 3 {
		t.Errorf("ReinforcementCount = %d, want 3", got.ReinforcementCount)
	}
	if got.Description != "A half-elf ranger." {
		t.Errorf("empty mention description overwrote stored one: %q", got.Description)
	}
	if *got.LastMentionedTurn != 6 {
		t.Errorf("LastMentionedTurn decreased to %d", *got.LastMentionedTurn)
	}
	if got.State != lore.StateCandidate || got.Importance != 1 {
		t.Errorf("reinforcement must not touch state or importance: %+v", got)
	}
}

func testTransitionState(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)
	e := mustInsert(t, s, c.ID, lore.KindCharacter, "Borin", 0)

	if err := s.TransitionState(ctx, lore.KindCharacter, e.ID, lore.StateCandidate, lore.StateActive); err != nil {
		t.Fatalf("TransitionState: unexpected error: %v", err)
	}
	err := s.TransitionState(ctx, lore.KindCharacter, e.ID, lore.StateCandidate, lore.StateActive)
	if !errors.Is(err, lore.ErrStateConflict) {
		t.Errorf("stale TransitionState: expected ErrStateConflict, got %v", err)
	}
	err = s.TransitionState(ctx, lore.KindCharacter, e.ID, lore.StateActive, lore.StateFading)
	if !errors.Is(err, lore.ErrIllegalState) {
		t.Errorf("TransitionState(fading character): expected ErrIllegalState, got %v", err)
	}
	if err := s.TransitionState(ctx, lore.KindCharacter, e.ID, lore.StateActive, lore.StateArchived); err != nil {
		t.Fatalf("TransitionState(archive): unexpected error: %v", err)
	}
	err = s.TransitionState(ctx, lore.KindCharacter, e.ID, lore.StateArchived, lore.StateActive)
	if !errors.Is(err, lore.ErrTerminalState) {
		t.Errorf("TransitionState out of archived: expected ErrTerminalState, got %v", err)
	}
	got, _ := s.GetEntity(ctx, lore.KindCharacter, e.ID)
	if got.State != lore.StateArchived {
		t.Errorf("state = %s, want archived", got.State)
	}
}

func testSetState(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)
	e := mustInsert(t, s, c.ID, lore.KindPlotPoint, "Rescue the heir", 0)

	got, err := s.SetState(ctx, lore.KindPlotPoint, e.ID, lore.StateResolved)
	if err != nil {
		t.Fatalf("SetState: unexpected error: %v", err)
	}
	if got.State != lore.StateResolved {
		t.Errorf("SetState: state = %s", got.State)
	}
	if _, err := s.SetState(ctx, lore.KindPlotPoint, e.ID, lore.StateArchived); err != nil {
		t.Fatalf("SetState(archived): unexpected error: %v", err)
	}
	if _, err := s.SetState(ctx, lore.KindPlotPoint, e.ID, lore.StateActive); !errors.Is(err, lore.ErrTerminalState) {
		t.Errorf("SetState out of archived: expected ErrTerminalState, got %v", err)
	}
}

// testSetStateConcurrent races external state changes against sweep-style
// compare-and-set transitions. A SetState that reports success must return
// the state it was asked for.
func testSetStateConcurrent(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)
	e := mustInsert(t, s, c.ID, lore.KindPlotPoint, "The drowned bell", 0)
	if err := s.TransitionState(ctx, lore.KindPlotPoint, e.ID, lore.StateCandidate, lore.StateActive); err != nil {
		t.Fatalf("TransitionState: unexpected error: %v", err)
	}

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range rounds {
			from, to := lore.StateActive, lore.StateFading
			if i%2 == 1 {
				from, to = to, from
			}
			err := s.TransitionState(ctx, lore.KindPlotPoint, e.ID, from, to)
			if err != nil && !errors.Is(err, lore.ErrStateConflict) {
				t.Errorf("TransitionState: unexpected error: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := range rounds {
			want := lore.StateFading
			if i%2 == 1 {
				want = lore.StateActive
			}
			got, err := s.SetState(ctx, lore.KindPlotPoint, e.ID, want)
			if err != nil {
				t.Errorf("SetState: unexpected error: %v", err)
				return
			}
			if got.State != want {
				t.Errorf("SetState(%s) returned state %s", want, got.State)
				return
			}
		}
	}()
	wg.Wait()
}

func testRaiseImportance(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)
	e := mustInsert(t, s, c.ID, lore.KindPlotPoint, "The red comet", 0)

	got, err := s.RaiseImportance(ctx, lore.KindPlotPoint, e.ID, 3)
	if err != nil {
		t.Fatalf("RaiseImportance: unexpected error: %v", err)
	}
	if got.Importance != 3 {
		t.Errorf("Importance = %d, want 3", got.Importance)
	}
	got, err = s.RaiseImportance(ctx, lore.KindPlotPoint, e.ID, 2)
	if err != nil {
		t.Fatalf("RaiseImportance: unexpected error: %v", err)
	}
	if got.Importance != 3 {
		t.Errorf("Importance lowered to %d", got.Importance)
	}
	if got.ReinforcementCount != 1 {
		t.Errorf("importance must not touch reinforcement, got %d", got.ReinforcementCount)
	}
	if _, err := s.RaiseImportance(ctx, lore.KindPlotPoint, e.ID, -1); err == nil {
		t.Error("RaiseImportance(-1): expected error")
	}
}

func testMessages(t *testing.T, s lore.Store) {
	ctx := context.Background()
	c := mustChat(t, s)

	contents := []struct{ role, text string }{
		{lore.RoleUser, "I enter the tavern."},
		{lore.RoleAssistant, "Smoke hangs low over the tables."},
		{lore.RoleUser, "I ask the barkeep about Elara."},
		{lore.RoleAssistant, "He points at a hooded figure."},
	}
	var last lore.Message
	for _, m := range contents {
		var err error
		last, err = s.AppendMessage(ctx, lore.Message{ChatID: c.ID, Role: m.role, Content: m.text})
		if err != nil {
			t.Fatalf("AppendMessage: unexpected error: %v", err)
		}
	}

	all, err := s.ListMessages(ctx, c.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: unexpected error: %v", err)
	}
	if len(all) != len(contents) {
		t.Fatalf("ListMessages returned %d messages, want %d", len(all), len(contents))
	}
	for i, m := range all {
		if m.Content != contents[i].text || m.Role != contents[i].role {
			t.Errorf("message %d = %+v, want %+v", i, m, contents[i])
		}
	}

	tail, err := s.ListMessages(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("ListMessages(limit): unexpected error: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != contents[2].text || tail[1].Content != contents[3].text {
		t.Errorf("ListMessages(limit 2) = %+v", tail)
	}

	if err := s.UpdateMessageContent(ctx, c.ID, last.ID, "She lowers her hood."); err != nil {
		t.Fatalf("UpdateMessageContent: unexpected error: %v", err)
	}
	tail, _ = s.ListMessages(ctx, c.ID, 1)
	if tail[0].Content != "She lowers her hood." {
		t.Errorf("UpdateMessageContent not applied: %q", tail[0].Content)
	}
}

func testNotFound(t *testing.T, s lore.Store) {
	ctx := context.Background()
	missing := lore.NewID()

	if _, err := s.GetChat(ctx, missing); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("GetChat: expected ErrNotFound, got %v", err)
	}
	if _, err := s.IncrementAssistantTurn(ctx, missing); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("IncrementAssistantTurn: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetEntity(ctx, lore.KindPlace, missing); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("GetEntity: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Reinforce(ctx, lore.KindPlace, missing, lore.Mention{Turn: 1}); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("Reinforce: expected ErrNotFound, got %v", err)
	}
	if err := s.TransitionState(ctx, lore.KindPlace, missing, lore.StateCandidate, lore.StateActive); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("TransitionState: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetLorebook(ctx, missing); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("GetLorebook: expected ErrNotFound, got %v", err)
	}
	c := mustChat(t, s)
	if err := s.AttachLorebook(ctx, c.ID, missing); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("AttachLorebook: expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateMessageContent(ctx, c.ID, lore.NewMessageID(), "x"); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("UpdateMessageContent: expected ErrNotFound, got %v", err)
	}
}

func entityNames(es []lore.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}
