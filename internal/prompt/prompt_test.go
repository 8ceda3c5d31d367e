package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/memstore"
)

func entity(kind lore.Kind, name, desc string, state lore.State) lore.Entity {
	return lore.Entity{Kind: kind, Name: name, Description: desc, State: state}
}

// ─────────────────────────────────────────────────────────────────────────────
// Render
// ─────────────────────────────────────────────────────────────────────────────

func TestRender_FullLayout(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Chat:     lore.Chat{MainPrompt: "Narrate in second person."},
		Lorebook: &lore.Lorebook{Name: "Ashfall", Description: "A volcanic archipelago."},
		Characters: []lore.Entity{
			entity(lore.KindCharacter, "Elara", "a smuggler", lore.StateActive),
			entity(lore.KindCharacter, "Bob", "a stranger at the bar", lore.StateCandidate),
		},
		Places: []lore.Entity{
			entity(lore.KindPlace, "Old Mill", "", lore.StateActive),
		},
		PlotPoints: []lore.Entity{
			entity(lore.KindPlotPoint, "Missing cargo", "the crates vanished", lore.StateActive),
			entity(lore.KindPlotPoint, "A rumour", "whispers of a dragon", lore.StateCandidate),
		},
	}

	got := Render("  base rules\n", snap, "")

	expected := "base rules\n\n" +
		"Setting: Ashfall\n\n" +
		"KNOWN CHARACTERS:\n" +
		"- Elara: a smuggler\n" +
		"- Bob: a stranger at the bar [ephemeral]\n" +
		"\n" +
		"KNOWN PLACES:\n" +
		"- Old Mill\n" +
		"\n" +
		"CURRENT PLOT POINTS:\n" +
		"- Missing cargo: the crates vanished (Status: active)\n" +
		"- A rumour: whispers of a dragon (Status: candidate) [ephemeral]\n" +
		"\n" +
		"Narrate in second person."
	if got != expected {
		t.Errorf("Render mismatch\n got: %q\nwant: %q", got, expected)
	}
}

func TestRender_LorebookFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		snap         *Snapshot
		wantFallback bool
	}{
		{
			name:         "no entities with lorebook",
			snap:         &Snapshot{Lorebook: &lore.Lorebook{Name: "Ashfall", Description: "Islands."}},
			wantFallback: true,
		},
		{
			name: "only plot points with lorebook",
			snap: &Snapshot{
				Lorebook:   &lore.Lorebook{Name: "Ashfall", Description: "Islands."},
				PlotPoints: []lore.Entity{entity(lore.KindPlotPoint, "Quest", "find it", lore.StateActive)},
			},
			wantFallback: true,
		},
		{
			name: "a character suppresses fallback",
			snap: &Snapshot{
				Lorebook:   &lore.Lorebook{Name: "Ashfall", Description: "Islands."},
				Characters: []lore.Entity{entity(lore.KindCharacter, "Elara", "", lore.StateActive)},
			},
		},
		{
			name: "a place suppresses fallback",
			snap: &Snapshot{
				Lorebook: &lore.Lorebook{Name: "Ashfall", Description: "Islands."},
				Places:   []lore.Entity{entity(lore.KindPlace, "Harbour", "", lore.StateCandidate)},
			},
		},
		{
			name: "no lorebook",
			snap: &Snapshot{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Render("base", tt.snap, "")
			has := strings.Contains(got, "You may reference this lorebook if needed: \"Ashfall\"\nIslands.\n")
			if has != tt.wantFallback {
				t.Errorf("fallback present = %v, want %v\n%s", has, tt.wantFallback, got)
			}
		})
	}
}

func TestRender_MainPromptPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		chatPrompt  string
		defaultMain string
		want        string
	}{
		{name: "chat override", chatPrompt: "Be terse.", defaultMain: "Configured.", want: "Be terse."},
		{name: "configured default", defaultMain: "Configured.", want: "Configured."},
		{name: "built-in default", want: DefaultMainPrompt},
		{name: "blank chat prompt", chatPrompt: "   ", want: DefaultMainPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Render("base", &Snapshot{Chat: lore.Chat{MainPrompt: tt.chatPrompt}}, tt.defaultMain)
			if !strings.HasSuffix(got, tt.want) {
				t.Errorf("Render() = %q, want suffix %q", got, tt.want)
			}
		})
	}
}

func TestRender_EmptySnapshot(t *testing.T) {
	t.Parallel()

	got := Render("base", nil, "")
	want := "base\n\n" + DefaultMainPrompt
	if got != want {
		t.Errorf("Render(nil) = %q, want %q", got, want)
	}
	if strings.Contains(got, "KNOWN") || strings.Contains(got, "Setting:") {
		t.Errorf("empty snapshot rendered sections: %q", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

func TestAssembler_SnapshotFiltersStates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	lb, err := store.CreateLorebook(ctx, lore.Lorebook{Name: "Ashfall"})
	if err != nil {
		t.Fatalf("CreateLorebook: %v", err)
	}
	chat, err := store.CreateChat(ctx, lore.Chat{Title: "t", LorebookID: lb.ID})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	seed := []struct {
		kind  lore.Kind
		name  string
		state lore.State
	}{
		{lore.KindCharacter, "Elara", lore.StateActive},
		{lore.KindCharacter, "Bob", lore.StateCandidate},
		{lore.KindCharacter, "Gone", lore.StateArchived},
		{lore.KindCharacter, "Sleeper", lore.StateInactive},
		{lore.KindPlace, "Harbour", lore.StateActive},
		{lore.KindPlace, "Ruins", lore.StateArchived},
		{lore.KindPlotPoint, "Cargo", lore.StateActive},
		{lore.KindPlotPoint, "Rumour", lore.StateFading},
		{lore.KindPlotPoint, "Duel", lore.StateResolved},
	}
	for _, s := range seed {
		e := lore.NewCandidate(chat.ID, s.kind, s.name, "", 0, time.Now())
		e.State = s.state
		if _, err := store.InsertEntity(ctx, e); err != nil {
			t.Fatalf("InsertEntity %s: %v", s.name, err)
		}
	}

	snap, err := NewAssembler(store, store).Snapshot(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if snap.Lorebook == nil || snap.Lorebook.Name != "Ashfall" {
		t.Errorf("Lorebook = %+v, want Ashfall", snap.Lorebook)
	}
	if got := names(snap.Characters); got != "Elara,Bob" {
		t.Errorf("Characters = %s, want Elara,Bob", got)
	}
	if got := names(snap.Places); got != "Harbour" {
		t.Errorf("Places = %s, want Harbour", got)
	}
	if got := names(snap.PlotPoints); got != "Cargo" {
		t.Errorf("PlotPoints = %s, want Cargo", got)
	}
}

func TestAssembler_UnknownChat(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	_, err := NewAssembler(store, store).Snapshot(context.Background(), "missing")
	if !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("Snapshot error = %v, want ErrNotFound", err)
	}
}

// missingLorebook reports every lorebook as not found.
type missingLorebook struct {
	*memstore.Store
}

func (missingLorebook) GetLorebook(context.Context, string) (lore.Lorebook, error) {
	return lore.Lorebook{}, lore.ErrNotFound
}

func TestAssembler_DanglingLorebook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	lb, err := store.CreateLorebook(ctx, lore.Lorebook{Name: "Ashfall"})
	if err != nil {
		t.Fatalf("CreateLorebook: %v", err)
	}
	chat, err := store.CreateChat(ctx, lore.Chat{LorebookID: lb.ID})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	snap, err := NewAssembler(missingLorebook{store}, store).Snapshot(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Lorebook != nil {
		t.Errorf("Lorebook = %+v, want nil", snap.Lorebook)
	}
}

func names(es []lore.Entity) string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return strings.Join(out, ",")
}
