package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/loretest"
	"github.com/MrWong99/loreweave/pkg/lore/sqlite"
)

func newMemoryStore(t *testing.T) lore.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_Conformance(t *testing.T) {
	t.Parallel()
	loretest.Run(t, newMemoryStore)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "lore.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	c, err := s.CreateChat(ctx, lore.Chat{Title: "Persistent"})
	if err != nil {
		t.Fatalf("CreateChat: unexpected error: %v", err)
	}
	e, err := s.InsertEntity(ctx, lore.NewCandidate(c.ID, lore.KindPlace, "Baldur's Gate", "", 0, time.Now()))
	if err != nil {
		t.Fatalf("InsertEntity: unexpected error: %v", err)
	}
	if _, err := s.IncrementAssistantTurn(ctx, c.ID); err != nil {
		t.Fatalf("IncrementAssistantTurn: unexpected error: %v", err)
	}
	s.Close()

	reopened, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: unexpected error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChat: unexpected error: %v", err)
	}
	if got.AssistantTurn != 1 {
		t.Errorf("AssistantTurn = %d after reopen, want 1", got.AssistantTurn)
	}
	place, err := reopened.GetEntity(ctx, lore.KindPlace, e.ID)
	if err != nil {
		t.Fatalf("GetEntity: unexpected error: %v", err)
	}
	if place.Name != "Baldur's Gate" {
		t.Errorf("Name = %q", place.Name)
	}
	if reopened.Path() != path {
		t.Errorf("Path = %q, want %q", reopened.Path(), path)
	}
}
