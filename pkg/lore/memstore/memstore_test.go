package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/loretest"
	"github.com/MrWong99/loreweave/pkg/lore/memstore"
)

func TestStore_Conformance(t *testing.T) {
	t.Parallel()
	loretest.Run(t, func(t *testing.T) lore.Store { return memstore.New() })
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	c, err := s.CreateChat(ctx, lore.Chat{})
	if err != nil {
		t.Fatalf("CreateChat: unexpected error: %v", err)
	}
	e, err := s.InsertEntity(ctx, lore.NewCandidate(c.ID, lore.KindCharacter, "Elara", "", 2, time.Now()))
	if err != nil {
		t.Fatalf("InsertEntity: unexpected error: %v", err)
	}
	*e.LastMentionedTurn = 99

	got, err := s.GetEntity(ctx, lore.KindCharacter, e.ID)
	if err != nil {
		t.Fatalf("GetEntity: unexpected error: %v", err)
	}
	if *got.LastMentionedTurn != 2 {
		t.Errorf("caller mutation leaked into store: LastMentionedTurn = %d", *got.LastMentionedTurn)
	}
}

func TestStore_WithClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := memstore.New(memstore.WithClock(func() time.Time { return fixed }))

	c, _ := s.CreateChat(ctx, lore.Chat{})
	e, err := s.InsertEntity(ctx, lore.Entity{
		ChatID: c.ID, Kind: lore.KindPlace, Name: "Neverwinter",
		State: lore.StateCandidate, Importance: 1, ReinforcementCount: 1,
	})
	if err != nil {
		t.Fatalf("InsertEntity: unexpected error: %v", err)
	}
	if !e.CreatedAt.Equal(fixed) || !e.LastMentioned.Equal(fixed) {
		t.Errorf("timestamps not taken from clock: %+v", e)
	}
}
