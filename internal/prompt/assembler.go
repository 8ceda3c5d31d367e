// Package prompt builds the narrator system prompt from a chat's current
// lore.
//
// [Assembler.Snapshot] fetches the chat, its lorebook and the prompt-visible
// entities of every kind concurrently; [Render] turns the snapshot into the
// final prompt string. Only active and candidate entities are fetched, so
// archived, inactive, fading and resolved lore never reaches the model.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/pkg/lore"
)

// Snapshot is the prompt-visible state of one chat.
type Snapshot struct {
	Chat lore.Chat

	// Lorebook is nil when no lorebook is attached or it no longer exists.
	Lorebook *lore.Lorebook

	Characters []lore.Entity
	Places     []lore.Entity
	PlotPoints []lore.Entity

	// FetchDuration records how long [Assembler.Snapshot] took.
	FetchDuration time.Duration
}

// Assembler loads [Snapshot] values from the stores.
type Assembler struct {
	chats    lore.ChatStore
	entities lore.EntityStore
}

// NewAssembler creates an [Assembler] reading from the given stores.
func NewAssembler(chats lore.ChatStore, entities lore.EntityStore) *Assembler {
	return &Assembler{chats: chats, entities: entities}
}

// Snapshot fetches everything [Render] needs for chatID.
//
// The chat (with its lorebook) and the three entity lists are fetched in
// parallel via errgroup. Any fetch error aborts the snapshot, except a
// missing lorebook, which is logged and treated as no lorebook.
func (a *Assembler) Snapshot(ctx context.Context, chatID string) (_ *Snapshot, err error) {
	ctx, span := observe.StartSpan(ctx, "prompt.snapshot")
	defer func() { observe.Finish(span, err) }()

	start := time.Now()
	snap := &Snapshot{}
	filter := lore.Filter{States: lore.SnapshotStates}

	eg, egCtx := errgroup.WithContext(ctx)

	// ── chat + lorebook ──────────────────────────────────────────────────────
	eg.Go(func() error {
		chat, err := a.chats.GetChat(egCtx, chatID)
		if err != nil {
			return fmt.Errorf("prompt: get chat %q: %w", chatID, err)
		}
		snap.Chat = chat
		if chat.LorebookID == "" {
			return nil
		}
		lb, err := a.chats.GetLorebook(egCtx, chat.LorebookID)
		switch {
		case errors.Is(err, lore.ErrNotFound):
			observe.Logger(ctx).Warn("prompt: attached lorebook not found",
				slog.String("chat_id", chatID), slog.String("lorebook_id", chat.LorebookID))
			return nil
		case err != nil:
			return fmt.Errorf("prompt: get lorebook %q: %w", chat.LorebookID, err)
		}
		snap.Lorebook = &lb
		return nil
	})

	// ── entity lists ─────────────────────────────────────────────────────────
	targets := map[lore.Kind]*[]lore.Entity{
		lore.KindCharacter: &snap.Characters,
		lore.KindPlace:     &snap.Places,
		lore.KindPlotPoint: &snap.PlotPoints,
	}
	for kind, dst := range targets {
		eg.Go(func() error {
			es, err := a.entities.ListEntities(egCtx, chatID, kind, filter)
			if err != nil {
				return fmt.Errorf("prompt: list %s: %w", kind, err)
			}
			*dst = es
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	snap.FetchDuration = time.Since(start)
	return snap, nil
}
