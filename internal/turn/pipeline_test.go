package turn

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/internal/extract"
	"github.com/MrWong99/loreweave/internal/lifecycle"
	"github.com/MrWong99/loreweave/internal/prompt"
	"github.com/MrWong99/loreweave/internal/reconcile"
	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/memstore"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
	"github.com/MrWong99/loreweave/pkg/provider/llm/mock"
)

const elaraReply = `{"characters":[{"name":"Elara","description":"a smuggler"}],"places":[],"plot_points":[]}`

type fixture struct {
	store    *memstore.Store
	narrator *mock.Provider
	oracle   *mock.Provider
	pipeline *Pipeline
	chatID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memstore.New()
	chat, err := store.CreateChat(context.Background(), lore.Chat{Title: "test"})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	f := &fixture{
		store:    store,
		narrator: &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "The tavern falls silent."}},
		oracle:   &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: elaraReply}},
		chatID:   chat.ID,
	}

	p, err := New(Deps{
		Store:      store,
		Narrator:   f.narrator,
		Extractor:  extract.New(f.oracle),
		Reconciler: reconcile.New(store, nil),
		Lifecycle:  lifecycle.NewEngine(store, lifecycle.DefaultRules()),
		Assembler:  prompt.NewAssembler(store, store),
	}, Config{BasePrompt: "You narrate a fantasy tale."})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.pipeline = p
	return f
}

func (f *fixture) entities(t *testing.T, kind lore.Kind) []lore.Entity {
	t.Helper()
	es, err := f.store.ListEntities(context.Background(), f.chatID, kind, lore.Filter{})
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	return es
}

func TestNew_MissingDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("New(Deps{}) returned nil error")
	}
	for _, want := range []string{"store", "narrator", "reconciler", "lifecycle", "assembler"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestHandle_FullTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply, err := f.pipeline.Handle(context.Background(), f.chatID, "  I walk into the tavern.  ")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if reply.Turn != 1 {
		t.Errorf("Turn = %d, want 1", reply.Turn)
	}
	if reply.Message.Content != "The tavern falls silent." || reply.Message.Role != lore.RoleAssistant {
		t.Errorf("Message = %+v", reply.Message)
	}
	if reply.Extraction != extract.StatusOK {
		t.Errorf("Extraction = %q, want ok", reply.Extraction)
	}
	if n := reply.Reconciled.Count(reconcile.ActionInserted); n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	chars := f.entities(t, lore.KindCharacter)
	if len(chars) != 1 || chars[0].Name != "Elara" || chars[0].State != lore.StateCandidate {
		t.Fatalf("characters = %+v, want one candidate Elara", chars)
	}
	if chars[0].LastMentionedTurn == nil || *chars[0].LastMentionedTurn != 0 {
		t.Errorf("LastMentionedTurn = %v, want 0", chars[0].LastMentionedTurn)
	}

	chat, err := f.store.GetChat(context.Background(), f.chatID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if chat.AssistantTurn != 1 {
		t.Errorf("AssistantTurn = %d, want 1", chat.AssistantTurn)
	}

	msgs, _ := f.store.ListMessages(context.Background(), f.chatID, 0)
	if len(msgs) != 2 || msgs[0].Content != "I walk into the tavern." || msgs[1].Role != lore.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}

	calls := f.narrator.Calls()
	if len(calls) != 1 {
		t.Fatalf("narrator calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if !strings.HasPrefix(req.SystemPrompt, "You narrate a fantasy tale.\n\n") {
		t.Errorf("system prompt does not open with the base prompt: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "- Elara: a smuggler [ephemeral]\n") {
		t.Errorf("system prompt misses the new candidate: %q", req.SystemPrompt)
	}
	if !strings.HasSuffix(req.SystemPrompt, prompt.DefaultMainPrompt) {
		t.Errorf("system prompt does not end with the main prompt: %q", req.SystemPrompt)
	}
	if req.Temperature == nil || *req.Temperature != 0.6 || req.TopP == nil || *req.TopP != 0.7 {
		t.Errorf("sampling = %v/%v, want 0.6/0.7", req.Temperature, req.TopP)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", req.MaxTokens)
	}
	if !slices.Equal(req.Stop, DefaultStop) {
		t.Errorf("Stop = %q, want %q", req.Stop, DefaultStop)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Errorf("narrator history = %+v, want the single user message", req.Messages)
	}
}

func TestHandle_ReinforcementPromotesOnSecondMention(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"Who is that?", "I talk to Elara."} {
		if _, err := f.pipeline.Handle(ctx, f.chatID, text); err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
	}

	chars := f.entities(t, lore.KindCharacter)
	if len(chars) != 1 {
		t.Fatalf("characters = %d, want 1", len(chars))
	}
	if chars[0].ReinforcementCount != 2 || chars[0].State != lore.StateActive {
		t.Errorf("Elara = count %d state %q, want 2 active", chars[0].ReinforcementCount, chars[0].State)
	}
	if !strings.Contains(f.narrator.Calls()[1].Req.SystemPrompt, "- Elara: a smuggler\n") {
		t.Error("second narrator prompt should list Elara without the ephemeral tag")
	}
}

func TestHandle_ExtractionFailureStillNarrates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(*mock.Provider)
		status extract.Status
	}{
		{
			name:   "oracle error",
			setup:  func(p *mock.Provider) { p.CompleteErr = errors.New("503 upstream") },
			status: extract.StatusOracleErr,
		},
		{
			name: "malformed reply",
			setup: func(p *mock.Provider) {
				p.CompleteResponse = &llm.CompletionResponse{Content: `{"characters":[{"name":`}
			},
			status: extract.StatusMalformed,
		},
		{
			name: "prose reply",
			setup: func(p *mock.Provider) {
				p.CompleteResponse = &llm.CompletionResponse{Content: "Nobody new appeared."}
			},
			status: extract.StatusEmpty,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f.oracle)

			reply, err := f.pipeline.Handle(context.Background(), f.chatID, "Hello")
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if reply.Extraction != tt.status {
				t.Errorf("Extraction = %q, want %q", reply.Extraction, tt.status)
			}
			if reply.Turn != 1 {
				t.Errorf("Turn = %d, want 1", reply.Turn)
			}
			if es := f.entities(t, lore.KindCharacter); len(es) != 0 {
				t.Errorf("characters = %+v, want none", es)
			}
		})
	}
}

func TestHandle_NarratorFailureKeepsLoreWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.narrator.CompleteErr = errors.New("connection reset")

	_, err := f.pipeline.Handle(context.Background(), f.chatID, "Hello")
	if !errors.Is(err, ErrNarrator) {
		t.Fatalf("Handle error = %v, want ErrNarrator", err)
	}

	chat, _ := f.store.GetChat(context.Background(), f.chatID)
	if chat.AssistantTurn != 0 {
		t.Errorf("AssistantTurn = %d, want 0", chat.AssistantTurn)
	}
	if es := f.entities(t, lore.KindCharacter); len(es) != 1 {
		t.Errorf("characters = %d, want the reconciled Elara kept", len(es))
	}
	msgs, _ := f.store.ListMessages(context.Background(), f.chatID, 0)
	if len(msgs) != 1 || msgs[0].Role != lore.RoleUser {
		t.Errorf("messages = %+v, want only the user message", msgs)
	}
}

func TestHandle_EmptyNarratorReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.narrator.CompleteResponse = &llm.CompletionResponse{Content: "  \n "}

	if _, err := f.pipeline.Handle(context.Background(), f.chatID, "Hello"); !errors.Is(err, ErrNarrator) {
		t.Errorf("Handle error = %v, want ErrNarrator", err)
	}
}

func TestHandle_InputErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.pipeline.Handle(context.Background(), f.chatID, "   "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("blank input error = %v, want ErrEmptyInput", err)
	}
	if _, err := f.pipeline.Handle(context.Background(), "no-such-chat", "Hello"); !errors.Is(err, lore.ErrNotFound) {
		t.Errorf("unknown chat error = %v, want ErrNotFound", err)
	}
	if n := len(f.narrator.Calls()); n != 0 {
		t.Errorf("narrator called %d times, want 0", n)
	}
}

func TestHandle_SerialisesSameChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.narrator.CompleteFunc = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		time.Sleep(2 * time.Millisecond)
		return &llm.CompletionResponse{Content: "ok"}, nil
	}

	const turns = 5
	var wg sync.WaitGroup
	for range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.pipeline.Handle(context.Background(), f.chatID, "go"); err != nil {
				t.Errorf("Handle: %v", err)
			}
		}()
	}
	wg.Wait()

	chat, _ := f.store.GetChat(context.Background(), f.chatID)
	if chat.AssistantTurn != turns {
		t.Errorf("AssistantTurn = %d, want %d", chat.AssistantTurn, turns)
	}
	msgs, _ := f.store.ListMessages(context.Background(), f.chatID, 0)
	for i, m := range msgs {
		want := lore.RoleUser
		if i%2 == 1 {
			want = lore.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("message %d role = %q, want %q (turns interleaved)", i, m.Role, want)
		}
	}
	chars := f.entities(t, lore.KindCharacter)
	if len(chars) != 1 || chars[0].ReinforcementCount != turns {
		t.Errorf("characters = %+v, want one Elara reinforced %d times", chars, turns)
	}
}

func TestRegenerate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Handle(ctx, f.chatID, "Hello")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	f.narrator.CompleteResponse = &llm.CompletionResponse{Content: "A different telling."}

	msg, err := f.pipeline.Regenerate(ctx, f.chatID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if msg.ID != first.Message.ID || msg.Content != "A different telling." {
		t.Errorf("Regenerate = %+v", msg)
	}

	msgs, _ := f.store.ListMessages(ctx, f.chatID, 0)
	if len(msgs) != 2 || msgs[1].Content != "A different telling." {
		t.Errorf("stored messages = %+v", msgs)
	}
	chat, _ := f.store.GetChat(ctx, f.chatID)
	if chat.AssistantTurn != 1 {
		t.Errorf("AssistantTurn = %d, want 1", chat.AssistantTurn)
	}
	if n := len(f.oracle.Calls()); n != 1 {
		t.Errorf("oracle calls = %d, want 1", n)
	}

	calls := f.narrator.Calls()
	req := calls[len(calls)-1].Req
	if *req.Temperature != 0.8 || *req.TopP != 0.9 {
		t.Errorf("regenerate sampling = %v/%v, want 0.8/0.9", *req.Temperature, *req.TopP)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Hello" {
		t.Errorf("regenerate history = %+v, want only the user message", req.Messages)
	}
}

func TestRegenerate_NothingToRegenerate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.pipeline.Regenerate(context.Background(), f.chatID); !errors.Is(err, ErrNothingToRegenerate) {
		t.Errorf("Regenerate error = %v, want ErrNothingToRegenerate", err)
	}
}

func TestSetConfig_AppliesToNextTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.pipeline.Config()
	cfg.Narration.Temperature = 0.2
	f.pipeline.SetConfig(cfg)

	if _, err := f.pipeline.Handle(context.Background(), f.chatID, "Hello"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := *f.narrator.Calls()[0].Req.Temperature; got != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", got)
	}
}

func TestFitHistory(t *testing.T) {
	t.Parallel()

	// 96 characters estimate to 24+4 tokens per message; an empty system
	// prompt costs 4.
	msg := func(i int) llm.Message {
		return llm.Message{Role: llm.RoleUser, Content: strings.Repeat(string(rune('a'+i)), 96)}
	}
	history := []llm.Message{msg(0), msg(1), msg(2), msg(3), msg(4)}

	tests := []struct {
		name    string
		window  int
		reserve int
		want    int
	}{
		{name: "no window", window: 0, reserve: 10, want: 5},
		{name: "fits", window: 1000, reserve: 10, want: 5},
		{name: "trims oldest", window: 100, reserve: 10, want: 3},
		{name: "keeps newest", window: 20, reserve: 10, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: tt.window}}
			got := fitHistory(context.Background(), p, "", history, tt.reserve)
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			if got[len(got)-1] != history[len(history)-1] {
				t.Error("newest message was dropped")
			}
		})
	}
}
