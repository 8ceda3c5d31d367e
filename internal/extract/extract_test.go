package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/memstore"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
	"github.com/MrWong99/loreweave/pkg/provider/llm/mock"
)

const bareReply = `{"characters":[{"name":"Elara","description":"mysterious elf"}],"places":[{"name":"Eldoria","description":"ancient ruins"}],"plot_points":[{"title":"The missing heir","description":"nobody knows where"}]}`

func wantBare(t *testing.T, ex lore.Extraction) {
	t.Helper()
	if len(ex.Characters) != 1 || ex.Characters[0] != (lore.Candidate{Name: "Elara", Description: "mysterious elf"}) {
		t.Errorf("characters = %+v", ex.Characters)
	}
	if len(ex.Places) != 1 || ex.Places[0].Name != "Eldoria" {
		t.Errorf("places = %+v", ex.Places)
	}
	if len(ex.PlotPoints) != 1 || ex.PlotPoints[0].Name != "The missing heir" {
		t.Errorf("plot points = %+v", ex.PlotPoints)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	v := validator.New()

	tests := []struct {
		name       string
		reply      string
		wantStatus Status
		wantErr    error
		check      func(*testing.T, lore.Extraction)
	}{
		{
			name:       "bare JSON",
			reply:      bareReply,
			wantStatus: StatusOK,
			check:      wantBare,
		},
		{
			name:       "fenced with commentary",
			reply:      "Sure! Here is what I found:\n```json\n" + bareReply + "\n```\nLet me know if you need more.",
			wantStatus: StatusOK,
			check:      wantBare,
		},
		{
			name:       "fenced on a single line",
			reply:      "```json" + bareReply + "```",
			wantStatus: StatusOK,
			check:      wantBare,
		},
		{
			name:       "uppercase language tag",
			reply:      "```JSON\n" + bareReply + "\n```",
			wantStatus: StatusOK,
			check:      wantBare,
		},
		{
			name:       "stray backticks",
			reply:      "`" + `{"characters":[{"name":"` + "`Elara`" + `","description":"wields the ` + "`Dawnblade`" + `"}]}` + "`",
			wantStatus: StatusOK,
			check: func(t *testing.T, ex lore.Extraction) {
				if len(ex.Characters) != 1 || ex.Characters[0] != (lore.Candidate{Name: "Elara", Description: "wields the Dawnblade"}) {
					t.Errorf("characters = %+v", ex.Characters)
				}
			},
		},
		{
			name:       "commentary without fences",
			reply:      "The entities are " + bareReply + " as requested.",
			wantStatus: StatusOK,
			check:      wantBare,
		},
		{
			name:       "braces inside strings",
			reply:      `{"characters":[{"name":"Mara","description":"draws {runes} and \"}\" marks"}]}`,
			wantStatus: StatusOK,
			check: func(t *testing.T, ex lore.Extraction) {
				if len(ex.Characters) != 1 || ex.Characters[0].Description != `draws {runes} and "}" marks` {
					t.Errorf("characters = %+v", ex.Characters)
				}
			},
		},
		{
			name:       "trims and drops empty names",
			reply:      `{"characters":[{"name":"  Elara  ","description":" elf "},{"name":"   "}],"places":[],"plot_points":[{"title":""}]}`,
			wantStatus: StatusOK,
			check: func(t *testing.T, ex lore.Extraction) {
				if len(ex.Characters) != 1 || ex.Characters[0] != (lore.Candidate{Name: "Elara", Description: "elf"}) {
					t.Errorf("characters = %+v", ex.Characters)
				}
				if len(ex.PlotPoints) != 0 {
					t.Errorf("plot points = %+v, want none", ex.PlotPoints)
				}
			},
		},
		{
			name:       "missing lists are empty",
			reply:      `{"places":[{"name":"Old Mill"}]}`,
			wantStatus: StatusOK,
			check: func(t *testing.T, ex lore.Extraction) {
				if len(ex.Characters) != 0 || len(ex.Places) != 1 {
					t.Errorf("extraction = %+v", ex)
				}
			},
		},
		{
			name:       "no JSON at all",
			reply:      "I could not find anything noteworthy.",
			wantStatus: StatusEmpty,
			check: func(t *testing.T, ex lore.Extraction) {
				if ex.Len() != 0 {
					t.Errorf("extraction = %+v, want empty", ex)
				}
			},
		},
		{
			name:       "empty reply",
			reply:      "",
			wantStatus: StatusEmpty,
		},
		{
			name:       "truncated object",
			reply:      `{"characters":[{"name":"Elara"`,
			wantStatus: StatusMalformed,
			wantErr:    ErrMalformedPayload,
		},
		{
			name:       "unknown field",
			reply:      `{"characters":[],"quests":[{"title":"Find it"}]}`,
			wantStatus: StatusMalformed,
			wantErr:    ErrMalformedPayload,
		},
		{
			name:       "wrong type",
			reply:      `{"characters":"Elara"}`,
			wantStatus: StatusMalformed,
			wantErr:    ErrMalformedPayload,
		},
		{
			name:       "name too long",
			reply:      `{"characters":[{"name":"` + strings.Repeat("a", 201) + `"}]}`,
			wantStatus: StatusMalformed,
			wantErr:    ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ex, status, err := Parse(v, tt.reply)
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrExtractionUnavailable) {
					t.Errorf("err = %v does not wrap ErrExtractionUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, ex)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "Elara", n: 10, want: "Elara"},
		{name: "ascii", in: "Eldoria ruins", n: 7, want: "Eldoria…"},
		// "é" is two bytes; cutting after its first byte must back off.
		{name: "inside rune", in: "Café noir", n: 4, want: "Caf…"},
		{name: "after rune", in: "Café noir", n: 5, want: "Café…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("%s: truncate(%q, %d) = %q, want %q", tt.name, tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(truncate(tt.in, tt.n)) {
			t.Errorf("%s: result is not valid UTF-8", tt.name)
		}
	}
}

func msg(role, content string) lore.Message {
	return lore.Message{Role: role, Content: content}
}

func TestWindow(t *testing.T) {
	t.Parallel()

	history := []lore.Message{
		msg(lore.RoleUser, "u1"),
		msg(lore.RoleAssistant, "a1"),
		msg(lore.RoleUser, "u2"),
		msg(lore.RoleAssistant, "a2"),
		msg(lore.RoleUser, "u3"),
	}
	got := Window(history)
	if len(got) != 3 || got[0].Content != "u2" || got[2].Content != "u3" {
		t.Errorf("Window = %+v, want u2..u3", got)
	}

	opening := []lore.Message{msg(lore.RoleAssistant, "greeting"), msg(lore.RoleUser, "u1")}
	if got := Window(opening); len(got) != 2 {
		t.Errorf("Window with one user message = %+v, want whole slice", got)
	}

	if got := Window(nil); len(got) != 0 {
		t.Errorf("Window(nil) = %+v", got)
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()
	got := Transcript([]lore.Message{
		msg(lore.RoleUser, "I meet Elara."),
		msg(lore.RoleAssistant, "She nods."),
	})
	want := "USER: I meet Elara.\nASSISTANT: She nods."
	if got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
}

func TestExtract_SendsContractAndKnownEntities(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: bareReply}}
	x := New(p)

	known := Known{
		lore.KindCharacter: {{Name: "Bob", Description: "a baker"}},
		lore.KindPlotPoint: {{Name: "The curse"}},
	}
	res, err := x.Extract(context.Background(), []lore.Message{msg(lore.RoleUser, "I meet Elara.")}, known)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Status != StatusOK {
		t.Errorf("status = %q, want ok", res.Status)
	}
	wantBare(t, res.Extraction)

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", req.Temperature)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", req.MaxTokens)
	}
	for _, want := range []string{
		`{"name":"Bob","description":"a baker"}`,
		`{"title":"The curse","description":""}`,
		`"plot_points": [{"title": "...", "description": "..."}]`,
	} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %s", want)
		}
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "USER: I meet Elara." {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestExtract_OracleFailure(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: errors.New("503 service unavailable")}
	x := New(p)

	res, err := x.Extract(context.Background(), []lore.Message{msg(lore.RoleUser, "hi")}, nil)
	if !errors.Is(err, ErrOracleCall) || !errors.Is(err, ErrExtractionUnavailable) {
		t.Fatalf("err = %v, want ErrOracleCall", err)
	}
	if res.Status != StatusOracleErr || res.Extraction.Len() != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestExtract_EmptyWindowSkipsOracle(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	x := New(p)

	res, err := x.Extract(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Status != StatusEmpty {
		t.Errorf("status = %q, want empty", res.Status)
	}
	if len(p.Calls()) != 0 {
		t.Error("oracle called for an empty window")
	}
}

func TestExtract_NilResponseIsEmpty(t *testing.T) {
	t.Parallel()
	x := New(&mock.Provider{})

	res, err := x.Extract(context.Background(), []lore.Message{msg(lore.RoleUser, "hi")}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Status != StatusEmpty {
		t.Errorf("status = %q, want empty", res.Status)
	}
}

func TestLoadKnown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	chat, err := s.CreateChat(ctx, lore.Chat{})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	for _, e := range []lore.Entity{
		lore.NewCandidate(chat.ID, lore.KindCharacter, "Elara", "", 0, time.Now()),
		lore.NewCandidate(chat.ID, lore.KindPlace, "Old Mill", "", 0, time.Now()),
	} {
		if _, err := s.InsertEntity(ctx, e); err != nil {
			t.Fatalf("InsertEntity: %v", err)
		}
	}

	known, err := LoadKnown(ctx, s, chat.ID)
	if err != nil {
		t.Fatalf("LoadKnown: %v", err)
	}
	if len(known[lore.KindCharacter]) != 1 || len(known[lore.KindPlace]) != 1 || len(known[lore.KindPlotPoint]) != 0 {
		t.Errorf("known = %+v", known)
	}
}
