// Package extract asks a language model which characters, places and plot
// points the latest exchange of a chat mentions.
//
// The model is treated as an untrusted oracle. Its reply is decoded against a
// fixed JSON contract and every failure mode is reported as a typed outcome
// so the caller can carry on with the turn:
//
//   - [StatusOK]: a valid object was decoded.
//   - [StatusEmpty]: the reply held no JSON object; the result is empty but
//     valid ("nothing found").
//   - [ErrOracleCall]: the model call itself failed ("skip this round").
//   - [ErrMalformedPayload]: an object was present but violated the contract.
//
// Both errors wrap [ErrExtractionUnavailable].
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
)

var (
	// ErrExtractionUnavailable is wrapped by every extraction failure.
	ErrExtractionUnavailable = errors.New("extract: extraction unavailable")

	// ErrOracleCall reports that the language model could not be reached or
	// returned an error.
	ErrOracleCall = fmt.Errorf("%w: oracle call failed", ErrExtractionUnavailable)

	// ErrMalformedPayload reports a reply whose JSON object does not satisfy
	// the extraction contract.
	ErrMalformedPayload = fmt.Errorf("%w: malformed payload", ErrExtractionUnavailable)
)

// Status classifies an extraction attempt.
type Status string

const (
	StatusOK        Status = "ok"
	StatusEmpty     Status = "empty"
	StatusOracleErr Status = "oracle_error"
	StatusMalformed Status = "malformed"
)

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
)

// Result is the outcome of one [Extractor.Extract] call.
type Result struct {
	Extraction lore.Extraction
	Status     Status
}

// Known is the set of entities already stored for a chat, passed to the
// oracle so it can avoid repeating them.
type Known map[lore.Kind][]lore.Entity

// LoadKnown fetches every stored entity of the chat, all kinds concurrently.
func LoadKnown(ctx context.Context, store lore.EntityStore, chatID string) (Known, error) {
	lists := make([][]lore.Entity, len(lore.Kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range lore.Kinds {
		g.Go(func() error {
			es, err := store.ListEntities(gctx, chatID, kind, lore.Filter{})
			if err != nil {
				return fmt.Errorf("extract: list %s: %w", kind, err)
			}
			lists[i] = es
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	known := make(Known, len(lore.Kinds))
	for i, kind := range lore.Kinds {
		known[kind] = lists[i]
	}
	return known, nil
}

// Option is a functional option for configuring an [Extractor].
type Option func(*Extractor)

// WithMaxTokens sets the completion budget for the oracle reply. Default: 1024.
func WithMaxTokens(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxTokens = n
		}
	}
}

// WithTimeout bounds a single oracle call. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(x *Extractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithMetrics records outcomes and oracle latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(x *Extractor) {
		x.metrics = m
	}
}

// Extractor runs the extraction oracle. It is safe for concurrent use.
type Extractor struct {
	llm       llm.Provider
	validate  *validator.Validate
	maxTokens int
	timeout   time.Duration
	metrics   *observe.Metrics
}

// New creates an [Extractor] backed by provider.
func New(provider llm.Provider, opts ...Option) *Extractor {
	x := &Extractor{
		llm:       provider,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxTokens: defaultMaxTokens,
		timeout:   defaultTimeout,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Extract sends the conversation window and the known entities to the
// oracle and decodes its reply. An empty window returns [StatusEmpty]
// without calling the model. The returned error, if any, wraps
// [ErrExtractionUnavailable]; the Result is always usable.
func (x *Extractor) Extract(ctx context.Context, window []lore.Message, known Known) (_ Result, err error) {
	ctx, span := observe.StartSpan(ctx, "extract.oracle")
	defer func() { observe.Finish(span, err) }()

	if len(window) == 0 {
		x.record(ctx, StatusEmpty)
		return Result{Status: StatusEmpty}, nil
	}

	system, err := systemPrompt(known)
	if err != nil {
		x.record(ctx, StatusMalformed)
		return Result{Status: StatusMalformed}, fmt.Errorf("%w: encode known entities: %v", ErrMalformedPayload, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	resp, err := x.llm.Complete(callCtx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: Transcript(window)}},
		Temperature:  llm.Float(0),
		MaxTokens:    x.maxTokens,
	})
	if x.metrics != nil {
		x.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("role", "extractor")))
	}
	if err != nil {
		observe.Logger(ctx).Warn("extract: oracle call failed", slog.Any("err", err))
		x.record(ctx, StatusOracleErr)
		return Result{Status: StatusOracleErr}, fmt.Errorf("%w: %v", ErrOracleCall, err)
	}

	var reply string
	if resp != nil {
		reply = resp.Content
	}
	ex, status, err := Parse(x.validate, reply)
	x.record(ctx, status)
	if err != nil {
		observe.Logger(ctx).Warn("extract: discarding oracle reply",
			slog.Any("err", err),
			slog.String("reply", truncate(reply, 500)))
		return Result{Status: status}, err
	}
	observe.Logger(ctx).Debug("extract: oracle reply decoded",
		slog.String("status", string(status)),
		slog.Int("characters", len(ex.Characters)),
		slog.Int("places", len(ex.Places)),
		slog.Int("plot_points", len(ex.PlotPoints)))
	return Result{Extraction: ex, Status: status}, nil
}

func (x *Extractor) record(ctx context.Context, s Status) {
	if x.metrics != nil {
		x.metrics.RecordExtraction(ctx, string(s))
	}
}

// Window returns the slice of messages the oracle looks at: everything from
// the user message before the newest one, inclusive, through the end. When
// fewer than two user messages exist the whole slice is used.
func Window(messages []lore.Message) []lore.Message {
	users := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != lore.RoleUser {
			continue
		}
		users++
		if users == 2 {
			return messages[i:]
		}
	}
	return messages
}

// Transcript renders messages as "ROLE: content" lines.
func Transcript(messages []lore.Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.ToUpper(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

const instructions = `You are a Game Master assistant.

Your task is to extract all new or updated ephemeral entities mentioned in the conversation.

Ephemeral entities include:

- Characters: named individuals introduced for the first time, or existing characters with new information (renames, revealed identities, new roles).
- Places: named locations introduced for the first time, or existing places with new details.
- Plot points: ongoing story elements (unresolved conflicts, secrets, plans or threats), including updates to existing plot points.

Existing entities (do not duplicate unless new info is present):
%s

Output JSON only in this exact format:
{
  "characters": [{"name": "...", "description": "..."}],
  "places": [{"name": "...", "description": "..."}],
  "plot_points": [{"title": "...", "description": "..."}]
}

Do not output explanations, commentary, or plain text.`

// systemPrompt embeds the known entities as JSON in the extraction
// instructions.
func systemPrompt(known Known) (string, error) {
	snap := payload{
		Characters: make([]namedItem, 0, len(known[lore.KindCharacter])),
		Places:     make([]namedItem, 0, len(known[lore.KindPlace])),
		PlotPoints: make([]titleItem, 0, len(known[lore.KindPlotPoint])),
	}
	for _, e := range known[lore.KindCharacter] {
		snap.Characters = append(snap.Characters, namedItem{Name: e.Name, Description: e.Description})
	}
	for _, e := range known[lore.KindPlace] {
		snap.Places = append(snap.Places, namedItem{Name: e.Name, Description: e.Description})
	}
	for _, e := range known[lore.KindPlotPoint] {
		snap.PlotPoints = append(snap.PlotPoints, titleItem{Title: e.Name, Description: e.Description})
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(instructions, b), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
