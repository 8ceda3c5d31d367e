// Package turn runs one chat turn end to end.
//
// A turn holds the chat's [turnlock.Locker] lease for its whole duration and
// runs strictly in order: load the chat and its assistant-turn clock, store
// the user message, extract lore from the latest exchange, reconcile it into
// the store, sweep the lifecycle, assemble the narrator prompt, call the
// narrator, store the reply and advance the clock.
//
// Only a narrator failure fails the turn. Extraction, reconciliation and
// lifecycle problems are logged and the narrator still answers. Writes made
// before a narrator failure are kept.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/loreweave/internal/extract"
	"github.com/MrWong99/loreweave/internal/lifecycle"
	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/internal/prompt"
	"github.com/MrWong99/loreweave/internal/reconcile"
	"github.com/MrWong99/loreweave/internal/turnlock"
	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
)

var (
	// ErrEmptyInput is returned when the user text is blank.
	ErrEmptyInput = errors.New("turn: user message must not be empty")

	// ErrNarrator wraps every narrator failure, including an empty reply.
	ErrNarrator = errors.New("turn: narrator failed")

	// ErrNothingToRegenerate is returned by [Pipeline.Regenerate] when the
	// newest message of the chat is not an assistant reply.
	ErrNothingToRegenerate = errors.New("turn: last message is not an assistant reply")
)

// Sampling holds the narrator sampling parameters for one kind of call.
type Sampling struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// DefaultStop halts the narrator before it starts writing the user's lines.
var DefaultStop = []string{"\nYou:", "\nUser:", "\n<USER>:"}

// Config tunes a [Pipeline]. It can be replaced at runtime with
// [Pipeline.SetConfig].
type Config struct {
	// BasePrompt opens every narrator system prompt.
	BasePrompt string

	// DefaultMainPrompt closes the system prompt of chats without their own
	// main prompt. Empty selects [prompt.DefaultMainPrompt].
	DefaultMainPrompt string

	// HistoryLimit is the number of newest chat messages sent to the
	// narrator before token trimming. Default: 20.
	HistoryLimit int

	// NarratorTimeout bounds one narrator call. Default: 90s.
	NarratorTimeout time.Duration

	// Narration is used for normal turns.
	Narration Sampling

	// Regeneration is used by [Pipeline.Regenerate].
	Regeneration Sampling
}

// DefaultConfig returns the stock narration settings.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:    20,
		NarratorTimeout: 90 * time.Second,
		Narration: Sampling{
			Temperature: 0.6,
			TopP:        0.7,
			MaxTokens:   1024,
			Stop:        DefaultStop,
		},
		Regeneration: Sampling{
			Temperature: 0.8,
			TopP:        0.9,
			MaxTokens:   1024,
			Stop:        DefaultStop,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.NarratorTimeout <= 0 {
		c.NarratorTimeout = d.NarratorTimeout
	}
	if c.Narration.MaxTokens <= 0 {
		c.Narration.MaxTokens = d.Narration.MaxTokens
	}
	if c.Regeneration.MaxTokens <= 0 {
		c.Regeneration.MaxTokens = d.Regeneration.MaxTokens
	}
	return c
}

// Deps are the collaborators of a [Pipeline]. Store, Narrator, Reconciler,
// Lifecycle and Assembler are required. A nil Extractor disables lore
// extraction; a nil Locker falls back to an in-process [turnlock.Local].
type Deps struct {
	Store      lore.Store
	Locker     turnlock.Locker
	Narrator   llm.Provider
	Extractor  *extract.Extractor
	Reconciler *reconcile.Reconciler
	Lifecycle  *lifecycle.Engine
	Assembler  *prompt.Assembler
	Metrics    *observe.Metrics
}

// Reply is the result of a successful turn.
type Reply struct {
	// Message is the stored assistant reply.
	Message lore.Message

	// Turn is the chat's assistant turn after this reply.
	Turn int

	Extraction  extract.Status
	Reconciled  reconcile.Report
	Transitions []lifecycle.Transition
}

// Pipeline handles chat turns. It is safe for concurrent use; turns on the
// same chat are serialised by the locker.
type Pipeline struct {
	deps Deps
	cfg  atomic.Pointer[Config]
}

// New validates deps and returns a ready [Pipeline].
func New(deps Deps, cfg Config) (*Pipeline, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if deps.Narrator == nil {
		errs = append(errs, errors.New("narrator is required"))
	}
	if deps.Reconciler == nil {
		errs = append(errs, errors.New("reconciler is required"))
	}
	if deps.Lifecycle == nil {
		errs = append(errs, errors.New("lifecycle engine is required"))
	}
	if deps.Assembler == nil {
		errs = append(errs, errors.New("prompt assembler is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("turn: new pipeline: %w", errors.Join(errs...))
	}
	if deps.Locker == nil {
		deps.Locker = turnlock.NewLocal()
	}

	p := &Pipeline{deps: deps}
	p.SetConfig(cfg)
	return p, nil
}

// Config returns the configuration currently in force.
func (p *Pipeline) Config() Config {
	return *p.cfg.Load()
}

// SetConfig replaces the configuration for subsequent turns.
func (p *Pipeline) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	p.cfg.Store(&cfg)
}

// Handle runs one full turn for chatID with the given user text.
//
// Errors: [ErrEmptyInput] for blank text, [lore.ErrNotFound] (wrapped) for an
// unknown chat, [ErrNarrator] (wrapped) when no reply could be produced, and
// wrapped store errors for failures to persist the conversation itself.
func (p *Pipeline) Handle(ctx context.Context, chatID, userText string) (_ *Reply, err error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, ErrEmptyInput
	}

	ctx, span := observe.StartSpan(ctx, "turn.handle")
	defer func() { observe.Finish(span, err) }()

	cfg := p.Config()
	log := observe.Logger(ctx).With(slog.String("chat_id", chatID))
	start := time.Now()
	if m := p.deps.Metrics; m != nil {
		m.ActiveTurns.Add(ctx, 1)
		defer func() {
			m.ActiveTurns.Add(ctx, -1)
			m.TurnDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	unlock, err := p.deps.Locker.Lock(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("turn: lock chat %q: %w", chatID, err)
	}
	defer unlock()

	chat, err := p.deps.Store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("turn: load chat: %w", err)
	}
	currentTurn := chat.AssistantTurn
	log = log.With(slog.Int("turn", currentTurn))

	if _, err := p.deps.Store.AppendMessage(ctx, lore.Message{
		ChatID:  chatID,
		Role:    lore.RoleUser,
		Content: userText,
	}); err != nil {
		return nil, fmt.Errorf("turn: store user message: %w", err)
	}

	history, err := p.deps.Store.ListMessages(ctx, chatID, cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("turn: load history: %w", err)
	}

	reply := &Reply{}

	// ── lore maintenance (failures never fail the turn) ─────────────────────
	ex, status := p.extract(ctx, log, chatID, history)
	reply.Extraction = status
	if status == extract.StatusOK {
		reply.Reconciled = p.deps.Reconciler.Apply(ctx, chatID, currentTurn, ex)
	}

	transitions, err := p.deps.Lifecycle.Sweep(ctx, chatID, currentTurn)
	if err != nil {
		log.Warn("turn: lifecycle sweep incomplete", slog.Any("err", err))
	}
	reply.Transitions = transitions

	// ── narration ───────────────────────────────────────────────────────────
	content, err := p.narrate(ctx, cfg, cfg.Narration, chatID, history)
	if err != nil {
		log.Error("turn: narrator failed", slog.Any("err", err))
		return nil, err
	}

	msg, err := p.deps.Store.AppendMessage(ctx, lore.Message{
		ChatID:  chatID,
		Role:    lore.RoleAssistant,
		Content: content,
	})
	if err != nil {
		return nil, fmt.Errorf("turn: store assistant message: %w", err)
	}
	reply.Message = msg

	newTurn, err := p.deps.Store.IncrementAssistantTurn(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("turn: advance assistant turn: %w", err)
	}
	reply.Turn = newTurn

	log.Info("turn: completed",
		slog.Int("assistant_turn", newTurn),
		slog.String("extraction", string(reply.Extraction)),
		slog.Int("inserted", reply.Reconciled.Count(reconcile.ActionInserted)),
		slog.Int("reinforced", reply.Reconciled.Count(reconcile.ActionReinforced)),
		slog.Int("transitions", len(transitions)),
		slog.Duration("duration", time.Since(start)))
	return reply, nil
}

// Regenerate replaces the newest assistant reply of chatID with a fresh
// narrator completion at the regeneration sampling settings. It runs no
// extraction and does not advance the assistant turn.
func (p *Pipeline) Regenerate(ctx context.Context, chatID string) (_ lore.Message, err error) {
	ctx, span := observe.StartSpan(ctx, "turn.regenerate")
	defer func() { observe.Finish(span, err) }()

	cfg := p.Config()

	unlock, err := p.deps.Locker.Lock(ctx, chatID)
	if err != nil {
		return lore.Message{}, fmt.Errorf("turn: lock chat %q: %w", chatID, err)
	}
	defer unlock()

	if _, err := p.deps.Store.GetChat(ctx, chatID); err != nil {
		return lore.Message{}, fmt.Errorf("turn: load chat: %w", err)
	}

	messages, err := p.deps.Store.ListMessages(ctx, chatID, cfg.HistoryLimit+1)
	if err != nil {
		return lore.Message{}, fmt.Errorf("turn: load history: %w", err)
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != lore.RoleAssistant {
		return lore.Message{}, ErrNothingToRegenerate
	}
	last := messages[len(messages)-1]
	history := messages[:len(messages)-1]

	content, err := p.narrate(ctx, cfg, cfg.Regeneration, chatID, history)
	if err != nil {
		observe.Logger(ctx).Error("turn: narrator failed during regenerate",
			slog.String("chat_id", chatID), slog.Any("err", err))
		return lore.Message{}, err
	}
	if err := p.deps.Store.UpdateMessageContent(ctx, chatID, last.ID, content); err != nil {
		return lore.Message{}, fmt.Errorf("turn: store regenerated reply: %w", err)
	}
	last.Content = content
	return last, nil
}

// SystemPrompt renders the narrator system prompt chatID would receive now.
func (p *Pipeline) SystemPrompt(ctx context.Context, chatID string) (string, error) {
	cfg := p.Config()
	snap, err := p.deps.Assembler.Snapshot(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("turn: snapshot: %w", err)
	}
	return prompt.Render(cfg.BasePrompt, snap, cfg.DefaultMainPrompt), nil
}

// extract runs the oracle over the latest exchange. Every failure is logged
// and reported through the returned status.
func (p *Pipeline) extract(ctx context.Context, log *slog.Logger, chatID string, history []lore.Message) (lore.Extraction, extract.Status) {
	if p.deps.Extractor == nil {
		return lore.Extraction{}, extract.StatusEmpty
	}

	known, err := extract.LoadKnown(ctx, p.deps.Store, chatID)
	if err != nil {
		log.Warn("turn: load known entities failed, skipping extraction", slog.Any("err", err))
		return lore.Extraction{}, extract.StatusOracleErr
	}

	res, err := p.deps.Extractor.Extract(ctx, extract.Window(history), known)
	if err != nil {
		log.Warn("turn: extraction unavailable", slog.String("status", string(res.Status)), slog.Any("err", err))
	}
	return res.Extraction, res.Status
}

// narrate assembles the system prompt, fits the history and calls the
// narrator. The returned error always wraps [ErrNarrator], except for prompt
// assembly failures which wrap the store error.
func (p *Pipeline) narrate(ctx context.Context, cfg Config, s Sampling, chatID string, history []lore.Message) (_ string, err error) {
	system, err := p.SystemPrompt(ctx, chatID)
	if err != nil {
		return "", err
	}

	ctx, span := observe.StartSpan(ctx, "turn.narrate")
	defer func() { observe.Finish(span, err) }()

	msgs := fitHistory(ctx, p.deps.Narrator, system, toLLM(history), s.MaxTokens)

	callCtx, cancel := context.WithTimeout(ctx, cfg.NarratorTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.deps.Narrator.Complete(callCtx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Temperature:  llm.Float(s.Temperature),
		TopP:         llm.Float(s.TopP),
		MaxTokens:    s.MaxTokens,
		Stop:         s.Stop,
	})
	if m := p.deps.Metrics; m != nil {
		m.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("role", "narrator")))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNarrator, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: empty reply", ErrNarrator)
	}
	return strings.TrimSpace(resp.Content), nil
}
