package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/loreweave/internal/lifecycle"
	"github.com/MrWong99/loreweave/internal/reconcile"
	"github.com/MrWong99/loreweave/pkg/lore"
)

// ─────────────────────────────────────────────────────────────────────────────
// Wire types
// ─────────────────────────────────────────────────────────────────────────────

type chatJSON struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	MainPrompt    string    `json:"main_prompt,omitempty"`
	LorebookID    string    `json:"lorebook_id,omitempty"`
	AssistantTurn int       `json:"assistant_turn"`
	CreatedAt     time.Time `json:"created_at"`
}

func toChatJSON(c lore.Chat) chatJSON {
	return chatJSON{
		ID:            c.ID,
		Title:         c.Title,
		MainPrompt:    c.MainPrompt,
		LorebookID:    c.LorebookID,
		AssistantTurn: c.AssistantTurn,
		CreatedAt:     c.CreatedAt,
	}
}

type lorebookJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type messageJSON struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func toMessageJSON(m lore.Message) messageJSON {
	return messageJSON{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

type entityJSON struct {
	ID                 string     `json:"id"`
	Kind               lore.Kind  `json:"kind"`
	Name               string     `json:"name"`
	Description        string     `json:"description"`
	State              lore.State `json:"state"`
	Importance         int        `json:"importance"`
	ReinforcementCount int        `json:"reinforcement_count"`
	LastMentioned      time.Time  `json:"last_mentioned"`
	LastMentionedTurn  *int       `json:"last_mentioned_turn"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toEntityJSON(e lore.Entity) entityJSON {
	return entityJSON{
		ID:                 e.ID,
		Kind:               e.Kind,
		Name:               e.Name,
		Description:        e.Description,
		State:              e.State,
		Importance:         e.Importance,
		ReinforcementCount: e.ReinforcementCount,
		LastMentioned:      e.LastMentioned,
		LastMentionedTurn:  e.LastMentionedTurn,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func toEntitiesJSON(es []lore.Entity) []entityJSON {
	out := make([]entityJSON, len(es))
	for i, e := range es {
		out[i] = toEntityJSON(e)
	}
	return out
}

type transitionJSON struct {
	Kind      lore.Kind  `json:"kind"`
	EntityID  string     `json:"entity_id"`
	Name      string     `json:"name"`
	From      lore.State `json:"from"`
	To        lore.State `json:"to"`
	TurnsIdle int        `json:"turns_idle"`
}

func toTransitionsJSON(ts []lifecycle.Transition) []transitionJSON {
	out := make([]transitionJSON, len(ts))
	for i, t := range ts {
		out[i] = transitionJSON{Kind: t.Kind, EntityID: t.EntityID, Name: t.Name, From: t.From, To: t.To, TurnsIdle: t.TurnsIdle}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Chats & lorebooks
// ─────────────────────────────────────────────────────────────────────────────

type createChatRequest struct {
	Title      string `json:"title" validate:"max=200"`
	MainPrompt string `json:"main_prompt" validate:"max=20000"`
	LorebookID string `json:"lorebook_id" validate:"max=100"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := s.decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	chat, err := s.store.CreateChat(r.Context(), lore.Chat{
		Title:      strings.TrimSpace(req.Title),
		MainPrompt: req.MainPrompt,
		LorebookID: req.LorebookID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatJSON(chat))
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatJSON(chat))
}

type mainPromptRequest struct {
	MainPrompt string `json:"main_prompt" validate:"max=20000"`
}

func (s *Server) handleSetMainPrompt(w http.ResponseWriter, r *http.Request) {
	var req mainPromptRequest
	if err := s.decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.SetMainPrompt(r.Context(), chi.URLParam(r, "chatID"), req.MainPrompt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachLorebookRequest struct {
	// LorebookID empty detaches the current lorebook.
	LorebookID string `json:"lorebook_id" validate:"max=100"`
}

func (s *Server) handleAttachLorebook(w http.ResponseWriter, r *http.Request) {
	var req attachLorebookRequest
	if err := s.decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.AttachLorebook(r.Context(), chi.URLParam(r, "chatID"), req.LorebookID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createLorebookRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=20000"`
}

func (s *Server) handleCreateLorebook(w http.ResponseWriter, r *http.Request) {
	var req createLorebookRequest
	if err := s.decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	lb, err := s.store.CreateLorebook(r.Context(), lore.Lorebook{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lorebookJSON{ID: lb.ID, Name: lb.Name, Description: lb.Description, CreatedAt: lb.CreatedAt})
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

type turnRequest struct {
	Content string `json:"content" validate:"required,max=20000"`
}

type turnResponse struct {
	Message     messageJSON      `json:"message"`
	Turn        int              `json:"assistant_turn"`
	Extraction  string           `json:"extraction"`
	Inserted    int              `json:"inserted"`
	Reinforced  int              `json:"reinforced"`
	Failed      int              `json:"failed"`
	Transitions []transitionJSON `json:"transitions"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := s.decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.pipeline.Handle(r.Context(), chi.URLParam(r, "chatID"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{
		Message:     toMessageJSON(reply.Message),
		Turn:        reply.Turn,
		Extraction:  string(reply.Extraction),
		Inserted:    reply.Reconciled.Count(reconcile.ActionInserted),
		Reinforced:  reply.Reconciled.Count(reconcile.ActionReinforced),
		Failed:      reply.Reconciled.Count(reconcile.ActionFailed),
		Transitions: toTransitionsJSON(reply.Transitions),
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	msg, err := s.pipeline.Regenerate(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageJSON(msg))
}

// ─────────────────────────────────────────────────────────────────────────────
// Lore
// ─────────────────────────────────────────────────────────────────────────────

type loreResponse struct {
	Characters []entityJSON `json:"characters"`
	Places     []entityJSON `json:"places"`
	PlotPoints []entityJSON `json:"plot_points"`
}

// handleListLore lists every entity of the chat. ?state=active,candidate
// narrows the listing; states illegal for a kind simply match nothing.
func (s *Server) handleListLore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "chatID")
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var filter lore.Filter
	if raw := r.URL.Query().Get("state"); raw != "" {
		for st := range strings.SplitSeq(raw, ",") {
			filter.States = append(filter.States, lore.State(strings.TrimSpace(st)))
		}
	}

	var res loreResponse
	targets := map[lore.Kind]*[]entityJSON{
		lore.KindCharacter: &res.Characters,
		lore.KindPlace:     &res.Places,
		lore.KindPlotPoint: &res.PlotPoints,
	}
	for _, kind := range lore.Kinds {
		es, err := s.store.ListEntities(ctx, chatID, kind, filter)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		*targets[kind] = toEntitiesJSON(es)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipeline.SystemPrompt(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"system_prompt": p})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "chatID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}

	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageJSON(m)
	}
	writeJSON(w, http.StatusOK, map[string][]messageJSON{"messages": out})
}

// patchEntityRequest carries an external signal. Importance only ever
// raises the stored value; State is applied as given.
type patchEntityRequest struct {
	Importance *int    `json:"importance" validate:"omitempty,min=0,max=100"`
	State      *string `json:"state" validate:"omitempty"`
}

func (s *Server) handlePatchEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "chatID")

	kind, err := lore.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var req patchEntityRequest
	if err := s.decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Importance == nil && req.State == nil {
		s.writeError(w, r, fmt.Errorf("%w: importance or state is required", errBadRequest))
		return
	}

	id := chi.URLParam(r, "entityID")
	e, err := s.store.GetEntity(ctx, kind, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e.ChatID != chatID {
		s.writeError(w, r, fmt.Errorf("%s %q in chat %q: %w", kind, id, chatID, lore.ErrNotFound))
		return
	}

	if req.Importance != nil {
		if e, err = s.store.RaiseImportance(ctx, kind, id, *req.Importance); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.State != nil {
		if e, err = s.store.SetState(ctx, kind, id, lore.State(*req.State)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toEntityJSON(e))
}
