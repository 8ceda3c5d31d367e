// Package server exposes the chat and lore operations over a JSON HTTP API.
//
// Routes:
//
//	POST  /api/chats                                   create a chat
//	GET   /api/chats/{chatID}                          fetch a chat
//	PUT   /api/chats/{chatID}/main-prompt              replace the main prompt
//	PUT   /api/chats/{chatID}/lorebook                 attach or detach a lorebook
//	POST  /api/chats/{chatID}/turns                    run one turn
//	POST  /api/chats/{chatID}/regenerate               redo the last reply
//	GET   /api/chats/{chatID}/lore                     list entities by kind
//	GET   /api/chats/{chatID}/prompt                   render the system prompt
//	GET   /api/chats/{chatID}/messages                 read the transcript
//	PATCH /api/chats/{chatID}/entities/{kind}/{id}     importance / state signal
//	POST  /api/lorebooks                               create a lorebook
//	GET   /healthz, /readyz, /metrics
//
// Unknown ids map to 404, invalid input to 400, conflicts with the entity
// lifecycle to 409 and narrator failures to 502.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/loreweave/internal/health"
	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/internal/turn"
	"github.com/MrWong99/loreweave/pkg/lore"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// errBadRequest marks input errors detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

// Deps are the collaborators of a [Server]. Store and Pipeline are required.
type Deps struct {
	Store    lore.Store
	Pipeline *turn.Pipeline

	// Health serves /healthz and /readyz. Nil mounts a handler without
	// checkers.
	Health *health.Handler

	// Metrics feeds the HTTP middleware. Nil disables request metrics.
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics, usually promhttp.Handler(). Nil leaves
	// the route unmounted.
	MetricsHandler http.Handler
}

// Server is the loreweave HTTP API. It implements [http.Handler].
type Server struct {
	store    lore.Store
	pipeline *turn.Pipeline
	validate *validator.Validate
	router   chi.Router
}

// New builds the router for deps.
func New(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Pipeline == nil {
		return nil, errors.New("server: store and pipeline are required")
	}
	s := &Server{
		store:    deps.Store,
		pipeline: deps.Pipeline,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes(deps)
	return s, nil
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(deps Deps) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(observe.Middleware(deps.Metrics))
	}

	hh := deps.Health
	if hh == nil {
		hh = health.New()
	}
	hh.Register(r)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/lorebooks", s.handleCreateLorebook)

		r.Post("/chats", s.handleCreateChat)
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/", s.handleGetChat)
			r.Put("/main-prompt", s.handleSetMainPrompt)
			r.Put("/lorebook", s.handleAttachLorebook)
			r.Post("/turns", s.handleTurn)
			r.Post("/regenerate", s.handleRegenerate)
			r.Get("/lore", s.handleListLore)
			r.Get("/prompt", s.handlePrompt)
			r.Get("/messages", s.handleListMessages)
			r.Patch("/entities/{kind}/{entityID}", s.handlePatchEntity)
		})
	})

	s.router = r
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// decode reads a JSON body strictly into v and validates it.
func (s *Server) decode(r *http.Request, w http.ResponseWriter, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps an error to the HTTP status the API reports for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, turn.ErrEmptyInput),
		errors.Is(err, lore.ErrIllegalState):
		return http.StatusBadRequest
	case errors.Is(err, lore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lore.ErrTerminalState),
		errors.Is(err, turn.ErrNothingToRegenerate):
		return http.StatusConflict
	case errors.Is(err, turn.ErrNarrator):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("server: request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
