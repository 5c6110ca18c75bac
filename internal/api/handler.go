package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/teamexec/internal/billing"
	"github.com/nidhogg/teamexec/internal/bus"
	"github.com/nidhogg/teamexec/internal/contextstore"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/metrics"
	"github.com/nidhogg/teamexec/internal/notify"
	"github.com/nidhogg/teamexec/internal/orchestrator"
	"github.com/nidhogg/teamexec/internal/team"
	"go.uber.org/zap"
)

// UserHeader carries the caller's identity.
const UserHeader = "X-User-ID"

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options are optional handler dependencies.
type Options struct {
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Health      map[string]Pinger
	Notifier    *notify.Fanout
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	guard    *billing.Guard
	ctxStore contextstore.Store
	bus      *bus.Bus
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, guard *billing.Guard, ctxStore contextstore.Store, b *bus.Bus, opts Options, logger *zap.Logger) *Handler {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Handler{
		orch:     orch,
		guard:    guard,
		ctxStore: ctxStore,
		bus:      b,
		opts:     opts,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	if h.opts.Metrics != nil {
		r.Handle("/metrics", h.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/usage", h.monthlyUsage)

			r.Post("/teams", h.createTeam)
			r.Get("/teams", h.listTeams)
			r.Get("/teams/{teamID}", h.getTeam)
			r.Post("/teams/{teamID}/executions", h.startExecution)

			r.Get("/executions", h.listExecutions)
			r.Route("/executions/{executionID}", func(r chi.Router) {
				r.Use(h.loadExecution)
				r.Get("/", h.getExecution)
				r.Get("/status", h.executionStatus)
				r.Get("/result", h.executionResult)
				r.Post("/stop", h.stopExecution)
				r.Delete("/shared", h.purgeShared)

				// Shared context
				r.Get("/context", h.getContext)
				r.Get("/context/{key}", h.getVariable)
				r.Put("/context/{key}", h.setVariable)
				r.Delete("/context/{key}", h.deleteVariable)
				r.Get("/context-messages", h.listContextMessages)
				r.Post("/context-messages", h.addContextMessage)

				// Message bus
				r.Post("/messages", h.sendMessage)
				r.Post("/messages/{messageID}/reply", h.replyToRequest)
				r.Post("/requests", h.requestResponse)
				r.Get("/agents/{agentID}/inbox", h.agentInbox)
			})
		})
	})

	return r
}

type userKey struct{}
type executionKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + UserHeader + " header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(userKey{}).(string)
	return u
}

// loadExecution resolves {executionID} and checks the caller may access it.
func (h *Handler) loadExecution(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := h.orch.GetExecution(r.Context(), chi.URLParam(r, "executionID"), userFrom(r))
		if err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), executionKey{}, e)))
	})
}

func executionFrom(r *http.Request) *execution.Execution {
	e, _ := r.Context().Value(executionKey{}).(*execution.Execution)
	return e
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.opts.Health))
	for name, p := range h.opts.Health {
		if err := p.Ping(r.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	body := map[string]interface{}{
		"status":  "ok",
		"service": "teamexec",
		"running": len(h.orch.Running()),
		"deps":    deps,
	}
	if h.opts.Notifier != nil {
		body["notifiers"] = h.opts.Notifier.Sinks()
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (h *Handler) monthlyUsage(w http.ResponseWriter, r *http.Request) {
	u, err := h.guard.GetMonthlyUsage(r.Context(), userFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var cfg team.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	created, err := h.orch.CreateTeam(r.Context(), userFrom(r), &cfg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.orch.ListTeams(r.Context(), userFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if teams == nil {
		teams = []*team.Config{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.orch.GetTeam(r.Context(), chi.URLParam(r, "teamID"), userFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type startRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

func (h *Handler) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.orch.StartExecution(r.Context(), userFrom(r), chi.URLParam(r, "teamID"), req.Prompt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.ListExecutions(r.Context(), userFrom(r), r.URL.Query().Get("team_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*execution.Execution{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, executionFrom(r))
}

func (h *Handler) executionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.GetExecutionStatus(r.Context(), executionFrom(r).ID, userFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) executionResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.GetExecutionResult(r.Context(), executionFrom(r).ID, userFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) stopExecution(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.orch.StopExecution(r.Context(), executionFrom(r).ID, userFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, badRequest(err))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, badRequest(err))
		return false
	}
	return true
}

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re), errors.Is(err, team.ErrInvalidWorkflow), errors.Is(err, bus.ErrNotRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, bus.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotFinished):
		return http.StatusConflict
	case errors.Is(err, billing.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, bus.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
