// Package api exposes the orchestrator over HTTP. The execute endpoint is
// the single entry point external schedulers call once per step; everything
// else is inspection and control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/orchestrator"
	"github.com/voidwalker/autopilot/internal/plan"
	"github.com/voidwalker/autopilot/internal/store"
	"go.uber.org/zap"
)

// Executor runs one plan step per call.
type Executor interface {
	ExecuteStep(ctx context.Context, req orchestrator.Request) *orchestrator.Response
}

// Controls raises and lowers the live plan flags.
type Controls interface {
	SetPause(ctx context.Context, planID uuid.UUID) error
	ClearPause(ctx context.Context, planID uuid.UUID) error
	SetStop(ctx context.Context, planID uuid.UUID) error
}

// Gateway is the persistence slice the handlers read and write.
type Gateway interface {
	Ping(ctx context.Context) error
	GetPlan(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
	CreatePlan(ctx context.Context, p *plan.Plan) error
	UpdatePlanStatus(ctx context.Context, id uuid.UUID, s plan.PlanStatus, reason string) error
	ListLogEntries(ctx context.Context, planID uuid.UUID, limit int) ([]plan.ExecutionLogEntry, error)
	ListSessionsByInstance(ctx context.Context, instanceID string) ([]plan.AuthSession, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	executor Executor
	gateway  Gateway
	controls Controls
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(executor Executor, gateway Gateway, controls Controls, logger *zap.Logger) *Handler {
	return &Handler{
		executor: executor,
		gateway:  gateway,
		controls: controls,
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
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/plans", h.createPlan)
		r.Post("/plans/execute", h.executePlanStep)
		r.Get("/plans/{id}", h.getPlan)
		r.Get("/plans/{id}/logs", h.getPlanLogs)
		r.Post("/plans/{id}/pause", h.pausePlan)
		r.Post("/plans/{id}/resume", h.resumePlan)
		r.Post("/plans/{id}/stop", h.stopPlan)

		r.Get("/instances/{id}/sessions", h.listInstanceSessions)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPlanRequest struct {
	InstanceID string `json:"instance_id"`
	Title      string `json:"title"`
	Steps      []struct {
		Order        int    `json:"order"`
		Title        string `json:"title"`
		Instructions string `json:"instructions"`
	} `json:"steps"`
}

func (h *Handler) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.InstanceID == "" || len(req.Steps) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instance_id and at least one step are required"})
		return
	}

	p := &plan.Plan{
		InstanceID: req.InstanceID,
		Title:      req.Title,
		Status:     plan.PlanPending,
	}
	for i, s := range req.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		p.Steps = append(p.Steps, plan.Step{
			Order:        order,
			Title:        s.Title,
			Instructions: s.Instructions,
		})
	}

	if err := h.gateway.CreatePlan(r.Context(), p); err != nil {
		h.logger.Error("plan creation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) executePlanStep(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.InstanceID == "" && req.PlanID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instance_id or plan_id is required"})
		return
	}

	// The response is always structured, even when the step blew up.
	resp := h.executor.ExecuteStep(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	p, err := h.gateway.GetPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) getPlanLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := h.gateway.ListLogEntries(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) pausePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	p, err := h.gateway.GetPlan(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
		return
	}
	if p.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "plan already " + string(p.Status)})
		return
	}

	// Flag first so an in-flight turn sees it; the row update is the
	// durable record.
	if err := h.controls.SetPause(r.Context(), id); err != nil {
		h.logger.Warn("pause flag not set", zap.Error(err))
	}
	if err := h.gateway.UpdatePlanStatus(r.Context(), id, plan.PlanPaused, ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(plan.PlanPaused)})
}

func (h *Handler) resumePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	p, err := h.gateway.GetPlan(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
		return
	}
	if p.Status != plan.PlanPaused {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "plan is not paused"})
		return
	}

	if err := h.controls.ClearPause(r.Context(), id); err != nil {
		h.logger.Warn("pause flag not cleared", zap.Error(err))
	}
	if err := h.gateway.UpdatePlanStatus(r.Context(), id, plan.PlanInProgress, ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(plan.PlanInProgress)})
}

func (h *Handler) stopPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	p, err := h.gateway.GetPlan(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
		return
	}
	if p.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "plan already " + string(p.Status)})
		return
	}

	if err := h.controls.SetStop(r.Context(), id); err != nil {
		h.logger.Warn("stop flag not set", zap.Error(err))
	}
	if err := h.gateway.UpdatePlanStatus(r.Context(), id, plan.PlanFailed, "stopped by user"); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(plan.PlanFailed)})
}

func (h *Handler) listInstanceSessions(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	sessions, err := h.gateway.ListSessionsByInstance(r.Context(), instanceID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// Session state blobs never leave the service; the json tags on
	// AuthSession already exclude them.
	writeJSON(w, http.StatusOK, sessions)
}

func planID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid plan id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
