package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/guardian-gate/internal/domain"
)

// AgentRegistry — операции реестра, доступные консоли
type AgentRegistry interface {
	Register(ctx context.Context, agentID, owner string, chatID int64) (*domain.AgentConfig, error)
	Get(ctx context.Context, agentID string) (*domain.AgentConfig, error)
	ListByOwner(ctx context.Context, owner string) ([]*domain.AgentConfig, error)
	UpdateThresholds(ctx context.Context, agentID, valueThreshold, gasThreshold string) error
	SetSecondFactor(ctx context.Context, agentID string, enabled bool, secret string) error
	Delete(ctx context.Context, agentID string) error
}

type AgentHandler struct {
	registry AgentRegistry
}

func NewAgentHandler(registry AgentRegistry) *AgentHandler {
	return &AgentHandler{registry: registry}
}

type registerAgentRequest struct {
	AgentID      string `json:"agent_id"`
	Owner        string `json:"owner"`
	NotifyChatID int64  `json:"notify_chat_id"`
}

func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Owner == "" {
		writeError(w, http.StatusBadRequest, "agent_id and owner are required")
		return
	}

	cfg, err := h.registry.Register(r.Context(), req.AgentID, req.Owner, req.NotifyChatID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agentView(cfg))
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cfg, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			writeError(w, http.StatusNotFound, "agent not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, agentView(cfg))
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query param is required")
		return
	}

	agents, err := h.registry.ListByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]map[string]interface{}, 0, len(agents))
	for _, cfg := range agents {
		views = append(views, agentView(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

type thresholdsRequest struct {
	ValueThreshold string `json:"value_threshold"`
	GasThreshold   string `json:"gas_threshold"`
}

func (h *AgentHandler) UpdateThresholds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req thresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.registry.UpdateThresholds(r.Context(), id, req.ValueThreshold, req.GasThreshold)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrNotRegistered):
		writeError(w, http.StatusNotFound, "agent not registered")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type secondFactorRequest struct {
	Enabled bool   `json:"enabled"`
	Secret  string `json:"secret,omitempty"`
}

func (h *AgentHandler) SetSecondFactor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req secondFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.registry.SetSecondFactor(r.Context(), id, req.Enabled, req.Secret); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			writeError(w, http.StatusNotFound, "agent not registered")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			writeError(w, http.StatusNotFound, "agent not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// agentView — наружу без TOTP секрета, пороги строками
func agentView(cfg *domain.AgentConfig) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":              cfg.AgentID,
		"owner":                 cfg.Owner,
		"value_threshold":       cfg.ValueThreshold.String(),
		"gas_threshold":         cfg.GasThreshold.String(),
		"second_factor_enabled": cfg.SecondFactorEnabled,
		"notify_chat_id":        cfg.NotifyChatID,
		"created_at":            cfg.CreatedAt,
		"updated_at":            cfg.UpdatedAt,
	}
}
