package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"github.com/xela07ax/guardian-gate/internal/infra/auth"
)

// Arbitration Описываем, что нам нужно от арбитра
type Arbitration interface {
	Decide(ctx context.Context, agentID string, tx domain.TxSnapshot) (domain.DecisionResult, error)
	Status(requestID string) (domain.ApprovalRequest, error)
}

// DecisionService проводит решение оператора (локально или через Redis)
type DecisionService interface {
	Decide(ctx context.Context, requestID string, approve bool, code, reviewerID string) error
}

type ApprovalHandler struct {
	arb       Arbitration
	decisions DecisionService
}

func NewApprovalHandler(arb Arbitration, decisions DecisionService) *ApprovalHandler {
	return &ApprovalHandler{arb: arb, decisions: decisions}
}

// approvalRequestBody — входящий запрос агента (§ синхронный гейт).
// Value и gas_price — строки в базовых единицах, чтобы не терять точность.
type approvalRequestBody struct {
	AgentID     string `json:"agent_id"`
	Transaction struct {
		To       string `json:"to"`
		Value    string `json:"value"`
		GasPrice string `json:"gas_price"`
	} `json:"transaction"`
}

// RequestApproval — синхронная точка входа агента. Ответ не вернется,
// пока заявка не станет терминальной (апрув/отказ/таймаут).
func (h *ApprovalHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	tx, err := domain.NewTxSnapshot(body.Transaction.To, body.Transaction.Value, body.Transaction.GasPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.arb.Decide(r.Context(), body.AgentID, tx)
	if err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			writeError(w, http.StatusNotFound, "agent not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetDetails — состояние висящей заявки (очередь решений консоли)
func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.arb.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Code     string `json:"code,omitempty"` // TOTP, если у агента включен 2FA
	Comment  string `json:"comment,omitempty"`
}

// Decide — решение оператора через Console API
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reviewerID := auth.OperatorID(r.Context())
	if reviewerID == "" {
		writeError(w, http.StatusUnauthorized, "reviewer identity is required")
		return
	}

	err := h.decisions.Decide(r.Context(), id, req.Approved, req.Code, reviewerID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrSecondFactorInvalid):
		writeError(w, http.StatusForbidden, "invalid second factor code, request rejected")
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "approval request already resolved")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
