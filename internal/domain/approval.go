package domain

import (
	"errors"
	"time"
)

// Статусы State Machine заявки на подтверждение
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	StatusExpired  ApprovalStatus = "EXPIRED"
)

var (
	ErrInvalidTransition   = errors.New("invalid approval status transition")
	ErrAlreadyResolved     = errors.New("approval request already resolved")
	ErrNotFound            = errors.New("approval request not found")
	ErrNotRegistered       = errors.New("agent is not registered")
	ErrInvalidRequest      = errors.New("invalid transaction payload")
	ErrSecondFactorInvalid = errors.New("second factor code is invalid or missing")
)

// IsTerminal сообщает, достигла ли заявка конечного состояния.
// Из терминального состояния переходов нет — статус монотонен.
func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

type ApprovalRequest struct {
	ID      string         `json:"id"`
	AgentID string         `json:"agent_id"`
	Tx      TxSnapshot     `json:"transaction"` // Неизменяемый снимок на момент подачи
	Status  ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Reason     string  `json:"reason,omitempty"` // Напр. "timeout", "second_factor_invalid"

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата.
// Единственный разрешенный переход: PENDING -> терминальный статус.
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyResolved
	}
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

// Expired проверяет, вышла ли заявка за пределы окна ожидания
func (a *ApprovalRequest) Expired(now time.Time, timeout time.Duration) bool {
	return a.Status == StatusPending && now.Sub(a.CreatedAt) > timeout
}

// DecisionResult — то, что получает ожидающий агент после разрешения заявки
type DecisionResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Причины отказа, которые видит вызывающая сторона
const (
	ReasonTimeout       = "timeout"
	ReasonRejected      = "rejected_by_operator"
	ReasonSecondFactor  = "second_factor_invalid"
	ReasonCancelled     = "request_cancelled"
	ReasonNotRegistered = "agent_not_registered"
)
