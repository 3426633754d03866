package audit

import "time"

// DecisionEvent — одна строка следа арбитража: что агент хотел провести,
// чем закончилось и кто принял решение
type DecisionEvent struct {
	ID        string `json:"id"`         // UUID события
	RequestID string `json:"request_id"` // ID заявки (пустой для auto-approve)
	AgentID   string `json:"agent_id"`

	// Снимок транзакции (строки в базовых единицах)
	TxTo       string `json:"tx_to"`
	TxValue    string `json:"tx_value"`
	TxGasPrice string `json:"tx_gas_price"`

	// Исход
	Status     string    `json:"status"` // AUTO_APPROVED, APPROVED, REJECTED, EXPIRED
	Reason     string    `json:"reason"`
	ReviewerID string    `json:"reviewer_id"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"` // Сколько ждали решения
}
