package policy

import "github.com/xela07ax/guardian-gate/internal/domain"

// Verdict — результат оценки транзакции против порогов агента
type Verdict struct {
	NeedsApproval     bool // Требуется ли Human-in-the-loop
	NeedsSecondFactor bool // Требуется ли TOTP код вместе с решением
}

// Evaluate проверяет, нужно ли отправлять транзакцию на апрув (HITL).
// Чистая функция: никакого IO, решение принимается только по снимку
// транзакции и конфигу, переданным на вход.
//
// Сравнения строго ">": значение, равное порогу, апрува не требует.
// Арифметика на big.Int — on-chain величины не обязаны влезать в int64.
func Evaluate(tx domain.TxSnapshot, cfg *domain.AgentConfig) Verdict {
	needsApproval := tx.Value.Cmp(cfg.ValueThreshold) > 0 ||
		tx.GasPrice.Cmp(cfg.GasThreshold) > 0

	return Verdict{
		NeedsApproval:     needsApproval,
		NeedsSecondFactor: needsApproval && cfg.SecondFactorEnabled,
	}
}
