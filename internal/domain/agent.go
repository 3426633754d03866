package domain

import (
	"math/big"
	"time"
)

// AgentConfig — настройки безопасности одного зарегистрированного агента.
// С точки зрения арбитража конфиг read-only: он перечитывается из реестра
// перед каждым решением, но сама проверка идет по снимку транзакции.
type AgentConfig struct {
	AgentID string `json:"agent_id"` // Адрес агента (идентификатор в реестре)
	Owner   string `json:"owner"`    // Кто зарегистрировал (оператор)

	// Пороговые значения в базовых единицах (wei).
	// Превышение любого из них включает Human-in-the-loop.
	ValueThreshold *big.Int `json:"-"`
	GasThreshold   *big.Int `json:"-"`

	// Второй фактор (TOTP)
	SecondFactorEnabled bool   `json:"second_factor_enabled"`
	TOTPSecret          string `json:"-"` // base32, никогда не отдается наружу

	// Куда отправлять запрос на подтверждение (chat id оператора)
	NotifyChatID int64 `json:"notify_chat_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Хардкодженые дефолты из продукта: порог в 0.00001 ETH (10^13 wei)
// и 50 Gwei по газу. Применяются при регистрации, пока оператор не задал свои.
var (
	DefaultValueThreshold = new(big.Int).SetUint64(10_000_000_000_000)
	DefaultGasThreshold   = new(big.Int).SetUint64(50_000_000_000)
)

// NewAgentConfig создает конфиг с дефолтными порогами
func NewAgentConfig(agentID, owner string, chatID int64) *AgentConfig {
	now := time.Now()
	return &AgentConfig{
		AgentID:        agentID,
		Owner:          owner,
		ValueThreshold: new(big.Int).Set(DefaultValueThreshold),
		GasThreshold:   new(big.Int).Set(DefaultGasThreshold),
		NotifyChatID:   chatID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
