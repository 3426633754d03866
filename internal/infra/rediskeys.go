package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "guardian"
)

// Ключи для Sets (состояние)
const (
	RedisKeyRegisteredAgents = RedisNamespace + ":agents:registered_set"
	RedisKeyLockAgentsWarmup = RedisNamespace + ":lock:warmup:agents"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanDecisions — канал трансляции решений оператора по заявкам.
	// Формат сообщения: "<request_id>:<approve|reject>[:<totp_code>]"
	RedisChanDecisions = RedisNamespace + ":approvals:decisions"

	// RedisChanConfigUpdate — сигнал инвалидации L1 кэша реестра.
	// Payload — agent_id, чей конфиг изменился ("*" — полная перезагрузка).
	RedisChanConfigUpdate = RedisNamespace + ":agents:config-update"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
