package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "advocacy"
)

// Ключи (состояние)
const (
	RedisKeyDisabledAgents     = RedisNamespace + ":agents:disabled_set"
	RedisKeyLockWarmupSwitch   = RedisNamespace + ":lock:warmup:disabled"
	RedisKeyBreakerIndex       = RedisNamespace + ":breaker:agents"
	redisKeyBreakerStatePrefix = RedisNamespace + ":breaker:state:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanAgentSwitch = RedisNamespace + ":agents:switch-signal"
	RedisChanAgentStream = RedisNamespace + ":agents:stream"
)

// BreakerStateKey возвращает ключ с JSON-состоянием предохранителя агента.
func BreakerStateKey(agentID string) string {
	return redisKeyBreakerStatePrefix + agentID
}
