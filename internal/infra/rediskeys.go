package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "latch"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedAgents     = RedisNamespace + ":agents:blocked_set"
	RedisKeyQuarantinedAgents = RedisNamespace + ":agents:quarantine_set"
	RedisKeyLockBlocked       = RedisNamespace + ":lock:warmup:blocked"
	RedisKeyLockQuarantine    = RedisNamespace + ":lock:warmup:quarantine"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovals: лента событий по заявкам для внешнего нотификатора (чат-бот с кнопками).
	RedisChanApprovals    = RedisNamespace + ":approvals"
	RedisChanKillSwitch   = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanQuarantine   = RedisNamespace + ":agents:quarantine-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
)

// ApprovalChannel: персональный канал заявки, на него подписываются те, кто ждет решения.
func ApprovalChannel(approvalID string) string {
	return fmt.Sprintf("%s:%s", RedisChanApprovals, approvalID)
}
