package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "pos-override"
)

// Ключи счетчиков неудачных попыток
const (
	RedisKeyAttempts = RedisNamespace + ":attempts:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanThresholdUpdate - сигнал всем инстансам перечитать пороги.
	RedisChanThresholdUpdate = RedisNamespace + ":thresholds:update"
	// RedisChanRequestDecisions - базовый канал решений по заявкам.
	RedisChanRequestDecisions = RedisNamespace + ":requests"
)

// AttemptsKey - ключ счетчика для источника попыток (origin, user:<id>, request:<id>).
func AttemptsKey(subject string) string {
	return RedisKeyAttempts + subject
}

// RequestDecisionChannel - уникальный канал для конкретной заявки: pos-override:requests:decision:{id}
func RequestDecisionChannel(requestID string) string {
	return fmt.Sprintf("%s:decision:%s", RedisChanRequestDecisions, requestID)
}
