package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "smartmail"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAlerts — канал по умолчанию для уведомлений об алертах
	RedisChanAlerts = RedisNamespace + ":alerts"
)

// NATS subjects
const (
	NATSSubjectAlerts = RedisNamespace + ".alerts"
)
