package domain

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

type Operator string

const (
	OpGreater      Operator = "gt"
	OpLess         Operator = "lt"
	OpEqual        Operator = "eq"
	OpGreaterEqual Operator = "gte"
	OpLessEqual    Operator = "lte"
)

// Apply сравнивает значение метрики с порогом
func (o Operator) Apply(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpEqual:
		return value == threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	}
	return false
}

func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

type Condition struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	// Duration — сколько условие должно держаться, прежде чем алерт сработает (0 — сразу)
	Duration Duration `json:"duration,omitempty"`
}

// AlertRule — пороговое правило, настраиваемое оператором
type AlertRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Component string    `json:"component"`
	Condition Condition `json:"condition"`
	Severity  Severity  `json:"severity"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate проверяет правило до попадания в движок
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.Component) == "" {
		return fmt.Errorf("%w: component is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Condition.Metric) == "" {
		return fmt.Errorf("%w: condition.metric is required", ErrInvalidRule)
	}
	if !r.Condition.Operator.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, r.Condition.Operator)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	}
	if r.Condition.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRule)
	}
	return nil
}

// Key — ключ дедупликации активных алертов
func (r *AlertRule) Key() string {
	return AlertKey(r.Component, r.Condition.Metric)
}

// AlertKey детерминированно выводит ID алерта из компонента и метрики.
func AlertKey(component, metric string) string {
	return component + ":" + metric
}

// Alert — зафиксированное превышение порога (активное или из истории)
type Alert struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"ruleId"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Component  string     `json:"component"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

func (a *Alert) IsActive() bool { return a.ResolvedAt == nil }

type AlertState string

const (
	AlertTriggered AlertState = "triggered"
	AlertResolved  AlertState = "resolved"
)

// AlertEvent рассылается слушателям движка при срабатывании и снятии алерта
type AlertEvent struct {
	State AlertState `json:"state"`
	Alert Alert      `json:"alert"`
}

type ChannelType string

const (
	ChannelLog       ChannelType = "log"
	ChannelWebhook   ChannelType = "webhook"
	ChannelRedis     ChannelType = "redis"
	ChannelNATS      ChannelType = "nats"
	ChannelWebsocket ChannelType = "websocket"
)

type RateLimit struct {
	MaxPerMinute int `json:"maxPerMinute"`
	MaxPerHour   int `json:"maxPerHour"`
}

// ChannelConfig — регистрация канала уведомлений
type ChannelConfig struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Type       ChannelType `json:"type"`
	Target     string      `json:"target,omitempty"` // URL, redis channel или NATS subject
	Enabled    bool        `json:"enabled"`
	Severities []Severity  `json:"severities,omitempty"` // пусто — все уровни
	RateLimit  RateLimit   `json:"rateLimit"`
}

func (c *ChannelConfig) Validate() error {
	switch c.Type {
	case ChannelLog, ChannelWebsocket:
	case ChannelWebhook, ChannelRedis, ChannelNATS:
		if strings.TrimSpace(c.Target) == "" {
			return fmt.Errorf("%w: target is required for %s channel", ErrInvalidChannel, c.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChannel, c.Type)
	}
	if c.RateLimit.MaxPerMinute < 0 || c.RateLimit.MaxPerHour < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", ErrInvalidChannel)
	}
	for _, s := range c.Severities {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown severity %q", ErrInvalidChannel, s)
		}
	}
	return nil
}

// Accepts сообщает, подписан ли канал на данный уровень
func (c *ChannelConfig) Accepts(s Severity) bool {
	if len(c.Severities) == 0 {
		return true
	}
	for _, v := range c.Severities {
		if v == s {
			return true
		}
	}
	return false
}

// Notification — то, что уходит в конкретный канал
type Notification struct {
	ChannelID string     `json:"channelId"`
	State     AlertState `json:"state"`
	Alert     Alert      `json:"alert"`
	SentAt    time.Time  `json:"sentAt"`
}
