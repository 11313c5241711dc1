package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// Record — одна строка журнала алертов: срабатывание или снятие
type Record struct {
	ID        string            `json:"id"`       // UUID записи
	AlertID   string            `json:"alert_id"` // component:metric
	RuleID    string            `json:"rule_id"`
	State     domain.AlertState `json:"state"` // triggered / resolved
	Severity  domain.Severity   `json:"severity"`
	Component string            `json:"component"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}

// RecordFromEvent — время записи: ResolvedAt для снятия, иначе время срабатывания
func RecordFromEvent(ev domain.AlertEvent) Record {
	a := ev.Alert
	ts := a.Timestamp
	if ev.State == domain.AlertResolved && a.ResolvedAt != nil {
		ts = *a.ResolvedAt
	}
	return Record{
		ID:        uuid.New().String(),
		AlertID:   a.ID,
		RuleID:    a.RuleID,
		State:     ev.State,
		Severity:  a.Severity,
		Component: a.Component,
		Metric:    a.Metric,
		Value:     a.Value,
		Threshold: a.Threshold,
		Message:   a.Message,
		Timestamp: ts,
	}
}
