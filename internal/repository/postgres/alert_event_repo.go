package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xela07ax/smartmail-orchestrator/internal/audit"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS alert_events (
	id         UUID PRIMARY KEY,
	alert_id   TEXT NOT NULL,
	rule_id    TEXT NOT NULL,
	state      TEXT NOT NULL,
	severity   TEXT NOT NULL,
	component  TEXT NOT NULL,
	metric     TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	threshold  DOUBLE PRECISION NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL
)`

const eventIndex = `CREATE INDEX IF NOT EXISTS alert_events_alert_id_ts ON alert_events (alert_id, timestamp)`

// Количество колонок в таблице alert_events
const eventFields = 11

// AlertEventRepo — хранилище журнала алертов (audit.StorageInterface)
type AlertEventRepo struct {
	db *sql.DB
}

func NewAlertEventRepo(db *sql.DB) *AlertEventRepo {
	return &AlertEventRepo{db: db}
}

func (r *AlertEventRepo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{eventSchema, eventIndex} {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: failed to create alert_events: %w", err)
		}
	}
	return nil
}

// WriteBatch — одна многострочная вставка на пачку
func (r *AlertEventRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(records)*eventFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		if i > 0 {
			placeholders.WriteString(",")
		}
		p := i * eventFields
		placeholders.WriteString("(")
		for f := 1; f <= eventFields; f++ {
			if f > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", p+f)
		}
		placeholders.WriteString(")")

		vals = append(vals,
			rec.ID, rec.AlertID, rec.RuleID, string(rec.State), string(rec.Severity),
			rec.Component, rec.Metric, rec.Value, rec.Threshold, rec.Message, rec.Timestamp,
		)
	}

	query := "INSERT INTO alert_events " +
		"(id, alert_id, rule_id, state, severity, component, metric, value, threshold, message, timestamp) VALUES " +
		placeholders.String()

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write %d alert events: %w", len(records), err)
	}
	return nil
}

// CountByAlert — число записей журнала по алерту
func (r *AlertEventRepo) CountByAlert(ctx context.Context, alertID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_events WHERE alert_id = $1`, alertID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count alert events: %w", err)
	}
	return n, nil
}
