package postgres

/*
Файл alert_rule_repo.go — долговременное хранение правил алертов.
Движок держит правила в памяти и пишет сюда сквозной записью (write-through),
при старте правила поднимаются "холодной загрузкой" через ListRules.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	component  TEXT NOT NULL,
	condition  JSONB NOT NULL,
	severity   TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type RuleRepo struct {
	db *sql.DB
}

// NewRuleRepo открывает пул соединений. Доступность базы проверяется через Ping.
func NewRuleRepo(connString string) (*RuleRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &RuleRepo{db: db}, nil
}

// NewRuleRepoFromDB — для уже открытого *sql.DB (тесты, общий пул)
func NewRuleRepoFromDB(db *sql.DB) *RuleRepo {
	return &RuleRepo{db: db}
}

// DB — общий пул для соседних репозиториев
func (r *RuleRepo) DB() *sql.DB {
	return r.db
}

func (r *RuleRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *RuleRepo) Close() error {
	return r.db.Close()
}

// EnsureSchema создаёт таблицу правил, если её ещё нет
func (r *RuleRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to create alert_rules: %w", err)
	}
	return nil
}

// ListRules выполняет "холодную загрузку" всех правил при старте
func (r *RuleRepo) ListRules(ctx context.Context) ([]domain.AlertRule, error) {
	query := `
		SELECT id, name, component, condition, severity, enabled, created_at, updated_at
		FROM alert_rules
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list rules: %w", err)
	}
	defer rows.Close()

	var results []domain.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rule)
	}
	// Проверка на ошибки итерации
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration: %w", err)
	}
	return results, nil
}

func (r *RuleRepo) GetRule(ctx context.Context, id string) (domain.AlertRule, error) {
	query := `
		SELECT id, name, component, condition, severity, enabled, created_at, updated_at
		FROM alert_rules
		WHERE id = $1`

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlertRule{}, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	return rule, err
}

// SaveRule вставляет правило или обновляет существующее (created_at не трогаем)
func (r *RuleRepo) SaveRule(ctx context.Context, rule domain.AlertRule) error {
	cond, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode condition: %w", err)
	}

	query := `
		INSERT INTO alert_rules (id, name, component, condition, severity, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			component = EXCLUDED.component,
			condition = EXCLUDED.condition,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Component, cond, string(rule.Severity), rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save rule: %w", err)
	}
	return nil
}

func (r *RuleRepo) DeleteRule(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete rule: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (domain.AlertRule, error) {
	var (
		rule     domain.AlertRule
		cond     []byte
		severity string
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Component, &cond, &severity, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return domain.AlertRule{}, err
	}
	if err := json.Unmarshal(cond, &rule.Condition); err != nil {
		return domain.AlertRule{}, fmt.Errorf("postgres: failed to decode condition of %s: %w", rule.ID, err)
	}
	rule.Severity = domain.Severity(severity)
	return rule, nil
}
