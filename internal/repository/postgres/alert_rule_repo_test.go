package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/smartmail-orchestrator/internal/audit"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// Интеграционный тест: нужен живой Postgres в SMARTMAIL_TEST_DATABASE_DSN
func newTestRepo(t *testing.T) *RuleRepo {
	t.Helper()
	dsn := os.Getenv("SMARTMAIL_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("SMARTMAIL_TEST_DATABASE_DSN is not set")
	}

	repo, err := NewRuleRepo(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, repo.Ping(ctx))
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func TestRuleRepoRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rule := domain.AlertRule{
		ID:        uuid.New().String(),
		Name:      "high cpu",
		Component: "system",
		Condition: domain.Condition{
			Metric:    "cpu.usage",
			Operator:  domain.OpGreater,
			Threshold: 80,
			Duration:  domain.Duration(5 * time.Minute),
		},
		Severity:  domain.SeverityCritical,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.Cleanup(func() { _ = repo.DeleteRule(context.Background(), rule.ID) })

	require.NoError(t, repo.SaveRule(ctx, rule))

	got, err := repo.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Condition, got.Condition)
	assert.Equal(t, rule.Severity, got.Severity)
	assert.True(t, rule.CreatedAt.Equal(got.CreatedAt))

	rule.Condition.Threshold = 90
	rule.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.SaveRule(ctx, rule))

	rules, err := repo.ListRules(ctx)
	require.NoError(t, err)
	var found bool
	for _, r := range rules {
		if r.ID == rule.ID {
			found = true
			assert.Equal(t, 90.0, r.Condition.Threshold)
		}
	}
	assert.True(t, found)

	require.NoError(t, repo.DeleteRule(ctx, rule.ID))
	assert.ErrorIs(t, repo.DeleteRule(ctx, rule.ID), domain.ErrNotFound)
	_, err = repo.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAlertEventRepoWriteBatch(t *testing.T) {
	rules := newTestRepo(t)
	repo := NewAlertEventRepo(rules.DB())
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx))

	alertID := "test:" + uuid.New().String()
	now := time.Now().UTC()
	records := []audit.Record{
		{ID: uuid.New().String(), AlertID: alertID, RuleID: "r-1", State: domain.AlertTriggered,
			Severity: domain.SeverityWarning, Component: "test", Metric: "m", Value: 5, Threshold: 1, Timestamp: now},
		{ID: uuid.New().String(), AlertID: alertID, RuleID: "r-1", State: domain.AlertResolved,
			Severity: domain.SeverityWarning, Component: "test", Metric: "m", Value: 0, Threshold: 1, Timestamp: now.Add(time.Minute)},
	}
	require.NoError(t, repo.WriteBatch(ctx, records))
	require.NoError(t, repo.WriteBatch(ctx, nil))

	n, err := repo.CountByAlert(ctx, alertID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
