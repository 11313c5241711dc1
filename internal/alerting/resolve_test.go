package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

func TestDocumentLookup(t *testing.T) {
	doc, err := newDocument(domain.DashboardSnapshot{
		Handshakes: domain.Totals{Total: 7, AverageLatencyMs: 120.5},
		Services: map[string]domain.ServiceSnapshot{
			"EmailService": {
				ServiceState: domain.ServiceState{Name: "EmailService", Status: domain.ServiceError, Metrics: domain.ServiceMetrics{ErrorCount: 2}},
			},
		},
		System: domain.SystemSample{Timestamp: time.Now(), CPU: domain.CPUSample{Usage: 42}, Memory: domain.MemorySample{HeapAllocMB: 64}},
		Email:  domain.EmailMetrics{Failed: 3},
	})
	require.NoError(t, err)

	tests := []struct {
		component, metric string
		want              float64
		ok                bool
	}{
		{RootSystem, "cpu.usage", 42, true},
		{RootSystem, "memory.heapAllocMb", 64, true},
		{RootHandshakes, "averageLatencyMs", 120.5, true},
		{RootEmail, "failed", 3, true},
		{"EmailService", "metrics.errorCount", 2, true},
		{"EmailService", "status", 0, false},
		{"EmailService", "metrics.nope", 0, false},
		{"Unknown", "metrics.errorCount", 0, false},
		{RootSystem, "cpu", 0, false},
		{RootSystem, "cpu.usage.value", 0, false},
		{RootSystem, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.component+"/"+tt.metric, func(t *testing.T) {
			got, ok := doc.lookup(tt.component, tt.metric)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSystemUnresolvableBeforeFirstSample(t *testing.T) {
	doc, err := newDocument(domain.DashboardSnapshot{Handshakes: domain.Totals{Total: 1}})
	require.NoError(t, err)

	_, ok := doc.lookup(RootSystem, "cpu.usage")
	assert.False(t, ok)
	_, ok = doc.lookup(RootSystem, "memory.heapAllocMb")
	assert.False(t, ok)

	// остальные корни разрешаются как обычно
	v, ok := doc.lookup(RootHandshakes, "total")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestLessThanRuleWaitsForFirstSample(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	e, _ := newTestEngine(t, src)

	_, err := e.AddRule(ctx, domain.AlertRule{
		Component: RootSystem,
		Condition: domain.Condition{Metric: "cpu.usage", Operator: domain.OpLess, Threshold: 5},
		Severity:  domain.SeverityInfo,
		Enabled:   true,
	})
	require.NoError(t, err)

	require.NoError(t, e.Evaluate(ctx))
	assert.Empty(t, e.ActiveAlerts())

	src.setCPU(1)
	require.NoError(t, e.Evaluate(ctx))
	assert.Len(t, e.ActiveAlerts(), 1)
}

func TestWindowLimiter(t *testing.T) {
	l := newWindowLimiter()
	limit := domain.RateLimit{MaxPerMinute: 2, MaxPerHour: 3}

	assert.NoError(t, l.Allow("a", limit))
	assert.NoError(t, l.Allow("a", limit))
	err := l.Allow("a", limit)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), "per minute")
	// окна у каналов независимы
	assert.NoError(t, l.Allow("b", limit))

	l.ResetMinute()
	assert.NoError(t, l.Allow("a", limit))
	// часовой лимит исчерпан, минутный сброс не помогает
	l.ResetMinute()
	err = l.Allow("a", limit)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), "per hour")

	l.ResetHour()
	assert.NoError(t, l.Allow("a", limit))

	// без лимитов — без ограничений
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("free", domain.RateLimit{}))
	}
}
