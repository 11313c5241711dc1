package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap/zaptest"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Record
	err     error
}

func (m *memStorage) WriteBatch(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Record, len(records))
	copy(cp, records)
	m.batches = append(m.batches, cp)
	return m.err
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestJournalFlushesOnStop(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{FlushInterval: time.Hour}, store, zaptest.NewLogger(t))
	j.Start()

	for i := 0; i < 5; i++ {
		j.Log(Record{AlertID: "system:cpu.usage", State: domain.AlertTriggered})
	}
	j.Stop()

	assert.Equal(t, 5, store.total())
	require.Len(t, store.batches, 1)
	assert.False(t, store.batches[0][0].Timestamp.IsZero())

	// после Stop запись отбрасывается, повторный Stop безопасен
	j.Log(Record{AlertID: "late"})
	j.Stop()
	assert.Equal(t, 5, store.total())
}

func TestJournalBatchesBySize(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{BatchSize: 2, FlushInterval: time.Hour}, store, zaptest.NewLogger(t))
	j.Start()

	for i := 0; i < 4; i++ {
		j.Log(Record{AlertID: "a"})
	}
	require.Eventually(t, func() bool { return store.total() == 4 }, time.Second, 5*time.Millisecond)
	j.Stop()
	assert.Len(t, store.batches, 2)
}

func TestJournalFlushesOnTicker(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{FlushInterval: 10 * time.Millisecond}, store, zaptest.NewLogger(t))
	j.Start()
	defer j.Stop()

	j.Log(Record{AlertID: "a"})
	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalSurvivesStorageErrors(t *testing.T) {
	store := &memStorage{err: errors.New("db down")}
	j := NewJournal(Config{BatchSize: 1, FlushInterval: time.Hour}, store, zaptest.NewLogger(t))
	j.Start()

	j.Log(Record{AlertID: "a"})
	j.Log(Record{AlertID: "b"})
	j.Stop()
	assert.Equal(t, 2, store.total())
}

func TestRecordFromEvent(t *testing.T) {
	fired := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	resolved := fired.Add(3 * time.Minute)
	alert := domain.Alert{
		ID:        "system:cpu.usage",
		RuleID:    "cpu-high",
		Severity:  domain.SeverityCritical,
		Component: "system",
		Metric:    "cpu.usage",
		Value:     85,
		Threshold: 80,
		Timestamp: fired,
	}

	rec := RecordFromEvent(domain.AlertEvent{State: domain.AlertTriggered, Alert: alert})
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, fired, rec.Timestamp)
	assert.Equal(t, "cpu-high", rec.RuleID)
	assert.Equal(t, 85.0, rec.Value)

	alert.ResolvedAt = &resolved
	rec = RecordFromEvent(domain.AlertEvent{State: domain.AlertResolved, Alert: alert})
	assert.Equal(t, domain.AlertResolved, rec.State)
	assert.Equal(t, resolved, rec.Timestamp)
}
