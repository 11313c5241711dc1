package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/tracker"
	"go.uber.org/zap"
)

const (
	DefaultHistorySize    = 100
	DefaultSampleInterval = 5 * time.Second
	sampleRetention       = 24 * time.Hour
	hourlyRollups         = 24
	dailyRollups          = 30
)

// StateSource — откуда агрегатор берёт актуальное состояние сервисов (трекер)
type StateSource interface {
	AllServiceStates() []domain.ServiceState
}

// Sampler снимает одно измерение производительности системы
type Sampler interface {
	Sample(ctx context.Context) (domain.SystemSample, error)
}

type Config struct {
	HistorySize    int
	SampleInterval time.Duration
}

// Aggregator подписан на события трекера и тики сэмплера, хранит
// скользящие окна и отдаёт DashboardSnapshot.
type Aggregator struct {
	mu sync.RWMutex

	history          *Ring[domain.Handshake]
	total            int64
	succeeded        int64
	failed           int64
	averageLatencyMs float64
	services         map[string]domain.ServiceSnapshot
	email            domain.EmailMetrics

	samples *Ring[domain.SystemSample]
	hourly  *Ring[domain.Rollup]
	daily   *Ring[domain.Rollup]

	states   StateSource
	sampler  Sampler
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewAggregator(cfg Config, states StateSource, sampler Sampler, logger *zap.Logger) *Aggregator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		history:  NewRing[domain.Handshake](cfg.HistorySize),
		services: make(map[string]domain.ServiceSnapshot),
		samples:  NewRing[domain.SystemSample](int(sampleRetention / cfg.SampleInterval)),
		hourly:   NewRing[domain.Rollup](hourlyRollups),
		daily:    NewRing[domain.Rollup](dailyRollups),
		states:   states,
		sampler:  sampler,
		interval: cfg.SampleInterval,
		now:      time.Now,
		logger:   logger.Named("aggregator"),
	}
}

// Attach подписывает агрегатор на трекер и возвращает функцию отписки
func (a *Aggregator) Attach(t *tracker.Tracker) func() {
	return t.Subscribe(a)
}

// OnHandshakeEvent реализует tracker.Subscriber
func (a *Aggregator) OnHandshakeEvent(e tracker.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Состояние сервисов читается под a.mu: иначе более старое чтение
	// может перезаписать более новое при конкурентных событиях.
	// Трекер рассылает события после снятия своей блокировки.
	var states []domain.ServiceState
	if a.states != nil {
		states = a.states.AllServiceStates()
	}

	switch e.Kind {
	case tracker.EventInitiated:
		a.total++
	case tracker.EventCompleted:
		a.succeeded++
	case tracker.EventFailed:
		a.failed++
	}
	a.upsertLocked(e.Handshake)
	a.averageLatencyMs = a.retainedLatencyLocked()
	a.countEmailLocked(e)

	for _, st := range states {
		a.services[st.Name] = domain.ServiceSnapshot{ServiceState: st, SuccessRate: st.SuccessRate()}
	}
}

// upsertLocked обновляет запись, если handshake ещё в окне, иначе добавляет её
func (a *Aggregator) upsertLocked(h domain.Handshake) {
	for i := a.history.Len() - 1; i >= 0; i-- {
		if a.history.At(i).ID == h.ID {
			a.history.Set(i, h)
			return
		}
	}
	a.history.Push(h)
}

// retainedLatencyLocked — среднее только по completed, оставшимся в окне
func (a *Aggregator) retainedLatencyLocked() float64 {
	var sum float64
	var n int
	for i := 0; i < a.history.Len(); i++ {
		h := a.history.At(i)
		if h.Status == domain.HandshakeCompleted {
			sum += h.DurationMs
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (a *Aggregator) countEmailLocked(e tracker.Event) {
	h := e.Handshake
	switch {
	case h.Type == domain.StageStartProcessing && e.Kind == tracker.EventInitiated && h.RetryCount == 0:
		a.email.Received++
	case h.Type == domain.StageStartProcessing && e.Kind == tracker.EventCompleted:
		a.email.Processed++
	case h.Type == domain.StageStartProcessing && e.Kind == tracker.EventFailed:
		a.email.Failed++
	case h.Type == domain.StageRequestAnalysis && e.Kind == tracker.EventCompleted:
		a.email.Analyzed++
	case h.Type == domain.StageGenerateMeetingProposal && e.Kind == tracker.EventCompleted:
		a.email.MeetingsProposed++
	case h.Type == domain.StageSendResponse && e.Kind == tracker.EventCompleted:
		a.email.ResponsesSent++
	}
}

// Run снимает системные метрики с фиксированным интервалом до отмены контекста
func (a *Aggregator) Run(ctx context.Context) {
	if a.sampler == nil {
		a.logger.Warn("no sampler configured, system metrics disabled")
		return
	}

	a.collect(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("sampler stopped")
			return
		case <-ticker.C:
			a.collect(ctx)
		}
	}
}

func (a *Aggregator) collect(ctx context.Context) {
	s, err := a.sampler.Sample(ctx)
	if err != nil {
		a.logger.Warn("system sample failed", zap.Error(err))
		return
	}
	a.Record(s)
}

// Record добавляет сэмпл в суточное окно и обновляет часовые/дневные свёртки.
// Добавление и вытеснение — одна критическая секция относительно Snapshot.
func (a *Aggregator) Record(s domain.SystemSample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples.Push(s)
	mergeRollup(a.hourly, s.Timestamp.Truncate(time.Hour), s)
	y, m, d := s.Timestamp.Date()
	mergeRollup(a.daily, time.Date(y, m, d, 0, 0, 0, 0, s.Timestamp.Location()), s)
}

func mergeRollup(r *Ring[domain.Rollup], period time.Time, s domain.SystemSample) {
	last, ok := r.Last()
	if !ok || !last.Period.Equal(period) {
		r.Push(domain.Rollup{
			Period:    period,
			Samples:   1,
			CPUAvg:    s.CPU.Usage,
			CPUMax:    s.CPU.Usage,
			MemoryAvg: s.Memory.Usage,
			DiskAvg:   s.Disk.Usage,
			HeapAvgMB: s.Memory.HeapAllocMB,
		})
		return
	}

	last.Samples++
	n := float64(last.Samples)
	last.CPUAvg += (s.CPU.Usage - last.CPUAvg) / n
	last.MemoryAvg += (s.Memory.Usage - last.MemoryAvg) / n
	last.DiskAvg += (s.Disk.Usage - last.DiskAvg) / n
	last.HeapAvgMB += (s.Memory.HeapAllocMB - last.HeapAvgMB) / n
	if s.CPU.Usage > last.CPUMax {
		last.CPUMax = s.CPU.Usage
	}
	r.Set(r.Len()-1, last)
}

// Snapshot — чистое чтение текущего состояния
func (a *Aggregator) Snapshot() domain.DashboardSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	services := make(map[string]domain.ServiceSnapshot, len(a.services))
	for k, v := range a.services {
		services[k] = v
	}
	current, _ := a.samples.Last()

	return domain.DashboardSnapshot{
		Timestamp:        a.now(),
		Handshakes:       a.totalsLocked(),
		RecentHandshakes: a.recentLocked(0),
		Services:         services,
		System:           current,
		Email:            a.email,
	}
}

func (a *Aggregator) totalsLocked() domain.Totals {
	return domain.Totals{
		Total:            a.total,
		Succeeded:        a.succeeded,
		Failed:           a.failed,
		Pending:          a.total - a.succeeded - a.failed,
		AverageLatencyMs: a.averageLatencyMs,
	}
}

func (a *Aggregator) recentLocked(limit int) []domain.Handshake {
	n := a.history.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Handshake, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		h := a.history.At(i)
		out = append(out, h.Clone())
	}
	return out
}

// Totals — счётчики handshake без тяжёлых частей снапшота
func (a *Aggregator) Totals() domain.Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalsLocked()
}

// HandshakeHistory — последние handshake из окна, новые первыми
func (a *Aggregator) HandshakeHistory(limit int) []domain.Handshake {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recentLocked(limit)
}

// ServiceStatus — состояние сервисов, отсортированное по имени
func (a *Aggregator) ServiceStatus() []domain.ServiceSnapshot {
	a.mu.RLock()
	out := make([]domain.ServiceSnapshot, 0, len(a.services))
	for _, s := range a.services {
		out = append(out, s)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Aggregator) EmailMetrics() domain.EmailMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.email
}

// History возвращает сэмплы за последние hours часов (от старых к новым)
func (a *Aggregator) History(hours int) []domain.SystemSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.historyLocked(hours)
}

func (a *Aggregator) historyLocked(hours int) []domain.SystemSample {
	if hours <= 0 {
		hours = int(sampleRetention / time.Hour)
	}
	cutoff := a.now().Add(-time.Duration(hours) * time.Hour)

	out := make([]domain.SystemSample, 0, a.samples.Len())
	for i := 0; i < a.samples.Len(); i++ {
		s := a.samples.At(i)
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (a *Aggregator) HourlyRollups() []domain.Rollup {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hourly.Slice()
}

func (a *Aggregator) DailyRollups() []domain.Rollup {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.daily.Slice()
}

// Performance — текущий сэмпл, окно за hours часов и свёртки
func (a *Aggregator) Performance(hours int) domain.PerformanceReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	current, _ := a.samples.Last()
	return domain.PerformanceReport{
		Current: current,
		Samples: a.historyLocked(hours),
		Hourly:  a.hourly.Slice(),
		Daily:   a.daily.Slice(),
	}
}
