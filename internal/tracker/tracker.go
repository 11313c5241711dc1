package tracker

/*
Correlation Tracker — журнал всех межкомпонентных взаимодействий (handshake).

- Каждый handshake создаётся в статусе initiated и ровно один раз переходит
  в completed или failed. Повторный переход — ErrInvalidTransition.
- Время завершения всегда ставится на стороне трекера в момент Complete/Fail,
  клиентские таймстемпы не используются.
- События публикуются синхронно и после снятия блокировки: подписчик может
  читать состояние трекера, не рискуя дедлоком.
*/

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const DefaultMaxHandshakes = 10000

type Tracker struct {
	mu         sync.RWMutex
	handshakes map[string]*domain.Handshake
	order      []string // порядок создания
	services   map[string]*domain.ServiceState

	total, succeeded, failed int64
	latencySumMs             float64

	maxHandshakes int
	bus           *Bus
	now           func() time.Time
	newID         func() string
	logger        *zap.Logger
}

type Option func(*Tracker)

// WithClock подменяет источник времени (тесты)
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// WithMaxHandshakes ограничивает число хранимых терминальных handshake
func WithMaxHandshakes(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxHandshakes = n
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		handshakes:    make(map[string]*domain.Handshake),
		services:      make(map[string]*domain.ServiceState),
		maxHandshakes: DefaultMaxHandshakes,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
		logger:        logger.Named("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.bus = NewBus(t.logger)
	return t
}

// Subscribe подписывает на события initiated/completed/failed
func (t *Tracker) Subscribe(s Subscriber) func() {
	return t.bus.Subscribe(s)
}

type initiateOptions struct {
	retryOf       string
	retryCount    int
	correlationID string
}

type InitiateOption func(*initiateOptions)

// WithRetryOf помечает handshake как повтор предыдущей попытки
func WithRetryOf(prevID string, retryCount int) InitiateOption {
	return func(o *initiateOptions) {
		o.retryOf = prevID
		o.retryCount = retryCount
	}
}

// WithCorrelationID связывает handshake с прогоном пайплайна
func WithCorrelationID(id string) InitiateOption {
	return func(o *initiateOptions) { o.correlationID = id }
}

// Initiate создаёт handshake в статусе initiated. Не падает никогда.
func (t *Tracker) Initiate(source, target, hsType string, payload map[string]interface{}, opts ...InitiateOption) string {
	var o initiateOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := t.now()
	h := &domain.Handshake{
		ID:            t.newID(),
		Type:          hsType,
		Source:        source,
		Target:        target,
		Status:        domain.HandshakeInitiated,
		CreatedAt:     now,
		Payload:       copyPayload(payload),
		RetryCount:    o.retryCount,
		RetryOf:       o.retryOf,
		CorrelationID: o.correlationID,
	}

	t.mu.Lock()
	t.handshakes[h.ID] = h
	t.order = append(t.order, h.ID)
	t.total++

	svc := t.serviceLocked(target, now)
	svc.Metrics.RequestCount++
	svc.Status = domain.ServiceActive

	t.evictLocked()
	snapshot := h.Clone()
	t.mu.Unlock()

	t.logger.Debug("handshake initiated",
		zap.String("handshake_id", h.ID),
		zap.String("type", hsType),
		zap.String("source", source),
		zap.String("target", target),
	)
	t.bus.Publish(Event{Kind: EventInitiated, Handshake: snapshot, At: now})
	return h.ID
}

// Complete переводит handshake в completed и обновляет среднее время ответа источника
func (t *Tracker) Complete(id string, payload map[string]interface{}) error {
	now := t.now()

	t.mu.Lock()
	h, err := t.transitionLocked(id, domain.HandshakeCompleted, now)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	for k, v := range payload {
		if h.Payload == nil {
			h.Payload = make(map[string]interface{}, len(payload))
		}
		h.Payload[k] = v
	}
	t.succeeded++
	t.latencySumMs += h.DurationMs

	svc := t.serviceLocked(h.Source, now)
	svc.ObserveResponse(h.DurationMs)
	svc.Status = domain.ServiceActive

	snapshot := h.Clone()
	t.mu.Unlock()

	t.bus.Publish(Event{Kind: EventCompleted, Handshake: snapshot, At: now})
	return nil
}

// Fail переводит handshake в failed и увеличивает счётчик ошибок получателя
func (t *Tracker) Fail(id string, errMsg string) error {
	now := t.now()

	t.mu.Lock()
	h, err := t.transitionLocked(id, domain.HandshakeFailed, now)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	h.Error = errMsg
	t.failed++

	svc := t.serviceLocked(h.Target, now)
	svc.Metrics.ErrorCount++
	svc.Status = domain.ServiceError

	snapshot := h.Clone()
	t.mu.Unlock()

	t.logger.Warn("handshake failed",
		zap.String("handshake_id", id),
		zap.String("type", snapshot.Type),
		zap.String("target", snapshot.Target),
		zap.String("error", errMsg),
	)
	t.bus.Publish(Event{Kind: EventFailed, Handshake: snapshot, At: now})
	return nil
}

func (t *Tracker) transitionLocked(id string, next domain.HandshakeStatus, now time.Time) (*domain.Handshake, error) {
	h, ok := t.handshakes[id]
	if !ok {
		return nil, fmt.Errorf("handshake %s: %w", id, domain.ErrNotFound)
	}
	if err := h.CanTransitionTo(next); err != nil {
		return nil, fmt.Errorf("handshake %s is %s: %w", id, h.Status, err)
	}
	h.Status = next
	completedAt := now
	h.CompletedAt = &completedAt
	h.DurationMs = float64(now.Sub(h.CreatedAt)) / float64(time.Millisecond)
	return h, nil
}

func (t *Tracker) serviceLocked(name string, now time.Time) *domain.ServiceState {
	svc, ok := t.services[name]
	if !ok {
		svc = &domain.ServiceState{Name: name, Status: domain.ServiceInactive}
		t.services[name] = svc
	}
	svc.LastUpdate = now
	return svc
}

// evictLocked удаляет самые старые терминальные handshake сверх лимита.
// Незавершённые не трогаем: по ним ещё придёт Complete/Fail.
func (t *Tracker) evictLocked() {
	excess := len(t.handshakes) - t.maxHandshakes
	if excess <= 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		h := t.handshakes[id]
		if excess > 0 && h.Status.IsTerminal() {
			delete(t.handshakes, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Handshake возвращает копию записи
func (t *Tracker) Handshake(id string) (domain.Handshake, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handshakes[id]
	if !ok {
		return domain.Handshake{}, false
	}
	return h.Clone(), true
}

func (t *Tracker) ServiceState(name string) (domain.ServiceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[name]
	if !ok {
		return domain.ServiceState{}, false
	}
	return *svc, true
}

// AllServiceStates — все сервисы, отсортированные по имени
func (t *Tracker) AllServiceStates() []domain.ServiceState {
	t.mu.RLock()
	out := make([]domain.ServiceState, 0, len(t.services))
	for _, svc := range t.services {
		out = append(out, *svc)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecentHandshakes — последние limit записей, новые первыми
func (t *Tracker) RecentHandshakes(limit int) []domain.Handshake {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.order) {
		limit = len(t.order)
	}
	out := make([]domain.Handshake, 0, limit)
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.handshakes[t.order[i]].Clone())
	}
	return out
}

func (t *Tracker) Totals() domain.Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	totals := domain.Totals{
		Total:     t.total,
		Succeeded: t.succeeded,
		Failed:    t.failed,
		Pending:   t.total - t.succeeded - t.failed,
	}
	if t.succeeded > 0 {
		totals.AverageLatencyMs = t.latencySumMs / float64(t.succeeded)
	}
	return totals
}

func copyPayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
