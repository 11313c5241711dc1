package alerting

/*
Alert Engine — пороговые правила поверх DashboardSnapshot.

- Evaluate берёт один снапшот и проверяет все включённые правила.
  Активный алерт один на ключ component:metric, повторное срабатывание его не дублирует.
- Снимает алерт только правило, которое его создало (Alert.RuleID), либо любое
  правило того же ключа, если создателя уже нет или он выключен.
- Уведомления по каналам рассылаются асинхронно и независимо. Канал, упёршийся
  в лимит, молча пропускает уведомление и не мешает активации алерта.
*/

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultEvalInterval  = 60 * time.Second
	DefaultHistorySize   = 100
	DefaultNotifyTimeout = 10 * time.Second
)

// SnapshotSource — откуда движок берёт метрики (агрегатор)
type SnapshotSource interface {
	Snapshot() domain.DashboardSnapshot
}

// RuleStore — постоянное хранилище правил
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.AlertRule, error)
	SaveRule(ctx context.Context, rule domain.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Listener получает события срабатывания и снятия алертов синхронно после Evaluate
type Listener interface {
	OnAlertEvent(domain.AlertEvent)
}

type ListenerFunc func(domain.AlertEvent)

func (f ListenerFunc) OnAlertEvent(e domain.AlertEvent) { f(e) }

type Config struct {
	EvalInterval  time.Duration
	HistorySize   int
	NotifyTimeout time.Duration
}

// Stats — счётчики движка для API
type Stats struct {
	Rules                int   `json:"rules"`
	Channels             int   `json:"channels"`
	Active               int   `json:"active"`
	Triggered            int64 `json:"triggered"`
	Resolved             int64 `json:"resolved"`
	NotificationsSent    int64 `json:"notificationsSent"`
	NotificationsDropped int64 `json:"notificationsDropped"`
	NotificationsFailed  int64 `json:"notificationsFailed"`
}

type Engine struct {
	mu       sync.RWMutex
	rules    map[string]domain.AlertRule
	channels map[string]domain.ChannelConfig
	active   map[string]*domain.Alert // ключ component:metric
	pending  map[string]time.Time     // rule id -> с какого момента условие держится
	history  *metrics.Ring[domain.Alert]

	// CRUD с записью в хранилище идёт по одному
	crudMu sync.Mutex
	store  RuleStore

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	limiter   *windowLimiter
	notifiers map[domain.ChannelType]Notifier

	triggered, resolved   atomic.Int64
	sent, dropped, failed atomic.Int64

	cfg    Config
	source SnapshotSource
	prom   *metrics.Prom
	wg     sync.WaitGroup
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Engine)

// WithRuleStore включает запись правил в хранилище
func WithRuleStore(s RuleStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithNotifier регистрирует доставку для типа канала
func WithNotifier(t domain.ChannelType, n Notifier) Option {
	return func(e *Engine) { e.notifiers[t] = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithProm(p *metrics.Prom) Option {
	return func(e *Engine) { e.prom = p }
}

func NewEngine(cfg Config, source SnapshotSource, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("mod", "alerting"))

	e := &Engine{
		rules:     make(map[string]domain.AlertRule),
		channels:  make(map[string]domain.ChannelConfig),
		active:    make(map[string]*domain.Alert),
		pending:   make(map[string]time.Time),
		history:   metrics.NewRing[domain.Alert](cfg.HistorySize),
		listeners: make(map[int]Listener),
		limiter:   newWindowLimiter(),
		notifiers: map[domain.ChannelType]Notifier{domain.ChannelLog: NewLogNotifier(logger)},
		cfg:       cfg,
		source:    source,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prom == nil {
		e.prom = metrics.NewProm(nil)
	}
	return e
}

// ---------- правила ----------

// LoadRules заменяет правила в памяти содержимым хранилища
func (e *Engine) LoadRules(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}

	e.mu.Lock()
	e.rules = make(map[string]domain.AlertRule, len(rules))
	for _, r := range rules {
		e.rules[r.ID] = r
	}
	e.mu.Unlock()

	e.logger.Info("alert rules loaded", zap.Int("count", len(rules)))
	return nil
}

func (e *Engine) AddRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return domain.AlertRule{}, err
	}

	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if _, exists := e.GetRule(rule.ID); exists {
		return domain.AlertRule{}, fmt.Errorf("%w: rule %s already exists", domain.ErrInvalidRule, rule.ID)
	}
	now := e.now()
	rule.CreatedAt, rule.UpdatedAt = now, now

	if e.store != nil {
		if err := e.store.SaveRule(ctx, rule); err != nil {
			return domain.AlertRule{}, fmt.Errorf("save rule: %w", err)
		}
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()

	e.logger.Info("alert rule added", zap.String("rule_id", rule.ID), zap.String("key", rule.Key()))
	return rule, nil
}

// UpdateRule заменяет правило целиком. Активные алерты не трогает.
func (e *Engine) UpdateRule(ctx context.Context, id string, rule domain.AlertRule) (domain.AlertRule, error) {
	rule.ID = id
	if err := rule.Validate(); err != nil {
		return domain.AlertRule{}, err
	}

	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	prev, ok := e.GetRule(id)
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	rule.CreatedAt = prev.CreatedAt
	rule.UpdatedAt = e.now()

	if e.store != nil {
		if err := e.store.SaveRule(ctx, rule); err != nil {
			return domain.AlertRule{}, fmt.Errorf("save rule: %w", err)
		}
	}

	e.mu.Lock()
	e.rules[id] = rule
	delete(e.pending, id)
	e.mu.Unlock()

	return rule, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	if _, ok := e.GetRule(id); !ok {
		return fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
	}

	e.mu.Lock()
	delete(e.rules, id)
	delete(e.pending, id)
	e.mu.Unlock()

	e.logger.Info("alert rule deleted", zap.String("rule_id", id))
	return nil
}

func (e *Engine) GetRule(id string) (domain.AlertRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// ListRules — правила в порядке создания
func (e *Engine) ListRules() []domain.AlertRule {
	e.mu.RLock()
	out := make([]domain.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.mu.RUnlock()

	sortRules(out)
	return out
}

func sortRules(rules []domain.AlertRule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// ---------- каналы ----------

func (e *Engine) AddChannel(ch domain.ChannelConfig) (domain.ChannelConfig, error) {
	if err := ch.Validate(); err != nil {
		return domain.ChannelConfig{}, err
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.channels[ch.ID]; exists {
		return domain.ChannelConfig{}, fmt.Errorf("%w: channel %s already exists", domain.ErrInvalidChannel, ch.ID)
	}
	e.channels[ch.ID] = ch
	return ch, nil
}

func (e *Engine) UpdateChannel(id string, ch domain.ChannelConfig) (domain.ChannelConfig, error) {
	ch.ID = id
	if err := ch.Validate(); err != nil {
		return domain.ChannelConfig{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.channels[id]; !ok {
		return domain.ChannelConfig{}, fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
	}
	e.channels[id] = ch
	return ch, nil
}

func (e *Engine) DeleteChannel(id string) error {
	e.mu.Lock()
	_, ok := e.channels[id]
	delete(e.channels, id)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
	}
	e.limiter.Forget(id)
	return nil
}

func (e *Engine) GetChannel(id string) (domain.ChannelConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.channels[id]
	return ch, ok
}

func (e *Engine) ListChannels() []domain.ChannelConfig {
	e.mu.RLock()
	out := make([]domain.ChannelConfig, 0, len(e.channels))
	for _, ch := range e.channels {
		out = append(out, ch)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------- слушатели ----------

// Subscribe возвращает функцию отписки
func (e *Engine) Subscribe(l Listener) func() {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Engine) emit(ev domain.AlertEvent) {
	e.listenersMu.RLock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	e.listenersMu.RUnlock()
	sort.Ints(ids)

	for _, id := range ids {
		e.listenersMu.RLock()
		l, ok := e.listeners[id]
		e.listenersMu.RUnlock()
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("alert listener panicked", zap.Any("panic", r))
				}
			}()
			l.OnAlertEvent(ev)
		}()
	}
}

// ---------- оценка ----------

// Evaluate проверяет все включённые правила против текущего снапшота
func (e *Engine) Evaluate(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	doc, err := newDocument(e.source.Snapshot())
	if err != nil {
		return err
	}

	now := e.now()
	var events []domain.AlertEvent

	e.mu.Lock()
	rules := make([]domain.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sortRules(rules)

	for _, rule := range rules {
		value, ok := doc.lookup(rule.Component, rule.Condition.Metric)
		holds := ok && rule.Condition.Operator.Apply(value, rule.Condition.Threshold)
		key := rule.Key()
		current := e.active[key]

		if holds {
			if current != nil {
				continue
			}
			// условие должно продержаться Duration, прежде чем алерт сработает
			if d := rule.Condition.Duration.Std(); d > 0 {
				since, seen := e.pending[rule.ID]
				if !seen {
					e.pending[rule.ID] = now
					continue
				}
				if now.Sub(since) < d {
					continue
				}
			}
			delete(e.pending, rule.ID)

			alert := &domain.Alert{
				ID:        key,
				RuleID:    rule.ID,
				Severity:  rule.Severity,
				Message:   alertMessage(rule, value),
				Timestamp: now,
				Component: rule.Component,
				Metric:    rule.Condition.Metric,
				Value:     value,
				Threshold: rule.Condition.Threshold,
			}
			e.active[key] = alert
			events = append(events, domain.AlertEvent{State: domain.AlertTriggered, Alert: *alert})
			continue
		}

		delete(e.pending, rule.ID)
		if current == nil || !e.ownsLocked(rule, current) {
			continue
		}
		resolvedAt := now
		current.ResolvedAt = &resolvedAt
		if ok {
			current.Value = value
		}
		delete(e.active, key)
		e.history.Push(*current)
		events = append(events, domain.AlertEvent{State: domain.AlertResolved, Alert: *current})
	}
	activeCount := len(e.active)
	channels := make([]domain.ChannelConfig, 0, len(e.channels))
	for _, ch := range e.channels {
		channels = append(channels, ch)
	}
	e.mu.Unlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	e.prom.ActiveAlerts.Set(float64(activeCount))

	for _, ev := range events {
		if ev.State == domain.AlertTriggered {
			e.triggered.Add(1)
			e.prom.AlertsTriggered.WithLabelValues(string(ev.Alert.Severity)).Inc()
			e.logger.Warn("alert triggered", zap.String("alert_id", ev.Alert.ID), zap.String("rule_id", ev.Alert.RuleID), zap.Float64("value", ev.Alert.Value))
		} else {
			e.resolved.Add(1)
			e.logger.Info("alert resolved", zap.String("alert_id", ev.Alert.ID), zap.String("rule_id", ev.Alert.RuleID))
		}
		e.emit(ev)
		e.fanOut(ctx, channels, ev, now)
	}
	return nil
}

// ownsLocked: снимает создатель, либо правило того же ключа, если создателя нет или он выключен
func (e *Engine) ownsLocked(rule domain.AlertRule, a *domain.Alert) bool {
	if a.RuleID == rule.ID {
		return true
	}
	owner, ok := e.rules[a.RuleID]
	return !ok || !owner.Enabled
}

func alertMessage(rule domain.AlertRule, value float64) string {
	name := rule.Name
	if name == "" {
		name = rule.Key()
	}
	return fmt.Sprintf("%s: %s %s %s %g (current %g)",
		name, rule.Component, rule.Condition.Metric, rule.Condition.Operator, rule.Condition.Threshold, value)
}

// fanOut рассылает событие по каналам. Каждый канал — своя горутина.
func (e *Engine) fanOut(ctx context.Context, channels []domain.ChannelConfig, ev domain.AlertEvent, now time.Time) {
	for _, ch := range channels {
		if !ch.Enabled || !ch.Accepts(ev.Alert.Severity) {
			continue
		}
		if err := e.limiter.Allow(ch.ID, ch.RateLimit); err != nil {
			e.dropped.Add(1)
			e.prom.NotificationsDropped.WithLabelValues(ch.ID).Inc()
			e.logger.Debug("notification dropped", zap.String("alert_id", ev.Alert.ID), zap.Error(err))
			continue
		}

		notifier, ok := e.notifiers[ch.Type]
		if !ok {
			e.failed.Add(1)
			e.prom.NotificationsFailures.WithLabelValues(ch.ID).Inc()
			e.logger.Warn("no notifier for channel type", zap.String("channel", ch.ID), zap.String("type", string(ch.Type)))
			continue
		}

		n := domain.Notification{ChannelID: ch.ID, State: ev.State, Alert: ev.Alert, SentAt: now}
		e.wg.Add(1)
		go func(ch domain.ChannelConfig) {
			defer e.wg.Done()

			// доставка не должна обрываться вместе с тиком оценки
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
			defer cancel()

			if err := notifier.Notify(nctx, ch, n); err != nil {
				e.failed.Add(1)
				e.prom.NotificationsFailures.WithLabelValues(ch.ID).Inc()
				e.logger.Error("notification failed", zap.String("channel", ch.ID), zap.String("alert_id", n.Alert.ID), zap.Error(err))
				return
			}
			e.sent.Add(1)
			e.prom.NotificationsSent.WithLabelValues(ch.ID).Inc()
		}(ch)
	}
}

// Wait ждёт завершения всех начатых доставок
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run оценивает правила раз в EvalInterval и сбрасывает окна лимитов каналов
func (e *Engine) Run(ctx context.Context) {
	evalTicker := time.NewTicker(e.cfg.EvalInterval)
	minuteTicker := time.NewTicker(time.Minute)
	hourTicker := time.NewTicker(time.Hour)
	defer func() {
		evalTicker.Stop()
		minuteTicker.Stop()
		hourTicker.Stop()
		e.Wait()
		e.logger.Info("alert engine stopped")
	}()

	e.logger.Info("alert engine started", zap.Duration("interval", e.cfg.EvalInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-evalTicker.C:
			if err := e.Evaluate(ctx); err != nil {
				e.logger.Error("alert evaluation failed", zap.Error(err))
			}
		case <-minuteTicker.C:
			e.limiter.ResetMinute()
		case <-hourTicker.C:
			e.limiter.ResetHour()
		}
	}
}

// ---------- чтение ----------

// ActiveAlerts — активные алерты, старые первыми
func (e *Engine) ActiveAlerts() []domain.Alert {
	e.mu.RLock()
	out := make([]domain.Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History — снятые алерты, новые первыми
func (e *Engine) History(limit int) []domain.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := e.history.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Alert, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.history.At(i))
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	s := Stats{
		Rules:    len(e.rules),
		Channels: len(e.channels),
		Active:   len(e.active),
	}
	e.mu.RUnlock()

	s.Triggered = e.triggered.Load()
	s.Resolved = e.resolved.Load()
	s.NotificationsSent = e.sent.Load()
	s.NotificationsDropped = e.dropped.Load()
	s.NotificationsFailed = e.failed.Load()
	return s
}
