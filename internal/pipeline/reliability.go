package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/smartmail-orchestrator/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig — настройки предохранителя и лимитера на одного участника
type GuardConfig struct {
	RPS   float64
	Burst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	// Сколько ошибок подряд открывают предохранитель
	CBConsecutiveFailures uint32
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.RPS <= 0 {
		c.RPS = 100
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.CBMaxRequests == 0 {
		c.CBMaxRequests = 3
	}
	if c.CBInterval <= 0 {
		c.CBInterval = 5 * time.Second
	}
	if c.CBTimeout <= 0 {
		c.CBTimeout = 30 * time.Second
	}
	if c.CBConsecutiveFailures == 0 {
		c.CBConsecutiveFailures = 5
	}
	return c
}

// guard защищает вызовы одного внешнего участника: Rate Limiter -> Circuit Breaker.
// Повторы сюда не входят: каждая попытка стадии — отдельный handshake.
type guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newGuard(component string, cfg GuardConfig, prom *metrics.Prom, logger *zap.Logger) *guard {
	cfg = cfg.withDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        component,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("component", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			prom.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &guard{
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

func (g *guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// guards — ленивый реестр предохранителей по имени участника
type guards struct {
	mu     sync.Mutex
	items  map[string]*guard
	cfg    GuardConfig
	prom   *metrics.Prom
	logger *zap.Logger
}

func newGuards(cfg GuardConfig, prom *metrics.Prom, logger *zap.Logger) *guards {
	return &guards{
		items:  make(map[string]*guard),
		cfg:    cfg,
		prom:   prom,
		logger: logger,
	}
}

func (gs *guards) get(component string) *guard {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	g, ok := gs.items[component]
	if !ok {
		g = newGuard(component, gs.cfg, gs.prom, gs.logger)
		gs.items[component] = g
	}
	return g
}
