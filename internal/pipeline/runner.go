package pipeline

/*
Runner — очередь писем и пул воркеров поверх Orchestrator.

- Submit не блокирует вызывающего: при переполнении очереди письмо отклоняется
  (Load Shedding), HTTP-слой отвечает 503.
- Stop запирает вход, закрывает канал и ждёт, пока воркеры дочитают очередь (Drain Pattern).
- Прогоны разных писем идут параллельно, стадии внутри прогона — строго по порядку.
*/

import (
	"context"
	"errors"
	"sync"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrQueueFull     = errors.New("pipeline queue is full")
	ErrRunnerStopped = errors.New("pipeline runner is stopped")
)

const (
	DefaultQueueSize = 1000
	DefaultWorkers   = 4
)

// Processor — то, что воркер делает с письмом
type Processor interface {
	Process(ctx context.Context, email domain.Email) (*Result, error)
}

type RunnerConfig struct {
	QueueSize int
	Workers   int
}

type Runner struct {
	proc     Processor
	ch       chan domain.Email
	workers  int
	prom     *metrics.Prom
	onResult func(*Result, error)
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type RunnerOption func(*Runner)

// WithResultHook вызывается воркером после каждого прогона
func WithResultHook(fn func(*Result, error)) RunnerOption {
	return func(r *Runner) { r.onResult = fn }
}

func NewRunner(cfg RunnerConfig, proc Processor, prom *metrics.Prom, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if prom == nil {
		prom = metrics.NewProm(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		proc:    proc,
		ch:      make(chan domain.Email, cfg.QueueSize),
		workers: cfg.Workers,
		prom:    prom,
		logger:  logger.With(zap.String("mod", "runner")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start поднимает воркеры. ctx передаётся в каждый прогон.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.logger.Info("runner started", zap.Int("workers", r.workers), zap.Int("queue", cap(r.ch)))
}

// Submit ставит письмо в очередь без ожидания
func (r *Runner) Submit(email domain.Email) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRunnerStopped
	}

	select {
	case r.ch <- email:
		r.prom.QueueDepth.Set(float64(len(r.ch)))
		return nil
	default:
		r.logger.Error("pipeline_queue_overflow", zap.String("email_id", email.ID))
		return ErrQueueFull
	}
}

// Stop «запирает» вход и ждёт, пока воркеры вычитают очередь
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.logger.Info("stopping runner: draining queue...")
	r.wg.Wait()
	r.logger.Info("runner stopped gracefully")
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()

	for email := range r.ch {
		r.prom.QueueDepth.Set(float64(len(r.ch)))

		res, err := r.proc.Process(ctx, email)
		if err != nil {
			r.logger.Warn("pipeline run failed", zap.String("email_id", email.ID), zap.Error(err))
		}
		if r.onResult != nil {
			r.onResult(res, err)
		}
	}
}
