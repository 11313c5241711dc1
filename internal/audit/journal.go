package audit

/*
Файл journal.go — журнал алертов (Audit Trail) для разбора инцидентов.

- Non-blocking: Log не ждёт базу, события идут через буферизованный канал.
  Evaluate движка алертов не тормозит из-за медленной записи.
- Batching: события копятся и пишутся пачкой (Bulk Insert) по таймеру
  или при достижении лимита батча.
- Drain Pattern: Stop запирает вход, закрывает канал и ждёт Final Flush.
- Load Shedding: при переполнении буфера событие уходит только в лог сервиса.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize    = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
)

// StorageInterface определяет, куда физически сохраняется журнал
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Journal struct {
	ch       chan Record // Буфер для асинхронности
	repo     StorageInterface
	batch    int
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewJournal(cfg Config, repo StorageInterface, logger *zap.Logger) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Journal{
		ch:       make(chan Record, cfg.BufferSize),
		repo:     repo,
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		logger:   logger.With(zap.String("mod", "audit")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch) // Новые записи больше не принимаются
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// OnAlertEvent — подписка на движок алертов
func (j *Journal) OnAlertEvent(ev domain.AlertEvent) {
	j.Log(RecordFromEvent(ev))
}

func (j *Journal) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("audit record dropped: journal is stopped", zap.String("alert_id", rec.AlertID))
		return
	}

	// Стратегия Load Shedding (сброс нагрузки)
	select {
	case j.ch <- rec:
	default:
		j.logger.Error("audit_buffer_overflow",
			zap.String("alert_id", rec.AlertID),
			zap.String("state", string(rec.State)),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Record, 0, j.batch)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту Final Flush уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= j.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
