package tracker

import (
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type EventKind string

const (
	EventInitiated EventKind = "initiated"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event — уведомление о переходе handshake. Handshake всегда копия.
type Event struct {
	Kind      EventKind        `json:"kind"`
	Handshake domain.Handshake `json:"handshake"`
	At        time.Time        `json:"at"`
}

// Subscriber получает события трекера синхронно, в порядке их возникновения.
type Subscriber interface {
	OnHandshakeEvent(Event)
}

// SubscriberFunc позволяет подписать обычную функцию
type SubscriberFunc func(Event)

func (f SubscriberFunc) OnHandshakeEvent(e Event) { f(e) }

// Bus — синхронный pub/sub. Паника подписчика изолируется и логируется,
// состояние издателя при этом не затрагивается.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]Subscriber
	nextID uint64
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]Subscriber),
		logger: logger,
	}
}

// Subscribe регистрирует подписчика и возвращает функцию отписки.
// Доставка идёт в порядке подписки.
func (b *Bus) Subscribe(s Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish возвращает управление только после того, как все подписчики отработали
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handshake subscriber panicked",
				zap.String("handshake_id", e.Handshake.ID),
				zap.String("kind", string(e.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	s.OnHandshakeEvent(e)
}
