package alerting

import (
	"fmt"
	"sync"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// windowLimiter — фиксированные окна на канал: счётчики обнуляются таймерами
// раз в минуту и раз в час, а не скользят. 0 в лимите — без ограничения.
type windowLimiter struct {
	mu     sync.Mutex
	minute map[string]int
	hour   map[string]int
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{
		minute: make(map[string]int),
		hour:   make(map[string]int),
	}
}

// Allow учитывает отправку, если оба окна канала ещё не исчерпаны.
// Иначе возвращает domain.ErrRateLimited с указанием окна.
func (l *windowLimiter) Allow(channelID string, limit domain.RateLimit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit.MaxPerMinute > 0 && l.minute[channelID] >= limit.MaxPerMinute {
		return fmt.Errorf("channel %s: %d per minute: %w", channelID, limit.MaxPerMinute, domain.ErrRateLimited)
	}
	if limit.MaxPerHour > 0 && l.hour[channelID] >= limit.MaxPerHour {
		return fmt.Errorf("channel %s: %d per hour: %w", channelID, limit.MaxPerHour, domain.ErrRateLimited)
	}
	l.minute[channelID]++
	l.hour[channelID]++
	return nil
}

func (l *windowLimiter) ResetMinute() {
	l.mu.Lock()
	clear(l.minute)
	l.mu.Unlock()
}

func (l *windowLimiter) ResetHour() {
	l.mu.Lock()
	clear(l.hour)
	l.mu.Unlock()
}

// Forget удаляет счётчики удалённого канала
func (l *windowLimiter) Forget(channelID string) {
	l.mu.Lock()
	delete(l.minute, channelID)
	delete(l.hour, channelID)
	l.mu.Unlock()
}
