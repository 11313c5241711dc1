package connectors

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// Мок-коннекторы для локального запуска без внешних сервисов.
// Имитируют задержку и (опционально) случайные отказы.

type MockOptions struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// Доля вызовов, завершающихся ошибкой, 0..1
	FailureRate float64
}

func (o MockOptions) wait(ctx context.Context) error {
	latency := o.MinLatency
	if spread := o.MaxLatency - o.MinLatency; spread > 0 {
		latency += time.Duration(rand.Int63n(int64(spread)))
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
			// Имитация работы
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if o.FailureRate > 0 && rand.Float64() < o.FailureRate {
		return fmt.Errorf("service internal error")
	}
	return nil
}

var meetingWords = []string{"meeting", "meet", "call", "schedule", "sync", "встреч", "созвон"}

type MockAI struct {
	Opts MockOptions
}

func (m *MockAI) Analyze(ctx context.Context, email domain.Email) (domain.Analysis, error) {
	if err := m.Opts.wait(ctx); err != nil {
		return domain.Analysis{}, err
	}

	text := strings.ToLower(email.Subject + " " + email.Body)
	a := domain.Analysis{
		Summary:   email.Subject,
		Sentiment: "neutral",
		Priority:  "normal",
		Category:  "general",
	}
	for _, w := range meetingWords {
		if strings.Contains(text, w) {
			a.RequiresMeeting = true
			a.Category = "meeting"
			a.MeetingContext = email.Subject
			a.AdditionalAttendees = email.Cc
			break
		}
	}
	if strings.Contains(text, "urgent") || strings.Contains(text, "срочно") {
		a.Priority = "high"
	}
	return a, nil
}

func (m *MockAI) GenerateResponse(ctx context.Context, req domain.ResponseRequest) (domain.Reply, error) {
	if err := m.Opts.wait(ctx); err != nil {
		return domain.Reply{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello,\n\nThank you for your message about %q.\n", req.Email.Subject)
	if p := req.Proposal; p != nil && len(p.Slots) > 0 {
		b.WriteString("\nI can meet at one of the following times:\n")
		for _, s := range p.Slots {
			fmt.Fprintf(&b, "- %s - %s\n", s.Start.Format(time.RFC1123), s.End.Format("15:04"))
		}
	}
	return domain.Reply{
		Subject: "Re: " + req.Email.Subject,
		Body:    b.String(),
		Cc:      req.Email.Cc,
	}, nil
}

// MockCalendar отдаёт часовые окна в рабочее время (10:00, 14:00, 16:00 UTC)
type MockCalendar struct {
	Opts MockOptions
}

func (m *MockCalendar) CheckAvailability(ctx context.Context, start, end time.Time) ([]domain.TimeSlot, error) {
	if err := m.Opts.wait(ctx); err != nil {
		return nil, err
	}

	var slots []domain.TimeSlot
	day := start.UTC().Truncate(24 * time.Hour)
	for ; day.Before(end); day = day.Add(24 * time.Hour) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, h := range []int{10, 14, 16} {
			s := day.Add(time.Duration(h) * time.Hour)
			if s.Before(start) || s.Add(time.Hour).After(end) {
				continue
			}
			slots = append(slots, domain.TimeSlot{Start: s, End: s.Add(time.Hour)})
		}
	}
	return slots, nil
}

// DefaultMailerKeys — сколько последних ключей идемпотентности помнит MockMailer
const DefaultMailerKeys = 10000

// MockMailer «отправляет» ответ один раз на ключ идемпотентности.
// Помнит не больше MaxKeys ключей, самые старые вытесняются.
type MockMailer struct {
	Opts    MockOptions
	MaxKeys int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	total int
}

func (m *MockMailer) SendResponse(ctx context.Context, emailID string, reply domain.Reply) error {
	if err := m.Opts.wait(ctx); err != nil {
		return err
	}

	key := domain.IdempotencyKey(ctx)
	if key == "" {
		key = emailID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]struct{})
	}
	if _, dup := m.seen[key]; dup {
		return nil
	}

	limit := m.MaxKeys
	if limit <= 0 {
		limit = DefaultMailerKeys
	}
	for len(m.order) >= limit {
		delete(m.seen, m.order[0])
		m.order = m.order[1:]
	}
	m.seen[key] = struct{}{}
	m.order = append(m.order, key)
	m.total++
	return nil
}

// Sent — число уникальных отправок
func (m *MockMailer) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Remembered — сколько ключей сейчас хранится для дедупликации
func (m *MockMailer) Remembered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
