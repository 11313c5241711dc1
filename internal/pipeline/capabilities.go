package pipeline

import (
	"context"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// Внешние возможности, которые оркестратор вызывает на стадиях.
// Таймауты — ответственность клиентов этих возможностей.

type Analyzer interface {
	Analyze(ctx context.Context, email domain.Email) (domain.Analysis, error)
}

type Scheduler interface {
	CheckAvailability(ctx context.Context, start, end time.Time) ([]domain.TimeSlot, error)
}

type Responder interface {
	GenerateResponse(ctx context.Context, req domain.ResponseRequest) (domain.Reply, error)
}

type Deliverer interface {
	SendResponse(ctx context.Context, emailID string, reply domain.Reply) error
}

// Capabilities собирает все зависимости пайплайна в одном месте
type Capabilities struct {
	Analyzer  Analyzer
	Scheduler Scheduler
	Responder Responder
	Deliverer Deliverer
}
