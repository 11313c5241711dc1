package domain

import "time"

// HandshakeStatus — статусы конечного автомата handshake
type HandshakeStatus string

const (
	HandshakeInitiated HandshakeStatus = "initiated"
	HandshakeCompleted HandshakeStatus = "completed"
	HandshakeFailed    HandshakeStatus = "failed"
)

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s HandshakeStatus) IsTerminal() bool {
	return s == HandshakeCompleted || s == HandshakeFailed
}

// Типы handshake (стадии пайплайна)
const (
	StageStartProcessing         = "START_PROCESSING"
	StageRequestAnalysis         = "REQUEST_ANALYSIS"
	StageCheckAvailability       = "CHECK_AVAILABILITY"
	StageGenerateMeetingProposal = "GENERATE_MEETING_PROPOSAL"
	StageGenerateResponse        = "GENERATE_RESPONSE"
	StageSendResponse            = "SEND_RESPONSE"
)

// Имена компонентов, участвующих во взаимодействиях
const (
	ComponentOrchestrator = "EmailOrchestrator"
	ComponentAI           = "AIService"
	ComponentCalendar     = "CalendarService"
	ComponentEmail        = "EmailService"
)

// Handshake — одна пара запрос/ответ между двумя компонентами.
// После перехода в терминальный статус запись неизменяема.
type Handshake struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	Target        string                 `json:"target"`
	Status        HandshakeStatus        `json:"status"`
	CreatedAt     time.Time              `json:"createdAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	DurationMs    float64                `json:"durationMs,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Error         string                 `json:"error,omitempty"`
	RetryCount    int                    `json:"retryCount"`
	RetryOf       string                 `json:"retryOf,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата: initiated -> completed|failed, один раз.
func (h *Handshake) CanTransitionTo(next HandshakeStatus) error {
	if h.Status != HandshakeInitiated {
		return ErrInvalidTransition
	}
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

// Clone возвращает копию, безопасную для передачи подписчикам и читателям.
func (h *Handshake) Clone() Handshake {
	c := *h
	if h.Payload != nil {
		c.Payload = make(map[string]interface{}, len(h.Payload))
		for k, v := range h.Payload {
			c.Payload[k] = v
		}
	}
	if h.CompletedAt != nil {
		t := *h.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Totals — сквозные счётчики handshake.
// Инвариант: Total == Succeeded + Failed + Pending.
type Totals struct {
	Total            int64   `json:"total"`
	Succeeded        int64   `json:"succeeded"`
	Failed           int64   `json:"failed"`
	Pending          int64   `json:"pending"`
	AverageLatencyMs float64 `json:"averageLatencyMs"`
}
