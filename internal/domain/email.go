package domain

import "time"

// Email — входящее письмо, проходящее через пайплайн
type Email struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Cc         []string  `json:"cc,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Analysis — результат внешнего анализа письма (opaque для ядра)
type Analysis struct {
	Summary             string    `json:"summary"`
	KeyPoints           []string  `json:"keyPoints"`
	Sentiment           string    `json:"sentiment"`
	Priority            string    `json:"priority"`
	Category            string    `json:"category"`
	RequiresMeeting     bool      `json:"requiresMeeting"`
	SuggestedTimeRange  *TimeSlot `json:"suggestedTimeRange,omitempty"`
	MeetingContext      string    `json:"meetingContext,omitempty"`
	AdditionalAttendees []string  `json:"additionalAttendees,omitempty"`
}

// MeetingProposal — локально вычисленное предложение встречи
type MeetingProposal struct {
	Slots        []TimeSlot `json:"slots"`
	Participants []string   `json:"participants"`
	Context      string     `json:"context,omitempty"`
}

// Reply — сгенерированный ответ на письмо
type Reply struct {
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Cc      []string `json:"cc,omitempty"`
}

// ResponseRequest — контекст для генерации ответа: письмо, анализ и (если была) встреча
type ResponseRequest struct {
	Email    Email            `json:"email"`
	Analysis Analysis         `json:"analysis"`
	Proposal *MeetingProposal `json:"proposal,omitempty"`
}
