package domain

import "time"

type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServiceInactive ServiceStatus = "inactive"
	ServiceError    ServiceStatus = "error"
)

type ServiceMetrics struct {
	RequestCount        int64   `json:"requestCount"`
	ErrorCount          int64   `json:"errorCount"`
	AverageResponseTime float64 `json:"averageResponseTime"` // ms, скользящее среднее
	ResponseSamples     int64   `json:"-"`
}

// ServiceState — здоровье одного внешнего участника (AIService, CalendarService, ...)
type ServiceState struct {
	Name       string         `json:"name"`
	Status     ServiceStatus  `json:"status"`
	LastUpdate time.Time      `json:"lastUpdate"`
	Metrics    ServiceMetrics `json:"metrics"`
}

// ObserveResponse обновляет среднее инкрементально, без пересчёта по истории.
func (s *ServiceState) ObserveResponse(durationMs float64) {
	s.Metrics.ResponseSamples++
	n := float64(s.Metrics.ResponseSamples)
	s.Metrics.AverageResponseTime += (durationMs - s.Metrics.AverageResponseTime) / n
}

// SuccessRate = (requests - errors) / requests, 0 если запросов не было.
func (s ServiceState) SuccessRate() float64 {
	if s.Metrics.RequestCount <= 0 {
		return 0
	}
	return float64(s.Metrics.RequestCount-s.Metrics.ErrorCount) / float64(s.Metrics.RequestCount)
}

// ServiceSnapshot — представление сервиса на дашборде
type ServiceSnapshot struct {
	ServiceState
	SuccessRate float64 `json:"successRate"`
}
