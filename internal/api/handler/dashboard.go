package handler

import (
	"net/http"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

const (
	defaultHandshakeLimit = 50
	defaultPerfHours      = 1
	maxPerfHours          = 24 * 30
)

// DashboardSource — read-model агрегатора метрик
type DashboardSource interface {
	Snapshot() domain.DashboardSnapshot
	ServiceStatus() []domain.ServiceSnapshot
	HandshakeHistory(limit int) []domain.Handshake
	EmailMetrics() domain.EmailMetrics
	Performance(hours int) domain.PerformanceReport
}

type DashboardHandler struct {
	source DashboardSource
}

func NewDashboardHandler(s DashboardSource) *DashboardHandler {
	return &DashboardHandler{source: s}
}

// GetMetrics — полный снапшот дашборда
// GET /api/v1/dashboard/metrics
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Snapshot())
}

// GetServices GET /api/v1/dashboard/services
func (h *DashboardHandler) GetServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.ServiceStatus())
}

// GetHandshakes — последние handshake, новые первыми
// GET /api/v1/dashboard/handshakes?limit=50
func (h *DashboardHandler) GetHandshakes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHandshakeLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.source.HandshakeHistory(limit))
}

// GetEmails GET /api/v1/dashboard/emails
func (h *DashboardHandler) GetEmails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.EmailMetrics())
}

// GetPerformance GET /api/v1/dashboard/performance?hours=1
func (h *DashboardHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", defaultPerfHours)
	if err != nil || hours > maxPerfHours {
		http.Error(w, "invalid hours", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.source.Performance(hours))
}
