package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/smartmail-orchestrator/internal/alerting"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

const defaultHistoryLimit = 100

// AlertService — то, что API конфигурации алертов берёт у движка
type AlertService interface {
	AddRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error)
	UpdateRule(ctx context.Context, id string, rule domain.AlertRule) (domain.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(id string) (domain.AlertRule, bool)
	ListRules() []domain.AlertRule

	AddChannel(ch domain.ChannelConfig) (domain.ChannelConfig, error)
	UpdateChannel(id string, ch domain.ChannelConfig) (domain.ChannelConfig, error)
	DeleteChannel(id string) error
	ListChannels() []domain.ChannelConfig

	ActiveAlerts() []domain.Alert
	History(limit int) []domain.Alert
	Stats() alerting.Stats
}

type AlertHandler struct {
	service AlertService
}

func NewAlertHandler(s AlertService) *AlertHandler {
	return &AlertHandler{service: s}
}

// ---------- правила ----------

// ListRules GET /api/v1/alerts/rules
func (h *AlertHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListRules())
}

// GetRule GET /api/v1/alerts/rules/{id}
func (h *AlertHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := h.service.GetRule(id)
	if !ok {
		writeError(w, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule POST /api/v1/alerts/rules
func (h *AlertHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.service.AddRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRule PUT /api/v1/alerts/rules/{id}
func (h *AlertHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.service.UpdateRule(r.Context(), chi.URLParam(r, "id"), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule DELETE /api/v1/alerts/rules/{id}
func (h *AlertHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- каналы ----------

// ListChannels GET /api/v1/alerts/channels
func (h *AlertHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListChannels())
}

// CreateChannel POST /api/v1/alerts/channels
func (h *AlertHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch domain.ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.service.AddChannel(ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateChannel PUT /api/v1/alerts/channels/{id}
func (h *AlertHandler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	var ch domain.ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.service.UpdateChannel(chi.URLParam(r, "id"), ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteChannel DELETE /api/v1/alerts/channels/{id}
func (h *AlertHandler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteChannel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- состояние ----------

// GetActive GET /api/v1/alerts/active
func (h *AlertHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ActiveAlerts())
}

// GetHistory — снятые алерты, новые первыми
// GET /api/v1/alerts/history?limit=100
func (h *AlertHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.service.History(limit))
}

// GetStats GET /api/v1/alerts/stats
func (h *AlertHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Stats())
}
