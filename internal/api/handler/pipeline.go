package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// EmailQueue — вход раннера пайплайна
type EmailQueue interface {
	Submit(email domain.Email) error
}

type PipelineHandler struct {
	queue  EmailQueue
	logger *zap.Logger
}

func NewPipelineHandler(q EmailQueue, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{queue: q, logger: logger}
}

// SubmitEmail ставит входящее письмо в очередь. Обработка асинхронная, ответ 202.
// POST /api/v1/pipeline/emails
func (h *PipelineHandler) SubmitEmail(w http.ResponseWriter, r *http.Request) {
	var email domain.Email
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(email.From) == "" {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}
	if email.ID == "" {
		email.ID = uuid.New().String()
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}

	if err := h.queue.Submit(email); err != nil {
		h.logger.Warn("email rejected", zap.String("email_id", email.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": email.ID, "status": "queued"})
}
