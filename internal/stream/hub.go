package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	KindSnapshot = "snapshot"
	KindAlert    = "alert"

	clientBuffer = 256
)

// Message — то, что уходит клиенту дашборда
type Message struct {
	Type string      `json:"type"` // "snapshot" или "alert"
	Data interface{} `json:"data"`
}

// Hub управляет WebSocket клиентами и рассылает сообщения.
// Медленный клиент с заполненным буфером отключается, остальных он не тормозит.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, clientBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("mod", "ws_hub")),
	}
}

// Run обслуживает регистрацию и рассылку до отмены контекста
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Канал клиента заполнен, закрываем соединение
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("client channel full, disconnected")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register возвращает false, если хаб уже остановлен
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast ставит сообщение в очередь рассылки, не блокируя отправителя
func (h *Hub) Broadcast(kind string, data interface{}) {
	select {
	case h.broadcast <- Message{Type: kind, Data: data}:
	default:
		h.logger.Warn("broadcast channel full, dropping message", zap.String("type", kind))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
