package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Notifier доставляет уведомление в канал конкретного типа
type Notifier interface {
	Notify(ctx context.Context, ch domain.ChannelConfig, n domain.Notification) error
}

type NotifierFunc func(ctx context.Context, ch domain.ChannelConfig, n domain.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, ch domain.ChannelConfig, n domain.Notification) error {
	return f(ctx, ch, n)
}

// LogNotifier пишет уведомление в лог сервиса
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alerts")}
}

func (l *LogNotifier) Notify(_ context.Context, ch domain.ChannelConfig, n domain.Notification) error {
	fields := []zap.Field{
		zap.String("channel", ch.ID),
		zap.String("state", string(n.State)),
		zap.String("alert_id", n.Alert.ID),
		zap.String("severity", string(n.Alert.Severity)),
		zap.Float64("value", n.Alert.Value),
		zap.Float64("threshold", n.Alert.Threshold),
	}
	if n.State == domain.AlertResolved || n.Alert.Severity != domain.SeverityCritical {
		l.logger.Warn(n.Alert.Message, fields...)
		return nil
	}
	l.logger.Error(n.Alert.Message, fields...)
	return nil
}

// RedisPublisher — часть *redis.Client, нужная для Pub/Sub
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier публикует JSON уведомления в redis-канал ch.Target
type RedisNotifier struct {
	client RedisPublisher
}

func NewRedisNotifier(client RedisPublisher) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (r *RedisNotifier) Notify(ctx context.Context, ch domain.ChannelConfig, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, ch.Target, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ch.Target, err)
	}
	return nil
}

// NATSPublisher — часть *nats.Conn, нужная для публикации
type NATSPublisher interface {
	Publish(subj string, data []byte) error
}

var _ NATSPublisher = (*nats.Conn)(nil)

// NATSNotifier публикует JSON уведомления в subject ch.Target
type NATSNotifier struct {
	conn NATSPublisher
}

func NewNATSNotifier(conn NATSPublisher) *NATSNotifier {
	return &NATSNotifier{conn: conn}
}

func (n *NATSNotifier) Notify(_ context.Context, ch domain.ChannelConfig, note domain.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.conn.Publish(ch.Target, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", ch.Target, err)
	}
	return nil
}

// Broadcaster — хаб дашборда (stream.Hub)
type Broadcaster interface {
	Broadcast(kind string, data interface{})
}

// BroadcastNotifier отправляет уведомление всем подключённым клиентам дашборда
type BroadcastNotifier struct {
	hub  Broadcaster
	kind string
}

func NewBroadcastNotifier(hub Broadcaster, kind string) *BroadcastNotifier {
	return &BroadcastNotifier{hub: hub, kind: kind}
}

func (b *BroadcastNotifier) Notify(_ context.Context, _ domain.ChannelConfig, n domain.Notification) error {
	b.hub.Broadcast(b.kind, n)
	return nil
}
