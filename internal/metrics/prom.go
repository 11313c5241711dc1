package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/smartmail-orchestrator/internal/tracker"
)

// Prom — экспорт для Prometheus. Живёт рядом с агрегатором, но
// не заменяет его: дашборд читает Snapshot, алерты тоже.
type Prom struct {
	// Traffic: handshake по типу, получателю и исходу
	Handshakes *prometheus.CounterVec

	// Latency: длительность завершённых handshake
	HandshakeDuration *prometheus.HistogramVec

	// Прогоны пайплайна: processed / failed
	PipelineRuns *prometheus.CounterVec

	StageRetries *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Очередь раннера (backpressure)
	QueueDepth prometheus.Gauge

	ActiveAlerts          prometheus.Gauge
	AlertsTriggered       *prometheus.CounterVec
	NotificationsSent     *prometheus.CounterVec
	NotificationsDropped  *prometheus.CounterVec
	NotificationsFailures *prometheus.CounterVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	// Null Object: без реестра метрики пишутся в никуда
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Prom{
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_handshakes_total",
			Help: "Handshake transitions by type, target and status.",
		}, []string{"type", "target", "status"}),

		HandshakeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartmail_handshake_duration_seconds",
			Help:    "Duration of completed handshakes.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type", "target"}),

		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_pipeline_runs_total",
			Help: "Pipeline runs by outcome and branch.",
		}, []string{"outcome", "branch"}),

		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_stage_retries_total",
			Help: "Retried pipeline stage attempts.",
		}, []string{"stage"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartmail_circuit_breaker_state",
			Help: "Circuit breaker state per collaborator (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "smartmail_pipeline_queue_depth",
			Help: "Emails waiting in the pipeline runner queue.",
		}),

		ActiveAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "smartmail_alerts_active",
			Help: "Currently active alerts.",
		}),

		AlertsTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_alerts_triggered_total",
			Help: "Alerts triggered by severity.",
		}, []string{"severity"}),

		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_notifications_sent_total",
			Help: "Notifications delivered per channel.",
		}, []string{"channel"}),

		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_notifications_rate_limited_total",
			Help: "Notifications dropped by channel rate limits.",
		}, []string{"channel"}),

		NotificationsFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmail_notifications_failed_total",
			Help: "Notifications that failed to deliver.",
		}, []string{"channel"}),
	}
}

// OnHandshakeEvent реализует tracker.Subscriber
func (p *Prom) OnHandshakeEvent(e tracker.Event) {
	h := e.Handshake
	p.Handshakes.WithLabelValues(h.Type, h.Target, string(e.Kind)).Inc()
	if e.Kind == tracker.EventCompleted {
		p.HandshakeDuration.WithLabelValues(h.Type, h.Target).Observe(h.DurationMs / 1000)
	}
}
