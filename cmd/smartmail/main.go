package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/smartmail-orchestrator/internal/alerting"
	"github.com/xela07ax/smartmail-orchestrator/internal/audit"
	"github.com/xela07ax/smartmail-orchestrator/internal/api/handler"
	"github.com/xela07ax/smartmail-orchestrator/internal/api/server"
	"github.com/xela07ax/smartmail-orchestrator/internal/connectors"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/infra"
	"github.com/xela07ax/smartmail-orchestrator/internal/infra/auth"
	"github.com/xela07ax/smartmail-orchestrator/internal/metrics"
	"github.com/xela07ax/smartmail-orchestrator/internal/pipeline"
	"github.com/xela07ax/smartmail-orchestrator/internal/repository/postgres"
	"github.com/xela07ax/smartmail-orchestrator/internal/stream"
	"github.com/xela07ax/smartmail-orchestrator/internal/tracker"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("smartmail stopped with error", zap.Error(err))
	}
	logger.Info("smartmail exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла: SIGINT/SIGTERM останавливают все фоновые циклы
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewProm(reg)

	// 2. Correlation Tracker и агрегатор дашборда
	track := tracker.New(logger, tracker.WithMaxHandshakes(cfg.Tracker.MaxHandshakes))
	defer track.Subscribe(prom)()

	agg := metrics.NewAggregator(metrics.Config{
		HistorySize:    cfg.Metrics.HistorySize,
		SampleInterval: cfg.Metrics.SampleInterval,
	}, track, metrics.NewGopsutilSampler(cfg.Metrics.DiskPath), logger)
	defer agg.Attach(track)()

	// 3. Execution Layer: внешние возможности пайплайна
	caps, closeCaps, err := buildCapabilities(cfg.Pipeline, logger)
	if err != nil {
		return err
	}
	defer closeCaps()

	orch := pipeline.NewOrchestrator(pipeline.Config{
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		RetryDelay:       cfg.Pipeline.RetryDelay,
		MaxRetryDelay:    cfg.Pipeline.MaxRetryDelay,
		MaxProposalSlots: cfg.Pipeline.MaxProposalSlots,
		MeetingWindow:    cfg.Pipeline.MeetingWindow,
		Guard: pipeline.GuardConfig{
			RPS:                   cfg.Pipeline.RPS,
			Burst:                 cfg.Pipeline.Burst,
			CBTimeout:             cfg.Pipeline.CBTimeout,
			CBConsecutiveFailures: cfg.Pipeline.CBFailures,
		},
	}, caps, track, prom, logger)

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		QueueSize: cfg.Pipeline.QueueSize,
		Workers:   cfg.Pipeline.Workers,
	}, orch, prom, logger, pipeline.WithResultHook(func(res *pipeline.Result, err error) {
		if err == nil {
			logger.Info("email processed",
				zap.String("run_id", res.RunID),
				zap.String("email_id", res.EmailID),
				zap.String("branch", res.Branch),
				zap.Int("handshakes", len(res.HandshakeIDs)))
		}
	}))

	// 4. Alert Engine и каналы уведомлений
	hub := stream.NewHub(logger)

	alertOpts := []alerting.Option{
		alerting.WithProm(prom),
		alerting.WithNotifier(domain.ChannelWebhook, alerting.NewWebhookNotifier(alerting.WebhookConfig{
			Timeout:  cfg.Alerting.NotifyTimeout,
			Attempts: cfg.Alerting.WebhookAttempts,
		})),
		alerting.WithNotifier(domain.ChannelWebsocket, alerting.NewBroadcastNotifier(hub, stream.KindAlert)),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		alertOpts = append(alertOpts, alerting.WithNotifier(domain.ChannelRedis, alerting.NewRedisNotifier(rdb)))
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		alertOpts = append(alertOpts, alerting.WithNotifier(domain.ChannelNATS, alerting.NewNATSNotifier(nc)))
	}

	// Postgres: правила и журнал алертов. Без базы правила живут только в памяти.
	var journal *audit.Journal
	if cfg.Database.URL != "" {
		repo, err := postgres.NewRuleRepo(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		alertOpts = append(alertOpts, alerting.WithRuleStore(repo))

		events := postgres.NewAlertEventRepo(repo.DB())
		if err := events.EnsureSchema(ctx); err != nil {
			return err
		}
		journal = audit.NewJournal(audit.Config{}, events, logger)
	}

	engine := alerting.NewEngine(alerting.Config{
		EvalInterval:  cfg.Alerting.EvalInterval,
		HistorySize:   cfg.Alerting.HistorySize,
		NotifyTimeout: cfg.Alerting.NotifyTimeout,
	}, agg, logger, alertOpts...)

	if err := engine.LoadRules(ctx); err != nil {
		return err
	}
	if err := installDefaults(ctx, engine, cfg.Alerting, logger); err != nil {
		return err
	}
	if journal != nil {
		journal.Start()
		defer journal.Stop()
		defer engine.Subscribe(journal)()
	}
	defer engine.Subscribe(alerting.ListenerFunc(func(ev domain.AlertEvent) {
		logger.Info("alert state changed",
			zap.String("alert_id", ev.Alert.ID),
			zap.String("state", string(ev.State)),
			zap.String("rule_id", ev.Alert.RuleID),
			zap.Float64("value", ev.Alert.Value))
	}))()

	// 5. HTTP API
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(pub)
	} else {
		logger.Warn("auth public key is not configured, alert configuration API is open")
	}

	api := server.NewServer(cfg.Server, server.Deps{
		Dashboard: handler.NewDashboardHandler(agg),
		Alerts:    handler.NewAlertHandler(engine),
		Pipeline:  handler.NewPipelineHandler(runner, logger),
		WebSocket: handler.NewWebSocketHandler(hub, cfg.Server.AllowedOrigins, logger),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Validator: validator,
	}, logger)
	srv := api.HTTPServer()

	// 6. Запуск
	runner.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { agg.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { engine.Run(gctx); return nil })
	g.Go(func() error { streamSnapshots(gctx, hub, agg, cfg.Metrics.StreamInterval); return nil })
	g.Go(func() error {
		logger.Info("smartmail API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// 7. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("smartmail stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
		// Новые письма уже не принимаются, очередь дочитывается
		runner.Stop()
		return nil
	})

	return g.Wait()
}

// buildCapabilities — mock для локального запуска или gRPC к capability-сервисам
func buildCapabilities(cfg infra.PipelineConfig, logger *zap.Logger) (pipeline.Capabilities, func(), error) {
	switch cfg.Connector {
	case "", "mock":
		opts := connectors.MockOptions{MinLatency: 20 * time.Millisecond, MaxLatency: 150 * time.Millisecond}
		logger.Info("using mock capabilities")
		return pipeline.Capabilities{
			Analyzer:  &connectors.MockAI{Opts: opts},
			Scheduler: &connectors.MockCalendar{Opts: opts},
			Responder: &connectors.MockAI{Opts: opts},
			Deliverer: &connectors.MockMailer{Opts: opts},
		}, func() {}, nil

	case "grpc":
		// В проде адрес придёт из Service Discovery
		conn, err := grpc.NewClient(cfg.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return pipeline.Capabilities{}, nil, fmt.Errorf("failed to connect to capabilities: %w", err)
		}
		a := connectors.NewGRPCAdapter(conn, cfg.CallTimeout)
		logger.Info("using gRPC capabilities", zap.String("target", cfg.GRPCTarget))
		return pipeline.Capabilities{
			Analyzer:  a,
			Scheduler: a,
			Responder: a,
			Deliverer: a,
		}, func() { _ = conn.Close() }, nil
	}
	return pipeline.Capabilities{}, nil, fmt.Errorf("unknown pipeline.connector %q", cfg.Connector)
}

// installDefaults ставит правила и каналы из конфигурации, не трогая уже сохранённые
func installDefaults(ctx context.Context, engine *alerting.Engine, cfg infra.AlertingConfig, logger *zap.Logger) error {
	for _, rc := range cfg.DefaultRules {
		rule := rc.Rule()
		// ID обязателен: по нему правило находится в хранилище после рестарта
		if rule.ID == "" {
			return fmt.Errorf("default rule %q: id is required", rc.Name)
		}
		if _, exists := engine.GetRule(rule.ID); exists {
			continue
		}
		if _, err := engine.AddRule(ctx, rule); err != nil {
			return fmt.Errorf("default rule %q: %w", rc.ID, err)
		}
	}

	channels := make([]domain.ChannelConfig, 0, len(cfg.DefaultChannels))
	for _, cc := range cfg.DefaultChannels {
		channels = append(channels, cc.Channel())
	}
	if len(channels) == 0 {
		// Без настроек алерты идут в лог и в дашборд
		channels = []domain.ChannelConfig{
			{ID: "log", Name: "service log", Type: domain.ChannelLog, Enabled: true},
			{ID: "dashboard", Name: "dashboard stream", Type: domain.ChannelWebsocket, Enabled: true},
		}
	}
	for _, ch := range channels {
		if ch.Target == "" {
			switch ch.Type {
			case domain.ChannelRedis:
				ch.Target = infra.RedisChanAlerts
			case domain.ChannelNATS:
				ch.Target = infra.NATSSubjectAlerts
			}
		}
		if _, err := engine.AddChannel(ch); err != nil {
			return fmt.Errorf("default channel %q: %w", ch.ID, err)
		}
	}

	logger.Info("alert defaults installed",
		zap.Int("rules", len(engine.ListRules())),
		zap.Int("channels", len(channels)))
	return nil
}

// streamSnapshots периодически отправляет снапшот дашборда подключённым клиентам
func streamSnapshots(ctx context.Context, hub *stream.Hub, agg *metrics.Aggregator, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.ClientCount() == 0 {
				continue
			}
			hub.Broadcast(stream.KindSnapshot, agg.Snapshot())
		}
	}
}
