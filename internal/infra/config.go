package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// Config — корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Глобальный лимит запросов к API
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // для WebSocket дашборда
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — правила только в памяти.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig — Pub/Sub для канала уведомлений redis. Пустой addr — канал отключён.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig — канал уведомлений nats. Пустой url — канал отключён.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// AuthConfig содержит путь к публичному RSA ключу. Без ключа API конфигурации открыт.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

type TrackerConfig struct {
	MaxHandshakes int `mapstructure:"max_handshakes"`
}

type MetricsConfig struct {
	HistorySize    int           `mapstructure:"history_size"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	DiskPath       string        `mapstructure:"disk_path"`
	// Как часто снапшот уходит в WebSocket дашборда
	StreamInterval time.Duration `mapstructure:"stream_interval"`
}

// PipelineConfig — оркестратор, раннер и внешние возможности.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay    time.Duration `mapstructure:"max_retry_delay"`
	MaxProposalSlots int           `mapstructure:"max_proposal_slots"`
	MeetingWindow    time.Duration `mapstructure:"meeting_window"`

	// mock | grpc
	Connector   string        `mapstructure:"connector"`
	GRPCTarget  string        `mapstructure:"grpc_target"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// Rate Limiter и Circuit Breaker на участника
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	CBTimeout  time.Duration `mapstructure:"cb_timeout"`
	CBFailures uint32        `mapstructure:"cb_failures"`
}

type AlertingConfig struct {
	EvalInterval    time.Duration   `mapstructure:"eval_interval"`
	HistorySize     int             `mapstructure:"history_size"`
	NotifyTimeout   time.Duration   `mapstructure:"notify_timeout"`
	WebhookAttempts int             `mapstructure:"webhook_attempts"`
	DefaultRules    []RuleConfig    `mapstructure:"default_rules"`
	DefaultChannels []ChannelConfig `mapstructure:"default_channels"`
}

// RuleConfig — правило из файла конфигурации, ставится при старте
type RuleConfig struct {
	ID        string        `mapstructure:"id"`
	Name      string        `mapstructure:"name"`
	Component string        `mapstructure:"component"`
	Metric    string        `mapstructure:"metric"`
	Operator  string        `mapstructure:"operator"`
	Threshold float64       `mapstructure:"threshold"`
	Duration  time.Duration `mapstructure:"duration"`
	Severity  string        `mapstructure:"severity"`
}

func (r RuleConfig) Rule() domain.AlertRule {
	return domain.AlertRule{
		ID:        r.ID,
		Name:      r.Name,
		Component: r.Component,
		Condition: domain.Condition{
			Metric:    r.Metric,
			Operator:  domain.Operator(r.Operator),
			Threshold: r.Threshold,
			Duration:  domain.Duration(r.Duration),
		},
		Severity: domain.Severity(r.Severity),
		Enabled:  true,
	}
}

// ChannelConfig — канал уведомлений из файла конфигурации
type ChannelConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Type         string   `mapstructure:"type"`
	Target       string   `mapstructure:"target"`
	Severities   []string `mapstructure:"severities"`
	MaxPerMinute int      `mapstructure:"max_per_minute"`
	MaxPerHour   int      `mapstructure:"max_per_hour"`
}

func (c ChannelConfig) Channel() domain.ChannelConfig {
	sev := make([]domain.Severity, 0, len(c.Severities))
	for _, s := range c.Severities {
		sev = append(sev, domain.Severity(s))
	}
	return domain.ChannelConfig{
		ID:         c.ID,
		Name:       c.Name,
		Type:       domain.ChannelType(c.Type),
		Target:     c.Target,
		Enabled:    true,
		Severities: sev,
		RateLimit:  domain.RateLimit{MaxPerMinute: c.MaxPerMinute, MaxPerHour: c.MaxPerHour},
	}
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из .env, файла и ENV.
func LoadConfig(paths ...string) (*Config, error) {
	// 0. .env — только как источник переменных окружения, отсутствие файла не ошибка
	_ = godotenv.Load()

	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config") // имя файла без расширения
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 2. Переменные окружения: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла по пути
	key, err := loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	if err != nil {
		return nil, err
	}
	cfg.Auth.PublicKey = key

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)

	// Ключи без дефолта не видны AutomaticEnv при Unmarshal
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "smartmail-orchestrator")
	v.SetDefault("auth.public_key_path", "")

	v.SetDefault("tracker.max_handshakes", 10000)

	v.SetDefault("metrics.history_size", 100)
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("metrics.disk_path", "/")
	v.SetDefault("metrics.stream_interval", 5*time.Second)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1000)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_delay", 200*time.Millisecond)
	v.SetDefault("pipeline.max_retry_delay", 5*time.Second)
	v.SetDefault("pipeline.max_proposal_slots", 3)
	v.SetDefault("pipeline.meeting_window", 7*24*time.Hour)
	v.SetDefault("pipeline.connector", "mock")
	v.SetDefault("pipeline.grpc_target", "localhost:50051")
	v.SetDefault("pipeline.call_timeout", 15*time.Second)
	v.SetDefault("pipeline.rps", 100)
	v.SetDefault("pipeline.burst", 20)
	v.SetDefault("pipeline.cb_timeout", 30*time.Second)
	v.SetDefault("pipeline.cb_failures", 5)

	v.SetDefault("alerting.eval_interval", 60*time.Second)
	v.SetDefault("alerting.history_size", 100)
	v.SetDefault("alerting.notify_timeout", 10*time.Second)
	v.SetDefault("alerting.webhook_attempts", 3)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ напрямую из ENV или из файла по пути.
// Заданный, но нечитаемый путь — ошибка: пустой ключ открывает API.
func loadKeyResource(path string, envDataKey string) ([]byte, error) {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data), nil
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth public key %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("auth public key %s is empty", path)
	}
	return data, nil
}
