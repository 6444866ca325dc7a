package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config корневая структура конфигурации консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Services ServicesConfig `mapstructure:"services"`
	Cron     CronConfig     `mapstructure:"cron"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"` // gRPC health по агентам
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 0 для SSE
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, состояние предохранителей).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT ревьюеров.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — предохранитель, ретраи, пул исполнителей и outbox.
type EngineConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	BreakerStore     string        `mapstructure:"breaker_store"` // memory, redis

	MaxRetries     int           `mapstructure:"max_retries"`
	Backoff        string        `mapstructure:"backoff"` // fixed, exponential
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxBatch       int           `mapstructure:"outbox_batch"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts"`
	OutboxBaseDelay   time.Duration `mapstructure:"outbox_base_delay"` // base * 2^(attempts-1)
	OutboxMaxDelay    time.Duration `mapstructure:"outbox_max_delay"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// ServicesConfig — внешние сервисы. Пустой URL/ключ означает "не настроено".
type ServicesConfig struct {
	LLM      UpstreamConfig `mapstructure:"llm"`
	WhatsApp UpstreamConfig `mapstructure:"whatsapp"`
}

type UpstreamConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Recipients []string      `mapstructure:"recipients"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"` // запросов в секунду
	Burst      int           `mapstructure:"burst"`

	// Circuit Breaker для внешнего коннектора
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

func (u UpstreamConfig) Configured() bool {
	return u.URL != "" && u.APIKey != ""
}

// CronConfig: общий секрет для плановых запусков.
type CronConfig struct {
	Secret string `mapstructure:"secret"`
}

// RiskConfig — пороги антифрода и автоапрува для грантов.
type RiskConfig struct {
	FraudThreshold       float64 `mapstructure:"fraud_threshold"`
	AutoApproveThreshold float64 `mapstructure:"auto_approve_threshold"`
}

type StreamConfig struct {
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает заведомо нерабочие числовые настройки.
// Отсутствие внешних сервисов ошибкой не считается.
func (c *Config) Validate() error {
	if c.Engine.FailureThreshold < 1 {
		return fmt.Errorf("engine.failure_threshold must be >= 1")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be >= 1")
	}
	switch c.Engine.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("engine.backoff: unknown policy %q", c.Engine.Backoff)
	}
	switch c.Engine.BreakerStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("engine.breaker_store: unknown store %q", c.Engine.BreakerStore)
	}
	if c.Engine.OutboxBaseDelay > c.Engine.OutboxMaxDelay {
		return fmt.Errorf("engine.outbox_base_delay must not exceed engine.outbox_max_delay")
	}
	if c.Risk.AutoApproveThreshold > c.Risk.FraudThreshold {
		return fmt.Errorf("risk.auto_approve_threshold must not exceed risk.fraud_threshold")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.failure_threshold", 5)
	v.SetDefault("engine.cooldown", 60*time.Second)
	v.SetDefault("engine.breaker_store", "memory")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.backoff", "exponential")
	v.SetDefault("engine.base_delay", 1*time.Second)
	v.SetDefault("engine.max_delay", 10*time.Second)
	v.SetDefault("engine.attempt_timeout", 60*time.Second)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 100)
	v.SetDefault("engine.outbox_interval", 5*time.Second)
	v.SetDefault("engine.outbox_batch", 20)
	v.SetDefault("engine.outbox_max_attempts", 8)
	v.SetDefault("engine.outbox_base_delay", 1*time.Second)
	v.SetDefault("engine.outbox_max_delay", 10*time.Minute)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)

	v.SetDefault("services.llm.model", "gpt-4o-mini")
	v.SetDefault("services.llm.timeout", 30*time.Second)
	v.SetDefault("services.llm.rate_limit", 5.0)
	v.SetDefault("services.llm.burst", 5)
	v.SetDefault("services.llm.cb_max_requests", 1)
	v.SetDefault("services.llm.cb_timeout", 30*time.Second)
	v.SetDefault("services.whatsapp.timeout", 10*time.Second)
	v.SetDefault("services.whatsapp.rate_limit", 1.0)
	v.SetDefault("services.whatsapp.burst", 3)
	v.SetDefault("services.whatsapp.cb_max_requests", 1)
	v.SetDefault("services.whatsapp.cb_timeout", 60*time.Second)

	v.SetDefault("risk.fraud_threshold", 0.8)
	v.SetDefault("risk.auto_approve_threshold", 0.2)
	v.SetDefault("stream.keep_alive", 15*time.Second)
}

// loadKeyResource — ключ либо прямо в ENV (Docker/K8s), либо файлом по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
