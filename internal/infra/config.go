package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервиса подтверждений.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Requests  RequestsConfig  `mapstructure:"requests"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// TrustProxy - брать адрес клиента из X-Forwarded-For (только за доверенным балансировщиком).
	TrustProxy     bool     `mapstructure:"trust_proxy"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type GRPCConfig struct {
	Port int `mapstructure:"port"` // 0 - gRPC health выключен
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig выбирает реализацию хранилищ: postgres (прод) или memory (стенд/демо).
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig описывает подключение к Redis (счетчики блокировок и Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// AuthConfig содержит пути к RSA ключам, настройки JWT и соль для поиска PIN.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PinPepper      string        `mapstructure:"pin_pepper"`
	Timezone       string        `mapstructure:"timezone"` // полночь дневного лимита (IANA, "Local" - часы хоста)
	PublicKey      []byte
	PrivateKey     []byte
}

// RateLimitConfig - защита от перебора PIN. Пороги - конфигурация, а не бизнес-логика.
type RateLimitConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | redis
	MaxAttempts int           `mapstructure:"max_attempts"`
	Lockout     time.Duration `mapstructure:"lockout"`
	VerifyRPS   float64       `mapstructure:"verify_rps"`
	VerifyBurst int           `mapstructure:"verify_burst"`
}

// RequestsConfig - жизненный цикл асинхронных заявок.
type RequestsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	CodeLength    int           `mapstructure:"code_length"`
}

// AuditConfig - ретраи и предохранитель записи в журнал.
type AuditConfig struct {
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(viper.New())
}

// LoadConfigFrom позволяет подложить заранее настроенный viper (тесты, CLI флаги).
func LoadConfigFrom(v *viper.Viper) (*Config, error) {
	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: RATELIMIT_MAX_ATTEMPTS=3 перекроет ratelimit.max_attempts
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 40*time.Second) // await держит соединение до 30с
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("grpc.port", 0)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.pin_pepper", "")
	v.SetDefault("auth.timezone", "Local")
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.max_attempts", 5)
	v.SetDefault("ratelimit.lockout", 15*time.Minute)
	v.SetDefault("ratelimit.verify_rps", 20.0)
	v.SetDefault("ratelimit.verify_burst", 40)
	v.SetDefault("requests.ttl", 10*time.Minute)
	v.SetDefault("requests.sweep_interval", time.Minute)
	v.SetDefault("requests.code_length", 6)
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.retry_delay", 50*time.Millisecond)
	v.SetDefault("audit.cb_max_requests", 1)
	v.SetDefault("audit.cb_interval", 30*time.Second)
	v.SetDefault("audit.cb_timeout", 10*time.Second)
	v.SetDefault("audit.cb_failures", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("telemetry.service_name", "override-authority")
}

// Validate отсекает конфигурации, с которыми сервис не может быть безопасен.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres storage")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("config: redis.addr is required for redis rate limit backend")
		}
	default:
		return fmt.Errorf("config: unknown ratelimit.backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.MaxAttempts < 1 {
		return errors.New("config: ratelimit.max_attempts must be at least 1")
	}
	if c.RateLimit.Lockout <= 0 {
		return errors.New("config: ratelimit.lockout must be positive")
	}
	if c.Requests.TTL <= 0 {
		return errors.New("config: requests.ttl must be positive")
	}
	if c.Requests.SweepInterval <= 0 {
		return errors.New("config: requests.sweep_interval must be positive")
	}
	if c.Requests.CodeLength < 4 || c.Requests.CodeLength > 12 {
		return errors.New("config: requests.code_length must be between 4 and 12")
	}
	if c.Auth.PinPepper == "" {
		return errors.New("config: auth.pin_pepper is required")
	}
	if _, err := time.LoadLocation(c.Auth.Timezone); err != nil {
		return fmt.Errorf("config: auth.timezone: %w", err)
	}
	return nil
}

// loadKeyResource - ключ напрямую из ENV (PEM) или из файла по пути из конфига
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
