package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации шлюза, консоли и gatectl.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Console   ServerConfig    `mapstructure:"console"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Redaction RedactionConfig `mapstructure:"redaction"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"` // 0: gRPC-поверхность выключена
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает долговременное хранилище.
// driver: postgres (прод) или sqlite (dev, тесты, single-node).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и L2 состояния агентов).
// Пустой addr: работаем без Redis: сигналы не распространяются, кэш правил живет по TTL.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// AuthConfig содержит пути к RSA ключам консоли и стоимость bcrypt для ключей агентов.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для выпуска токенов (gatectl)
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig: аудит и надежность пересылки в upstream.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	UpstreamTimeout   time.Duration `mapstructure:"upstream_timeout"`
	UpstreamRateLimit float64       `mapstructure:"upstream_rate_limit"`
	UpstreamBurst     int           `mapstructure:"upstream_burst"`
	UpstreamAttempts  uint          `mapstructure:"upstream_attempts"`
}

// PolicyConfig: дефолты на случай, когда ни одно правило не подошло.
type PolicyConfig struct {
	DefaultEffect         string            `mapstructure:"default_effect"`
	ClassDefaults         map[string]string `mapstructure:"class_defaults"`
	CacheTTL              time.Duration     `mapstructure:"cache_ttl"`
	PersistedDenyPriority int               `mapstructure:"persisted_deny_priority"`
}

// ApprovalConfig: окна Human-in-the-loop.
type ApprovalConfig struct {
	Window   time.Duration `mapstructure:"window"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// RedactionConfig: что вычищать из аргументов перед аудитом сверх встроенного.
type RedactionConfig struct {
	Keys     []string `mapstructure:"keys"`
	Patterns []string `mapstructure:"patterns"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path: явный файл (флаг --config), пустой: поиск config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Approval.Window <= 0 {
		return fmt.Errorf("config: approval.window must be positive")
	}
	if p := c.Policy.PersistedDenyPriority; p < 1 || p > 100 {
		return fmt.Errorf("config: policy.persisted_deny_priority must be in [1, 100], got %d", p)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("console.port", 8081)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:latchgate.db")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)

	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.issuer", "latchgate")
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.upstream_timeout", 15*time.Second)
	v.SetDefault("engine.upstream_burst", 20)
	v.SetDefault("engine.upstream_attempts", 3)

	v.SetDefault("policy.default_effect", "require_approval")
	v.SetDefault("policy.class_defaults", map[string]string{"read": "allow"})
	v.SetDefault("policy.cache_ttl", 30*time.Second)
	v.SetDefault("policy.persisted_deny_priority", 100)

	v.SetDefault("approval.window", 5*time.Minute)
	v.SetDefault("approval.token_ttl", 5*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: ключ из ENV (PEM целиком) или из файла по пути из конфига
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
