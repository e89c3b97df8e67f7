package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xela07ax/trainwatch/internal/domain"
)

// Config - корневая структура конфигурации (шлюз и CLI используют одну и ту же).
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Backend  BackendConfig         `mapstructure:"backend"`
	Push     PushConfig            `mapstructure:"push"`
	Monitor  MonitorConfig         `mapstructure:"monitor"`
	Database DatabaseConfig        `mapstructure:"database"`
	Redis    RedisConfig           `mapstructure:"redis"`
	Auth     AuthConfig            `mapstructure:"auth"`
	Journal  JournalConfig         `mapstructure:"journal"`
	Logger   LoggerConfig          `mapstructure:"logger"`
	Training domain.TrainingConfig `mapstructure:"training"`
	Network  NetworkConfig         `mapstructure:"network"`
}

// ServerConfig описывает настройки HTTP-шлюза.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 0 - без лимита (SSE-стримы живут долго)
}

// BackendConfig - удаленный сервис обучения и настройки надежности вызовов к нему.
type BackendConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"` // только для идемпотентных чтений
	RateLimit     float64       `mapstructure:"rate_limit"`     // запросов в секунду
	RateBurst     int           `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// PushConfig - канал push-обновлений прогресса.
type PushConfig struct {
	Transport         string        `mapstructure:"transport"` // sse, redis, kafka, none
	URL               string        `mapstructure:"url"`       // SSE endpoint
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts uint          `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал прогресса). Пустой URL - журнал отключен.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и кэш последних снапшотов).
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// AuthConfig - RS256 ключ для проверки токенов шлюзом. Без ключа авторизация выключена.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

type JournalConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type NetworkConfig struct {
	LayerSizes []int `mapstructure:"layer_sizes"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, ENV и флагов.
// flags может быть nil.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV: BACKEND_BASE_URL перекроет backend.base_url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Флаги командной строки имеют наивысший приоритет
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
		if path, _ := flags.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
	}

	// 5. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 6. Маппинг в структуру
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 0)

	v.SetDefault("backend.base_url", "http://localhost:5000/api")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.retry_attempts", 2) // исходный клиент делал retry(1)
	v.SetDefault("backend.rate_limit", 20)
	v.SetDefault("backend.rate_burst", 10)
	v.SetDefault("backend.cb_max_requests", 3)
	v.SetDefault("backend.cb_interval", 5*time.Second)
	v.SetDefault("backend.cb_timeout", 30*time.Second)

	v.SetDefault("push.transport", "sse")
	v.SetDefault("push.url", "http://localhost:5000/events")
	v.SetDefault("push.connect_timeout", 20*time.Second)
	v.SetDefault("push.reconnect_attempts", 5)
	v.SetDefault("push.reconnect_delay", 1*time.Second)
	v.SetDefault("push.kafka_topic", "training-updates")
	v.SetDefault("push.kafka_group_id", "trainwatch")

	v.SetDefault("monitor.poll_interval", 2*time.Second)

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.snapshot_ttl", 24*time.Hour)

	v.SetDefault("journal.buffer_size", 10000)
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", 500*time.Millisecond)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	def := domain.DefaultTrainingConfig()
	v.SetDefault("training.epochs", def.Epochs)
	v.SetDefault("training.mini_batch_size", def.MiniBatchSize)
	v.SetDefault("training.learning_rate", def.LearningRate)
	v.SetDefault("network.layer_sizes", domain.DefaultLayerSizes)
}

// flagKeys связывает имена CLI-флагов с ключами конфигурации
var flagKeys = map[string]string{
	"backend":       "backend.base_url",
	"push":          "push.transport",
	"push-url":      "push.url",
	"poll-interval": "monitor.poll_interval",
	"log-level":     "logger.level",
	"log-format":    "logger.format",
	"addr":          "server.addr",
	"epochs":        "training.epochs",
	"batch-size":    "training.mini_batch_size",
	"learning-rate": "training.learning_rate",
	"layers":        "network.layer_sizes",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Validate отсекает конфигурации, с которыми монитор не сможет работать
func (c *Config) Validate() error {
	switch c.Push.Transport {
	case "sse", "redis", "kafka", "none":
	default:
		return fmt.Errorf("config: unknown push.transport %q", c.Push.Transport)
	}
	if c.Push.Transport == "kafka" && len(c.Push.KafkaBrokers) == 0 {
		return fmt.Errorf("config: push.kafka_brokers is required for kafka transport")
	}
	if c.Push.Transport == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required for redis transport")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("config: monitor.poll_interval must be positive")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url is required")
	}
	return nil
}

// loadKeyResource: ключ либо лежит прямо в ENV (Docker/K8s), либо читается из файла
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
