package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"order-service"`
	Log         Log
	HTTP        HTTPServer
	GRPC        GRPCServer

	Database Database `envPrefix:"DB_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Kafka    Kafka    `envPrefix:"KAFKA_"`
	Tracing  Tracing  `envPrefix:"TRACING_"`
	Auth     Auth     `envPrefix:"AUTH_"`
	Orders   Orders   `envPrefix:"ORDERS_"`
	Relay    Relay    `envPrefix:"RELAY_"`
}

type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTPServer struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8082"`
}

type GRPCServer struct {
	Addr string `env:"GRPC_ADDR" envDefault:":50051"`
}

type Database struct {
	// Driver is "postgres" or "memory"; memory keeps everything in process.
	Driver   string `env:"DRIVER" envDefault:"postgres"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Name     string `env:"NAME" envDefault:"orderdb"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"1m"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"true"`
}

// DSN renders the lib/pq keyword/value connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type Redis struct {
	Host     string        `env:"HOST" envDefault:"localhost"`
	Port     string        `env:"PORT" envDefault:"6379"`
	Password string        `env:"PASSWORD"`
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	RoleTTL  time.Duration `env:"ROLE_TTL" envDefault:"1m"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type Kafka struct {
	Brokers            []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	PaymentTopic       string   `env:"PAYMENT_TOPIC" envDefault:"payment_webhooks"`
	NotificationTopic  string   `env:"NOTIFICATION_TOPIC" envDefault:"communication_events"`
	ConsumerEnabled    bool     `env:"CONSUMER_ENABLED" envDefault:"true"`
	ConsumerMaxRetries int      `env:"CONSUMER_MAX_RETRIES" envDefault:"3"`
}

type Tracing struct {
	Endpoint string `env:"JAEGER_ENDPOINT" envDefault:"http://localhost:14268/api/traces"`
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET" envDefault:"your-secret-key-change-in-production"`
	// WebhookSecret signs payment-provider callbacks. Webhooks are refused
	// while it is empty.
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	WebhookHeader string `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"X-Signature"`
}

type Orders struct {
	// AmountTolerance bounds both the client/server total reconciliation
	// and the payment amount check.
	AmountTolerance   decimal.Decimal `env:"AMOUNT_TOLERANCE" envDefault:"5.00"`
	Currency          string          `env:"CURRENCY" envDefault:"NGN"`
	StatusDedupWindow time.Duration   `env:"STATUS_DEDUP_WINDOW" envDefault:"6h"`
	NumberPrefix      string          `env:"NUMBER_PREFIX" envDefault:"ORD"`
}

type Relay struct {
	Enabled    bool          `env:"ENABLED" envDefault:"true"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"50"`
	Interval   time.Duration `env:"INTERVAL" envDefault:"5s"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"5"`
	Retention  time.Duration `env:"RETENTION" envDefault:"720h"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses the given environment map instead of the process
// environment when vars is non-nil.
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Orders.AmountTolerance.IsNegative() {
		return fmt.Errorf("ORDERS_AMOUNT_TOLERANCE must not be negative")
	}
	if len(c.Orders.Currency) != 3 {
		return fmt.Errorf("ORDERS_CURRENCY must be an ISO 4217 code, got %q", c.Orders.Currency)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("RELAY_BATCH_SIZE must be positive")
	}
	if c.Relay.MaxRetries <= 0 {
		return fmt.Errorf("RELAY_MAX_RETRIES must be positive")
	}
	return nil
}
