package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration, loaded from the environment.
type Config struct {
	Server       Server
	Database     Database
	Redis        Redis
	Idempotency  Idempotency
	Outbox       Outbox
	Scanner      Scanner
	Notification Notification
	Cleanup      Cleanup
	Kafka        Kafka
	Tracing      Tracing
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string        `env:"COURIER_ADDR" envDefault:":8080"`
	Environment   string        `env:"COURIER_ENV" envDefault:"local"`
	JWTSigningKey string        `env:"JWT_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"courier"`
	JWTTokenTTL   time.Duration `env:"JWT_TOKEN_TTL" envDefault:"1h"`
	MaxBodyBytes  int64         `env:"COURIER_MAX_BODY_BYTES" envDefault:"1048576"`
	TxTimeout     time.Duration `env:"COURIER_TX_TIMEOUT" envDefault:"5s"`
}

// Database selects the relational store. Driver is "pgx" or "sqlite".
type Database struct {
	Driver          string        `env:"DATABASE_DRIVER" envDefault:"pgx"`
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"DATABASE_AUTO_MIGRATE" envDefault:"false"`
}

// Redis configures the shared cache. An empty URL selects the in-process
// lock and result cache, which are only correct for a single node.
type Redis struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Idempotency configures the request guard.
type Idempotency struct {
	RecordTTL          time.Duration `env:"IDEMPOTENCY_RECORD_TTL" envDefault:"86400s"`
	LockTTL            time.Duration `env:"IDEMPOTENCY_LOCK_TTL" envDefault:"120s"`
	TakeoverMultiplier int           `env:"IDEMPOTENCY_TAKEOVER_MULTIPLIER" envDefault:"2"`
	LockWait           time.Duration `env:"IDEMPOTENCY_LOCK_WAIT" envDefault:"500ms"`
}

// Outbox configures the poller.
type Outbox struct {
	BatchSize     int           `env:"OUTBOX_BATCH_SIZE" envDefault:"10"`
	PollInterval  time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1000ms"`
	MaxRetry      int           `env:"OUTBOX_MAX_RETRY" envDefault:"8"`
	BaseDelay     time.Duration `env:"OUTBOX_BASE_DELAY" envDefault:"1m"`
	BackoffCap    int           `env:"OUTBOX_BACKOFF_CAP" envDefault:"6"`
	TickTimeout   time.Duration `env:"OUTBOX_TICK_TIMEOUT" envDefault:"30s"`
	DoneRetention time.Duration `env:"OUTBOX_DONE_RETENTION" envDefault:"168h"`

	// HandlerTimeout caps one event's handlers within a tick.
	HandlerTimeout time.Duration `env:"OUTBOX_HANDLER_TIMEOUT" envDefault:"10s"`
}

// MinDoneRetention keeps delivered events for at least the widest scanner
// bucket. A dedupe key deleted earlier could be appended again the same day.
const MinDoneRetention = 24 * time.Hour

// Scanner configures the scheduled dedup scanner.
type Scanner struct {
	Interval      time.Duration `env:"SCANNER_INTERVAL" envDefault:"60s"`
	BatchSize     int           `env:"SCANNER_BATCH_SIZE" envDefault:"100"`
	Zone          string        `env:"SCANNER_ZONE" envDefault:"Asia/Shanghai"`
	EscalateAfter time.Duration `env:"SCANNER_ESCALATE_AFTER" envDefault:"24h"`
}

// Location resolves the reference zone used for time buckets.
func (c Scanner) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Zone)
	if err != nil {
		return nil, fmt.Errorf("load scanner zone %q: %w", c.Zone, err)
	}
	return loc, nil
}

// Notification configures the notification consumer.
type Notification struct {
	MergeWindow time.Duration `env:"NOTIFICATION_MERGE_WINDOW" envDefault:"10m"`
}

// Cleanup configures the retention sweeper.
type Cleanup struct {
	Interval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
}

// Kafka configures the event relay. No brokers disables the relay.
type Kafka struct {
	Brokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic    string   `env:"KAFKA_TOPIC" envDefault:"courier.events"`
	ClientID string   `env:"KAFKA_CLIENT_ID" envDefault:"courier"`
	Acks     string   `env:"KAFKA_ACKS" envDefault:"all"`

	DeliveryTimeout time.Duration `env:"KAFKA_DELIVERY_TIMEOUT" envDefault:"10s"`
}

// Tracing configures span export. No endpoint disables it.
type Tracing struct {
	Endpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"courier"`
}

// Enabled reports whether a relay target is configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

// FromEnv loads and validates configuration from environment variables.
func FromEnv() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse loads configuration from environment variables without validating
// it, for callers that apply overrides first.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the workers cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Driver != "pgx" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be pgx or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Server.Environment != "local" && c.Server.JWTSigningKey == "dev-secret-key-change-in-production" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY must be set outside local"))
	}
	if c.Idempotency.LockTTL <= 0 || c.Idempotency.RecordTTL <= 0 {
		errs = append(errs, errors.New("idempotency TTLs must be positive"))
	}
	if c.Idempotency.TakeoverMultiplier < 1 {
		errs = append(errs, errors.New("IDEMPOTENCY_TAKEOVER_MULTIPLIER must be at least 1"))
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox batch size and poll interval must be positive"))
	}
	if c.Outbox.MaxRetry < 1 {
		errs = append(errs, errors.New("OUTBOX_MAX_RETRY must be at least 1"))
	}
	if c.Outbox.HandlerTimeout <= 0 || c.Outbox.HandlerTimeout >= c.Outbox.TickTimeout {
		errs = append(errs, fmt.Errorf("OUTBOX_HANDLER_TIMEOUT must be positive and below OUTBOX_TICK_TIMEOUT (%s)", c.Outbox.TickTimeout))
	}
	if c.Outbox.DoneRetention < MinDoneRetention {
		errs = append(errs, fmt.Errorf("OUTBOX_DONE_RETENTION must be at least %s", MinDoneRetention))
	}
	if c.Scanner.Interval <= 0 || c.Scanner.BatchSize <= 0 {
		errs = append(errs, errors.New("scanner interval and batch size must be positive"))
	}
	if _, err := c.Scanner.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
