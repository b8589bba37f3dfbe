package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	OperatorSecret string `env:"OPERATOR_JWT_SECRET,required,notEmpty"`
	Port           int    `env:"PORT" envDefault:"8080"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv         string `env:"APP_ENV" envDefault:"production"`

	CosmosLCDURL   string `env:"COSMOS_LCD_URL" envDefault:"http://localhost:1317"`
	CosmosRelayURL string `env:"COSMOS_RELAY_URL" envDefault:"http://mock-ledger:8081"`
	XRPLRPCURL     string `env:"XRPL_RPC_URL" envDefault:"https://s.altnet.rippletest.net:51234"`
	XRPLRelayURL   string `env:"XRPL_RELAY_URL" envDefault:"http://mock-ledger:8081"`

	LedgerCallTimeout time.Duration `env:"LEDGER_CALL_TIMEOUT" envDefault:"10s"`
	MaxSubmitAttempts uint64        `env:"MAX_SUBMIT_ATTEMPTS" envDefault:"5"`
	MaxPollAttempts   uint64        `env:"MAX_POLL_ATTEMPTS" envDefault:"8"`
	RetryInitial      time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
	RetryMax          time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"15s"`
	LegDeadline       time.Duration `env:"LEG_DEADLINE" envDefault:"2m"`
	DriveTimeout      time.Duration `env:"DRIVE_TIMEOUT" envDefault:"5m"`
	DriveConcurrency  int64         `env:"DRIVE_CONCURRENCY" envDefault:"32"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"6m"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatch       int           `env:"SWEEP_BATCH" envDefault:"50"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"8"`
	MaxSweepAttempts int           `env:"MAX_SWEEP_ATTEMPTS" envDefault:"20"`

	HistoryLimit     int           `env:"HISTORY_LIMIT" envDefault:"50"`
	HistoryCacheTTL  time.Duration `env:"HISTORY_CACHE_TTL" envDefault:"10s"`
	HistoryCacheSize int           `env:"HISTORY_CACHE_SIZE" envDefault:"1024"`
	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT" envDefault:"3s"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAlertTopic string   `env:"KAFKA_ALERT_TOPIC" envDefault:"crossledger.alerts"`
	AMQPURL         string   `env:"AMQP_URL"`
	AMQPExchange    string   `env:"AMQP_ALERT_EXCHANGE" envDefault:"crossledger.alerts"`

	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO" envDefault:"1"`

	IdempotencyTTL       time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyCleanCron string        `env:"IDEMPOTENCY_CLEAN_CRON" envDefault:"@every 1h"`

	DBMaxOpenConns     int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int    `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int    `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int    `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
	DBConnectAttempts  uint64 `env:"DB_CONNECT_ATTEMPTS" envDefault:"30"`
}

// Load reads an optional .env file and then parses the environment. Values
// already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config.Load: dotenv: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.MaxSubmitAttempts == 0:
		return errors.New("MAX_SUBMIT_ATTEMPTS must be at least 1")
	case c.MaxPollAttempts == 0:
		return errors.New("MAX_POLL_ATTEMPTS must be at least 1")
	case c.DriveConcurrency <= 0:
		return errors.New("DRIVE_CONCURRENCY must be positive")
	case c.SweepConcurrency <= 0:
		return errors.New("SWEEP_CONCURRENCY must be positive")
	case c.DBConnectAttempts == 0:
		return errors.New("DB_CONNECT_ATTEMPTS must be at least 1")
	case c.LockTTL < c.DriveTimeout:
		return errors.New("LOCK_TTL must not be shorter than DRIVE_TIMEOUT")
	}
	return nil
}
