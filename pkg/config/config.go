package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sakashimaa/marketplace-payments/pkg/utils"
)

var ErrMissingAccessSecret = errors.New("auth.access_secret (ACCESS_SECRET) must be set")

type Config struct {
	Env      string   `yaml:"env" env:"ENV" env-default:"local"`
	Log      Log      `yaml:"log"`
	HTTP     HTTP     `yaml:"http"`
	Metrics  Metrics  `yaml:"metrics"`
	Postgres PG       `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Limiter  Limiter  `yaml:"limiter"`
	Auth     Auth     `yaml:"auth"`
	Midtrans Midtrans `yaml:"midtrans"`
	Stripe   Stripe   `yaml:"stripe"`
	Escrow   Escrow   `yaml:"escrow"`
	Breaker  Breaker  `yaml:"breaker"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

type Metrics struct {
	Port string `yaml:"port" env:"METRICS_PORT" env-default:":9091"`
}

type PG struct {
	URL            string `yaml:"url" env:"DB_URL"`
	MaxConns       int32  `yaml:"max_conns" env-default:"10"`
	MinConns       int32  `yaml:"min_conns" env-default:"2"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	CacheTTL time.Duration `yaml:"cache_ttl" env-default:"5m"`
}

type Kafka struct {
	Brokers       []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	GroupID       string   `yaml:"group_id" env-default:"payment-service-group"`
	PaymentTopic  string   `yaml:"payment_topic" env-default:"payment_events"`
	OrderTopic    string   `yaml:"order_topic" env-default:"order_events"`
	ConsumeOrders bool     `yaml:"consume_orders" env:"KAFKA_CONSUME_ORDERS" env-default:"true"`
}

type Limiter struct {
	Max        int           `yaml:"max" env-default:"20"`
	Expiration time.Duration `yaml:"expiration" env-default:"5s"`
}

type Auth struct {
	AccessSecret string `yaml:"access_secret" env:"ACCESS_SECRET" env-required:"true"`
}

type Midtrans struct {
	ServerKey string        `yaml:"server_key" env:"MIDTRANS_SERVER_KEY"`
	SnapURL   string        `yaml:"snap_url" env:"MIDTRANS_SNAP_URL" env-default:"https://app.sandbox.midtrans.com"`
	APIURL    string        `yaml:"api_url" env:"MIDTRANS_API_URL" env-default:"https://api.sandbox.midtrans.com"`
	Timeout   time.Duration `yaml:"timeout" env-default:"15s"`
}

type Stripe struct {
	SecretKey     string        `yaml:"secret_key" env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
	SuccessURL    string        `yaml:"success_url" env:"STRIPE_SUCCESS_URL"`
	CancelURL     string        `yaml:"cancel_url" env:"STRIPE_CANCEL_URL"`
	Currency      string        `yaml:"currency" env-default:"usd"`
	Timeout       time.Duration `yaml:"timeout" env-default:"15s"`
}

type Escrow struct {
	HoldPeriod    time.Duration `yaml:"hold_period" env:"ESCROW_HOLD_PERIOD" env-default:"168h"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"ESCROW_SWEEP_INTERVAL" env-default:"1h"`
}

type Breaker struct {
	MaxRequests uint32        `yaml:"max_requests" env-default:"3"`
	Interval    time.Duration `yaml:"interval" env-default:"5s"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
}

// Load reads the YAML file at CONFIG_PATH (default ./config/local.yaml)
// and overlays environment variables.
func Load() (*Config, error) {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	if cfg.Auth.AccessSecret == "" {
		return nil, ErrMissingAccessSecret
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}

	return cfg
}
