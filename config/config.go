package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DebugMode enables verbose logs across packages. Set by Load.
var DebugMode = false

type SymbolSpec struct {
	PricePrecision  int32  `yaml:"price_precision"`
	AmountPrecision int32  `yaml:"amount_precision"`
	TickSize        string `yaml:"tick_size"`
}

type FeedConfig struct {
	Provider         string        `yaml:"provider"`
	BinanceStreamURL string        `yaml:"binance_stream_url"`
	BinanceRestURL   string        `yaml:"binance_rest_url"`
	DepthLimit       int           `yaml:"depth_limit"`
	KucoinBaseURL    string        `yaml:"kucoin_base_url"`
	KucoinAPIKey     string        `yaml:"kucoin_api_key"`
	KucoinSecretKey  string        `yaml:"kucoin_secret_key"`
	KucoinPassphrase string        `yaml:"kucoin_passphrase"`
	KucoinPollEvery  time.Duration `yaml:"kucoin_poll_every"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	KafkaTopic       string        `yaml:"kafka_topic"`
	KafkaGroupID     string        `yaml:"kafka_group_id"`
}

type AggregationConfig struct {
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	DefaultLimit          int           `yaml:"default_limit"`
	MinLimit              int           `yaml:"min_limit"`
	MaxLimit              int           `yaml:"max_limit"`
	MaxRounding           string        `yaml:"max_rounding"`
	MaxRoundingOptions    int           `yaml:"max_rounding_options"`
	RoundingMaxValueRatio string        `yaml:"rounding_max_value_ratio"`
}

type ManagerConfig struct {
	IdleGrace     time.Duration `yaml:"idle_grace"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	RetryMin      time.Duration `yaml:"retry_min"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

type ConnectionConfig struct {
	SendQueueSize int           `yaml:"send_queue_size"`
	WriteWait     time.Duration `yaml:"write_wait"`
	PongWait      time.Duration `yaml:"pong_wait"`
}

type Config struct {
	LogLevel  string `yaml:"log_level"`
	DebugMode bool   `yaml:"debug_mode"`

	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Feed        FeedConfig        `yaml:"feed"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Manager     ManagerConfig     `yaml:"manager"`
	Connection  ConnectionConfig  `yaml:"connection"`

	DefaultSymbol SymbolSpec            `yaml:"default_symbol"`
	Symbols       map[string]SymbolSpec `yaml:"symbols"`
}

func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
	}

	cfg.Feed.Provider = "binance"
	cfg.Feed.BinanceStreamURL = "wss://stream.binance.com:9443/stream"
	cfg.Feed.BinanceRestURL = "https://api.binance.com"
	cfg.Feed.DepthLimit = 1000
	cfg.Feed.KucoinBaseURL = "https://api.kucoin.com"
	cfg.Feed.KucoinPollEvery = time.Second
	cfg.Feed.KafkaTopic = "depth-updates"
	cfg.Feed.KafkaGroupID = "depthview"

	cfg.Aggregation.CacheTTL = 2 * time.Second
	cfg.Aggregation.DefaultLimit = 20
	cfg.Aggregation.MinLimit = 1
	cfg.Aggregation.MaxLimit = 500
	cfg.Aggregation.MaxRounding = "100000"
	cfg.Aggregation.MaxRoundingOptions = 10
	cfg.Aggregation.RoundingMaxValueRatio = "0.01"

	cfg.Manager.IdleGrace = 60 * time.Second
	cfg.Manager.SweepInterval = 10 * time.Second
	cfg.Manager.StaleAfter = 15 * time.Second
	cfg.Manager.RetryMin = 500 * time.Millisecond
	cfg.Manager.RetryMax = 30 * time.Second

	cfg.Connection.SendQueueSize = 64
	cfg.Connection.WriteWait = 10 * time.Second
	cfg.Connection.PongWait = 60 * time.Second

	cfg.DefaultSymbol = SymbolSpec{PricePrecision: 2, AmountPrecision: 4, TickSize: "0.01"}
	cfg.Symbols = map[string]SymbolSpec{}

	return cfg
}

// Load reads .env (if any), then the yaml file at path (if any), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	DebugMode = cfg.DebugMode
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Aggregation.MinLimit < 1 {
		return errors.New("aggregation.min_limit must be >= 1")
	}
	if c.Aggregation.MaxLimit < c.Aggregation.MinLimit {
		return errors.New("aggregation.max_limit must be >= min_limit")
	}
	if c.Aggregation.DefaultLimit < c.Aggregation.MinLimit || c.Aggregation.DefaultLimit > c.Aggregation.MaxLimit {
		return errors.New("aggregation.default_limit out of bounds")
	}
	if c.Aggregation.CacheTTL <= 0 {
		return errors.New("aggregation.cache_ttl must be positive")
	}
	if c.Aggregation.MaxRoundingOptions < 1 {
		return errors.New("aggregation.max_rounding_options must be >= 1")
	}
	if c.Manager.SweepInterval <= 0 || c.Manager.IdleGrace <= 0 {
		return errors.New("manager.sweep_interval and manager.idle_grace must be positive")
	}
	if c.Manager.RetryMin <= 0 || c.Manager.RetryMax < c.Manager.RetryMin {
		return errors.New("manager.retry_min/retry_max are invalid")
	}
	if c.Connection.SendQueueSize < 1 {
		return errors.New("connection.send_queue_size must be >= 1")
	}

	switch c.Feed.Provider {
	case "binance", "static":
	case "kucoin":
		if c.Feed.KucoinPollEvery <= 0 {
			return errors.New("feed.kucoin_poll_every must be positive")
		}
	case "kafka":
		if len(c.Feed.KafkaBrokers) == 0 {
			return errors.New("feed.kafka_brokers is required for the kafka provider")
		}
	default:
		return errors.Errorf("unknown feed provider %q", c.Feed.Provider)
	}

	return nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		cfg.DebugMode = boolOrDefault(v, cfg.DebugMode)
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("FEED_PROVIDER"); v != "" {
		cfg.Feed.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("BINANCE_STREAM_URL"); v != "" {
		cfg.Feed.BinanceStreamURL = v
	}
	if v := os.Getenv("BINANCE_REST_URL"); v != "" {
		cfg.Feed.BinanceRestURL = v
	}
	if v := os.Getenv("KUCOIN_BASE_URL"); v != "" {
		cfg.Feed.KucoinBaseURL = v
	}
	if v := os.Getenv("KUCOIN_API_KEY"); v != "" {
		cfg.Feed.KucoinAPIKey = v
	}
	if v := os.Getenv("KUCOIN_SECRET_KEY"); v != "" {
		cfg.Feed.KucoinSecretKey = v
	}
	if v := os.Getenv("KUCOIN_PASSPHRASE"); v != "" {
		cfg.Feed.KucoinPassphrase = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Feed.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Feed.KafkaTopic = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		cfg.Aggregation.CacheTTL = durationOrDefault(v, cfg.Aggregation.CacheTTL)
	}
	if v := os.Getenv("MAX_LIMIT"); v != "" {
		cfg.Aggregation.MaxLimit = intOrDefault(v, cfg.Aggregation.MaxLimit)
	}
	if v := os.Getenv("IDLE_GRACE"); v != "" {
		cfg.Manager.IdleGrace = durationOrDefault(v, cfg.Manager.IdleGrace)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func durationOrDefault(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return d
}

func intOrDefault(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func boolOrDefault(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return def
	}
}
