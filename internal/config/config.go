// Package config loads process configuration from the environment and an optional .env file.
package config

import (
	"strings"
	"time"

	"mdstream/internal/batch"
	"mdstream/internal/codec"
	"mdstream/internal/ingest"
	"mdstream/internal/liquidation"
	"mdstream/internal/model/enum"
	"mdstream/internal/orderbook"
	"mdstream/internal/stream"
	"mdstream/internal/transport"
	"mdstream/pkg/backoff"
	"mdstream/pkg/conn"
	"mdstream/pkg/exception"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
)

// Prefix is prepended to every variable name.
const Prefix = "MDSTREAM_"

// Config is the whole process configuration.
type Config struct {
	App         AppConfig         `envPrefix:"APP_"`
	Exchange    ExchangeConfig    `envPrefix:"EXCHANGE_"`
	OrderBook   OrderBookConfig   `envPrefix:"ORDERBOOK_"`
	Batch       BatchConfig       `envPrefix:"BATCH_"`
	Codec       CodecConfig       `envPrefix:"CODEC_"`
	Liquidation LiquidationConfig `envPrefix:"LIQUIDATION_"`
	Transport   TransportConfig   `envPrefix:"TRANSPORT_"`
	Postgres    PostgresConfig    `envPrefix:"POSTGRES_"`
	Redis       RedisConfig       `envPrefix:"REDIS_"`
	Kafka       KafkaConfig       `envPrefix:"KAFKA_"`
	Relay       RelayConfig       `envPrefix:"RELAY_"`
}

type AppConfig struct {
	Name            string        `env:"NAME" envDefault:"mdstream"`
	Addr            string        `env:"ADDR" envDefault:":8080"`
	PyroscopeAddr   string        `env:"PYROSCOPE_ADDR"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type ExchangeConfig struct {
	SpotURL                string        `env:"SPOT_URL"`
	FuturesURL             string        `env:"FUTURES_URL"`
	DepthLevels            int           `env:"DEPTH_LEVELS" envDefault:"20"`
	DepthReadTimeout       time.Duration `env:"DEPTH_READ_TIMEOUT" envDefault:"10s"`
	LiquidationReadTimeout time.Duration `env:"LIQUIDATION_READ_TIMEOUT" envDefault:"10m"`
	MaxRetries             int           `env:"MAX_RETRIES" envDefault:"8"`
}

type OrderBookConfig struct {
	DefaultRounding  float64       `env:"DEFAULT_ROUNDING" envDefault:"0"`
	DefaultDepth     int           `env:"DEFAULT_DEPTH" envDefault:"20"`
	MaxDepth         int           `env:"MAX_DEPTH" envDefault:"500"`
	Epsilon          float64       `env:"EPSILON" envDefault:"1e-8"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"30s"`
}

type BatchConfig struct {
	MaxQueueSize       int           `env:"MAX_QUEUE_SIZE" envDefault:"256"`
	MaxBatchSize       int           `env:"MAX_BATCH_SIZE" envDefault:"20"`
	MaxBatchDelay      time.Duration `env:"MAX_BATCH_DELAY" envDefault:"50ms"`
	MinBatchDelay      time.Duration `env:"MIN_BATCH_DELAY" envDefault:"5ms"`
	LightLoadThreshold int           `env:"LIGHT_LOAD_THRESHOLD" envDefault:"2"`
	Policy             string        `env:"OVERFLOW_POLICY" envDefault:"drop_oldest"`
	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"5ms"`
}

type CodecConfig struct {
	// Format and Compression fall back to json+none when unset. A set value is explicit and wins
	// over AutoSelect.
	Format      string `env:"FORMAT"`
	Compression string `env:"COMPRESSION"`
	// AutoSelect benchmarks every combination at startup and may replace the default.
	AutoSelect          bool    `env:"AUTO_SELECT" envDefault:"false"`
	BenchmarkIterations int     `env:"BENCHMARK_ITERATIONS" envDefault:"200"`
	SelectMargin        float64 `env:"SELECT_MARGIN" envDefault:"0.2"`
}

type LiquidationConfig struct {
	Timeframes       []string      `env:"TIMEFRAMES" envSeparator:"," envDefault:"1m,5m,15m,1h,4h"`
	DefaultTimeframe string        `env:"DEFAULT_TIMEFRAME" envDefault:"1m"`
	DrainInterval    time.Duration `env:"DRAIN_INTERVAL" envDefault:"1s"`
	DedupWindow      int           `env:"DEDUP_WINDOW" envDefault:"256"`
	AverageCapacity  int           `env:"AVERAGE_CAPACITY" envDefault:"50"`
	BackfillWindow   time.Duration `env:"BACKFILL_WINDOW" envDefault:"24h"`
	DisplayLimit     int           `env:"DISPLAY_LIMIT" envDefault:"100"`
	EventBuffer      int           `env:"EVENT_BUFFER" envDefault:"1024"`
}

type TransportConfig struct {
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PongTimeout    time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`
	PingInterval   time.Duration `env:"PING_INTERVAL" envDefault:"54s"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
}

// PostgresConfig enables the liquidation history store when Database or DSN is set.
type PostgresConfig struct {
	DSN             string        `env:"DSN"`
	Host            string        `env:"HOST" envDefault:"localhost"`
	Port            int           `env:"PORT" envDefault:"5432"`
	User            string        `env:"USER"`
	Password        string        `env:"PASSWORD"`
	Database        string        `env:"DATABASE"`
	SSLMode         string        `env:"SSL_MODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	Retention       time.Duration `env:"RETENTION" envDefault:"168h"`
	BackfillLimit   int           `env:"BACKFILL_LIMIT" envDefault:"50000"`
}

// RedisConfig enables the Redis relay when URL is set.
type RedisConfig struct {
	URL string `env:"URL"`
}

// KafkaConfig enables the Kafka relay when Brokers is set.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"mdstream.liquidations"`
	Async   bool     `env:"ASYNC" envDefault:"true"`
}

// RelayConfig lists what is mirrored when a relay backend is enabled.
type RelayConfig struct {
	Symbols     []string `env:"SYMBOLS" envSeparator:","`
	Timeframes  []string `env:"TIMEFRAMES" envSeparator:"," envDefault:"1m"`
	Format      string   `env:"FORMAT" envDefault:"json"`
	Compression string   `env:"COMPRESSION" envDefault:"none"`
	QueueSize   int      `env:"QUEUE_SIZE" envDefault:"1024"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{Prefix: Prefix})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on values the components would reject later.
func (c *Config) Validate() error {
	if _, err := codec.ParseChoice(c.codecFields()); err != nil {
		return errors.Wrap(err, "codec")
	}
	if _, err := codec.ParseChoice(c.Relay.Format, c.Relay.Compression); err != nil {
		return errors.Wrap(err, "relay codec")
	}
	if _, ok := batch.ParseOverflowPolicy(c.Batch.Policy); !ok {
		return errors.Wrapf(exception.ErrInvalidArgument, "batch overflow policy: %s", c.Batch.Policy)
	}
	if _, err := parseTimeframes(c.Liquidation.Timeframes); err != nil {
		return err
	}
	if _, err := parseTimeframes(c.Relay.Timeframes); err != nil {
		return err
	}
	if _, ok := enum.ParseTimeframe(c.Liquidation.DefaultTimeframe); !ok {
		return errors.Wrapf(exception.ErrUnsupportedTimeframe, "default timeframe: %s", c.Liquidation.DefaultTimeframe)
	}
	if c.OrderBook.Epsilon < 0 || c.OrderBook.SnapshotInterval <= 0 {
		return errors.Wrapf(exception.ErrInvalidArgument, "orderbook epsilon %v, snapshot interval %s", c.OrderBook.Epsilon, c.OrderBook.SnapshotInterval)
	}
	if c.App.Addr == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "empty listen address")
	}
	return nil
}

func parseTimeframes(raw []string) ([]enum.Timeframe, error) {
	out := make([]enum.Timeframe, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		tf, ok := enum.ParseTimeframe(s)
		if !ok {
			return nil, errors.Wrapf(exception.ErrUnsupportedTimeframe, "timeframe: %s", s)
		}
		out = append(out, tf)
	}
	return out, nil
}

func (c *Config) backoff() backoff.Backoff {
	bo := backoff.Default()
	bo.MaxRetries = c.Exchange.MaxRetries
	return bo
}

func (c *Config) codecFields() (format, compression string) {
	format, compression = c.Codec.Format, c.Codec.Compression
	if format == "" {
		format = codec.DefaultChoice.Format.String()
	}
	if compression == "" {
		compression = codec.DefaultChoice.Compression.String()
	}
	return format, compression
}

// CodecChoice is the default connection codec.
func (c *Config) CodecChoice() codec.Choice {
	choice, _ := codec.ParseChoice(c.codecFields())
	return choice
}

// CodecOverride is the configured codec when format or compression was set, otherwise nil.
func (c *Config) CodecOverride() *codec.Choice {
	if c.Codec.Format == "" && c.Codec.Compression == "" {
		return nil
	}
	choice := c.CodecChoice()
	return &choice
}

// RelayChoice is the codec of relayed messages.
func (c *Config) RelayChoice() codec.Choice {
	choice, _ := codec.ParseChoice(c.Relay.Format, c.Relay.Compression)
	return choice
}

// RelayTimeframes are the mirrored timeframes.
func (c *Config) RelayTimeframes() []enum.Timeframe {
	tfs, _ := parseTimeframes(c.Relay.Timeframes)
	return tfs
}

func (c *Config) BinanceConfig() ingest.BinanceConfig {
	return ingest.BinanceConfig{
		SpotURL:                c.Exchange.SpotURL,
		FuturesURL:             c.Exchange.FuturesURL,
		DepthLevels:            c.Exchange.DepthLevels,
		DepthReadTimeout:       c.Exchange.DepthReadTimeout,
		LiquidationReadTimeout: c.Exchange.LiquidationReadTimeout,
	}
}

func (c *Config) LiquidationConfig() liquidation.Config {
	tfs, _ := parseTimeframes(c.Liquidation.Timeframes)
	return liquidation.Config{
		Timeframes:      tfs,
		DrainInterval:   c.Liquidation.DrainInterval,
		DedupWindow:     c.Liquidation.DedupWindow,
		AverageCapacity: c.Liquidation.AverageCapacity,
		BackfillWindow:  c.Liquidation.BackfillWindow,
		DisplayLimit:    c.Liquidation.DisplayLimit,
		EventBuffer:     c.Liquidation.EventBuffer,
		Backoff:         c.backoff(),
	}
}

func (c *Config) StreamConfig() stream.Config {
	policy, _ := batch.ParseOverflowPolicy(c.Batch.Policy)
	tf, _ := enum.ParseTimeframe(c.Liquidation.DefaultTimeframe)
	return stream.Config{
		DefaultRounding:  c.OrderBook.DefaultRounding,
		DefaultDepth:     c.OrderBook.DefaultDepth,
		MaxDepth:         c.OrderBook.MaxDepth,
		DefaultTimeframe: tf,
		Codec:            c.CodecChoice(),
		Delta: orderbook.DeltaConfig{
			Epsilon:          c.OrderBook.Epsilon,
			SnapshotInterval: c.OrderBook.SnapshotInterval,
		},
		Batch: batch.Config{
			MaxQueueSize:       c.Batch.MaxQueueSize,
			MaxBatchSize:       c.Batch.MaxBatchSize,
			MaxBatchDelay:      c.Batch.MaxBatchDelay,
			MinBatchDelay:      c.Batch.MinBatchDelay,
			LightLoadThreshold: c.Batch.LightLoadThreshold,
			Policy:             policy,
			TickInterval:       c.Batch.TickInterval,
		},
		Backoff: c.backoff(),
	}
}

func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		SendQueueSize:  c.Transport.SendQueueSize,
		WriteTimeout:   c.Transport.WriteTimeout,
		PongTimeout:    c.Transport.PongTimeout,
		PingInterval:   c.Transport.PingInterval,
		MaxMessageSize: c.Transport.MaxMessageSize,
	}
}

func (c *Config) PostgresOption() conn.PostgresOption {
	return conn.PostgresOption{
		Host:            c.Postgres.Host,
		Port:            c.Postgres.Port,
		User:            c.Postgres.User,
		Password:        c.Postgres.Password,
		Database:        c.Postgres.Database,
		SSLMode:         c.Postgres.SSLMode,
		DSN:             c.Postgres.DSN,
		MaxOpenConns:    c.Postgres.MaxOpenConns,
		MaxIdleConns:    c.Postgres.MaxIdleConns,
		ConnMaxLifetime: c.Postgres.ConnMaxLifetime,
	}
}

func (c *Config) KafkaOption() conn.KafkaOption {
	return conn.KafkaOption{
		Brokers: c.Kafka.Brokers,
		Async:   c.Kafka.Async,
	}
}
