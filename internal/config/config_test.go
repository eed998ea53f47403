package config

import (
	"testing"
	"time"

	"mdstream/internal/batch"
	"mdstream/internal/codec"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.Addr)
	assert.Equal(t, 1e-8, cfg.OrderBook.Epsilon)
	assert.Equal(t, 30*time.Second, cfg.OrderBook.SnapshotInterval)
	assert.Equal(t, "json+none", cfg.CodecChoice().String())
	assert.Nil(t, cfg.CodecOverride())

	sc := cfg.StreamConfig()
	assert.Equal(t, batch.DropOldest, sc.Batch.Policy)
	assert.Equal(t, 20, sc.Batch.MaxBatchSize)
	assert.Equal(t, 50*time.Millisecond, sc.Batch.MaxBatchDelay)
	assert.Equal(t, enum.Timeframe1m, sc.DefaultTimeframe)
	assert.Equal(t, 8, sc.Backoff.MaxRetries)

	lc := cfg.LiquidationConfig()
	assert.Equal(t, []enum.Timeframe{enum.Timeframe1m, enum.Timeframe5m, enum.Timeframe15m, enum.Timeframe1h, enum.Timeframe4h}, lc.Timeframes)
	assert.Equal(t, 256, lc.DedupWindow)
	assert.Equal(t, 50, lc.AverageCapacity)

	assert.False(t, cfg.PostgresOption().Enabled())
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestOverrides(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"MDSTREAM_APP_ADDR":               ":9000",
		"MDSTREAM_CODEC_FORMAT":           "binary",
		"MDSTREAM_CODEC_COMPRESSION":      "lz4",
		"MDSTREAM_BATCH_OVERFLOW_POLICY":  "drop_lowest_priority",
		"MDSTREAM_LIQUIDATION_TIMEFRAMES": "1m, 1d",
		"MDSTREAM_KAFKA_BROKERS":          "k1:9092,k2:9092",
		"MDSTREAM_POSTGRES_DATABASE":      "mdstream",
		"MDSTREAM_RELAY_SYMBOLS":          "BTCUSDT,ETHUSDT",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.App.Addr)
	assert.Equal(t, "binary+lz4", cfg.CodecChoice().String())
	require.NotNil(t, cfg.CodecOverride())
	assert.Equal(t, "binary+lz4", cfg.CodecOverride().String())
	assert.Equal(t, batch.DropLowestPriority, cfg.StreamConfig().Batch.Policy)
	assert.Equal(t, []enum.Timeframe{enum.Timeframe1m, enum.Timeframe1d}, cfg.LiquidationConfig().Timeframes)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaOption().Brokers)
	assert.True(t, cfg.PostgresOption().Enabled())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Relay.Symbols)
	assert.Equal(t, []enum.Timeframe{enum.Timeframe1m}, cfg.RelayTimeframes())
}

func TestExplicitCodecOverridesAutoSelect(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"MDSTREAM_CODEC_AUTO_SELECT": "true",
		"MDSTREAM_CODEC_COMPRESSION": "zstd",
	})
	require.NoError(t, err)

	override := cfg.CodecOverride()
	require.NotNil(t, override)
	assert.Equal(t, "json+zstd", override.String())

	results := []codec.BenchmarkResult{
		{Choice: codec.DefaultChoice, SerializeTime: time.Millisecond, Size: 1000},
		{Choice: codec.Choice{Format: enum.FormatBinary, Compression: enum.CompressionLZ4}, SerializeTime: time.Microsecond, Size: 10},
	}
	assert.Equal(t, *override, codec.AutoSelect(results, override, cfg.Codec.SelectMargin))
	assert.Equal(t, results[1].Choice, codec.AutoSelect(results, nil, cfg.Codec.SelectMargin))
}

func TestValidateFailsFast(t *testing.T) {
	cases := []struct {
		name string
		vars map[string]string
		want error
	}{
		{"format", map[string]string{"MDSTREAM_CODEC_FORMAT": "xml"}, exception.ErrUnsupportedFormat},
		{"compression", map[string]string{"MDSTREAM_CODEC_COMPRESSION": "brotli"}, exception.ErrUnsupportedCompression},
		{"relay compression", map[string]string{"MDSTREAM_RELAY_COMPRESSION": "rar"}, exception.ErrUnsupportedCompression},
		{"policy", map[string]string{"MDSTREAM_BATCH_OVERFLOW_POLICY": "drop_all"}, exception.ErrInvalidArgument},
		{"timeframe", map[string]string{"MDSTREAM_LIQUIDATION_TIMEFRAMES": "1m,2m"}, exception.ErrUnsupportedTimeframe},
		{"default timeframe", map[string]string{"MDSTREAM_LIQUIDATION_DEFAULT_TIMEFRAME": "3m"}, exception.ErrUnsupportedTimeframe},
		{"snapshot interval", map[string]string{"MDSTREAM_ORDERBOOK_SNAPSHOT_INTERVAL": "0s"}, exception.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.vars)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
