package codec

import (
	"errors"
	"testing"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDelta(full bool) *model.OrderBookDelta {
	op, askOp := enum.OperationUpdate, enum.OperationRemove
	if full {
		op, askOp = enum.OperationAdd, enum.OperationAdd
	}
	return &model.OrderBookDelta{
		Symbol:       "BTCUSDT",
		Rounding:     0.5,
		Depth:        20,
		Timestamp:    1_700_000_000_123,
		SequenceID:   42,
		FullSnapshot: full,
		Bids:         []model.DeltaLevel{{Price: 100.5, Amount: 3, Operation: op}, {Price: 100, Amount: 0.25, Operation: enum.OperationAdd}},
		Asks:         []model.DeltaLevel{{Price: 101, Amount: 0, Operation: askOp}},
	}
}

func sampleBook() *model.AggregatedOrderBook {
	return &model.AggregatedOrderBook{
		Symbol:    "ETHUSDT",
		Rounding:  1,
		Depth:     5,
		Timestamp: 1_700_000_000_000,
		Source:    "binance",
		Bids:      []model.Level{{Price: 2000, Amount: 1.5, CumulativeAmount: 1.5}, {Price: 1999, Amount: 2, CumulativeAmount: 3.5}},
		Asks:      []model.Level{{Price: 2001, Amount: 0.75, CumulativeAmount: 0.75}},
	}
}

func sampleLiquidation() *model.LiquidationVolumeMessage {
	avg := 1250.5
	return &model.LiquidationVolumeMessage{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		IsUpdate:  true,
		Data: []model.VolumePoint{
			(&model.VolumeBucket{BucketStart: 0, BuyVolume: 1000, SellVolume: 500, Count: 2}).Point(),
			func() model.VolumePoint {
				p := model.VolumeBucket{BucketStart: 60_000, BuyVolume: 2500, Count: 1}.Point()
				p.AvgVolume = &avg
				return p
			}(),
		},
	}
}

func newTestSerializer(t *testing.T) *Serializer {
	t.Helper()
	s, err := NewSerializer(nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRoundTripEveryCombination(t *testing.T) {
	s := newTestSerializer(t)

	for _, f := range enum.Formats() {
		for _, c := range enum.Compressions() {
			t.Run(f.String()+"+"+c.String(), func(t *testing.T) {
				for _, full := range []bool{true, false} {
					in := sampleDelta(full)
					data, h, err := s.Serialize(in, f, c)
					require.NoError(t, err)
					assert.Equal(t, len(data), h.EncodedSize)
					assert.Positive(t, h.RawSize)
					assert.Equal(t, f != enum.FormatJSON || c != enum.CompressionNone, h.Binary())

					var out model.OrderBookDelta
					require.NoError(t, s.Deserialize(data, f, c, &out))
					assert.Equal(t, *in, out)
				}

				batch := &model.DeltaBatch{Updates: []*model.OrderBookDelta{sampleDelta(true), sampleDelta(false)}}
				data, _, err := s.Serialize(batch, f, c)
				require.NoError(t, err)
				var outBatch model.DeltaBatch
				require.NoError(t, s.Deserialize(data, f, c, &outBatch))
				assert.Equal(t, *batch, outBatch)

				book := sampleBook()
				data, _, err = s.Serialize(*book, f, c)
				require.NoError(t, err)
				var outBook model.AggregatedOrderBook
				require.NoError(t, s.Deserialize(data, f, c, &outBook))
				assert.Equal(t, *book, outBook)

				liq := sampleLiquidation()
				data, _, err = s.Serialize(liq, f, c)
				require.NoError(t, err)
				var outLiq model.LiquidationVolumeMessage
				require.NoError(t, s.Deserialize(data, f, c, &outLiq))
				assert.Equal(t, *liq, outLiq)
			})
		}
	}
}

func TestJSONWireShape(t *testing.T) {
	s := newTestSerializer(t)

	data, _, err := s.Serialize(sampleDelta(true), enum.FormatJSON, enum.CompressionNone)
	require.NoError(t, err)
	var snapshot map[string]any
	require.NoError(t, sonic.Unmarshal(data, &snapshot))
	assert.Equal(t, "orderbook_delta", snapshot["type"])
	assert.Equal(t, true, snapshot["full_snapshot"])
	assert.EqualValues(t, 42, snapshot["sequence_id"])
	bid := snapshot["bids"].([]any)[0].(map[string]any)
	assert.NotContains(t, bid, "operation")

	data, _, err = s.Serialize(sampleDelta(false), enum.FormatJSON, enum.CompressionNone)
	require.NoError(t, err)
	var delta map[string]any
	require.NoError(t, sonic.Unmarshal(data, &delta))
	bid = delta["bids"].([]any)[0].(map[string]any)
	assert.Equal(t, "update", bid["operation"])
	ask := delta["asks"].([]any)[0].(map[string]any)
	assert.Equal(t, "remove", ask["operation"])

	data, _, err = s.Serialize(sampleLiquidation(), enum.FormatJSON, enum.CompressionNone)
	require.NoError(t, err)
	var liq map[string]any
	require.NoError(t, sonic.Unmarshal(data, &liq))
	assert.Equal(t, true, liq["is_update"])
	point := liq["data"].([]any)[0].(map[string]any)
	for _, key := range []string{"time", "buy_volume", "sell_volume", "total_volume", "delta_volume",
		"buy_volume_formatted", "sell_volume_formatted", "total_volume_formatted", "delta_volume_formatted",
		"count", "timestamp_ms"} {
		assert.Contains(t, point, key)
	}
	assert.NotContains(t, point, "avg_volume")
	assert.Equal(t, "1.50K", point["total_volume_formatted"])
}

func TestUnsupportedValuesFailFast(t *testing.T) {
	s := newTestSerializer(t)

	_, _, err := s.Serialize(sampleDelta(true), enum.Format(99), enum.CompressionNone)
	assert.True(t, errors.Is(err, exception.ErrUnsupportedFormat))

	_, _, err = s.Serialize(sampleDelta(true), enum.FormatJSON, enum.Compression(99))
	assert.True(t, errors.Is(err, exception.ErrUnsupportedCompression))

	_, _, err = s.Serialize("plain string", enum.FormatJSON, enum.CompressionNone)
	assert.True(t, errors.Is(err, exception.ErrUnsupportedPayload))

	_, err = ParseFormat("xml")
	assert.True(t, errors.Is(err, exception.ErrUnsupportedFormat))
	_, err = ParseCompression("brotli")
	assert.True(t, errors.Is(err, exception.ErrUnsupportedCompression))

	choice, err := ParseChoice("binary", "zstd")
	require.NoError(t, err)
	assert.Equal(t, Choice{Format: enum.FormatBinary, Compression: enum.CompressionZstd}, choice)
}

func TestDeserializeRejectsWrongKind(t *testing.T) {
	s := newTestSerializer(t)
	data, _, err := s.Serialize(sampleBook(), enum.FormatBinary, enum.CompressionNone)
	require.NoError(t, err)

	var out model.OrderBookDelta
	err = s.Deserialize(data, enum.FormatBinary, enum.CompressionNone, &out)
	assert.True(t, errors.Is(err, exception.ErrMalformedPayload))

	err = s.Deserialize([]byte("not gzip"), enum.FormatJSON, enum.CompressionGzip, &out)
	assert.True(t, errors.Is(err, exception.ErrMalformedPayload))
}

func TestBenchmarkCoversEveryCombination(t *testing.T) {
	s := newTestSerializer(t)
	results, err := s.Benchmark(sampleDelta(false), 3)
	require.NoError(t, err)
	assert.Len(t, results, len(enum.Formats())*len(enum.Compressions()))
	for _, r := range results {
		assert.Positive(t, r.Size, r.Choice.String())
		if r.Choice.Compression == enum.CompressionNone {
			assert.Equal(t, 1.0, r.Ratio)
		}
	}

	_, err = s.Benchmark(42, 1)
	assert.Error(t, err)
}

func TestAutoSelect(t *testing.T) {
	jsonNone := BenchmarkResult{Choice: DefaultChoice, SerializeTime: 10 * time.Microsecond, DeserializeTime: 10 * time.Microsecond, Size: 1000}
	binZstd := BenchmarkResult{Choice: Choice{Format: enum.FormatBinary, Compression: enum.CompressionZstd}, SerializeTime: 5 * time.Microsecond, DeserializeTime: 5 * time.Microsecond, Size: 200}
	jsonGzip := BenchmarkResult{Choice: Choice{Format: enum.FormatJSON, Compression: enum.CompressionGzip}, SerializeTime: 10 * time.Microsecond, DeserializeTime: 9 * time.Microsecond, Size: 950}

	assert.Equal(t, binZstd.Choice, AutoSelect([]BenchmarkResult{jsonNone, binZstd}, nil, DefaultSelectMargin))
	assert.Equal(t, DefaultChoice, AutoSelect([]BenchmarkResult{jsonNone, jsonGzip}, nil, DefaultSelectMargin))
	assert.Equal(t, DefaultChoice, AutoSelect(nil, nil, DefaultSelectMargin))

	override := Choice{Format: enum.FormatJSON, Compression: enum.CompressionLZ4}
	assert.Equal(t, override, AutoSelect([]BenchmarkResult{jsonNone, binZstd}, &override, DefaultSelectMargin))
}
