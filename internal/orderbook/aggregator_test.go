package orderbook

import (
	"math/rand"
	"testing"

	"mdstream/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateRoundsBidsDownAndAsksUp(t *testing.T) {
	a := NewAggregator(nil)
	book, stats := a.Aggregate("BTCUSDT",
		[]model.RawLevel{model.NewRawLevel(100.04, 1.0), model.NewRawLevel(100.06, 2.0)},
		[]model.RawLevel{model.NewRawLevel(100.11, 1.5), model.NewRawLevel(100.2, 0.5)},
		0.1, 10)

	require.Len(t, book.Bids, 1)
	assert.Equal(t, model.Level{Price: 100.0, Amount: 3.0, CumulativeAmount: 3.0}, book.Bids[0])

	require.Len(t, book.Asks, 1)
	assert.Equal(t, 100.2, book.Asks[0].Price)
	assert.Equal(t, 2.0, book.Asks[0].Amount)
	assert.Equal(t, 0, stats.Malformed)
	assert.Equal(t, 4, stats.InputLevels)
}

func TestAggregateWithoutRoundingKeepsRawPrices(t *testing.T) {
	a := NewAggregator(nil)
	book, _ := a.Aggregate("ETHUSDT",
		[]model.RawLevel{{"1999.37", "1"}, {"2000.01", "2"}},
		nil, 0, 0)

	require.Len(t, book.Bids, 2)
	assert.Equal(t, 2000.01, book.Bids[0].Price)
	assert.Equal(t, 1999.37, book.Bids[1].Price)
	assert.Equal(t, 3.0, book.Bids[1].CumulativeAmount)
	assert.NotNil(t, book.Asks)
	assert.Empty(t, book.Asks)
}

func TestAggregateFiltersMalformedLevels(t *testing.T) {
	a := NewAggregator(nil)
	book, stats := a.Aggregate("BTCUSDT",
		[]model.RawLevel{{"abc", "1"}, {"100", "NaN"}, {"-1", "1"}, {"100", "-2"}, {"0", "1"}},
		[]model.RawLevel{{"101", "0"}, {"101.5", "Inf"}},
		1, 10)

	assert.Equal(t, 6, stats.Malformed)
	assert.NotNil(t, book.Bids)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)
}

func TestAggregateInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var bids, asks []model.RawLevel
	for i := 0; i < 1000; i++ {
		bids = append(bids, model.NewRawLevel(30000-rng.Float64()*500, rng.Float64()*3))
		asks = append(asks, model.NewRawLevel(30000+rng.Float64()*500, rng.Float64()*3))
	}

	a := NewAggregator(nil)
	for _, rounding := range []float64{0.5, 1, 10, 25} {
		depth := 50
		book, _ := a.Aggregate("BTCUSDT", bids, asks, rounding, depth)
		step := decimal.NewFromFloat(rounding)

		assert.LessOrEqual(t, len(book.Bids), depth)
		assert.LessOrEqual(t, len(book.Asks), depth)
		for i, lv := range book.Bids {
			assert.True(t, decimal.NewFromFloat(lv.Price).Mod(step).IsZero(), "bid %v not a multiple of %v", lv.Price, rounding)
			if i > 0 {
				assert.Less(t, lv.Price, book.Bids[i-1].Price)
				assert.InDelta(t, book.Bids[i-1].CumulativeAmount+lv.Amount, lv.CumulativeAmount, 1e-9)
			}
		}
		for i, lv := range book.Asks {
			assert.True(t, decimal.NewFromFloat(lv.Price).Mod(step).IsZero(), "ask %v not a multiple of %v", lv.Price, rounding)
			if i > 0 {
				assert.Greater(t, lv.Price, book.Asks[i-1].Price)
			}
		}
	}
}

func TestAggregateCachedByVersion(t *testing.T) {
	a := NewAggregator(nil)
	bids := []model.RawLevel{{"100.04", "1"}}

	_, stats := a.AggregateCached("BTCUSDT", 1, bids, nil, 0.1, 10)
	assert.False(t, stats.CacheHit)
	_, stats = a.AggregateCached("BTCUSDT", 1, bids, nil, 0.1, 10)
	assert.True(t, stats.CacheHit)
	_, stats = a.AggregateCached("BTCUSDT", 1, bids, nil, 1, 10)
	assert.False(t, stats.CacheHit)
	assert.Equal(t, 2, a.CacheLen())

	book, stats := a.AggregateCached("BTCUSDT", 2, []model.RawLevel{{"101", "4"}}, nil, 0.1, 10)
	assert.False(t, stats.CacheHit)
	assert.Equal(t, 101.0, book.Bids[0].Price)
	assert.Equal(t, 1, a.CacheLen())

	a.Invalidate("BTCUSDT")
	assert.Equal(t, 0, a.CacheLen())
	_, stats = a.AggregateCached("BTCUSDT", 2, bids, nil, 0.1, 10)
	assert.False(t, stats.CacheHit)
}

func BenchmarkAggregate(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	bids := make([]model.RawLevel, 0, 500)
	asks := make([]model.RawLevel, 0, 500)
	for i := 0; i < 500; i++ {
		bids = append(bids, model.NewRawLevel(30000-rng.Float64()*200, rng.Float64()))
		asks = append(asks, model.NewRawLevel(30000+rng.Float64()*200, rng.Float64()))
	}
	a := NewAggregator(nil)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Aggregate("BTCUSDT", bids, asks, 1, 100)
	}
}
