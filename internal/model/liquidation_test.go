package model

import (
	"testing"

	"mdstream/internal/model/enum"

	"github.com/stretchr/testify/assert"
)

func TestFormatVolume(t *testing.T) {
	assert.Equal(t, "999.50", FormatVolume(999.5))
	assert.Equal(t, "1.50K", FormatVolume(1500))
	assert.Equal(t, "2.25M", FormatVolume(2_250_000))
	assert.Equal(t, "-3.00B", FormatVolume(-3e9))
}

func TestVolumeBucketPoint(t *testing.T) {
	b := VolumeBucket{Symbol: "BTCUSDT", Timeframe: enum.Timeframe1m, BucketStart: 60_000}
	b.Add(LiquidationEvent{Side: enum.SideBuy, Quantity: 2, Price: 100})
	b.Add(LiquidationEvent{Side: enum.SideSell, Quantity: 1, Price: 50})

	p := b.Point()
	assert.Equal(t, int64(60), p.Time)
	assert.Equal(t, int64(60_000), p.TimestampMs)
	assert.Equal(t, 200.0, p.BuyVolume)
	assert.Equal(t, 50.0, p.SellVolume)
	assert.Equal(t, 250.0, p.TotalVolume)
	assert.Equal(t, 150.0, p.DeltaVolume)
	assert.Equal(t, int64(2), p.Count)
	assert.Nil(t, p.AvgVolume)
}
