package model

import (
	"strconv"

	"mdstream/internal/model/enum"
)

// LiquidationEvent is a single forced liquidation reported by the exchange.
type LiquidationEvent struct {
	Symbol    string    `json:"symbol"`
	Side      enum.Side `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
}

// Valid reports whether the event can be accumulated: a known side, positive quantity and
// price, and a non-negative timestamp.
func (e LiquidationEvent) Valid() bool {
	return e.Side.IsAvailable() && e.Quantity > 0 && e.Price > 0 && e.Timestamp >= 0
}

// Volume is the quote notional of the event.
func (e LiquidationEvent) Volume() float64 {
	return e.Quantity * e.Price
}

// VolumeBucket accumulates liquidation volume for one (symbol, timeframe, bucket start).
type VolumeBucket struct {
	Symbol      string
	Timeframe   enum.Timeframe
	BucketStart int64
	BuyVolume   float64
	SellVolume  float64
	Count       int64
}

// Add accumulates an event into the bucket.
func (b *VolumeBucket) Add(e LiquidationEvent) {
	switch e.Side {
	case enum.SideBuy:
		b.BuyVolume += e.Volume()
	case enum.SideSell:
		b.SellVolume += e.Volume()
	}
	b.Count++
}

// Point renders the bucket in wire shape.
func (b VolumeBucket) Point() VolumePoint {
	total := b.BuyVolume + b.SellVolume
	delta := b.BuyVolume - b.SellVolume
	return VolumePoint{
		Time:                 b.BucketStart / 1000,
		BuyVolume:            b.BuyVolume,
		SellVolume:           b.SellVolume,
		TotalVolume:          total,
		DeltaVolume:          delta,
		BuyVolumeFormatted:   FormatVolume(b.BuyVolume),
		SellVolumeFormatted:  FormatVolume(b.SellVolume),
		TotalVolumeFormatted: FormatVolume(total),
		DeltaVolumeFormatted: FormatVolume(delta),
		Count:                b.Count,
		TimestampMs:          b.BucketStart,
	}
}

// VolumePoint is one bucket of a liquidation volume message.
type VolumePoint struct {
	Time                 int64    `json:"time"`
	BuyVolume            float64  `json:"buy_volume"`
	SellVolume           float64  `json:"sell_volume"`
	TotalVolume          float64  `json:"total_volume"`
	DeltaVolume          float64  `json:"delta_volume"`
	BuyVolumeFormatted   string   `json:"buy_volume_formatted"`
	SellVolumeFormatted  string   `json:"sell_volume_formatted"`
	TotalVolumeFormatted string   `json:"total_volume_formatted"`
	DeltaVolumeFormatted string   `json:"delta_volume_formatted"`
	Count                int64    `json:"count"`
	TimestampMs          int64    `json:"timestamp_ms"`
	AvgVolume            *float64 `json:"avg_volume,omitempty"`
}

// LiquidationVolumeMessage wraps bucket points for one (symbol, timeframe).
type LiquidationVolumeMessage struct {
	Symbol    string        `json:"symbol"`
	Timeframe string        `json:"timeframe"`
	Data      []VolumePoint `json:"data"`
	IsUpdate  bool          `json:"is_update"`
}

// FormatVolume renders a notional with a K/M/B suffix and two decimals.
func FormatVolume(v float64) string {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	var (
		div    float64
		suffix string
	)
	switch {
	case abs >= 1e9:
		div, suffix = 1e9, "B"
	case abs >= 1e6:
		div, suffix = 1e6, "M"
	case abs >= 1e3:
		div, suffix = 1e3, "K"
	default:
		div = 1
	}
	buf := make([]byte, 0, 16)
	buf = strconv.AppendFloat(buf, v/div, 'f', 2, 64)
	buf = append(buf, suffix...)
	return string(buf)
}
