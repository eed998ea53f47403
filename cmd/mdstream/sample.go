package main

import (
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
)

// benchmarkSample is a full snapshot shaped like a BTCUSDT book of the given depth.
func benchmarkSample(depth int) *model.OrderBookDelta {
	if depth <= 0 {
		depth = 20
	}
	d := &model.OrderBookDelta{
		Symbol:       "BTCUSDT",
		Rounding:     0.1,
		Depth:        depth,
		Timestamp:    time.Now().UnixMilli(),
		SequenceID:   1,
		FullSnapshot: true,
		Bids:         make([]model.DeltaLevel, 0, depth),
		Asks:         make([]model.DeltaLevel, 0, depth),
	}
	for i := range depth {
		step := float64(i) * 0.1
		d.Bids = append(d.Bids, model.DeltaLevel{Price: 64250.0 - step, Amount: 0.125 + step, Operation: enum.OperationAdd})
		d.Asks = append(d.Asks, model.DeltaLevel{Price: 64250.1 + step, Amount: 0.375 + step, Operation: enum.OperationAdd})
	}
	return d
}
