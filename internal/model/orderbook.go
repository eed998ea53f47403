package model

import "mdstream/internal/model/enum"

// Level is one aggregated price level.
type Level struct {
	Price            float64 `json:"price"`
	Amount           float64 `json:"amount"`
	CumulativeAmount float64 `json:"cumulative_amount"`
}

// AggregatedOrderBook is a raw book bucketed by rounding step and truncated to depth.
// Bids are sorted descending, asks ascending.
type AggregatedOrderBook struct {
	Symbol    string  `json:"symbol"`
	Rounding  float64 `json:"rounding"`
	Depth     int     `json:"depth"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
}

// DeltaLevel is one price level change.
type DeltaLevel struct {
	Price     float64
	Amount    float64
	Operation enum.Operation
}

// OrderBookDelta is the minimal update for one subscriber. A nil delta means nothing changed.
type OrderBookDelta struct {
	Symbol       string
	Rounding     float64
	Depth        int
	Timestamp    int64
	SequenceID   uint64
	FullSnapshot bool
	Bids         []DeltaLevel
	Asks         []DeltaLevel
}

// Len returns the number of level operations in the delta.
func (d *OrderBookDelta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Bids) + len(d.Asks)
}

// DeltaBatch groups the deltas flushed together for one connection.
type DeltaBatch struct {
	Updates []*OrderBookDelta
}
