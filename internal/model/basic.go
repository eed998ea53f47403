package model

import "strconv"

// RawLevel is an order book level as exchanges deliver it: [0]price [1]amount.
type RawLevel [2]string

// NewRawLevel formats a float price/amount pair into a RawLevel.
func NewRawLevel(price, amount float64) RawLevel {
	return RawLevel{
		strconv.FormatFloat(price, 'f', -1, 64),
		strconv.FormatFloat(amount, 'f', -1, 64),
	}
}

// RawBook is one upstream order book snapshot for a symbol.
type RawBook struct {
	Symbol    string
	Source    string
	Timestamp int64 // unix milliseconds
	Bids      []RawLevel
	Asks      []RawLevel
}
