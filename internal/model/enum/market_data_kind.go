package enum

// MarketDataKind describes the meaning of the market data payload.
type MarketDataKind uint8

const (
	_market_data_beg MarketDataKind = iota
	MarketDataOrderBook
	MarketDataOrderBookDelta
	MarketDataOrderBookBatch
	MarketDataLiquidationVolume
	_market_data_end
)

func (m MarketDataKind) IsAvailable() bool {
	return m > _market_data_beg && m < _market_data_end
}

func (m MarketDataKind) String() string {
	switch m {
	case MarketDataOrderBook:
		return "orderbook"
	case MarketDataOrderBookDelta:
		return "orderbook_delta"
	case MarketDataOrderBookBatch:
		return "orderbook_batch"
	case MarketDataLiquidationVolume:
		return "liquidation_volume"
	default:
		return "unknown"
	}
}
