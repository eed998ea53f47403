package exception

import "errors"

var (
	ErrUnsupportedTimeframe = errors.New("liquidation: unsupported timeframe")
	ErrNilSubscription      = errors.New("liquidation: nil subscription")
	ErrNotSubscribed        = errors.New("liquidation: subscription not found")
	ErrAggregatorClosed     = errors.New("liquidation: aggregator closed")
)
