package model

// Command is a control request sent by a subscriber over its connection.
type Command struct {
	Op          string  `json:"op"`
	Symbol      string  `json:"symbol,omitempty"`
	Rounding    float64 `json:"rounding,omitempty"`
	Depth       int     `json:"depth,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
	Format      string  `json:"format,omitempty"`
	Compression string  `json:"compression,omitempty"`
}

const (
	CommandSubscribeOrderBook      = "subscribe_orderbook"
	CommandUnsubscribeOrderBook    = "unsubscribe_orderbook"
	CommandSubscribeLiquidations   = "subscribe_liquidations"
	CommandUnsubscribeLiquidations = "unsubscribe_liquidations"
	CommandResync                  = "resync"
)
