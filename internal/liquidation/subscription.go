package liquidation

import (
	"sync/atomic"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
)

// VolumeCallback receives liquidation volume messages for one timeframe.
// It runs on the symbol's task goroutine and must not call back into the Aggregator.
type VolumeCallback func(msg model.LiquidationVolumeMessage)

// Subscription is a registered callback. Handles are compared by identity.
type Subscription struct {
	timeframe enum.Timeframe
	cb        VolumeCallback
	primed    atomic.Bool
}

// NewSubscription wraps cb for messages of timeframe.
func NewSubscription(timeframe enum.Timeframe, cb VolumeCallback) *Subscription {
	return &Subscription{timeframe: timeframe, cb: cb}
}

// Timeframe returns the subscribed timeframe.
func (s *Subscription) Timeframe() enum.Timeframe {
	return s.timeframe
}

// prime marks the initial history as delivered. Only the first call returns true.
func (s *Subscription) prime() bool {
	return s.primed.CompareAndSwap(false, true)
}
