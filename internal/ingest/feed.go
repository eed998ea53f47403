package ingest

import (
	"context"
	"time"

	"mdstream/internal/model"
)

// OrderBookHandler receives each raw book snapshot of a stream.
type OrderBookHandler func(book model.RawBook)

// LiquidationHandler receives each raw liquidation event of a stream.
type LiquidationHandler func(e model.LiquidationEvent)

// Feed is an upstream market data source.
// The Stream methods block until ctx is done or the stream fails; callers own reconnects.
type Feed interface {
	StreamOrderBook(ctx context.Context, symbol string, fn OrderBookHandler) error
	StreamLiquidations(ctx context.Context, symbol string, fn LiquidationHandler) error
	BackfillLiquidations(ctx context.Context, symbol string, since, until time.Time) ([]model.LiquidationEvent, error)
}
