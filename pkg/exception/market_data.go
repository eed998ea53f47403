package exception

import "errors"

var (
	ErrUnknownSymbol    = errors.New("market data: unknown symbol")
	ErrNilFeed          = errors.New("market data: nil feed")
	ErrReadTimeout      = errors.New("market data: upstream read timeout")
	ErrRetriesExhausted = errors.New("market data: upstream retries exhausted")
)
