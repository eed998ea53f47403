package stream

import (
	"sync"

	"mdstream/internal/codec"
	"mdstream/internal/liquidation"
	"mdstream/internal/model/enum"
)

type bookParams struct {
	rounding float64
	depth    int
}

type liquidationKey struct {
	symbol    string
	timeframe enum.Timeframe
}

// connection is the subscription state of one subscriber.
// mu also serializes delta computation for the connection's books.
type connection struct {
	id string

	mu    sync.Mutex
	codec codec.Choice
	books map[string]bookParams
	liqs  map[liquidationKey]*liquidation.Subscription
}

func newConnection(id string, choice codec.Choice) *connection {
	return &connection{
		id:    id,
		codec: choice,
		books: make(map[string]bookParams),
		liqs:  make(map[liquidationKey]*liquidation.Subscription),
	}
}

func (c *connection) choice() codec.Choice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

func (c *connection) setChoice(choice codec.Choice) {
	c.mu.Lock()
	c.codec = choice
	c.mu.Unlock()
}

func (c *connection) bookSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbols := make([]string, 0, len(c.books))
	for symbol := range c.books {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// takeAll empties the connection and returns what it was subscribed to.
func (c *connection) takeAll() ([]string, map[liquidationKey]*liquidation.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbols := make([]string, 0, len(c.books))
	for symbol := range c.books {
		symbols = append(symbols, symbol)
	}
	liqs := c.liqs
	c.books = make(map[string]bookParams)
	c.liqs = make(map[liquidationKey]*liquidation.Subscription)
	return symbols, liqs
}
