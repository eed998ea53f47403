package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mdstream/internal/liquidation"
	"mdstream/internal/model"
	"mdstream/internal/orderbook"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const snapshotPriority = 1

// BookHealth is the upstream state of one order book symbol.
type BookHealth struct {
	Status      liquidation.Status
	Subscribers int
	Retries     int
	LastError   string
	LastUpdate  time.Time
	Version     uint64
}

// bookTask owns the upstream depth stream of one symbol and fans every raw book out
// to the connections subscribed to it.
type bookTask struct {
	svc    *Service
	symbol string
	cancel context.CancelFunc
	done   chan struct{}

	// version increases on every raw book and keys the aggregation cache.
	version atomic.Uint64

	mu         sync.Mutex
	status     liquidation.Status
	retries    int
	lastErr    error
	lastUpdate time.Time
}

func newBookTask(svc *Service, symbol string) *bookTask {
	return &bookTask{
		svc:    svc,
		symbol: symbol,
		done:   make(chan struct{}),
		status: liquidation.StatusConnecting,
	}
}

func (t *bookTask) run(ctx context.Context) {
	defer close(t.done)

	bo := t.svc.cfg.Backoff
	attempt := 0
	members := make([]string, 0, 8)
	for {
		var received atomic.Bool
		err := t.svc.feed.StreamOrderBook(ctx, t.symbol, func(raw model.RawBook) {
			if !received.Swap(true) {
				t.setStatus(liquidation.StatusLive, nil, 0)
			}
			members = t.fanOut(raw, members)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = exception.ErrConnectionClose
		}
		if received.Load() {
			attempt = 0
		}
		attempt++
		if bo.Exhausted(attempt) {
			t.setStatus(liquidation.StatusErrored, err, attempt-1)
			t.svc.metrics.SetSymbolErrored(t.symbol, true)
			logs.Errorf("stream: depth upstream %s errored, err: %+v", t.symbol,
				errors.Wrapf(exception.ErrRetriesExhausted, "last err: %+v", err))
			return
		}
		t.setStatus(liquidation.StatusReconnecting, err, attempt)
		logs.Errorf("stream: depth upstream %s dropped, retry %d, err: %+v", t.symbol, attempt, err)
		if !bo.Sleep(ctx, attempt) {
			return
		}
	}
}

// fanOut diffs raw against every subscriber's last sent book and queues the non-empty deltas.
func (t *bookTask) fanOut(raw model.RawBook, members []string) []string {
	if raw.Symbol == "" {
		raw.Symbol = t.symbol
	}
	version := t.version.Add(1)
	t.mu.Lock()
	t.lastUpdate = time.Now()
	t.mu.Unlock()

	s := t.svc
	members = s.bookRefs.Members(t.symbol, members)
	for _, connID := range members {
		c := s.connection(connID)
		if c == nil {
			continue
		}
		delta := s.computeDelta(c, raw, version)
		if delta == nil {
			continue
		}
		priority := 0
		if delta.FullSnapshot {
			priority = snapshotPriority
		}
		s.scheduler.AddUpdate(connID, delta, priority)
	}
	return members
}

func (s *Service) computeDelta(c *connection, raw model.RawBook, version uint64) *model.OrderBookDelta {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.books[raw.Symbol]
	if !ok {
		return nil
	}
	book, _ := s.books.AggregateBook(raw, version, p.rounding, p.depth)
	return s.deltas.Compute(orderbook.StateKey{ConnID: c.id, Symbol: raw.Symbol}, book)
}

func (t *bookTask) setStatus(status liquidation.Status, err error, retries int) {
	t.mu.Lock()
	t.status = status
	t.retries = retries
	if err != nil {
		t.lastErr = err
	}
	t.mu.Unlock()
}

func (t *bookTask) health() BookHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := BookHealth{
		Status:     t.status,
		Retries:    t.retries,
		LastUpdate: t.lastUpdate,
		Version:    t.version.Load(),
	}
	if t.lastErr != nil {
		h.LastError = t.lastErr.Error()
	}
	return h
}
