// Package liquidation accumulates liquidation events into time buckets per symbol and fans the
// changes out to subscribers. One upstream stream is kept per symbol while it has subscribers.
package liquidation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mdstream/internal/ingest"
	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/internal/obs"
	"mdstream/pkg/backoff"
	"mdstream/pkg/exception"
	"mdstream/pkg/refcount"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Config defines the aggregation parameters.
type Config struct {
	// Timeframes are the bucket widths maintained for every symbol.
	Timeframes []enum.Timeframe
	// DrainInterval is how often buffered events are folded into buckets.
	DrainInterval time.Duration
	// DedupWindow is how many recent events are checked for duplicates.
	DedupWindow int
	// AverageCapacity is the moving average window of bucket volume.
	AverageCapacity int
	// BackfillWindow is how far back history is loaded on first subscription. Zero disables it.
	BackfillWindow time.Duration
	// DisplayLimit bounds the recent raw events kept for display.
	DisplayLimit int
	// EventBuffer is the capacity of the stream to task channel.
	EventBuffer int
	// Backoff controls upstream reconnects.
	Backoff backoff.Backoff
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeframes:      []enum.Timeframe{enum.Timeframe1m, enum.Timeframe5m, enum.Timeframe15m, enum.Timeframe1h, enum.Timeframe4h},
		DrainInterval:   time.Second,
		DedupWindow:     DefaultDedupWindow,
		AverageCapacity: DefaultAverageCapacity,
		BackfillWindow:  24 * time.Hour,
		DisplayLimit:    100,
		EventBuffer:     1024,
		Backoff:         backoff.Default(),
	}
}

func (c *Config) normalize() error {
	if len(c.Timeframes) == 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "liquidation: no timeframes")
	}
	for _, tf := range c.Timeframes {
		if !tf.IsAvailable() {
			return errors.Wrapf(exception.ErrUnsupportedTimeframe, "timeframe: %d", tf)
		}
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.AverageCapacity <= 0 {
		c.AverageCapacity = DefaultAverageCapacity
	}
	if c.DisplayLimit <= 0 {
		c.DisplayLimit = 100
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	return nil
}

// Stats are aggregator-wide counters.
type Stats struct {
	EventsReceived    uint64
	DuplicatesDropped uint64
	MalformedDropped  uint64
	Drains            uint64
	ActiveSymbols     int
}

// Aggregator owns the per-symbol tasks and the subscriber registry.
type Aggregator struct {
	cfg     Config
	feed    ingest.Feed
	metrics *obs.Metrics

	refs *refcount.Counter[string, *Subscription]

	mu       sync.Mutex
	tasks    map[string]*task
	stopping map[string]*task
	closed   bool

	events     atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
	drains     atomic.Uint64
}

// NewAggregator creates an aggregator reading from feed. metrics may be nil.
func NewAggregator(cfg Config, feed ingest.Feed, metrics *obs.Metrics) (*Aggregator, error) {
	if feed == nil {
		return nil, exception.ErrNilFeed
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:     cfg,
		feed:    feed,
		metrics: metrics,
		refs:     refcount.New[string, *Subscription](),
		tasks:    make(map[string]*task),
		stopping: make(map[string]*task),
	}, nil
}

// Subscribe registers sub for symbol. The first subscriber of a symbol opens its upstream stream
// and starts its task. Later subscribers receive the current history right away.
// The task outlives ctx and is stopped by the last Unsubscribe.
func (a *Aggregator) Subscribe(ctx context.Context, symbol string, sub *Subscription) error {
	if sub == nil || sub.cb == nil {
		return exception.ErrNilSubscription
	}
	if !a.tracks(sub.timeframe) {
		return errors.Wrapf(exception.ErrUnsupportedTimeframe, "timeframe: %s", sub.timeframe)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return exception.ErrAggregatorClosed
	}
	// A task of symbol still tearing down must not reach the new subscriber.
	if old, ok := a.stopping[symbol]; ok && a.refs.Count(symbol) == 0 {
		<-old.done
	}
	wasFirst, added := a.refs.Inc(symbol, sub)
	if !added {
		a.mu.Unlock()
		return nil
	}
	t := a.tasks[symbol]
	if wasFirst {
		t = newTask(a, symbol)
		a.tasks[symbol] = t
		taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.cancel = cancel
		go t.run(taskCtx)
		a.metrics.SetActiveSymbols(len(a.tasks))
		logs.Infof("liquidation: open upstream for %s", symbol)
	}
	a.mu.Unlock()

	if !wasFirst {
		t.primeLate(sub)
	}
	return nil
}

// Unsubscribe removes sub from symbol. Removing the last subscriber cancels the symbol task,
// waits for it to finish and only then clears the symbol's state. The wait happens outside the
// registry lock.
func (a *Aggregator) Unsubscribe(symbol string, sub *Subscription) error {
	if sub == nil {
		return exception.ErrNilSubscription
	}

	a.mu.Lock()
	wasLast, found := a.refs.Dec(symbol, sub)
	if !found {
		a.mu.Unlock()
		return errors.Wrapf(exception.ErrNotSubscribed, "symbol: %s", symbol)
	}
	sub.primed.Store(false)
	if !wasLast {
		a.mu.Unlock()
		return nil
	}
	t := a.detachLocked(symbol)
	a.metrics.SetActiveSymbols(len(a.tasks))
	a.mu.Unlock()

	a.stop(symbol, t)
	logs.Infof("liquidation: closed upstream for %s", symbol)
	return nil
}

// Close stops every task. Subscribe fails afterwards.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	detached := make(map[string]*task, len(a.tasks))
	for symbol := range a.tasks {
		for _, sub := range a.refs.Members(symbol, nil) {
			a.refs.Dec(symbol, sub)
		}
		detached[symbol] = a.detachLocked(symbol)
	}
	a.metrics.SetActiveSymbols(0)
	a.mu.Unlock()

	for symbol, t := range detached {
		a.stop(symbol, t)
	}
}

// detachLocked removes the task of symbol from the registry and cancels it.
func (a *Aggregator) detachLocked(symbol string) *task {
	t, ok := a.tasks[symbol]
	if !ok {
		return nil
	}
	delete(a.tasks, symbol)
	a.stopping[symbol] = t
	t.cancel()
	return t
}

// stop waits for a detached task to finish and then clears its state.
func (a *Aggregator) stop(symbol string, t *task) {
	if t == nil {
		return
	}
	<-t.done
	t.clear()

	a.mu.Lock()
	if a.stopping[symbol] == t {
		delete(a.stopping, symbol)
	}
	if _, ok := a.tasks[symbol]; !ok {
		a.metrics.SetSymbolErrored(symbol, false)
	}
	a.mu.Unlock()
}

// Symbols returns the subscriber count of every active symbol.
func (a *Aggregator) Symbols() map[string]int {
	out := make(map[string]int)
	for _, symbol := range a.refs.Keys() {
		out[symbol] = a.refs.Count(symbol)
	}
	return out
}

// Health returns the upstream status of every active symbol.
func (a *Aggregator) Health() map[string]Health {
	a.mu.Lock()
	tasks := make(map[string]*task, len(a.tasks))
	for symbol, t := range a.tasks {
		tasks[symbol] = t
	}
	a.mu.Unlock()

	out := make(map[string]Health, len(tasks))
	for symbol, t := range tasks {
		h := t.health()
		h.Subscribers = a.refs.Count(symbol)
		out[symbol] = h
	}
	return out
}

// Stats returns the aggregator counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	active := len(a.tasks)
	a.mu.Unlock()
	return Stats{
		EventsReceived:    a.events.Load(),
		DuplicatesDropped: a.duplicates.Load(),
		MalformedDropped:  a.malformed.Load(),
		Drains:            a.drains.Load(),
		ActiveSymbols:     active,
	}
}

// DisplayEvents returns up to limit recent raw events of symbol, newest first.
func (a *Aggregator) DisplayEvents(symbol string, limit int) []model.LiquidationEvent {
	if t := a.task(symbol); t != nil {
		return t.display(limit)
	}
	return nil
}

// Buckets returns the accumulated buckets of (symbol, timeframe) sorted by bucket start.
func (a *Aggregator) Buckets(symbol string, tf enum.Timeframe) []model.VolumeBucket {
	if t := a.task(symbol); t != nil {
		return t.buckets(tf)
	}
	return nil
}

func (a *Aggregator) task(symbol string) *task {
	a.mu.Lock()
	t := a.tasks[symbol]
	a.mu.Unlock()
	return t
}

func (a *Aggregator) tracks(tf enum.Timeframe) bool {
	return slices.Contains(a.cfg.Timeframes, tf)
}

func (a *Aggregator) deliver(sub *Subscription, msg model.LiquidationVolumeMessage) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.IncSendError()
			logs.Errorf("liquidation: callback for %s %s panic, err: %s", msg.Symbol, msg.Timeframe, fmt.Sprint(r))
		}
	}()
	sub.cb(msg)
}
