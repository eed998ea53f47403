package orderbook

import (
	"cmp"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/obs"

	"github.com/shopspring/decimal"
)

// AggregateStats describes one aggregation call.
type AggregateStats struct {
	InputLevels int
	Malformed   int
	CacheHit    bool
	Elapsed     time.Duration
}

type cacheKey struct {
	symbol   string
	rounding float64
	depth    int
	version  uint64
}

type cacheEntry struct {
	book  model.AggregatedOrderBook
	stats AggregateStats
}

// Aggregator buckets raw levels by a rounding step.
// Cached results are shared between callers and must be treated as read-only.
type Aggregator struct {
	mu       sync.Mutex
	cache    map[cacheKey]cacheEntry
	versions map[string]uint64
	metrics  *obs.Metrics
}

// NewAggregator creates an aggregator reporting into metrics, which may be nil.
func NewAggregator(metrics *obs.Metrics) *Aggregator {
	return &Aggregator{
		cache:    make(map[cacheKey]cacheEntry),
		versions: make(map[string]uint64),
		metrics:  metrics,
	}
}

type side uint8

const (
	sideBid side = iota
	sideAsk
)

// Aggregate rounds bid prices down and ask prices up to a multiple of rounding, sums amounts at
// the same rounded price, sorts best price first, truncates to depth and fills cumulative amounts.
// Rounding <= 0 keeps raw prices. Depth <= 0 keeps every level.
func (a *Aggregator) Aggregate(symbol string, rawBids, rawAsks []model.RawLevel, rounding float64, depth int) (model.AggregatedOrderBook, AggregateStats) {
	start := time.Now()

	var step decimal.Decimal
	if rounding > 0 && !math.IsInf(rounding, 0) {
		step = decimal.NewFromFloat(rounding)
	}

	bids, badBids := aggregateSide(rawBids, step, depth, sideBid)
	asks, badAsks := aggregateSide(rawAsks, step, depth, sideAsk)

	stats := AggregateStats{
		InputLevels: len(rawBids) + len(rawAsks),
		Malformed:   badBids + badAsks,
		Elapsed:     time.Since(start),
	}
	if a != nil {
		a.metrics.ObserveAggregate(stats.Elapsed, stats.Malformed)
	}

	return model.AggregatedOrderBook{
		Symbol:   symbol,
		Rounding: rounding,
		Depth:    depth,
		Bids:     bids,
		Asks:     asks,
	}, stats
}

// AggregateCached serves repeated requests for the same raw snapshot from a cache keyed by
// (symbol, rounding, depth, version). A newer version for a symbol evicts every older entry of it.
func (a *Aggregator) AggregateCached(symbol string, version uint64, rawBids, rawAsks []model.RawLevel, rounding float64, depth int) (model.AggregatedOrderBook, AggregateStats) {
	key := cacheKey{symbol: symbol, rounding: rounding, depth: depth, version: version}

	a.mu.Lock()
	if current, ok := a.versions[symbol]; ok && version < current {
		a.mu.Unlock()
		book, stats := a.Aggregate(symbol, rawBids, rawAsks, rounding, depth)
		return book, stats
	}
	if entry, ok := a.cache[key]; ok {
		a.mu.Unlock()
		stats := entry.stats
		stats.CacheHit = true
		return entry.book, stats
	}
	if a.versions[symbol] != version {
		a.evictLocked(symbol)
		a.versions[symbol] = version
	}
	a.mu.Unlock()

	book, stats := a.Aggregate(symbol, rawBids, rawAsks, rounding, depth)

	a.mu.Lock()
	if a.versions[symbol] == version {
		a.cache[key] = cacheEntry{book: book, stats: stats}
	}
	a.mu.Unlock()
	return book, stats
}

// AggregateBook aggregates a raw book through the cache and stamps its source and timestamp.
func (a *Aggregator) AggregateBook(raw model.RawBook, version uint64, rounding float64, depth int) (model.AggregatedOrderBook, AggregateStats) {
	book, stats := a.AggregateCached(raw.Symbol, version, raw.Bids, raw.Asks, rounding, depth)
	book.Timestamp = raw.Timestamp
	book.Source = raw.Source
	return book, stats
}

// Invalidate drops every cached result of symbol.
func (a *Aggregator) Invalidate(symbol string) {
	a.mu.Lock()
	a.evictLocked(symbol)
	delete(a.versions, symbol)
	a.mu.Unlock()
}

// CacheLen returns the number of cached results.
func (a *Aggregator) CacheLen() int {
	a.mu.Lock()
	n := len(a.cache)
	a.mu.Unlock()
	return n
}

func (a *Aggregator) evictLocked(symbol string) {
	for k := range a.cache {
		if k.symbol == symbol {
			delete(a.cache, k)
		}
	}
}

type bucket struct {
	price  float64
	amount float64
}

func aggregateSide(raw []model.RawLevel, step decimal.Decimal, depth int, s side) ([]model.Level, int) {
	if len(raw) == 0 {
		return []model.Level{}, 0
	}

	malformed := 0
	index := make(map[float64]int, len(raw))
	buckets := make([]bucket, 0, len(raw))
	for _, lv := range raw {
		price, amount, ok := parseLevel(lv)
		if !ok {
			malformed++
			continue
		}
		if amount == 0 {
			continue
		}

		p := roundPrice(price, step, s)
		f, _ := p.Float64()
		if i, exists := index[f]; exists {
			buckets[i].amount += amount
			continue
		}
		index[f] = len(buckets)
		buckets = append(buckets, bucket{price: f, amount: amount})
	}

	if s == sideBid {
		slices.SortFunc(buckets, func(x, y bucket) int { return cmp.Compare(y.price, x.price) })
	} else {
		slices.SortFunc(buckets, func(x, y bucket) int { return cmp.Compare(x.price, y.price) })
	}
	if depth > 0 && len(buckets) > depth {
		buckets = buckets[:depth]
	}

	levels := make([]model.Level, len(buckets))
	cumulative := 0.0
	for i, b := range buckets {
		cumulative += b.amount
		levels[i] = model.Level{Price: b.price, Amount: b.amount, CumulativeAmount: cumulative}
	}
	return levels, malformed
}

func parseLevel(lv model.RawLevel) (decimal.Decimal, float64, bool) {
	price, err := decimal.NewFromString(lv[0])
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, 0, false
	}
	amount, err := strconv.ParseFloat(lv[1], 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return decimal.Decimal{}, 0, false
	}
	return price, amount, true
}

// roundPrice floors bids and ceils asks to a multiple of step. A zero step keeps the price.
func roundPrice(price, step decimal.Decimal, s side) decimal.Decimal {
	if !step.IsPositive() {
		return price
	}
	rem := price.Mod(step)
	if rem.IsZero() {
		return price
	}
	floor := price.Sub(rem)
	if s == sideAsk {
		return floor.Add(step)
	}
	return floor
}
