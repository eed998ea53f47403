package orderbook

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
)

const (
	// DefaultEpsilon is the smallest amount change reported as an update.
	DefaultEpsilon = 1e-8
	// DefaultSnapshotInterval is how often a connection is resent the full book.
	DefaultSnapshotInterval = 30 * time.Second
)

// State is the delta lifecycle of one connection.
type State uint8

const (
	StateUninitialized State = iota
	StateSnapshotSent
	StateDeltaStream
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSnapshotSent:
		return "snapshot_sent"
	case StateDeltaStream:
		return "delta_stream"
	default:
		return "unknown"
	}
}

// ConnectionState is what one subscriber was last sent.
// It is mutated only by ComputeDelta for that subscriber.
type ConnectionState struct {
	bids map[float64]float64
	asks map[float64]float64

	SequenceID           uint64
	LastUpdateTime       time.Time
	LastFullSnapshotTime time.Time

	state  State
	resync atomic.Bool
}

// NewConnectionState returns an uninitialized state.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{}
}

// State returns the lifecycle state.
func (s *ConnectionState) State() State {
	return s.state
}

// Levels returns the number of stored bid and ask levels.
func (s *ConnectionState) Levels() (bids, asks int) {
	return len(s.bids), len(s.asks)
}

// DeltaConfig configures a DeltaComputer. Zero values fall back to the defaults.
type DeltaConfig struct {
	Epsilon          float64
	SnapshotInterval time.Duration
}

// DeltaComputer diffs aggregated books against per-connection state.
type DeltaComputer struct {
	epsilon          float64
	snapshotInterval time.Duration
	seq              *Sequencer
	now              func() time.Time
}

// NewDeltaComputer creates a computer drawing ids from seq. A nil seq gets a fresh sequencer.
func NewDeltaComputer(cfg DeltaConfig, seq *Sequencer) *DeltaComputer {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if seq == nil {
		seq = NewSequencer(0)
	}
	return &DeltaComputer{
		epsilon:          cfg.Epsilon,
		snapshotInterval: cfg.SnapshotInterval,
		seq:              seq,
		now:              time.Now,
	}
}

// ComputeDelta returns the minimal update that brings the connection from its last-sent state to
// book, or nil when nothing changed. The first call, a resync request and every elapsed snapshot
// interval produce a full snapshot instead.
func (c *DeltaComputer) ComputeDelta(state *ConnectionState, book model.AggregatedOrderBook) *model.OrderBookDelta {
	if state == nil {
		return nil
	}

	now := c.now()
	full := state.state == StateUninitialized ||
		state.resync.Swap(false) ||
		now.Sub(state.LastFullSnapshotTime) >= c.snapshotInterval

	delta := &model.OrderBookDelta{
		Symbol:       book.Symbol,
		Rounding:     book.Rounding,
		Depth:        book.Depth,
		Timestamp:    book.Timestamp,
		FullSnapshot: full,
	}

	if full {
		delta.Bids = snapshotLevels(book.Bids)
		delta.Asks = snapshotLevels(book.Asks)
	} else {
		delta.Bids = c.diffSide(state.bids, book.Bids, sideBid)
		delta.Asks = c.diffSide(state.asks, book.Asks, sideAsk)
		if delta.Len() == 0 {
			return nil
		}
	}

	delta.SequenceID = c.seq.Next()
	state.bids = mirror(state.bids, book.Bids)
	state.asks = mirror(state.asks, book.Asks)
	state.SequenceID = delta.SequenceID
	state.LastUpdateTime = now
	if full {
		state.LastFullSnapshotTime = now
		state.state = StateSnapshotSent
	} else {
		state.state = StateDeltaStream
	}
	return delta
}

// ForceSnapshot makes the next ComputeDelta for state a full snapshot.
// It is safe to call from a goroutine other than the one computing deltas.
func (c *DeltaComputer) ForceSnapshot(state *ConnectionState) {
	if state == nil {
		return
	}
	state.resync.Store(true)
}

func (c *DeltaComputer) diffSide(prev map[float64]float64, levels []model.Level, s side) []model.DeltaLevel {
	var ops []model.DeltaLevel
	seen := make(map[float64]struct{}, len(levels))
	for _, lv := range levels {
		seen[lv.Price] = struct{}{}
		old, ok := prev[lv.Price]
		switch {
		case !ok:
			ops = append(ops, model.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Operation: enum.OperationAdd})
		case math.Abs(lv.Amount-old) > c.epsilon:
			ops = append(ops, model.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Operation: enum.OperationUpdate})
		}
	}

	removedFrom := len(ops)
	for price := range prev {
		if _, ok := seen[price]; !ok {
			ops = append(ops, model.DeltaLevel{Price: price, Amount: 0, Operation: enum.OperationRemove})
		}
	}
	removed := ops[removedFrom:]
	if s == sideBid {
		slices.SortFunc(removed, func(x, y model.DeltaLevel) int { return cmp.Compare(y.Price, x.Price) })
	} else {
		slices.SortFunc(removed, func(x, y model.DeltaLevel) int { return cmp.Compare(x.Price, y.Price) })
	}
	return ops
}

func snapshotLevels(levels []model.Level) []model.DeltaLevel {
	out := make([]model.DeltaLevel, len(levels))
	for i, lv := range levels {
		out[i] = model.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Operation: enum.OperationAdd}
	}
	return out
}

func mirror(dst map[float64]float64, levels []model.Level) map[float64]float64 {
	if dst == nil {
		dst = make(map[float64]float64, len(levels))
	} else {
		clear(dst)
	}
	for _, lv := range levels {
		dst[lv.Price] = lv.Amount
	}
	return dst
}

// StateKey identifies one connection's subscription to one symbol.
type StateKey struct {
	ConnID string
	Symbol string
}

// Manager owns the ConnectionState of every subscription.
type Manager struct {
	computer *DeltaComputer

	mu     sync.Mutex
	states map[StateKey]*ConnectionState
}

// NewManager creates an empty state registry around computer.
func NewManager(computer *DeltaComputer) *Manager {
	return &Manager{
		computer: computer,
		states:   make(map[StateKey]*ConnectionState),
	}
}

// Get returns the state for key, creating it on first use.
func (m *Manager) Get(key StateKey) *ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		st = NewConnectionState()
		m.states[key] = st
	}
	return st
}

// Compute diffs book against the state of key.
func (m *Manager) Compute(key StateKey, book model.AggregatedOrderBook) *model.OrderBookDelta {
	return m.computer.ComputeDelta(m.Get(key), book)
}

// ForceSnapshot requests a full snapshot for key. It reports whether the state existed.
func (m *Manager) ForceSnapshot(key StateKey) bool {
	m.mu.Lock()
	st, ok := m.states[key]
	m.mu.Unlock()
	if ok {
		m.computer.ForceSnapshot(st)
	}
	return ok
}

// Remove destroys the state of key.
func (m *Manager) Remove(key StateKey) {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
}

// RemoveConn destroys every state owned by connID.
func (m *Manager) RemoveConn(connID string) {
	m.mu.Lock()
	for k := range m.states {
		if k.ConnID == connID {
			delete(m.states, k)
		}
	}
	m.mu.Unlock()
}

// Len returns the number of live states.
func (m *Manager) Len() int {
	m.mu.Lock()
	n := len(m.states)
	m.mu.Unlock()
	return n
}
