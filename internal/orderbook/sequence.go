package orderbook

import (
	"sync/atomic"
	"time"
)

// Sequencer hands out monotonically increasing delta sequence ids.
// One sequencer is shared by every connection so clients can detect gaps.
type Sequencer struct {
	next uint64
}

// NewSequencer returns a sequencer seeded with the given value.
// A zero seed starts from the current unix time in nanoseconds so ids keep growing across restarts.
func NewSequencer(seed uint64) *Sequencer {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	return &Sequencer{next: seed}
}

// Next returns the next sequence id.
func (s *Sequencer) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.next, 1)
}

// Last returns the most recently issued id.
func (s *Sequencer) Last() uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.next)
}
