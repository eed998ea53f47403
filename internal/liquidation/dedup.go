package liquidation

import (
	"mdstream/internal/model"
	"mdstream/internal/model/enum"
)

// DefaultDedupWindow is how many recent events are remembered for duplicate detection.
const DefaultDedupWindow = 256

type eventKey struct {
	timestamp int64
	price     float64
	side      enum.Side
}

func keyOf(e model.LiquidationEvent) eventKey {
	return eventKey{timestamp: e.Timestamp, price: e.Price, side: e.Side}
}

// dedupWindow remembers the keys of the last N accepted events.
type dedupWindow struct {
	ring []eventKey
	head int
	size int
	seen map[eventKey]int
}

func newDedupWindow(n int) *dedupWindow {
	if n <= 0 {
		n = DefaultDedupWindow
	}
	return &dedupWindow{
		ring: make([]eventKey, n),
		seen: make(map[eventKey]int, n),
	}
}

// accept reports whether e is new and remembers it, evicting the oldest key when full.
func (w *dedupWindow) accept(e model.LiquidationEvent) bool {
	k := keyOf(e)
	if w.seen[k] > 0 {
		return false
	}
	if w.size == len(w.ring) {
		old := w.ring[w.head]
		if w.seen[old]--; w.seen[old] <= 0 {
			delete(w.seen, old)
		}
		w.ring[w.head] = k
		w.head = (w.head + 1) % len(w.ring)
	} else {
		w.ring[(w.head+w.size)%len(w.ring)] = k
		w.size++
	}
	w.seen[k]++
	return true
}

func (w *dedupWindow) len() int {
	return w.size
}
