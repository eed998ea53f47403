package batch

// OverflowPolicy decides which item is dropped when a connection queue is full.
type OverflowPolicy uint8

const (
	_overflow_beg OverflowPolicy = iota
	// DropNewest rejects the incoming item.
	DropNewest
	// DropOldest evicts the oldest queued item to make room.
	DropOldest
	// DropLowestPriority evicts the oldest item with the lowest priority when the incoming item
	// ranks at least as high, otherwise it rejects the incoming item.
	DropLowestPriority
	_overflow_end
)

func (p OverflowPolicy) IsAvailable() bool {
	return p > _overflow_beg && p < _overflow_end
}

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case DropLowestPriority:
		return "drop_lowest_priority"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a configuration value to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	for p := _overflow_beg + 1; p < _overflow_end; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}
