package enum

import "strings"

// Side is the taker side of a liquidation order.
type Side uint8

const (
	_side_beg Side = iota
	SideBuy
	SideSell
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts exchange spellings such as "BUY", "Sell" or "sell".
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid":
		return SideBuy, true
	case "sell", "s", "ask":
		return SideSell, true
	default:
		return 0, false
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	side, ok := ParseSide(string(b))
	if !ok {
		*s = 0
		return nil
	}
	*s = side
	return nil
}
