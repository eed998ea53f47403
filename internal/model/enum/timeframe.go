package enum

import "time"

// Timeframe is the width of a liquidation volume bucket.
type Timeframe uint8

const (
	_timeframe_beg Timeframe = iota
	Timeframe1m
	Timeframe5m
	Timeframe15m
	Timeframe30m
	Timeframe1h
	Timeframe4h
	Timeframe1d
	_timeframe_end
)

func (t Timeframe) IsAvailable() bool {
	return t > _timeframe_beg && t < _timeframe_end
}

func (t Timeframe) String() string {
	switch t {
	case Timeframe1m:
		return "1m"
	case Timeframe5m:
		return "5m"
	case Timeframe15m:
		return "15m"
	case Timeframe30m:
		return "30m"
	case Timeframe1h:
		return "1h"
	case Timeframe4h:
		return "4h"
	case Timeframe1d:
		return "1d"
	default:
		return "unknown"
	}
}

func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Millis returns the bucket width in milliseconds.
func (t Timeframe) Millis() int64 {
	return t.Duration().Milliseconds()
}

// BucketStart floors a unix millisecond timestamp to the start of its bucket:
// floor(ts / width) * width. Negative timestamps floor towards minus infinity.
func (t Timeframe) BucketStart(tsMilli int64) int64 {
	width := t.Millis()
	if width <= 0 {
		return tsMilli
	}
	q := tsMilli / width
	if tsMilli%width != 0 && tsMilli < 0 {
		q--
	}
	return q * width
}

func ParseTimeframe(s string) (Timeframe, bool) {
	for t := _timeframe_beg + 1; t < _timeframe_end; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

func (t Timeframe) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Timeframe) UnmarshalText(b []byte) error {
	tf, _ := ParseTimeframe(string(b))
	*t = tf
	return nil
}
