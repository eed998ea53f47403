package liquidation

import "math"

// DefaultAverageCapacity is the default moving average window.
const DefaultAverageCapacity = 50

// MovingAverage is the mean of the most recent non-zero observations.
type MovingAverage struct {
	buf  []float64
	head int
	size int
	sum  float64
}

// NewMovingAverage creates a window holding up to capacity observations.
func NewMovingAverage(capacity int) *MovingAverage {
	if capacity <= 0 {
		capacity = DefaultAverageCapacity
	}
	return &MovingAverage{buf: make([]float64, capacity)}
}

// Add records v. Zero and non-finite values are ignored and Add returns false.
func (m *MovingAverage) Add(v float64) bool {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if m.size == len(m.buf) {
		m.sum -= m.buf[m.head]
		m.buf[m.head] = v
		m.head = (m.head + 1) % len(m.buf)
	} else {
		m.buf[(m.head+m.size)%len(m.buf)] = v
		m.size++
	}
	m.sum += v
	return true
}

// Mean returns the average, or false when nothing was observed.
func (m *MovingAverage) Mean() (float64, bool) {
	if m.size == 0 {
		return 0, false
	}
	return m.sum / float64(m.size), true
}

// Len returns the number of observations held.
func (m *MovingAverage) Len() int {
	return m.size
}

// Reset empties the window.
func (m *MovingAverage) Reset() {
	clear(m.buf)
	m.head = 0
	m.size = 0
	m.sum = 0
}
