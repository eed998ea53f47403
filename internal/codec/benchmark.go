package codec

import (
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
)

// DefaultSelectMargin is how much better than DefaultChoice a candidate must score to replace it.
const DefaultSelectMargin = 0.2

// BenchmarkResult is the measurement of one combination. Times are per operation.
type BenchmarkResult struct {
	Choice          Choice
	SerializeTime   time.Duration
	DeserializeTime time.Duration
	Size            int
	RawSize         int
	Ratio           float64
}

// Benchmark serializes and deserializes v iterations times with every supported combination.
func (s *Serializer) Benchmark(v any, iterations int) ([]BenchmarkResult, error) {
	if iterations <= 0 {
		iterations = 1
	}
	if _, ok := newTarget(v); !ok {
		return nil, errors.Wrapf(exception.ErrUnsupportedPayload, "type: %T", v)
	}

	results := make([]BenchmarkResult, 0, len(enum.Formats())*len(enum.Compressions()))
	for _, f := range enum.Formats() {
		for _, c := range enum.Compressions() {
			var (
				data []byte
				h    Header
				err  error
			)
			start := time.Now()
			for i := 0; i < iterations; i++ {
				data, h, err = s.Serialize(v, f, c)
				if err != nil {
					return nil, errors.Wrapf(err, "benchmark serialize %s+%s", f, c)
				}
			}
			ser := time.Since(start)

			start = time.Now()
			for i := 0; i < iterations; i++ {
				out, _ := newTarget(v)
				if err := s.Deserialize(data, f, c, out); err != nil {
					return nil, errors.Wrapf(err, "benchmark deserialize %s+%s", f, c)
				}
			}
			de := time.Since(start)

			results = append(results, BenchmarkResult{
				Choice:          Choice{Format: f, Compression: c},
				SerializeTime:   ser / time.Duration(iterations),
				DeserializeTime: de / time.Duration(iterations),
				Size:            h.EncodedSize,
				RawSize:         h.RawSize,
				Ratio:           h.Ratio,
			})
		}
	}
	return results, nil
}

// AutoSelect picks a combination from benchmark results. A valid override always wins.
// Otherwise every result is scored by latency and size, each normalized to the worst result,
// and DefaultChoice is kept unless the best score beats it by more than margin.
func AutoSelect(results []BenchmarkResult, override *Choice, margin float64) Choice {
	if override != nil && override.Validate() == nil {
		return *override
	}
	if len(results) == 0 {
		return DefaultChoice
	}

	var (
		maxLatency time.Duration
		maxSize    int
	)
	for _, r := range results {
		maxLatency = max(maxLatency, r.SerializeTime+r.DeserializeTime)
		maxSize = max(maxSize, r.Size)
	}
	score := func(r BenchmarkResult) float64 {
		var sc float64
		if maxLatency > 0 {
			sc += float64(r.SerializeTime+r.DeserializeTime) / float64(maxLatency)
		}
		if maxSize > 0 {
			sc += float64(r.Size) / float64(maxSize)
		}
		return sc
	}

	baseline := -1.0
	best, bestScore := DefaultChoice, -1.0
	for _, r := range results {
		sc := score(r)
		if r.Choice == DefaultChoice {
			baseline = sc
		}
		if bestScore < 0 || sc < bestScore {
			best, bestScore = r.Choice, sc
		}
	}
	if baseline < 0 {
		return DefaultChoice
	}
	if bestScore < baseline*(1-margin) {
		return best
	}
	return DefaultChoice
}

func newTarget(v any) (any, bool) {
	switch v.(type) {
	case *model.OrderBookDelta, model.OrderBookDelta:
		return &model.OrderBookDelta{}, true
	case *model.DeltaBatch, model.DeltaBatch:
		return &model.DeltaBatch{}, true
	case *model.AggregatedOrderBook, model.AggregatedOrderBook:
		return &model.AggregatedOrderBook{}, true
	case *model.LiquidationVolumeMessage, model.LiquidationVolumeMessage:
		return &model.LiquidationVolumeMessage{}, true
	default:
		return nil, false
	}
}
