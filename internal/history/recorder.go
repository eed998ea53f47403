package history

import (
	"context"
	"sync/atomic"
	"time"

	"mdstream/internal/ingest"
	"mdstream/internal/model"

	"github.com/yanun0323/logs"
)

const (
	defaultRecorderQueueSize     = 4096
	defaultRecorderBatchSize     = 256
	defaultRecorderFlushInterval = time.Second
)

// Saver persists liquidation events.
type Saver interface {
	Save(ctx context.Context, events ...model.LiquidationEvent) error
}

// RecorderConfig controls how live events are written behind the feed.
type RecorderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// Retention prunes records older than this on every flush tick when the saver supports it.
	Retention time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultRecorderQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRecorderBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultRecorderFlushInterval
	}
	return c
}

type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Recorder is an ingest.Feed that copies every live liquidation event into a Saver.
// Order books and backfill pass through to the wrapped feed.
type Recorder struct {
	ingest.Feed

	cfg   RecorderConfig
	saver Saver
	ch    chan model.LiquidationEvent

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// NewRecorder wraps feed. Run must be started for events to reach saver.
func NewRecorder(feed ingest.Feed, saver Saver, cfg RecorderConfig) *Recorder {
	cfg = cfg.withDefaults()
	return &Recorder{
		Feed:  feed,
		cfg:   cfg,
		saver: saver,
		ch:    make(chan model.LiquidationEvent, cfg.QueueSize),
	}
}

// StreamLiquidations forwards events to fn and queues the valid ones for persistence without
// blocking. Events without a symbol are recorded under symbol.
func (r *Recorder) StreamLiquidations(ctx context.Context, symbol string, fn ingest.LiquidationHandler) error {
	return r.Feed.StreamLiquidations(ctx, symbol, func(e model.LiquidationEvent) {
		r.record(symbol, e)
		fn(e)
	})
}

func (r *Recorder) record(symbol string, e model.LiquidationEvent) {
	if e.Symbol == "" {
		e.Symbol = symbol
	}
	if !e.Valid() {
		r.rejected.Add(1)
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued events in batches until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.LiquidationEvent, 0, r.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.saver.Save(ctx, batch...); err != nil {
			r.failed.Add(uint64(len(batch)))
			logs.Errorf("history: save %d liquidation events, err: %+v", len(batch), err)
		} else {
			r.recorded.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			flush(context.WithoutCancel(ctx))
			return nil
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				flush(ctx)
			}
		case now := <-ticker.C:
			flush(ctx)
			r.prune(ctx, now)
		}
	}
}

func (r *Recorder) prune(ctx context.Context, now time.Time) {
	if r.cfg.Retention <= 0 {
		return
	}
	p, ok := r.saver.(pruner)
	if !ok {
		return
	}
	n, err := p.Prune(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		logs.Errorf("history: prune, err: %+v", err)
		return
	}
	if n > 0 {
		logs.Infof("history: pruned %d liquidation records", n)
	}
}

// RecorderStats counts persisted, dropped, failed and malformed events.
type RecorderStats struct {
	Recorded uint64
	Dropped  uint64
	Failed   uint64
	Rejected uint64
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Rejected: r.rejected.Load(),
	}
}
