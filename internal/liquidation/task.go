package liquidation

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Status is the upstream state of a symbol.
type Status uint8

const (
	StatusConnecting Status = iota
	StatusLive
	StatusReconnecting
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusReconnecting:
		return "reconnecting"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Health is the state of one symbol task.
type Health struct {
	Status      Status
	Subscribers int
	Retries     int
	LastError   string
	LastEvent   time.Time
	Events      int
}

type series struct {
	buffer  []model.LiquidationEvent
	buckets map[int64]*model.VolumeBucket
	average *MovingAverage
	latest  int64
	started bool
}

// task owns the upstream stream and all state of one symbol.
// State is written only by the task goroutine; mu serializes those writes with snapshot reads.
type task struct {
	agg    *Aggregator
	symbol string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	dedup    *dedupWindow
	series   map[enum.Timeframe]*series
	recent   []model.LiquidationEvent
	ready    bool
	status   Status
	retries  int
	lastErr  error
	lastSeen time.Time
	accepted int
}

func newTask(agg *Aggregator, symbol string) *task {
	t := &task{
		agg:    agg,
		symbol: symbol,
		done:   make(chan struct{}),
		dedup:  newDedupWindow(agg.cfg.DedupWindow),
		series: make(map[enum.Timeframe]*series, len(agg.cfg.Timeframes)),
	}
	for _, tf := range agg.cfg.Timeframes {
		t.series[tf] = &series{
			buckets: make(map[int64]*model.VolumeBucket),
			average: NewMovingAverage(agg.cfg.AverageCapacity),
		}
	}
	return t
}

func (t *task) run(ctx context.Context) {
	defer close(t.done)

	var wg sync.WaitGroup
	events := make(chan model.LiquidationEvent, t.agg.cfg.EventBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.stream(ctx, events)
	}()
	defer wg.Wait()

	t.backfill(ctx)
	if ctx.Err() != nil {
		return
	}
	t.publishInitial()

	ticker := time.NewTicker(t.agg.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			t.accept(e)
		case <-ticker.C:
			t.publish(t.drain())
		}
	}
}

// stream keeps the upstream subscription alive with bounded retries.
func (t *task) stream(ctx context.Context, events chan<- model.LiquidationEvent) {
	bo := t.agg.cfg.Backoff
	attempt := 0
	for {
		var received atomic.Bool
		err := t.agg.feed.StreamLiquidations(ctx, t.symbol, func(e model.LiquidationEvent) {
			if !received.Swap(true) {
				t.setStatus(StatusLive, nil, 0)
			}
			select {
			case events <- e:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = exception.ErrConnectionClose
		}
		if received.Load() {
			attempt = 0
		}
		attempt++
		if bo.Exhausted(attempt) {
			t.setStatus(StatusErrored, err, attempt-1)
			t.agg.metrics.SetSymbolErrored(t.symbol, true)
			logs.Errorf("liquidation: upstream %s errored, err: %+v", t.symbol,
				errors.Wrapf(exception.ErrRetriesExhausted, "last err: %+v", err))
			return
		}
		t.setStatus(StatusReconnecting, err, attempt)
		logs.Errorf("liquidation: upstream %s dropped, retry %d, err: %+v", t.symbol, attempt, err)
		if !bo.Sleep(ctx, attempt) {
			return
		}
	}
}

// backfill loads history into the buckets before live events are accepted.
func (t *task) backfill(ctx context.Context) {
	window := t.agg.cfg.BackfillWindow
	if window <= 0 {
		return
	}
	until := time.Now()
	history, err := t.agg.feed.BackfillLiquidations(ctx, t.symbol, until.Add(-window), until)
	if err != nil {
		if ctx.Err() == nil {
			logs.Errorf("liquidation: backfill %s, err: %+v", t.symbol, err)
		}
		return
	}
	slices.SortStableFunc(history, func(x, y model.LiquidationEvent) int {
		return cmp.Compare(x.Timestamp, y.Timestamp)
	})
	for _, e := range history {
		t.accept(e)
	}
	t.drain()
	logs.Infof("liquidation: backfilled %d events for %s", len(history), t.symbol)
}

// accept dedups e and appends it to every timeframe buffer.
func (t *task) accept(e model.LiquidationEvent) {
	if !e.Valid() {
		t.agg.malformed.Add(1)
		t.agg.metrics.IncLiquidationMalformed()
		return
	}
	if e.Symbol == "" {
		e.Symbol = t.symbol
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dedup.accept(e) {
		t.agg.duplicates.Add(1)
		t.agg.metrics.IncLiquidationDuplicate(t.symbol)
		return
	}
	for _, s := range t.series {
		s.buffer = append(s.buffer, e)
	}

	limit := t.agg.cfg.DisplayLimit
	if len(t.recent) < limit {
		t.recent = append(t.recent, model.LiquidationEvent{})
	}
	copy(t.recent[1:], t.recent)
	t.recent[0] = e

	t.accepted++
	t.lastSeen = time.Now()
	t.agg.events.Add(1)
	t.agg.metrics.IncLiquidationEvent(t.symbol)
}

// drain folds every buffered event into its bucket and returns the changed buckets per timeframe
// as update messages.
func (t *task) drain() []model.LiquidationVolumeMessage {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var msgs []model.LiquidationVolumeMessage
	for _, tf := range t.agg.cfg.Timeframes {
		s := t.series[tf]
		if len(s.buffer) == 0 {
			continue
		}
		changed := make(map[int64]struct{})
		for _, e := range s.buffer {
			at := tf.BucketStart(e.Timestamp)
			b, ok := s.buckets[at]
			if !ok {
				b = &model.VolumeBucket{Symbol: t.symbol, Timeframe: tf, BucketStart: at}
				s.buckets[at] = b
			}
			b.Add(e)
			changed[at] = struct{}{}
			if !s.started || at > s.latest {
				if s.started {
					if prev, ok := s.buckets[s.latest]; ok {
						s.average.Add(prev.BuyVolume + prev.SellVolume)
					}
				}
				s.latest, s.started = at, true
			}
		}
		clear(s.buffer)
		s.buffer = s.buffer[:0]

		starts := make([]int64, 0, len(changed))
		for at := range changed {
			starts = append(starts, at)
		}
		slices.Sort(starts)
		msgs = append(msgs, t.messageLocked(tf, starts, true))
	}

	t.agg.drains.Add(1)
	t.agg.metrics.ObserveDrain(time.Since(start))
	return msgs
}

func (t *task) messageLocked(tf enum.Timeframe, starts []int64, update bool) model.LiquidationVolumeMessage {
	s := t.series[tf]
	msg := model.LiquidationVolumeMessage{
		Symbol:    t.symbol,
		Timeframe: tf.String(),
		Data:      make([]model.VolumePoint, 0, len(starts)),
		IsUpdate:  update,
	}
	avg, hasAvg := s.average.Mean()
	for _, at := range starts {
		p := s.buckets[at].Point()
		if hasAvg {
			v := avg
			p.AvgVolume = &v
		}
		msg.Data = append(msg.Data, p)
	}
	return msg
}

// historyLocked is the full bucket history of tf in ascending order.
func (t *task) historyLocked(tf enum.Timeframe) model.LiquidationVolumeMessage {
	s := t.series[tf]
	starts := make([]int64, 0, len(s.buckets))
	for at := range s.buckets {
		starts = append(starts, at)
	}
	slices.Sort(starts)
	return t.messageLocked(tf, starts, false)
}

// publishInitial marks the task ready and sends the full history to every subscriber not yet primed.
func (t *task) publishInitial() {
	t.mu.Lock()
	t.ready = true
	initial := make(map[enum.Timeframe]model.LiquidationVolumeMessage, len(t.series))
	for tf := range t.series {
		initial[tf] = t.historyLocked(tf)
	}
	t.mu.Unlock()

	for _, sub := range t.agg.refs.Members(t.symbol, nil) {
		if msg, ok := initial[sub.timeframe]; ok && sub.prime() {
			t.agg.deliver(sub, msg)
		}
	}
}

// primeLate sends the current history to a subscriber that joined a running task.
// Before the task is ready publishInitial covers it.
func (t *task) primeLate(sub *Subscription) {
	t.mu.Lock()
	if !t.ready {
		t.mu.Unlock()
		return
	}
	msg := t.historyLocked(sub.timeframe)
	t.mu.Unlock()

	if sub.prime() {
		t.agg.deliver(sub, msg)
	}
}

// publish fans drained update messages out to the primed subscribers of each timeframe.
func (t *task) publish(msgs []model.LiquidationVolumeMessage) {
	if len(msgs) == 0 {
		return
	}
	for _, sub := range t.agg.refs.Members(t.symbol, nil) {
		if !sub.primed.Load() {
			continue
		}
		for _, msg := range msgs {
			if msg.Timeframe == sub.timeframe.String() {
				t.agg.deliver(sub, msg)
			}
		}
	}
}

func (t *task) setStatus(s Status, err error, retries int) {
	t.mu.Lock()
	t.status = s
	t.retries = retries
	if err != nil {
		t.lastErr = err
	}
	t.mu.Unlock()
}

func (t *task) health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := Health{
		Status:    t.status,
		Retries:   t.retries,
		LastEvent: t.lastSeen,
		Events:    t.accepted,
	}
	if t.lastErr != nil {
		h.LastError = t.lastErr.Error()
	}
	return h
}

func (t *task) display(limit int) []model.LiquidationEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	return slices.Clone(t.recent[:limit])
}

func (t *task) buckets(tf enum.Timeframe) []model.VolumeBucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.series[tf]
	if !ok {
		return nil
	}
	out := make([]model.VolumeBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(x, y model.VolumeBucket) int { return cmp.Compare(x.BucketStart, y.BucketStart) })
	return out
}

// clear drops all state. It must only run after the task goroutine has finished.
func (t *task) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dedup = newDedupWindow(t.agg.cfg.DedupWindow)
	for tf, s := range t.series {
		s.average.Reset()
		delete(t.series, tf)
	}
	t.recent = nil
	t.ready = false
	t.accepted = 0
}
