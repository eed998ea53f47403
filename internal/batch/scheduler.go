// Package batch coalesces per-connection updates into batches flushed by size or age.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mdstream/internal/obs"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Config defines the scheduler thresholds.
type Config struct {
	// MaxQueueSize bounds the pending updates per connection.
	MaxQueueSize int
	// MaxBatchSize flushes a queue as soon as it holds this many updates.
	MaxBatchSize int
	// MaxBatchDelay bounds how long the oldest update may wait.
	MaxBatchDelay time.Duration
	// MinBatchDelay flushes lightly loaded queues early. Zero disables it.
	MinBatchDelay time.Duration
	// LightLoadThreshold is the queue length at or below which MinBatchDelay applies.
	LightLoadThreshold int
	// Policy decides what to drop on overflow.
	Policy OverflowPolicy
	// TickInterval is how often Run checks queue ages.
	TickInterval time.Duration
}

// DefaultConfig returns thresholds suited for 100ms depth streams.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:       256,
		MaxBatchSize:       20,
		MaxBatchDelay:      50 * time.Millisecond,
		MinBatchDelay:      5 * time.Millisecond,
		LightLoadThreshold: 2,
		Policy:             DropOldest,
		TickInterval:       5 * time.Millisecond,
	}
}

func (c Config) validate() error {
	if c.MaxQueueSize <= 0 || c.MaxBatchSize <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "batch: queue and batch sizes must be positive")
	}
	if c.MaxBatchDelay <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "batch: max batch delay must be positive")
	}
	if c.MinBatchDelay < 0 || c.MinBatchDelay > c.MaxBatchDelay {
		return errors.Wrap(exception.ErrInvalidArgument, "batch: min batch delay must be within [0, max batch delay]")
	}
	if !c.Policy.IsAvailable() {
		return errors.Wrapf(exception.ErrInvalidArgument, "batch: overflow policy %d", c.Policy)
	}
	return nil
}

// SendFunc delivers one flushed batch. It is called at most once per flush.
type SendFunc[T any] func(connID string, updates []T) error

// DropFunc is told about every update dropped on overflow.
type DropFunc[T any] func(connID string, dropped T)

// Stats is a point-in-time view of the scheduler counters.
type Stats struct {
	Received     uint64
	Batched      uint64
	Sent         uint64
	Batches      uint64
	Overflows    uint64
	SendErrors   uint64
	Queues       int
	AvgBatchSize float64
	Efficiency   float64
}

// Scheduler owns one bounded queue per registered connection.
type Scheduler[T any] struct {
	cfg     Config
	send    SendFunc[T]
	onDrop  DropFunc[T]
	metrics *obs.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	queues map[string]*queue[T]

	received   atomic.Uint64
	batched    atomic.Uint64
	sent       atomic.Uint64
	batches    atomic.Uint64
	overflows  atomic.Uint64
	sendErrors atomic.Uint64
}

// New validates cfg and builds a scheduler. metrics may be nil.
func New[T any](cfg Config, send SendFunc[T], metrics *obs.Metrics) (*Scheduler[T], error) {
	if send == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "batch: nil send func")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = cfg.MinBatchDelay
		if cfg.TickInterval <= 0 {
			cfg.TickInterval = cfg.MaxBatchDelay / 4
		}
	}
	if cfg.LightLoadThreshold <= 0 {
		cfg.LightLoadThreshold = 1
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Scheduler[T]{
		cfg:     cfg,
		send:    send,
		metrics: metrics,
		now:     time.Now,
		queues:  make(map[string]*queue[T]),
	}, nil
}

// SetDropHandler installs fn to be told about overflow drops. Call it before use.
func (s *Scheduler[T]) SetDropHandler(fn DropFunc[T]) {
	s.onDrop = fn
}

// Register creates the queue of connID. It is a no-op when the queue exists.
func (s *Scheduler[T]) Register(connID string) {
	s.mu.Lock()
	if _, ok := s.queues[connID]; !ok {
		s.queues[connID] = newQueue[T](s.cfg.MaxQueueSize)
	}
	s.mu.Unlock()
}

// Unregister destroys the queue of connID and discards its pending updates.
func (s *Scheduler[T]) Unregister(connID string) {
	s.mu.Lock()
	q, ok := s.queues[connID]
	delete(s.queues, connID)
	s.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.closed = true
	q.reset()
	q.mu.Unlock()
}

// Registered reports whether connID has a queue.
func (s *Scheduler[T]) Registered(connID string) bool {
	s.mu.RLock()
	_, ok := s.queues[connID]
	s.mu.RUnlock()
	return ok
}

// AddUpdate queues update for connID and reports whether it was kept.
// A full queue drops per policy and counts an overflow. Reaching MaxBatchSize flushes immediately.
func (s *Scheduler[T]) AddUpdate(connID string, update T, priority int) bool {
	q := s.queue(connID)
	if q == nil {
		return false
	}
	s.received.Add(1)
	s.metrics.AddUpdatesReceived(1)

	var (
		dropped    T
		hasDropped bool
		kept       = true
	)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.full() {
		s.overflows.Add(1)
		s.metrics.IncQueueOverflow()
		switch s.cfg.Policy {
		case DropOldest:
			dropped, hasDropped = q.popFront().item, true
		case DropLowestPriority:
			pos := q.lowest()
			if priority >= q.buf[q.idx(pos)].priority {
				dropped, hasDropped = q.removeAt(pos).item, true
			} else {
				kept = false
			}
		default:
			kept = false
		}
	}
	if kept {
		q.push(pending[T]{item: update, enqueued: s.now(), priority: priority})
		s.batched.Add(1)
		s.metrics.AddUpdatesBatched(1)
	}
	ready := q.size >= s.cfg.MaxBatchSize
	q.mu.Unlock()

	if s.onDrop != nil {
		if hasDropped {
			s.onDrop(connID, dropped)
		}
		if !kept {
			s.onDrop(connID, update)
		}
	}
	if ready {
		s.flush(connID, q)
	}
	return kept
}

// ForceFlush sends whatever is queued for connID.
func (s *Scheduler[T]) ForceFlush(connID string) {
	if q := s.queue(connID); q != nil {
		s.flush(connID, q)
	}
}

// ForceFlushAll sends whatever is queued for every connection.
func (s *Scheduler[T]) ForceFlushAll() {
	for id, q := range s.snapshot() {
		s.flush(id, q)
	}
}

// Run checks queue ages every TickInterval until ctx is done, then flushes everything left.
func (s *Scheduler[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.ForceFlushAll()
			return nil
		case <-ticker.C:
			s.flushDue()
		}
	}
}

// Len returns the number of pending updates of connID.
func (s *Scheduler[T]) Len(connID string) int {
	q := s.queue(connID)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	n := q.size
	q.mu.Unlock()
	return n
}

// Stats returns the running counters.
func (s *Scheduler[T]) Stats() Stats {
	st := Stats{
		Received:   s.received.Load(),
		Batched:    s.batched.Load(),
		Sent:       s.sent.Load(),
		Batches:    s.batches.Load(),
		Overflows:  s.overflows.Load(),
		SendErrors: s.sendErrors.Load(),
	}
	s.mu.RLock()
	st.Queues = len(s.queues)
	s.mu.RUnlock()
	if st.Batches > 0 {
		st.AvgBatchSize = float64(st.Sent) / float64(st.Batches)
	}
	if st.Received > 0 {
		st.Efficiency = float64(st.Batched) / float64(st.Received)
	}
	return st
}

func (s *Scheduler[T]) flushDue() {
	now := s.now()
	for id, q := range s.snapshot() {
		q.mu.Lock()
		oldest, ok := q.oldest()
		size := q.size
		q.mu.Unlock()
		if !ok {
			continue
		}
		age := now.Sub(oldest)
		light := s.cfg.MinBatchDelay > 0 && size <= s.cfg.LightLoadThreshold && age >= s.cfg.MinBatchDelay
		if age >= s.cfg.MaxBatchDelay || light {
			s.flush(id, q)
		}
	}
}

func (s *Scheduler[T]) flush(connID string, q *queue[T]) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	items, oldest := q.take()
	q.mu.Unlock()
	if len(items) == 0 {
		return
	}

	if err := s.deliver(connID, items); err != nil {
		s.sendErrors.Add(1)
		s.metrics.IncSendError()
		logs.Errorf("batch: send %d updates to %s, err: %+v", len(items), connID, err)
		return
	}
	s.sent.Add(uint64(len(items)))
	s.batches.Add(1)
	s.metrics.ObserveBatchSent(len(items), s.now().Sub(oldest))
}

func (s *Scheduler[T]) deliver(connID string, items []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(exception.ErrInternal, fmt.Sprintf("send callback panic: %v", r))
		}
	}()
	return s.send(connID, items)
}

func (s *Scheduler[T]) queue(connID string) *queue[T] {
	s.mu.RLock()
	q := s.queues[connID]
	s.mu.RUnlock()
	return q
}

func (s *Scheduler[T]) snapshot() map[string]*queue[T] {
	s.mu.RLock()
	out := make(map[string]*queue[T], len(s.queues))
	for id, q := range s.queues {
		out[id] = q
	}
	s.mu.RUnlock()
	return out
}
