// Package stream joins the order book and liquidation pipelines to subscriber connections.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mdstream/internal/batch"
	"mdstream/internal/codec"
	"mdstream/internal/ingest"
	"mdstream/internal/liquidation"
	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/internal/obs"
	"mdstream/internal/orderbook"
	"mdstream/pkg/backoff"
	"mdstream/pkg/exception"
	"mdstream/pkg/refcount"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Transport delivers an encoded message to one connection. Send must not block.
type Transport interface {
	Send(connID string, payload []byte, binary bool) error
}

// Config controls subscription defaults and the order book pipeline.
type Config struct {
	DefaultRounding  float64
	DefaultDepth     int
	MaxDepth         int
	DefaultTimeframe enum.Timeframe
	Codec            codec.Choice
	Delta            orderbook.DeltaConfig
	Batch            batch.Config
	// Backoff bounds depth upstream reconnects.
	Backoff backoff.Backoff
}

func DefaultConfig() Config {
	return Config{
		DefaultDepth:     20,
		MaxDepth:         500,
		DefaultTimeframe: enum.Timeframe1m,
		Codec:            codec.DefaultChoice,
		Delta: orderbook.DeltaConfig{
			Epsilon:          orderbook.DefaultEpsilon,
			SnapshotInterval: orderbook.DefaultSnapshotInterval,
		},
		Batch:   batch.DefaultConfig(),
		Backoff: backoff.Default(),
	}
}

// Service handles subscriber commands. It owns one depth task per subscribed symbol,
// one delta state per (connection, symbol) and one batch queue per connection.
type Service struct {
	cfg          Config
	feed         ingest.Feed
	transport    Transport
	serializer   *codec.Serializer
	liquidations *liquidation.Aggregator
	metrics      *obs.Metrics

	books     *orderbook.Aggregator
	deltas    *orderbook.Manager
	scheduler *batch.Scheduler[*model.OrderBookDelta]

	connMu sync.RWMutex
	conns  map[string]*connection

	bookMu       sync.Mutex
	bookRefs     *refcount.Counter[string, string]
	bookTasks    map[string]*bookTask
	bookStopping map[string]*bookTask
	closed       bool
}

// NewService wires the pipelines. metrics may be nil.
func NewService(cfg Config, feed ingest.Feed, transport Transport, serializer *codec.Serializer, liquidations *liquidation.Aggregator, metrics *obs.Metrics) (*Service, error) {
	if feed == nil {
		return nil, exception.ErrNilFeed
	}
	if transport == nil || serializer == nil || liquidations == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "stream: transport, serializer and liquidation aggregator are required")
	}
	if err := cfg.Codec.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultDepth < 0 || cfg.MaxDepth < 0 {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "depth: default %d, max %d", cfg.DefaultDepth, cfg.MaxDepth)
	}
	if !cfg.DefaultTimeframe.IsAvailable() {
		cfg.DefaultTimeframe = enum.Timeframe1m
	}

	s := &Service{
		cfg:          cfg,
		feed:         feed,
		transport:    transport,
		serializer:   serializer,
		liquidations: liquidations,
		metrics:      metrics,
		books:        orderbook.NewAggregator(metrics),
		deltas:       orderbook.NewManager(orderbook.NewDeltaComputer(cfg.Delta, orderbook.NewSequencer(0))),
		conns:        make(map[string]*connection),
		bookRefs:     refcount.New[string, string](),
		bookTasks:    make(map[string]*bookTask),
		bookStopping: make(map[string]*bookTask),
	}

	scheduler, err := batch.New(cfg.Batch, s.sendBatch, metrics)
	if err != nil {
		return nil, err
	}
	scheduler.SetDropHandler(s.onDrop)
	s.scheduler = scheduler
	return s, nil
}

// Run drives the batch scheduler until ctx is done, then stops every depth task.
func (s *Service) Run(ctx context.Context) error {
	err := s.scheduler.Run(ctx)
	s.Close()
	return err
}

// Close stops every depth task. Commands fail afterwards.
func (s *Service) Close() {
	s.bookMu.Lock()
	if s.closed {
		s.bookMu.Unlock()
		return
	}
	s.closed = true
	detached := make(map[string]*bookTask, len(s.bookTasks))
	for symbol := range s.bookTasks {
		detached[symbol] = s.detachBookLocked(symbol)
	}
	s.bookMu.Unlock()

	for symbol, t := range detached {
		s.stopBook(symbol, t)
	}
}

// HandleCommand applies one subscriber command.
func (s *Service) HandleCommand(ctx context.Context, connID string, cmd model.Command) error {
	c, err := s.ensureConnection(connID)
	if err != nil {
		return err
	}
	if cmd.Format != "" || cmd.Compression != "" {
		if err := s.applyCodec(c, cmd); err != nil {
			return err
		}
	}

	symbol := strings.ToUpper(strings.TrimSpace(cmd.Symbol))
	switch cmd.Op {
	case model.CommandSubscribeOrderBook:
		return s.subscribeBook(ctx, c, symbol, cmd.Rounding, cmd.Depth)
	case model.CommandUnsubscribeOrderBook:
		return s.unsubscribeBook(c, symbol)
	case model.CommandSubscribeLiquidations:
		return s.subscribeLiquidations(ctx, c, symbol, cmd.Timeframe)
	case model.CommandUnsubscribeLiquidations:
		return s.unsubscribeLiquidations(c, symbol, cmd.Timeframe)
	case model.CommandResync:
		s.resync(c, symbol)
		return nil
	default:
		return errors.Wrapf(exception.ErrWebSocketUnknownCommand, "op: %s", cmd.Op)
	}
}

// OnDisconnect releases everything connID held. Symbols left without subscribers are stopped.
func (s *Service) OnDisconnect(connID string) {
	s.connMu.Lock()
	c, ok := s.conns[connID]
	delete(s.conns, connID)
	s.connMu.Unlock()
	if !ok {
		return
	}

	symbols, liqs := c.takeAll()
	for _, symbol := range symbols {
		s.releaseBook(connID, symbol)
	}
	for key, sub := range liqs {
		if err := s.liquidations.Unsubscribe(key.symbol, sub); err != nil {
			logs.Errorf("stream: release liquidations %s %s for %s, err: %+v", key.symbol, key.timeframe, connID, err)
		}
	}
	s.scheduler.Unregister(connID)
	s.deltas.RemoveConn(connID)
	logs.Infof("stream: released %s, books: %d, liquidations: %d", connID, len(symbols), len(liqs))
}

func (s *Service) connection(connID string) *connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conns[connID]
}

func (s *Service) ensureConnection(connID string) (*connection, error) {
	if connID == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty connection id")
	}

	s.bookMu.Lock()
	closed := s.closed
	s.bookMu.Unlock()
	if closed {
		return nil, errors.Wrap(exception.ErrConnectionClose, "stream service closed")
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if c, ok := s.conns[connID]; ok {
		return c, nil
	}
	c := newConnection(connID, s.cfg.Codec)
	s.conns[connID] = c
	s.scheduler.Register(connID)
	return c, nil
}

func (s *Service) applyCodec(c *connection, cmd model.Command) error {
	current := c.choice()
	format, compression := current.Format.String(), current.Compression.String()
	if cmd.Format != "" {
		format = cmd.Format
	}
	if cmd.Compression != "" {
		compression = cmd.Compression
	}
	choice, err := codec.ParseChoice(format, compression)
	if err != nil {
		return err
	}
	c.setChoice(choice)
	return nil
}

func (s *Service) subscribeBook(ctx context.Context, c *connection, symbol string, rounding float64, depth int) error {
	if symbol == "" {
		return errors.Wrap(exception.ErrUnknownSymbol, "empty symbol")
	}
	if rounding < 0 {
		return errors.Wrapf(exception.ErrInvalidArgument, "rounding: %v", rounding)
	}
	if rounding == 0 {
		rounding = s.cfg.DefaultRounding
	}
	if depth < 0 || (s.cfg.MaxDepth > 0 && depth > s.cfg.MaxDepth) {
		return errors.Wrapf(exception.ErrInvalidArgument, "depth: %d, max: %d", depth, s.cfg.MaxDepth)
	}
	if depth == 0 {
		depth = s.cfg.DefaultDepth
	}

	key := orderbook.StateKey{ConnID: c.id, Symbol: symbol}
	c.mu.Lock()
	prev, existed := c.books[symbol]
	c.books[symbol] = bookParams{rounding: rounding, depth: depth}
	c.mu.Unlock()
	if existed {
		if prev.rounding != rounding || prev.depth != depth {
			s.deltas.ForceSnapshot(key)
		}
		return nil
	}

	s.bookMu.Lock()
	defer s.bookMu.Unlock()
	if s.closed {
		c.mu.Lock()
		delete(c.books, symbol)
		c.mu.Unlock()
		return errors.Wrap(exception.ErrConnectionClose, "stream service closed")
	}
	// A depth task of symbol still tearing down must finish before its cache is reused.
	if old, ok := s.bookStopping[symbol]; ok && s.bookRefs.Count(symbol) == 0 {
		<-old.done
		s.books.Invalidate(symbol)
	}
	wasFirst, _ := s.bookRefs.Inc(symbol, c.id)
	if wasFirst {
		t := newBookTask(s, symbol)
		taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.cancel = cancel
		s.bookTasks[symbol] = t
		go t.run(taskCtx)
		logs.Infof("stream: open depth upstream for %s", symbol)
	}
	return nil
}

func (s *Service) unsubscribeBook(c *connection, symbol string) error {
	c.mu.Lock()
	_, ok := c.books[symbol]
	delete(c.books, symbol)
	s.deltas.Remove(orderbook.StateKey{ConnID: c.id, Symbol: symbol})
	c.mu.Unlock()
	if !ok {
		return errors.Wrapf(exception.ErrNotSubscribed, "orderbook: %s", symbol)
	}
	s.releaseBook(c.id, symbol)
	return nil
}

// releaseBook drops connID from symbol and stops the depth task after the last one leaves.
// The task is joined outside bookMu.
func (s *Service) releaseBook(connID, symbol string) {
	s.bookMu.Lock()
	wasLast, found := s.bookRefs.Dec(symbol, connID)
	if !found || !wasLast {
		s.bookMu.Unlock()
		return
	}
	t := s.detachBookLocked(symbol)
	s.bookMu.Unlock()

	s.stopBook(symbol, t)
	logs.Infof("stream: closed depth upstream for %s", symbol)
}

func (s *Service) detachBookLocked(symbol string) *bookTask {
	t, ok := s.bookTasks[symbol]
	if !ok {
		return nil
	}
	delete(s.bookTasks, symbol)
	s.bookStopping[symbol] = t
	t.cancel()
	return t
}

// stopBook waits for a detached task and only then drops the symbol's cached books.
func (s *Service) stopBook(symbol string, t *bookTask) {
	if t == nil {
		return
	}
	<-t.done

	s.bookMu.Lock()
	defer s.bookMu.Unlock()
	if s.bookStopping[symbol] != t {
		return
	}
	delete(s.bookStopping, symbol)
	if _, ok := s.bookTasks[symbol]; !ok {
		s.books.Invalidate(symbol)
		s.metrics.SetSymbolErrored(symbol, false)
	}
}

func (s *Service) parseTimeframe(raw string) (enum.Timeframe, error) {
	if raw == "" {
		return s.cfg.DefaultTimeframe, nil
	}
	tf, ok := enum.ParseTimeframe(raw)
	if !ok {
		return 0, errors.Wrapf(exception.ErrUnsupportedTimeframe, "timeframe: %s", raw)
	}
	return tf, nil
}

func (s *Service) subscribeLiquidations(ctx context.Context, c *connection, symbol, rawTimeframe string) error {
	if symbol == "" {
		return errors.Wrap(exception.ErrUnknownSymbol, "empty symbol")
	}
	tf, err := s.parseTimeframe(rawTimeframe)
	if err != nil {
		return err
	}

	key := liquidationKey{symbol: symbol, timeframe: tf}
	c.mu.Lock()
	_, exists := c.liqs[key]
	c.mu.Unlock()
	if exists {
		return nil
	}

	connID := c.id
	sub := liquidation.NewSubscription(tf, func(msg model.LiquidationVolumeMessage) {
		s.sendLiquidation(connID, msg)
	})
	if err := s.liquidations.Subscribe(ctx, symbol, sub); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.liqs[key]; !exists {
		c.liqs[key] = sub
		sub = nil
	}
	c.mu.Unlock()
	if sub != nil {
		return s.liquidations.Unsubscribe(symbol, sub)
	}
	return nil
}

func (s *Service) unsubscribeLiquidations(c *connection, symbol, rawTimeframe string) error {
	tf, err := s.parseTimeframe(rawTimeframe)
	if err != nil {
		return err
	}
	key := liquidationKey{symbol: symbol, timeframe: tf}

	c.mu.Lock()
	sub, ok := c.liqs[key]
	delete(c.liqs, key)
	c.mu.Unlock()
	if !ok {
		return errors.Wrapf(exception.ErrNotSubscribed, "liquidations: %s %s", symbol, tf)
	}
	return s.liquidations.Unsubscribe(symbol, sub)
}

// resync requests a full snapshot for symbol, or for every book of the connection when symbol is empty.
func (s *Service) resync(c *connection, symbol string) {
	symbols := []string{symbol}
	if symbol == "" {
		symbols = c.bookSymbols()
	}
	for _, sym := range symbols {
		s.deltas.ForceSnapshot(orderbook.StateKey{ConnID: c.id, Symbol: sym})
	}
}

// sendBatch is the scheduler's SendFunc: one delta goes out alone, several as a batch.
func (s *Service) sendBatch(connID string, updates []*model.OrderBookDelta) error {
	c := s.connection(connID)
	if c == nil {
		return errors.Wrapf(exception.ErrConnectionUnknown, "conn: %s", connID)
	}
	choice := c.choice()

	var v any = updates[0]
	if len(updates) > 1 {
		v = &model.DeltaBatch{Updates: updates}
	}
	payload, h, err := s.serializer.Serialize(v, choice.Format, choice.Compression)
	if err != nil {
		return errors.Wrapf(err, "serialize %d deltas", len(updates))
	}
	if err := s.transport.Send(connID, payload, h.Binary()); err != nil {
		// The subscriber missed these deltas, so its book must be rebuilt from a snapshot.
		for _, u := range updates {
			s.deltas.ForceSnapshot(orderbook.StateKey{ConnID: connID, Symbol: u.Symbol})
		}
		return err
	}
	return nil
}

func (s *Service) onDrop(connID string, dropped *model.OrderBookDelta) {
	if dropped == nil {
		return
	}
	s.deltas.ForceSnapshot(orderbook.StateKey{ConnID: connID, Symbol: dropped.Symbol})
}

func (s *Service) sendLiquidation(connID string, msg model.LiquidationVolumeMessage) {
	c := s.connection(connID)
	if c == nil {
		return
	}
	choice := c.choice()
	payload, h, err := s.serializer.Serialize(msg, choice.Format, choice.Compression)
	if err != nil {
		s.metrics.IncSendError()
		logs.Errorf("stream: serialize liquidations %s %s for %s, err: %+v", msg.Symbol, msg.Timeframe, connID, err)
		return
	}
	if err := s.transport.Send(connID, payload, h.Binary()); err != nil {
		s.metrics.IncSendError()
		logs.Errorf("stream: send liquidations %s %s to %s, err: %+v", msg.Symbol, msg.Timeframe, connID, err)
	}
}

// Health is a point-in-time view of the service.
type Health struct {
	Connections  int                           `json:"connections"`
	OrderBooks   map[string]BookHealth         `json:"order_books"`
	Liquidations map[string]liquidation.Health `json:"liquidations"`
	Batch        batch.Stats                   `json:"batch"`
	Liquidation  liquidation.Stats             `json:"liquidation"`
	DeltaStates  int                           `json:"delta_states"`
	CheckedAt    time.Time                     `json:"checked_at"`
}

// Errored lists the symbols whose upstream gave up.
func (h Health) Errored() []string {
	var out []string
	for symbol, b := range h.OrderBooks {
		if b.Status == liquidation.StatusErrored {
			out = append(out, fmt.Sprintf("orderbook:%s", symbol))
		}
	}
	for symbol, l := range h.Liquidations {
		if l.Status == liquidation.StatusErrored {
			out = append(out, fmt.Sprintf("liquidations:%s", symbol))
		}
	}
	return out
}

func (s *Service) Health() Health {
	s.connMu.RLock()
	conns := len(s.conns)
	s.connMu.RUnlock()

	s.bookMu.Lock()
	books := make(map[string]BookHealth, len(s.bookTasks))
	for symbol, t := range s.bookTasks {
		h := t.health()
		h.Subscribers = s.bookRefs.Count(symbol)
		books[symbol] = h
	}
	s.bookMu.Unlock()

	return Health{
		Connections:  conns,
		OrderBooks:   books,
		Liquidations: s.liquidations.Health(),
		Batch:        s.scheduler.Stats(),
		Liquidation:  s.liquidations.Stats(),
		DeltaStates:  s.deltas.Len(),
		CheckedAt:    time.Now(),
	}
}
