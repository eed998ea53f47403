package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"mdstream/internal/batch"
	"mdstream/internal/codec"
	"mdstream/internal/ingest"
	"mdstream/internal/liquidation"
	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/backoff"
	"mdstream/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu     sync.Mutex
	books  map[string]chan model.RawBook
	active map[string]int
	opened map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		books:  make(map[string]chan model.RawBook),
		active: make(map[string]int),
		opened: make(map[string]int),
	}
}

func (f *fakeFeed) ch(symbol string) chan model.RawBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.books[symbol]
	if !ok {
		c = make(chan model.RawBook, 16)
		f.books[symbol] = c
	}
	return c
}

func (f *fakeFeed) counts(symbol string) (active, opened int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[symbol], f.opened[symbol]
}

func (f *fakeFeed) StreamOrderBook(ctx context.Context, symbol string, fn ingest.OrderBookHandler) error {
	c := f.ch(symbol)
	f.mu.Lock()
	f.active[symbol]++
	f.opened[symbol]++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[symbol]--
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-c:
			fn(b)
		}
	}
}

func (f *fakeFeed) StreamLiquidations(ctx context.Context, symbol string, fn ingest.LiquidationHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) BackfillLiquidations(ctx context.Context, symbol string, since, until time.Time) ([]model.LiquidationEvent, error) {
	return nil, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	binary map[string][]bool
	fails  int
}

func (t *fakeTransport) Send(connID string, payload []byte, binary bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fails > 0 {
		t.fails--
		return exception.ErrSendQueueFull
	}
	if t.sent == nil {
		t.sent = make(map[string][][]byte)
		t.binary = make(map[string][]bool)
	}
	t.sent[connID] = append(t.sent[connID], payload)
	t.binary[connID] = append(t.binary[connID], binary)
	return nil
}

func (t *fakeTransport) frames(connID string) []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.binary[connID]...)
}

func (t *fakeTransport) messages(connID string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent[connID]...)
}

func (t *fakeTransport) failNext(n int) {
	t.mu.Lock()
	t.fails = n
	t.mu.Unlock()
}

type harness struct {
	svc       *Service
	feed      *fakeFeed
	transport *fakeTransport
	ser       *codec.Serializer
	liq       *liquidation.Aggregator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	feed := newFakeFeed()
	transport := &fakeTransport{}

	ser, err := codec.NewSerializer(nil)
	require.NoError(t, err)
	t.Cleanup(ser.Close)

	liqCfg := liquidation.DefaultConfig()
	liqCfg.Timeframes = []enum.Timeframe{enum.Timeframe1m}
	liqCfg.DrainInterval = 10 * time.Millisecond
	liqCfg.BackfillWindow = 0
	liq, err := liquidation.NewAggregator(liqCfg, feed, nil)
	require.NoError(t, err)
	t.Cleanup(liq.Close)

	cfg := DefaultConfig()
	cfg.Batch = batch.Config{
		MaxQueueSize:       8,
		MaxBatchSize:       1,
		MaxBatchDelay:      time.Second,
		LightLoadThreshold: 1,
		Policy:             batch.DropOldest,
		TickInterval:       time.Millisecond,
	}
	cfg.Backoff = backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond, MaxRetries: 1}

	svc, err := NewService(cfg, feed, transport, ser, liq, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &harness{svc: svc, feed: feed, transport: transport, ser: ser, liq: liq}
}

func rawBook(bids, asks []model.RawLevel) model.RawBook {
	return model.RawBook{Symbol: "BTCUSDT", Source: "binance", Timestamp: 1, Bids: bids, Asks: asks}
}

func (h *harness) waitMessages(t *testing.T, connID string, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.transport.messages(connID)) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.transport.messages(connID)
}

func (h *harness) decodeDelta(t *testing.T, payload []byte, choice codec.Choice) model.OrderBookDelta {
	t.Helper()
	var d model.OrderBookDelta
	require.NoError(t, h.ser.Deserialize(payload, choice.Format, choice.Compression, &d))
	return d
}

func subscribeBook(rounding float64) model.Command {
	return model.Command{Op: model.CommandSubscribeOrderBook, Symbol: "btcusdt", Rounding: rounding, Depth: 10}
}

func TestOrderBookSnapshotThenDeltas(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", subscribeBook(0.1)))

	feed := h.feed.ch("BTCUSDT")
	first := rawBook(
		[]model.RawLevel{{"100.04", "1"}, {"100.02", "2"}},
		[]model.RawLevel{{"100.06", "1.5"}},
	)
	feed <- first
	msgs := h.waitMessages(t, "c1", 1)

	snap := h.decodeDelta(t, msgs[0], codec.DefaultChoice)
	assert.True(t, snap.FullSnapshot)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	require.Len(t, snap.Bids, 1)
	assert.InDelta(t, 100.0, snap.Bids[0].Price, 1e-9)
	assert.InDelta(t, 3.0, snap.Bids[0].Amount, 1e-9)
	require.Len(t, snap.Asks, 1)
	assert.InDelta(t, 100.1, snap.Asks[0].Price, 1e-9)

	feed <- first
	feed <- rawBook(
		[]model.RawLevel{{"100.04", "1"}, {"100.02", "4"}},
		[]model.RawLevel{{"100.06", "1.5"}},
	)
	msgs = h.waitMessages(t, "c1", 2)
	assert.Len(t, msgs, 2, "an unchanged book produces no message")

	delta := h.decodeDelta(t, msgs[1], codec.DefaultChoice)
	assert.False(t, delta.FullSnapshot)
	assert.Greater(t, delta.SequenceID, snap.SequenceID)
	require.Len(t, delta.Bids, 1)
	assert.Equal(t, enum.OperationUpdate, delta.Bids[0].Operation)
	assert.InDelta(t, 5.0, delta.Bids[0].Amount, 1e-9)
	assert.Empty(t, delta.Asks)
}

func TestOrderBookSharesUpstreamAndReleasesIt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", subscribeBook(0)))
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c2", subscribeBook(1)))

	require.Eventually(t, func() bool {
		active, _ := h.feed.counts("BTCUSDT")
		return active == 1
	}, time.Second, 5*time.Millisecond)

	h.feed.ch("BTCUSDT") <- rawBook([]model.RawLevel{{"10.5", "1"}}, []model.RawLevel{{"11.5", "1"}})
	h.waitMessages(t, "c1", 1)
	h.waitMessages(t, "c2", 1)
	assert.Equal(t, 2, h.svc.Health().DeltaStates)

	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", model.Command{Op: model.CommandUnsubscribeOrderBook, Symbol: "BTCUSDT"}))
	active, _ := h.feed.counts("BTCUSDT")
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, h.svc.Health().OrderBooks["BTCUSDT"].Subscribers)

	h.svc.OnDisconnect("c2")
	active, opened := h.feed.counts("BTCUSDT")
	assert.Zero(t, active, "the last release stops the upstream before returning")
	assert.Equal(t, 1, opened)

	health := h.svc.Health()
	assert.Empty(t, health.OrderBooks)
	assert.Zero(t, health.DeltaStates)
	assert.Zero(t, h.svc.books.CacheLen())
}

func TestOrderBookCodecPerConnection(t *testing.T) {
	h := newHarness(t)
	cmd := subscribeBook(0)
	cmd.Format, cmd.Compression = "binary", "zstd"
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", cmd))

	h.feed.ch("BTCUSDT") <- rawBook([]model.RawLevel{{"10", "1"}}, []model.RawLevel{{"11", "2"}})
	msgs := h.waitMessages(t, "c1", 1)

	d := h.decodeDelta(t, msgs[0], codec.Choice{Format: enum.FormatBinary, Compression: enum.CompressionZstd})
	assert.True(t, d.FullSnapshot)
	assert.Len(t, d.Asks, 1)
	assert.Equal(t, []bool{true}, h.transport.frames("c1"))

	gz := subscribeBook(0)
	gz.Format, gz.Compression = "json", "gzip"
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c2", gz))
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c3", subscribeBook(0)))
	h.feed.ch("BTCUSDT") <- rawBook([]model.RawLevel{{"10", "1"}}, []model.RawLevel{{"11", "3"}})
	h.waitMessages(t, "c2", 1)
	h.waitMessages(t, "c3", 1)
	assert.Equal(t, []bool{true}, h.transport.frames("c2"), "compressed json is binary")
	assert.Equal(t, []bool{false}, h.transport.frames("c3"))
}

func TestResyncAndSendFailureForceSnapshots(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", subscribeBook(0)))

	feed := h.feed.ch("BTCUSDT")
	book := rawBook([]model.RawLevel{{"10", "1"}}, []model.RawLevel{{"11", "2"}})
	feed <- book
	h.waitMessages(t, "c1", 1)

	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", model.Command{Op: model.CommandResync}))
	feed <- book
	msgs := h.waitMessages(t, "c1", 2)
	assert.True(t, h.decodeDelta(t, msgs[1], codec.DefaultChoice).FullSnapshot)

	h.transport.failNext(1)
	feed <- rawBook([]model.RawLevel{{"10", "3"}}, []model.RawLevel{{"11", "2"}})
	require.Eventually(t, func() bool { return h.svc.Health().Batch.SendErrors == 1 }, time.Second, 5*time.Millisecond)

	feed <- rawBook([]model.RawLevel{{"10", "3"}}, []model.RawLevel{{"11", "2"}})
	msgs = h.waitMessages(t, "c1", 3)
	assert.True(t, h.decodeDelta(t, msgs[2], codec.DefaultChoice).FullSnapshot, "a lost delta is repaired with a snapshot")
}

func TestLiquidationFanOut(t *testing.T) {
	h := newHarness(t)
	cmd := model.Command{Op: model.CommandSubscribeLiquidations, Symbol: "BTCUSDT", Timeframe: "1m"}
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", cmd))
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", cmd))

	msgs := h.waitMessages(t, "c1", 1)
	var msg model.LiquidationVolumeMessage
	require.NoError(t, sonic.Unmarshal(msgs[0], &msg))
	assert.Equal(t, "BTCUSDT", msg.Symbol)
	assert.Equal(t, "1m", msg.Timeframe)
	assert.False(t, msg.IsUpdate)
	assert.Equal(t, map[string]int{"BTCUSDT": 1}, h.liq.Symbols())

	h.svc.OnDisconnect("c1")
	assert.Empty(t, h.liq.Symbols())
	assert.Zero(t, h.svc.Health().Connections)
}

func TestHandleCommandErrors(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	err := h.svc.HandleCommand(ctx, "c1", model.Command{Op: "dance"})
	assert.ErrorIs(t, err, exception.ErrWebSocketUnknownCommand)

	err = h.svc.HandleCommand(ctx, "c1", model.Command{Op: model.CommandSubscribeOrderBook, Symbol: "BTCUSDT", Rounding: -1})
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	err = h.svc.HandleCommand(ctx, "c1", model.Command{Op: model.CommandSubscribeOrderBook, Symbol: "BTCUSDT", Depth: 100_000})
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	err = h.svc.HandleCommand(ctx, "c1", model.Command{Op: model.CommandSubscribeOrderBook})
	assert.ErrorIs(t, err, exception.ErrUnknownSymbol)

	err = h.svc.HandleCommand(ctx, "c1", model.Command{Op: model.CommandSubscribeLiquidations, Symbol: "BTCUSDT", Timeframe: "7m"})
	assert.ErrorIs(t, err, exception.ErrUnsupportedTimeframe)

	err = h.svc.HandleCommand(ctx, "c1", model.Command{Op: model.CommandSubscribeOrderBook, Symbol: "BTCUSDT", Format: "xml"})
	assert.ErrorIs(t, err, exception.ErrUnsupportedFormat)

	err = h.svc.HandleCommand(ctx, "c1", model.Command{Op: model.CommandUnsubscribeOrderBook, Symbol: "ETHUSDT"})
	assert.ErrorIs(t, err, exception.ErrNotSubscribed)

	err = h.svc.HandleCommand(ctx, "", model.Command{Op: model.CommandResync})
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	h.svc.Close()
	err = h.svc.HandleCommand(ctx, "c2", subscribeBook(0))
	assert.ErrorIs(t, err, exception.ErrConnectionClose)
}

func TestHealthReportsErroredUpstream(t *testing.T) {
	h := newHarness(t)
	h.svc.feed = erroringFeed{h.feed}
	require.NoError(t, h.svc.HandleCommand(t.Context(), "c1", subscribeBook(0)))

	require.Eventually(t, func() bool {
		return h.svc.Health().OrderBooks["BTCUSDT"].Status == liquidation.StatusErrored
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"orderbook:BTCUSDT"}, h.svc.Health().Errored())
}

type erroringFeed struct{ *fakeFeed }

func (erroringFeed) StreamOrderBook(ctx context.Context, symbol string, fn ingest.OrderBookHandler) error {
	return exception.ErrReadTimeout
}
