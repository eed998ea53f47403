package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mdstream/internal/codec"
	"mdstream/internal/liquidation"
	"mdstream/internal/model"
	"mdstream/internal/model/enum"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	out    []published
	err    error
	closed bool
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, published{channel: channel, payload: payload})
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.out...)
}

type fakeSource struct {
	subscribed   map[string][]*liquidation.Subscription
	unsubscribed int
}

func (s *fakeSource) Subscribe(ctx context.Context, symbol string, sub *liquidation.Subscription) error {
	if s.subscribed == nil {
		s.subscribed = make(map[string][]*liquidation.Subscription)
	}
	s.subscribed[symbol] = append(s.subscribed[symbol], sub)
	return nil
}

func (s *fakeSource) Unsubscribe(symbol string, sub *liquidation.Subscription) error {
	s.unsubscribed++
	return nil
}

func newTestRelay(t *testing.T, pub Publisher, source Subscriber, queueSize int) (*Relay, *codec.Serializer) {
	t.Helper()
	ser, err := codec.NewSerializer(nil)
	require.NoError(t, err)
	t.Cleanup(ser.Close)

	r, err := New(pub, ser, codec.Choice{Format: enum.FormatJSON, Compression: enum.CompressionGzip}, source, queueSize)
	require.NoError(t, err)
	return r, ser
}

func sampleMessage() model.LiquidationVolumeMessage {
	return model.LiquidationVolumeMessage{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		IsUpdate:  true,
		Data: []model.VolumePoint{{
			Time:                 60,
			BuyVolume:            1000,
			TotalVolume:          1000,
			DeltaVolume:          1000,
			BuyVolumeFormatted:   "1.00K",
			SellVolumeFormatted:  "0.00",
			TotalVolumeFormatted: "1.00K",
			DeltaVolumeFormatted: "1.00K",
			Count:                1,
			TimestampMs:          60_000,
		}},
	}
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "liquidations:BTCUSDT:5m", Channel("BTCUSDT", enum.Timeframe5m))
}

func TestRelayAttachDetach(t *testing.T) {
	source := &fakeSource{}
	pub := &fakePublisher{}
	r, _ := newTestRelay(t, pub, source, 0)

	require.NoError(t, r.Attach(t.Context(), "BTCUSDT", enum.Timeframe1m))
	require.NoError(t, r.Attach(t.Context(), "BTCUSDT", enum.Timeframe1m))
	require.NoError(t, r.Attach(t.Context(), "BTCUSDT", enum.Timeframe5m))
	assert.Len(t, source.subscribed["BTCUSDT"], 2)
	assert.Equal(t, 2, r.Stats().Attached)

	require.NoError(t, r.Detach("BTCUSDT", enum.Timeframe1m))
	require.NoError(t, r.Detach("BTCUSDT", enum.Timeframe1m))
	assert.Equal(t, 1, source.unsubscribed)

	require.NoError(t, r.Close())
	assert.Equal(t, 2, source.unsubscribed)
	assert.Zero(t, r.Stats().Attached)
	assert.True(t, pub.closed)
}

func TestRelayPublishesEncodedMessages(t *testing.T) {
	pub := &fakePublisher{}
	r, ser := newTestRelay(t, pub, &fakeSource{}, 0)

	msg := sampleMessage()
	r.enqueue(Channel("BTCUSDT", enum.Timeframe1m), msg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	out := pub.messages()[0]
	assert.Equal(t, "liquidations:BTCUSDT:1m", out.channel)

	var got model.LiquidationVolumeMessage
	require.NoError(t, ser.Deserialize(out.payload, enum.FormatJSON, enum.CompressionGzip, &got))
	assert.Equal(t, msg, got)
	assert.Equal(t, uint64(1), r.Stats().Published)
}

func TestRelayDropsWhenQueueFull(t *testing.T) {
	r, _ := newTestRelay(t, &fakePublisher{}, &fakeSource{}, 1)

	r.enqueue("a", sampleMessage())
	r.enqueue("a", sampleMessage())
	assert.Equal(t, uint64(1), r.Stats().Dropped)
}

func TestRelayCountsPublishFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	r, _ := newTestRelay(t, pub, &fakeSource{}, 0)

	r.publish(t.Context(), envelope{channel: "a", msg: sampleMessage()})
	assert.Equal(t, uint64(1), r.Stats().Failed)
	assert.Zero(t, r.Stats().Published)
}

func TestNewRelayValidates(t *testing.T) {
	ser, err := codec.NewSerializer(nil)
	require.NoError(t, err)
	defer ser.Close()

	_, err = New(nil, ser, codec.DefaultChoice, &fakeSource{}, 0)
	assert.Error(t, err)

	_, err = New(&fakePublisher{}, ser, codec.Choice{}, &fakeSource{}, 0)
	assert.Error(t, err)
}
