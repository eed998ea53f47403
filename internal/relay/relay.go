// Package relay mirrors liquidation volume messages to other instances through Redis or Kafka.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"mdstream/internal/codec"
	"mdstream/internal/liquidation"
	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultQueueSize = 1024

// Channel names the relay channel of one (symbol, timeframe).
func Channel(symbol string, tf enum.Timeframe) string {
	return "liquidations:" + symbol + ":" + tf.String()
}

// Subscriber is the subscription side of liquidation.Aggregator.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string, sub *liquidation.Subscription) error
	Unsubscribe(symbol string, sub *liquidation.Subscription) error
}

type key struct {
	symbol    string
	timeframe enum.Timeframe
}

type envelope struct {
	channel string
	msg     model.LiquidationVolumeMessage
}

// Stats counts relayed messages.
type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
	Attached  int
}

// Relay subscribes to liquidation volume messages and publishes them encoded with one codec choice.
// Callbacks only enqueue, Run does the encoding and the network writes.
type Relay struct {
	pub    Publisher
	ser    *codec.Serializer
	choice codec.Choice
	source Subscriber
	queue  chan envelope

	mu   sync.Mutex
	subs map[key]*liquidation.Subscription

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay. queueSize 0 uses the default.
func New(pub Publisher, ser *codec.Serializer, choice codec.Choice, source Subscriber, queueSize int) (*Relay, error) {
	if pub == nil || ser == nil || source == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "relay: publisher, serializer and source are required")
	}
	if err := choice.Validate(); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Relay{
		pub:    pub,
		ser:    ser,
		choice: choice,
		source: source,
		queue:  make(chan envelope, queueSize),
		subs:   make(map[key]*liquidation.Subscription),
	}, nil
}

// Attach starts mirroring (symbol, tf). Attaching twice is a no-op.
func (r *Relay) Attach(ctx context.Context, symbol string, tf enum.Timeframe) error {
	k := key{symbol: symbol, timeframe: tf}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[k]; ok {
		return nil
	}

	channel := Channel(symbol, tf)
	sub := liquidation.NewSubscription(tf, func(msg model.LiquidationVolumeMessage) {
		r.enqueue(channel, msg)
	})
	if err := r.source.Subscribe(ctx, symbol, sub); err != nil {
		return errors.Wrapf(err, "relay attach %s", channel)
	}
	r.subs[k] = sub
	logs.Infof("relay: attached %s", channel)
	return nil
}

// Detach stops mirroring (symbol, tf).
func (r *Relay) Detach(symbol string, tf enum.Timeframe) error {
	k := key{symbol: symbol, timeframe: tf}

	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[k]
	if !ok {
		return nil
	}
	delete(r.subs, k)
	if err := r.source.Unsubscribe(symbol, sub); err != nil {
		return errors.Wrapf(err, "relay detach %s", Channel(symbol, tf))
	}
	return nil
}

// Close detaches everything and closes the publisher.
func (r *Relay) Close() error {
	r.mu.Lock()
	for k, sub := range r.subs {
		if err := r.source.Unsubscribe(k.symbol, sub); err != nil {
			logs.Errorf("relay: detach %s, err: %+v", Channel(k.symbol, k.timeframe), err)
		}
		delete(r.subs, k)
	}
	r.mu.Unlock()
	return r.pub.Close()
}

func (r *Relay) enqueue(channel string, msg model.LiquidationVolumeMessage) {
	select {
	case r.queue <- envelope{channel: channel, msg: msg}:
	default:
		r.dropped.Add(1)
	}
}

// Run publishes queued messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.queue:
			r.publish(ctx, env)
		}
	}
}

func (r *Relay) publish(ctx context.Context, env envelope) {
	payload, _, err := r.ser.Serialize(env.msg, r.choice.Format, r.choice.Compression)
	if err != nil {
		r.failed.Add(1)
		logs.Errorf("relay: serialize %s, err: %+v", env.channel, err)
		return
	}
	if err := r.pub.Publish(ctx, env.channel, payload); err != nil {
		r.failed.Add(1)
		logs.Errorf("relay: publish %s, err: %+v", env.channel, err)
		return
	}
	r.published.Add(1)
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	attached := len(r.subs)
	r.mu.Unlock()
	return Stats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
		Attached:  attached,
	}
}
