package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

const (
	_binanceSpotWsUrl    = "wss://stream.binance.com:9443/ws"
	_binanceFuturesWsUrl = "wss://fstream.binance.com/ws"
)

// Backfiller returns historical liquidation events of a symbol.
type Backfiller interface {
	BackfillLiquidations(ctx context.Context, symbol string, since, until time.Time) ([]model.LiquidationEvent, error)
}

// BinanceConfig configures the Binance feed. Zero values fall back to defaults.
type BinanceConfig struct {
	SpotURL    string
	FuturesURL string
	// DepthLevels is the partial book size: 5, 10 or 20.
	DepthLevels int
	// DepthReadTimeout closes a depth stream that stays silent for this long.
	DepthReadTimeout time.Duration
	// LiquidationReadTimeout closes a liquidation stream that stays silent for this long.
	LiquidationReadTimeout time.Duration
}

func (c *BinanceConfig) normalize() {
	if c.SpotURL == "" {
		c.SpotURL = _binanceSpotWsUrl
	}
	if c.FuturesURL == "" {
		c.FuturesURL = _binanceFuturesWsUrl
	}
	switch c.DepthLevels {
	case 5, 10, 20:
	default:
		c.DepthLevels = 20
	}
	if c.DepthReadTimeout <= 0 {
		c.DepthReadTimeout = 10 * time.Second
	}
	if c.LiquidationReadTimeout <= 0 {
		c.LiquidationReadTimeout = 10 * time.Minute
	}
}

// Binance streams partial book depth from the spot market and forced orders from USD-M futures.
// Backfill is delegated to backfill, which may be nil.
type Binance struct {
	cfg      BinanceConfig
	backfill Backfiller
}

// NewBinance creates a Binance feed.
func NewBinance(cfg BinanceConfig, backfill Backfiller) *Binance {
	cfg.normalize()
	return &Binance{cfg: cfg, backfill: backfill}
}

type BinanceSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type BinanceSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

func subscriberResponseParser(m ws.Message) (BinanceSubscribeResponse, bool) {
	var resp BinanceSubscribeResponse
	err := m.Unmarshal(&resp)
	return resp, err == nil
}

type BinancePartialBookDepth struct {
	LastUpdateID int64            `json:"lastUpdateId"`
	Bids         []model.RawLevel `json:"bids"` // [0]price [1]quantity
	Asks         []model.RawLevel `json:"asks"` // [0]price [1]quantity
}

// Book converts the payload into a raw book received at recvMilli.
func (d BinancePartialBookDepth) Book(symbol string, recvMilli int64) model.RawBook {
	return model.RawBook{
		Symbol:    symbol,
		Source:    enum.PlatformBinance.String(),
		Timestamp: recvMilli,
		Bids:      d.Bids,
		Asks:      d.Asks,
	}
}

type BinanceForceOrder struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Quantity  string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		FilledQty string `json:"z"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

// Event converts the payload into a liquidation event.
// Unparseable fields are left zero so the consumer can count the event as malformed.
func (f BinanceForceOrder) Event() model.LiquidationEvent {
	side, _ := enum.ParseSide(f.Order.Side)
	qty := parseFloat(f.Order.FilledQty)
	if qty <= 0 {
		qty = parseFloat(f.Order.Quantity)
	}
	price := parseFloat(f.Order.AvgPrice)
	if price <= 0 {
		price = parseFloat(f.Order.Price)
	}
	ts := f.Order.TradeTime
	if ts == 0 {
		ts = f.EventTime
	}
	return model.LiquidationEvent{
		Symbol:    f.Order.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Timestamp: ts,
	}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// StreamOrderBook subscribes 'Partial Book Depth Stream'.
func (b *Binance) StreamOrderBook(ctx context.Context, symbol string, fn OrderBookHandler) error {
	stream := fmt.Sprintf("%s@depth%d@100ms", strings.ToLower(symbol), b.cfg.DepthLevels)
	return b.stream(ctx, b.cfg.SpotURL, stream, b.cfg.DepthReadTimeout, func(m ws.Message) {
		d, ok := ws.ReadMessage[BinancePartialBookDepth](m)
		if !ok || d.LastUpdateID == 0 {
			return
		}
		fn(d.Book(symbol, time.Now().UnixMilli()))
	})
}

// StreamLiquidations subscribes 'Liquidation Order Stream'.
func (b *Binance) StreamLiquidations(ctx context.Context, symbol string, fn LiquidationHandler) error {
	stream := fmt.Sprintf("%s@forceOrder", strings.ToLower(symbol))
	return b.stream(ctx, b.cfg.FuturesURL, stream, b.cfg.LiquidationReadTimeout, func(m ws.Message) {
		f, ok := ws.ReadMessage[BinanceForceOrder](m)
		if !ok || f.EventType != "forceOrder" {
			return
		}
		fn(f.Event())
	})
}

// BackfillLiquidations delegates to the configured backfill source.
func (b *Binance) BackfillLiquidations(ctx context.Context, symbol string, since, until time.Time) ([]model.LiquidationEvent, error) {
	if b.backfill == nil {
		return nil, nil
	}
	return b.backfill.BackfillLiquidations(ctx, symbol, since, until)
}

func (b *Binance) stream(ctx context.Context, url, stream string, timeout time.Duration, handle func(ws.Message)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wss := ws.New(ctx, url)
	defer wss.Close()
	if err := wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	ch, unsubscribe := wss.Subscribe()
	defer unsubscribe()

	if err := subscribe(ctx, wss, stream); err != nil {
		return err
	}
	logs.Infof("binance: subscribed %s", stream)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sys.Shutdown():
			return exception.ErrConnectionClose
		case <-timer.C:
			return errors.Wrapf(exception.ErrReadTimeout, "stream: %s, timeout: %s", stream, timeout)
		case m, ok := <-ch:
			if !ok {
				return errors.Wrapf(exception.ErrConnectionClose, "stream: %s", stream)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
			handle(m)
		}
	}
}

func subscribe(ctx context.Context, wss *ws.WebSocket, stream string) error {
	appendIntoRegister := true
	if err := wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, conn *ws.WebSocket) error {
			payload := BinanceSubscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{stream},
				ID:     1,
			}

			if err := conn.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := subscriberResponseParser(m)
			if !ok || resp.ID != 1 {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}
