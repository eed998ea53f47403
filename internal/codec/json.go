package codec

import (
	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

type jsonLevel struct {
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Operation string  `json:"operation,omitempty"`
}

type jsonDelta struct {
	Type         string      `json:"type"`
	Symbol       string      `json:"symbol"`
	Rounding     float64     `json:"rounding"`
	Depth        int         `json:"depth"`
	Timestamp    int64       `json:"timestamp"`
	SequenceID   uint64      `json:"sequence_id"`
	FullSnapshot bool        `json:"full_snapshot"`
	Bids         []jsonLevel `json:"bids"`
	Asks         []jsonLevel `json:"asks"`
}

type jsonBatch struct {
	Type    string      `json:"type"`
	Updates []jsonDelta `json:"updates"`
}

type jsonBook struct {
	Type string `json:"type"`
	model.AggregatedOrderBook
}

func encodeJSON(v any) ([]byte, error) {
	var payload any
	switch m := v.(type) {
	case *model.OrderBookDelta:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode delta")
		}
		payload = toJSONDelta(m)
	case model.OrderBookDelta:
		payload = toJSONDelta(&m)
	case *model.DeltaBatch:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode batch")
		}
		payload = toJSONBatch(m)
	case model.DeltaBatch:
		payload = toJSONBatch(&m)
	case *model.AggregatedOrderBook:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode book")
		}
		payload = jsonBook{Type: enum.MarketDataOrderBook.String(), AggregatedOrderBook: *m}
	case model.AggregatedOrderBook:
		payload = jsonBook{Type: enum.MarketDataOrderBook.String(), AggregatedOrderBook: m}
	case *model.LiquidationVolumeMessage:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode liquidation volume")
		}
		payload = m
	case model.LiquidationVolumeMessage:
		payload = &m
	default:
		return nil, errors.Wrapf(exception.ErrUnsupportedPayload, "type: %T", v)
	}

	b, err := sonic.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json")
	}
	return b, nil
}

func decodeJSON(raw []byte, out any) error {
	switch m := out.(type) {
	case *model.OrderBookDelta:
		var w jsonDelta
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return errors.Wrapf(exception.ErrMalformedPayload, "unmarshal delta, err: %+v", err)
		}
		d, err := fromJSONDelta(w)
		if err != nil {
			return err
		}
		*m = d
	case *model.DeltaBatch:
		var w jsonBatch
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return errors.Wrapf(exception.ErrMalformedPayload, "unmarshal batch, err: %+v", err)
		}
		updates := make([]*model.OrderBookDelta, 0, len(w.Updates))
		for _, u := range w.Updates {
			d, err := fromJSONDelta(u)
			if err != nil {
				return err
			}
			updates = append(updates, &d)
		}
		m.Updates = updates
	case *model.AggregatedOrderBook:
		var w jsonBook
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return errors.Wrapf(exception.ErrMalformedPayload, "unmarshal book, err: %+v", err)
		}
		*m = w.AggregatedOrderBook
	case *model.LiquidationVolumeMessage:
		if err := sonic.Unmarshal(raw, m); err != nil {
			return errors.Wrapf(exception.ErrMalformedPayload, "unmarshal liquidation volume, err: %+v", err)
		}
	default:
		return errors.Wrapf(exception.ErrUnsupportedPayload, "type: %T", out)
	}
	return nil
}

func toJSONDelta(d *model.OrderBookDelta) jsonDelta {
	return jsonDelta{
		Type:         enum.MarketDataOrderBookDelta.String(),
		Symbol:       d.Symbol,
		Rounding:     d.Rounding,
		Depth:        d.Depth,
		Timestamp:    d.Timestamp,
		SequenceID:   d.SequenceID,
		FullSnapshot: d.FullSnapshot,
		Bids:         toJSONLevels(d.Bids, d.FullSnapshot),
		Asks:         toJSONLevels(d.Asks, d.FullSnapshot),
	}
}

// toJSONLevels omits the operation of snapshot levels, which are implicitly adds.
func toJSONLevels(levels []model.DeltaLevel, snapshot bool) []jsonLevel {
	out := make([]jsonLevel, len(levels))
	for i, lv := range levels {
		out[i] = jsonLevel{Price: lv.Price, Amount: lv.Amount}
		if !snapshot {
			out[i].Operation = lv.Operation.String()
		}
	}
	return out
}

func toJSONBatch(b *model.DeltaBatch) jsonBatch {
	w := jsonBatch{
		Type:    enum.MarketDataOrderBookBatch.String(),
		Updates: make([]jsonDelta, 0, len(b.Updates)),
	}
	for _, u := range b.Updates {
		if u != nil {
			w.Updates = append(w.Updates, toJSONDelta(u))
		}
	}
	return w
}

func fromJSONDelta(w jsonDelta) (model.OrderBookDelta, error) {
	bids, err := fromJSONLevels(w.Bids)
	if err != nil {
		return model.OrderBookDelta{}, err
	}
	asks, err := fromJSONLevels(w.Asks)
	if err != nil {
		return model.OrderBookDelta{}, err
	}
	return model.OrderBookDelta{
		Symbol:       w.Symbol,
		Rounding:     w.Rounding,
		Depth:        w.Depth,
		Timestamp:    w.Timestamp,
		SequenceID:   w.SequenceID,
		FullSnapshot: w.FullSnapshot,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func fromJSONLevels(levels []jsonLevel) ([]model.DeltaLevel, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	out := make([]model.DeltaLevel, len(levels))
	for i, lv := range levels {
		op, ok := enum.ParseOperation(lv.Operation)
		if !ok {
			return nil, errors.Wrapf(exception.ErrMalformedPayload, "operation: %q", lv.Operation)
		}
		out[i] = model.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Operation: op}
	}
	return out, nil
}
