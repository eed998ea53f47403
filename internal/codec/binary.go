package codec

import (
	"math"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is protobuf wire encoding with a fixed schema:
//
//	envelope        { 1: kind varint, 2: body bytes }
//	delta           { 1: symbol, 2: rounding double, 3: depth, 4: timestamp, 5: sequence_id,
//	                  6: full_snapshot, 7: repeated bid deltaLevel, 8: repeated ask deltaLevel }
//	deltaLevel      { 1: price double, 2: amount double, 3: operation varint }
//	batch           { 1: repeated delta }
//	book            { 1: symbol, 2: rounding double, 3: depth, 4: timestamp, 5: source,
//	                  6: repeated bid level, 7: repeated ask level }
//	level           { 1: price double, 2: amount double, 3: cumulative double }
//	liquidation     { 1: symbol, 2: timeframe, 3: is_update, 4: repeated point }
//	point           { 1: time zigzag, 2: buy, 3: sell, 4: total, 5: delta double,
//	                  6..9: formatted strings, 10: count zigzag, 11: timestamp_ms zigzag,
//	                  12: avg_volume double (absent when unknown) }
const (
	fieldEnvelopeKind protowire.Number = 1
	fieldEnvelopeBody protowire.Number = 2
)

func encodeBinary(v any) ([]byte, error) {
	var (
		kind enum.MarketDataKind
		body []byte
	)
	switch m := v.(type) {
	case *model.OrderBookDelta:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode delta")
		}
		kind, body = enum.MarketDataOrderBookDelta, appendDelta(nil, m)
	case model.OrderBookDelta:
		kind, body = enum.MarketDataOrderBookDelta, appendDelta(nil, &m)
	case *model.DeltaBatch:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode batch")
		}
		kind, body = enum.MarketDataOrderBookBatch, appendBatch(nil, m)
	case model.DeltaBatch:
		kind, body = enum.MarketDataOrderBookBatch, appendBatch(nil, &m)
	case *model.AggregatedOrderBook:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode book")
		}
		kind, body = enum.MarketDataOrderBook, appendBook(nil, m)
	case model.AggregatedOrderBook:
		kind, body = enum.MarketDataOrderBook, appendBook(nil, &m)
	case *model.LiquidationVolumeMessage:
		if m == nil {
			return nil, errors.Wrap(exception.ErrNilInstance, "encode liquidation volume")
		}
		kind, body = enum.MarketDataLiquidationVolume, appendLiquidation(nil, m)
	case model.LiquidationVolumeMessage:
		kind, body = enum.MarketDataLiquidationVolume, appendLiquidation(nil, &m)
	default:
		return nil, errors.Wrapf(exception.ErrUnsupportedPayload, "type: %T", v)
	}

	dst := make([]byte, 0, len(body)+8)
	dst = protowire.AppendTag(dst, fieldEnvelopeKind, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(kind))
	dst = protowire.AppendTag(dst, fieldEnvelopeBody, protowire.BytesType)
	dst = protowire.AppendBytes(dst, body)
	return dst, nil
}

func decodeBinary(raw []byte, out any) error {
	var (
		kind enum.MarketDataKind
		body []byte
	)
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEnvelopeKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kind = enum.MarketDataKind(v)
			return n, nil
		case num == fieldEnvelopeBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			body = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return err
	}

	switch m := out.(type) {
	case *model.OrderBookDelta:
		if kind != enum.MarketDataOrderBookDelta {
			return errors.Wrapf(exception.ErrMalformedPayload, "kind %s, want %s", kind, enum.MarketDataOrderBookDelta)
		}
		d, err := consumeDelta(body)
		if err != nil {
			return err
		}
		*m = d
	case *model.DeltaBatch:
		if kind != enum.MarketDataOrderBookBatch {
			return errors.Wrapf(exception.ErrMalformedPayload, "kind %s, want %s", kind, enum.MarketDataOrderBookBatch)
		}
		b, err := consumeBatch(body)
		if err != nil {
			return err
		}
		*m = b
	case *model.AggregatedOrderBook:
		if kind != enum.MarketDataOrderBook {
			return errors.Wrapf(exception.ErrMalformedPayload, "kind %s, want %s", kind, enum.MarketDataOrderBook)
		}
		b, err := consumeBook(body)
		if err != nil {
			return err
		}
		*m = b
	case *model.LiquidationVolumeMessage:
		if kind != enum.MarketDataLiquidationVolume {
			return errors.Wrapf(exception.ErrMalformedPayload, "kind %s, want %s", kind, enum.MarketDataLiquidationVolume)
		}
		l, err := consumeLiquidation(body)
		if err != nil {
			return err
		}
		*m = l
	default:
		return errors.Wrapf(exception.ErrUnsupportedPayload, "type: %T", out)
	}
	return nil
}

// walk iterates the fields of a message. fn returns the bytes it consumed, or -1 to skip the field.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrapf(exception.ErrMalformedPayload, "tag, err: %+v", protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == -1 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(exception.ErrMalformedPayload, "field %d, err: %+v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendDelta(b []byte, d *model.OrderBookDelta) []byte {
	b = appendString(b, 1, d.Symbol)
	b = appendDouble(b, 2, d.Rounding)
	b = appendSint(b, 3, int64(d.Depth))
	b = appendSint(b, 4, d.Timestamp)
	b = appendVarint(b, 5, d.SequenceID)
	b = appendVarint(b, 6, protowire.EncodeBool(d.FullSnapshot))
	var lv []byte
	for _, l := range d.Bids {
		lv = appendDeltaLevel(lv[:0], l)
		b = appendMessage(b, 7, lv)
	}
	for _, l := range d.Asks {
		lv = appendDeltaLevel(lv[:0], l)
		b = appendMessage(b, 8, lv)
	}
	return b
}

func appendDeltaLevel(b []byte, l model.DeltaLevel) []byte {
	b = appendDouble(b, 1, l.Price)
	b = appendDouble(b, 2, l.Amount)
	return appendVarint(b, 3, uint64(l.Operation))
}

func appendBatch(b []byte, batch *model.DeltaBatch) []byte {
	var msg []byte
	for _, u := range batch.Updates {
		if u == nil {
			continue
		}
		msg = appendDelta(msg[:0], u)
		b = appendMessage(b, 1, msg)
	}
	return b
}

func appendBook(b []byte, book *model.AggregatedOrderBook) []byte {
	b = appendString(b, 1, book.Symbol)
	b = appendDouble(b, 2, book.Rounding)
	b = appendSint(b, 3, int64(book.Depth))
	b = appendSint(b, 4, book.Timestamp)
	b = appendString(b, 5, book.Source)
	var lv []byte
	for _, l := range book.Bids {
		lv = appendLevel(lv[:0], l)
		b = appendMessage(b, 6, lv)
	}
	for _, l := range book.Asks {
		lv = appendLevel(lv[:0], l)
		b = appendMessage(b, 7, lv)
	}
	return b
}

func appendLevel(b []byte, l model.Level) []byte {
	b = appendDouble(b, 1, l.Price)
	b = appendDouble(b, 2, l.Amount)
	return appendDouble(b, 3, l.CumulativeAmount)
}

func appendLiquidation(b []byte, m *model.LiquidationVolumeMessage) []byte {
	b = appendString(b, 1, m.Symbol)
	b = appendString(b, 2, m.Timeframe)
	b = appendVarint(b, 3, protowire.EncodeBool(m.IsUpdate))
	var pt []byte
	for _, p := range m.Data {
		pt = appendPoint(pt[:0], p)
		b = appendMessage(b, 4, pt)
	}
	return b
}

func appendPoint(b []byte, p model.VolumePoint) []byte {
	b = appendSint(b, 1, p.Time)
	b = appendDouble(b, 2, p.BuyVolume)
	b = appendDouble(b, 3, p.SellVolume)
	b = appendDouble(b, 4, p.TotalVolume)
	b = appendDouble(b, 5, p.DeltaVolume)
	b = appendString(b, 6, p.BuyVolumeFormatted)
	b = appendString(b, 7, p.SellVolumeFormatted)
	b = appendString(b, 8, p.TotalVolumeFormatted)
	b = appendString(b, 9, p.DeltaVolumeFormatted)
	b = appendSint(b, 10, p.Count)
	b = appendSint(b, 11, p.TimestampMs)
	if p.AvgVolume != nil {
		b = appendDouble(b, 12, *p.AvgVolume)
	}
	return b
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int) {
	if typ != protowire.Fixed64Type {
		return 0, -1
	}
	v, n := protowire.ConsumeFixed64(b)
	return math.Float64frombits(v), n
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, -1
	}
	return protowire.ConsumeVarint(b)
}

func consumeSint(typ protowire.Type, b []byte) (int64, int) {
	v, n := consumeVarint(typ, b)
	return protowire.DecodeZigZag(v), n
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, -1
	}
	return protowire.ConsumeBytes(b)
}

func consumeString(typ protowire.Type, b []byte) (string, int) {
	v, n := consumeBytes(typ, b)
	return string(v), n
}

func consumeDelta(body []byte) (model.OrderBookDelta, error) {
	var d model.OrderBookDelta
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			d.Symbol, n = consumeString(typ, b)
		case 2:
			d.Rounding, n = consumeDouble(typ, b)
		case 3:
			var v int64
			v, n = consumeSint(typ, b)
			d.Depth = int(v)
		case 4:
			d.Timestamp, n = consumeSint(typ, b)
		case 5:
			d.SequenceID, n = consumeVarint(typ, b)
		case 6:
			var v uint64
			v, n = consumeVarint(typ, b)
			d.FullSnapshot = protowire.DecodeBool(v)
		case 7, 8:
			var msg []byte
			msg, n = consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			lv, err := consumeDeltaLevel(msg)
			if err != nil {
				return 0, err
			}
			if num == 7 {
				d.Bids = append(d.Bids, lv)
			} else {
				d.Asks = append(d.Asks, lv)
			}
		default:
			return -1, nil
		}
		return n, nil
	})
	return d, err
}

func consumeDeltaLevel(body []byte) (model.DeltaLevel, error) {
	lv := model.DeltaLevel{Operation: enum.OperationAdd}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			lv.Price, n = consumeDouble(typ, b)
		case 2:
			lv.Amount, n = consumeDouble(typ, b)
		case 3:
			var v uint64
			v, n = consumeVarint(typ, b)
			lv.Operation = enum.Operation(v)
			if n >= 0 && !lv.Operation.IsAvailable() {
				return 0, errors.Wrapf(exception.ErrMalformedPayload, "operation: %d", v)
			}
		default:
			return -1, nil
		}
		return n, nil
	})
	return lv, err
}

func consumeBatch(body []byte) (model.DeltaBatch, error) {
	var batch model.DeltaBatch
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		msg, n := consumeBytes(typ, b)
		if n < 0 {
			return n, nil
		}
		d, err := consumeDelta(msg)
		if err != nil {
			return 0, err
		}
		batch.Updates = append(batch.Updates, &d)
		return n, nil
	})
	return batch, err
}

func consumeBook(body []byte) (model.AggregatedOrderBook, error) {
	var book model.AggregatedOrderBook
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			book.Symbol, n = consumeString(typ, b)
		case 2:
			book.Rounding, n = consumeDouble(typ, b)
		case 3:
			var v int64
			v, n = consumeSint(typ, b)
			book.Depth = int(v)
		case 4:
			book.Timestamp, n = consumeSint(typ, b)
		case 5:
			book.Source, n = consumeString(typ, b)
		case 6, 7:
			var msg []byte
			msg, n = consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			lv, err := consumeLevel(msg)
			if err != nil {
				return 0, err
			}
			if num == 6 {
				book.Bids = append(book.Bids, lv)
			} else {
				book.Asks = append(book.Asks, lv)
			}
		default:
			return -1, nil
		}
		return n, nil
	})
	return book, err
}

func consumeLevel(body []byte) (model.Level, error) {
	var lv model.Level
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			lv.Price, n = consumeDouble(typ, b)
		case 2:
			lv.Amount, n = consumeDouble(typ, b)
		case 3:
			lv.CumulativeAmount, n = consumeDouble(typ, b)
		default:
			return -1, nil
		}
		return n, nil
	})
	return lv, err
}

func consumeLiquidation(body []byte) (model.LiquidationVolumeMessage, error) {
	var m model.LiquidationVolumeMessage
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			m.Symbol, n = consumeString(typ, b)
		case 2:
			m.Timeframe, n = consumeString(typ, b)
		case 3:
			var v uint64
			v, n = consumeVarint(typ, b)
			m.IsUpdate = protowire.DecodeBool(v)
		case 4:
			var msg []byte
			msg, n = consumeBytes(typ, b)
			if n < 0 {
				return n, nil
			}
			p, err := consumePoint(msg)
			if err != nil {
				return 0, err
			}
			m.Data = append(m.Data, p)
		default:
			return -1, nil
		}
		return n, nil
	})
	return m, err
}

func consumePoint(body []byte) (model.VolumePoint, error) {
	var p model.VolumePoint
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		switch num {
		case 1:
			p.Time, n = consumeSint(typ, b)
		case 2:
			p.BuyVolume, n = consumeDouble(typ, b)
		case 3:
			p.SellVolume, n = consumeDouble(typ, b)
		case 4:
			p.TotalVolume, n = consumeDouble(typ, b)
		case 5:
			p.DeltaVolume, n = consumeDouble(typ, b)
		case 6:
			p.BuyVolumeFormatted, n = consumeString(typ, b)
		case 7:
			p.SellVolumeFormatted, n = consumeString(typ, b)
		case 8:
			p.TotalVolumeFormatted, n = consumeString(typ, b)
		case 9:
			p.DeltaVolumeFormatted, n = consumeString(typ, b)
		case 10:
			p.Count, n = consumeSint(typ, b)
		case 11:
			p.TimestampMs, n = consumeSint(typ, b)
		case 12:
			var v float64
			v, n = consumeDouble(typ, b)
			if n >= 0 {
				p.AvgVolume = &v
			}
		default:
			return -1, nil
		}
		return n, nil
	})
	return p, err
}
