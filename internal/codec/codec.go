// Package codec encodes market data messages into a selectable format and compression.
package codec

import (
	"time"

	"mdstream/internal/model/enum"
	"mdstream/internal/obs"
	"mdstream/pkg/exception"

	"github.com/klauspost/compress/zstd"
	"github.com/yanun0323/errors"
)

// Choice is one (format, compression) combination.
type Choice struct {
	Format      enum.Format
	Compression enum.Compression
}

// DefaultChoice is the most compatible combination.
var DefaultChoice = Choice{Format: enum.FormatJSON, Compression: enum.CompressionNone}

func (c Choice) String() string {
	return c.Format.String() + "+" + c.Compression.String()
}

// Validate fails on an unsupported format or compression.
func (c Choice) Validate() error {
	if !c.Format.IsAvailable() {
		return errors.Wrapf(exception.ErrUnsupportedFormat, "format: %d", c.Format)
	}
	if !c.Compression.IsAvailable() {
		return errors.Wrapf(exception.ErrUnsupportedCompression, "compression: %d", c.Compression)
	}
	return nil
}

// Header describes one serialized payload.
type Header struct {
	Format      enum.Format
	Compression enum.Compression
	RawSize     int
	EncodedSize int
	Ratio       float64
}

// Binary reports whether the payload must travel in a binary frame.
// Only uncompressed JSON is text.
func (h Header) Binary() bool {
	return h.Format != enum.FormatJSON || h.Compression != enum.CompressionNone
}

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (enum.Format, error) {
	for _, f := range enum.Formats() {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, errors.Wrapf(exception.ErrUnsupportedFormat, "format: %q", s)
}

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (enum.Compression, error) {
	for _, c := range enum.Compressions() {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, errors.Wrapf(exception.ErrUnsupportedCompression, "compression: %q", s)
}

// ParseChoice parses a format and compression pair.
func ParseChoice(format, compression string) (Choice, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return Choice{}, err
	}
	c, err := ParseCompression(compression)
	if err != nil {
		return Choice{}, err
	}
	return Choice{Format: f, Compression: c}, nil
}

// Serializer encodes and decodes the message types of this module:
// *model.OrderBookDelta, *model.DeltaBatch, *model.AggregatedOrderBook and
// *model.LiquidationVolumeMessage (values are accepted when serializing).
type Serializer struct {
	metrics *obs.Metrics
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
}

// NewSerializer creates a serializer reporting into metrics, which may be nil.
func NewSerializer(metrics *obs.Metrics) (*Serializer, error) {
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errors.Wrap(err, "new zstd encoder")
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		_ = zenc.Close()
		return nil, errors.Wrap(err, "new zstd decoder")
	}
	return &Serializer{metrics: metrics, zenc: zenc, zdec: zdec}, nil
}

// Close releases the compressor state.
func (s *Serializer) Close() {
	if s == nil {
		return
	}
	_ = s.zenc.Close()
	s.zdec.Close()
}

// Serialize encodes v with format and then compresses it.
func (s *Serializer) Serialize(v any, format enum.Format, compression enum.Compression) ([]byte, Header, error) {
	choice := Choice{Format: format, Compression: compression}
	if err := choice.Validate(); err != nil {
		return nil, Header{}, err
	}

	start := time.Now()
	raw, err := encode(v, format)
	if err != nil {
		return nil, Header{}, err
	}
	out, err := s.compress(raw, compression)
	if err != nil {
		return nil, Header{}, errors.Wrapf(err, "compress %s", compression)
	}

	h := Header{
		Format:      format,
		Compression: compression,
		RawSize:     len(raw),
		EncodedSize: len(out),
	}
	if h.RawSize > 0 {
		h.Ratio = float64(h.EncodedSize) / float64(h.RawSize)
	}
	s.metrics.ObserveSerialize(format.String(), compression.String(), h.RawSize, h.EncodedSize, time.Since(start))
	return out, h, nil
}

// Deserialize decompresses data and decodes it into out, which must be a pointer to a supported type.
func (s *Serializer) Deserialize(data []byte, format enum.Format, compression enum.Compression, out any) error {
	choice := Choice{Format: format, Compression: compression}
	if err := choice.Validate(); err != nil {
		return err
	}
	raw, err := s.decompress(data, compression)
	if err != nil {
		return errors.Wrapf(exception.ErrMalformedPayload, "decompress %s, err: %+v", compression, err)
	}
	return decode(raw, format, out)
}

func encode(v any, format enum.Format) ([]byte, error) {
	switch format {
	case enum.FormatJSON:
		return encodeJSON(v)
	case enum.FormatBinary:
		return encodeBinary(v)
	default:
		return nil, errors.Wrapf(exception.ErrUnsupportedFormat, "format: %d", format)
	}
}

func decode(raw []byte, format enum.Format, out any) error {
	switch format {
	case enum.FormatJSON:
		return decodeJSON(raw, out)
	case enum.FormatBinary:
		return decodeBinary(raw, out)
	default:
		return errors.Wrapf(exception.ErrUnsupportedFormat, "format: %d", format)
	}
}
