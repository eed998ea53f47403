package codec

import (
	"bytes"
	"io"

	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
	"github.com/yanun0323/errors"
)

func (s *Serializer) compress(raw []byte, c enum.Compression) ([]byte, error) {
	switch c {
	case enum.CompressionNone:
		return raw, nil
	case enum.CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case enum.CompressionZstd:
		return s.zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case enum.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case enum.CompressionSnappy:
		return s2.EncodeSnappy(nil, raw), nil
	default:
		return nil, errors.Wrapf(exception.ErrUnsupportedCompression, "compression: %d", c)
	}
}

func (s *Serializer) decompress(data []byte, c enum.Compression) ([]byte, error) {
	switch c {
	case enum.CompressionNone:
		return data, nil
	case enum.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case enum.CompressionZstd:
		return s.zdec.DecodeAll(data, nil)
	case enum.CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case enum.CompressionSnappy:
		return s2.Decode(nil, data)
	default:
		return nil, errors.Wrapf(exception.ErrUnsupportedCompression, "compression: %d", c)
	}
}
