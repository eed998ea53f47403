package enum

// Format is the payload encoding used for a subscriber.
type Format uint8

const (
	_format_beg Format = iota
	FormatJSON
	FormatBinary
	_format_end
)

func (f Format) IsAvailable() bool {
	return f > _format_beg && f < _format_end
}

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Formats lists every supported format in preference order.
func Formats() []Format {
	return []Format{FormatJSON, FormatBinary}
}

// Compression is the byte compression applied after encoding.
type Compression uint8

const (
	_compression_beg Compression = iota
	CompressionNone
	CompressionGzip
	CompressionZstd
	CompressionLZ4
	CompressionSnappy
	_compression_end
)

func (c Compression) IsAvailable() bool {
	return c > _compression_beg && c < _compression_end
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Compressions lists every supported compression in preference order.
func Compressions() []Compression {
	return []Compression{CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4, CompressionSnappy}
}
