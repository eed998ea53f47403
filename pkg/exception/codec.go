package exception

import "errors"

// Codec errors. Unsupported values are configuration bugs and must fail fast.
var (
	ErrUnsupportedFormat      = errors.New("codec: unsupported format")
	ErrUnsupportedCompression = errors.New("codec: unsupported compression")
	ErrUnsupportedPayload     = errors.New("codec: unsupported payload type")
	ErrMalformedPayload       = errors.New("codec: malformed payload")
)
