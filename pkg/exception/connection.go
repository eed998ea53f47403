package exception

import "errors"

var (
	ErrConnectionClose   = errors.New("connection closed")
	ErrConnectionUnknown = errors.New("connection: unknown id")
	ErrSendQueueFull     = errors.New("connection: send queue full")
)
