package exception

import "errors"

// WS errors
var (
	ErrWebSocketProtocol       = errors.New("websocket: protocol error")
	ErrWebSocketUnknownCommand = errors.New("websocket: unknown command")
)
