package transport

import (
	"sync"

	"mdstream/pkg/exception"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

type frame struct {
	msgType int
	payload []byte
}

type client struct {
	id   string
	ws   *websocket.Conn
	send chan frame

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, ws *websocket.Conn, queueSize int) *client {
	return &client{
		id:   id,
		ws:   ws,
		send: make(chan frame, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. send is never closed, done marks the end of the connection.
func (c *client) enqueue(f frame) error {
	select {
	case <-c.done:
		return errors.Wrapf(exception.ErrConnectionClose, "conn: %s", c.id)
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
		return errors.Wrapf(exception.ErrSendQueueFull, "conn: %s, queued: %d", c.id, len(c.send))
	}
}

// close stops the writer, which closes the socket and so ends the reader.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
