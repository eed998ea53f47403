// Package transport serves subscriber websocket connections.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/obs"
	"mdstream/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Handler receives commands and disconnects. Calls for one connection are sequential.
type Handler interface {
	HandleCommand(ctx context.Context, connID string, cmd model.Command) error
	OnDisconnect(connID string)
}

// Config controls per-connection limits and heartbeats.
type Config struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Server upgrades HTTP requests into subscriber connections identified by a uuid.
type Server struct {
	cfg      Config
	metrics  *obs.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	handler Handler
	conns   map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// NewServer creates a server. metrics may be nil.
func NewServer(cfg Config, metrics *obs.Metrics) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[string]*client),
	}
}

// SetHandler installs the command handler. It must be set before serving.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Errorf("transport: upgrade %s, err: %+v", r.RemoteAddr, err)
		return
	}

	c := newClient(uuid.NewString(), ws, s.cfg.SendQueueSize)
	if !s.register(c) {
		_ = ws.Close()
		return
	}
	logs.Infof("transport: connected %s from %s", c.id, r.RemoteAddr)

	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()

	_ = s.reply(c, reply{Type: "connected", ConnID: c.id})
	s.readLoop(r.Context(), c)
	s.unregister(c)
}

// register counts the writer of c under mu, so it cannot race the Wait in Shutdown.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	s.conns[c.id] = c
	s.metrics.SetConnections(len(s.conns))
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	handler := s.handler
	s.metrics.SetConnections(len(s.conns))
	s.mu.Unlock()

	c.close()
	if ok && handler != nil {
		handler.OnDisconnect(c.id)
	}
	logs.Infof("transport: disconnected %s", c.id)
}

// Send queues payload for connID without blocking. Binary payloads go out as binary frames,
// the rest as text frames.
func (s *Server) Send(connID string, payload []byte, binary bool) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(exception.ErrConnectionUnknown, "conn: %s", connID)
	}
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	return c.enqueue(frame{msgType: msgType, payload: payload})
}

// Disconnect closes connID. OnDisconnect follows once its read loop exits.
func (s *Server) Disconnect(connID string) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(exception.ErrConnectionUnknown, "conn: %s", connID)
	}
	c.close()
	return nil
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Conns lists the open connection ids.
func (s *Server) Conns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown refuses new connections, closes the open ones and waits for their writers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

type reply struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id,omitempty"`
	Op     string `json:"op,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) reply(c *client, r reply) error {
	payload, err := sonic.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal reply")
	}
	return c.enqueue(frame{msgType: websocket.TextMessage, payload: payload})
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Errorf("transport: read %s, err: %+v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.dispatch(ctx, c, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, data []byte) {
	var cmd model.Command
	if err := sonic.Unmarshal(data, &cmd); err != nil || cmd.Op == "" {
		_ = s.reply(c, reply{Type: "error", Error: exception.ErrWebSocketProtocol.Error()})
		return
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		_ = s.reply(c, reply{Type: "error", Op: cmd.Op, Error: exception.ErrNilInstance.Error()})
		return
	}

	if err := handler.HandleCommand(ctx, c.id, cmd); err != nil {
		_ = s.reply(c, reply{Type: "error", Op: cmd.Op, Symbol: cmd.Symbol, Error: err.Error()})
		return
	}
	_ = s.reply(c, reply{Type: "ack", Op: cmd.Op, Symbol: cmd.Symbol})
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(f.msgType, f.payload); err != nil {
				logs.Errorf("transport: write %s, err: %+v", c.id, err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}
