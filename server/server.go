package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatrelay/db"
	"chatrelay/protocol"
)

const (
	// Outbound queue per connection. A full queue drops the envelope
	// rather than stalling the event loop.
	sendQueueSize = 64

	pingInterval = 25 * time.Second
)

type Server struct {
	db       *db.DB
	config   *ServerConfig
	log      *zap.Logger
	registry *Registry
	upgrader websocket.Upgrader
	events   chan event
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BotToken     string
}

// client is one WebSocket connection. name is written only by the event
// loop; the read and write pumps never touch it.
type client struct {
	conn *websocket.Conn
	send chan []byte
	name string
}

type eventKind int

const (
	eventInbound eventKind = iota
	eventGone
)

type event struct {
	kind eventKind
	c    *client
	data []byte
}

func New(database *db.DB, config *ServerConfig, log *zap.Logger) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		db:       database,
		config:   config,
		log:      log,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are desktop apps, not browsers; origin is not meaningful.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		events: make(chan event, 256),
	}

	go s.run()

	return s
}

// Start listens and serves WebSocket upgrades until the listener fails.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.log.Info("relay started", zap.String("addr", addr))
	return http.ListenAndServe(addr, s)
}

// ServeHTTP upgrades the connection and runs its read pump. One goroutine
// per connection reads; every envelope is forwarded to the single event
// loop, so no two envelopes are ever processed concurrently.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	c := &client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	go s.writePump(c)

	if data, err := protocol.Encode(protocol.NewHello()); err == nil {
		c.enqueue(data)
	}

	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.events <- event{kind: eventGone, c: c}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		s.events <- event{kind: eventInbound, c: c, data: data}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// run is the relay event loop. It owns every registry and store mutation.
func (s *Server) run() {
	for ev := range s.events {
		switch ev.kind {
		case eventInbound:
			env, err := protocol.Decode(ev.data)
			if err != nil {
				// Malformed or unknown envelopes are dropped, the
				// connection stays open.
				s.log.Debug("dropped envelope", zap.Error(err))
				continue
			}
			s.handleEnvelope(ev.c, env)
		case eventGone:
			s.handleGone(ev.c)
		}
	}
}

// enqueue hands an encoded envelope to the write pump. Dead or saturated
// connections drop the envelope instead of blocking the event loop.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) deliver(c *client, env any) {
	data, err := protocol.Encode(env)
	if err != nil {
		s.log.Error("encode envelope", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// broadcastExcept fans out to every live session, skipping except if set.
func (s *Server) broadcastExcept(env any, except *client) {
	data, err := protocol.Encode(env)
	if err != nil {
		s.log.Error("encode envelope", zap.Error(err))
		return
	}
	for _, c := range s.registry.Snapshot() {
		if c == except {
			continue
		}
		c.enqueue(data)
	}
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	names := s.registry.Names()
	out := "connections=" + strconv.Itoa(s.registry.Len()) + ",users="
	for i, name := range names {
		if i > 0 {
			out += ";"
		}
		out += name
	}
	return out
}
