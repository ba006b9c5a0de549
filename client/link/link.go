// Package link maintains one logical connection to the relay: it dials,
// registers, reconnects with exponential backoff and keeps an ordered
// pending queue of envelopes that survives disconnects.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/protocol"
)

// ErrNotConnected reports that the envelope was queued instead of sent
// because the link is not open. It is sent once the link reconnects.
var ErrNotConnected = errors.New("link not connected")

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "connected"
	case StateReconnecting:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is surfaced to the owner on every link transition.
type Status struct {
	State State
	Err   error
}

type Link struct {
	url    string
	log    *zap.Logger
	dialer *websocket.Dialer

	onEnvelope func(any)
	onStatus   func(Status)

	// mu guards everything below: the run loop and Send callers
	// interleave on it.
	mu      sync.Mutex
	state   State
	name    string
	pending []any
	conn    *websocket.Conn

	backoff *backoff.ExponentialBackOff
}

func New(url string, log *zap.Logger) *Link {
	return &Link{
		url:     url,
		log:     log,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:   StateConnecting,
		backoff: newBackoff(),
	}
}

// newBackoff builds the reconnect schedule: 1s, growing by 1.5x per failed
// cycle, capped at 30s, reset to 1s on a successful open.
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 1.5
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// OnEnvelope registers the inbound handler. Set before Run.
func (l *Link) OnEnvelope(fn func(any)) {
	l.onEnvelope = fn
}

// OnStatus registers the status handler. Set before Run.
func (l *Link) OnStatus(fn func(Status)) {
	l.onStatus = fn
}

// Register records the identity and, if the link is open, sends the
// register envelope immediately. The identity is re-sent on every open, so
// it is never queued.
func (l *Link) Register(name string) {
	l.mu.Lock()
	l.name = name
	if l.state == StateOpen && l.conn != nil {
		if err := l.writeLocked(protocol.NewRegister(name)); err != nil {
			l.conn.Close()
		}
	}
	l.mu.Unlock()
}

// Name returns the current identity (the relay-confirmed name once
// registered).
func (l *Link) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// Send transmits the envelope if the link is open. Otherwise it is appended
// to the pending queue, ErrNotConnected is returned and a disconnected
// status is surfaced; the queue drains in FIFO order on the next open. A
// failed transmit re-queues the envelope instead of dropping it.
func (l *Link) Send(env any) error {
	l.mu.Lock()

	if l.state != StateOpen || l.conn == nil {
		l.pending = append(l.pending, env)
		state := l.state
		l.mu.Unlock()
		l.notifyStatus(Status{State: state})
		return ErrNotConnected
	}

	if err := l.writeLocked(env); err != nil {
		// Queue at the tail: a concurrent Send that also fails must land
		// behind this one to keep submission order.
		l.pending = append(l.pending, env)
		l.conn.Close()
		l.mu.Unlock()
		return err
	}

	l.mu.Unlock()
	return nil
}

// Run drives the link until the context is canceled. There is no terminal
// failure state: every closed or failed connection schedules exactly one
// reconnect attempt after the current backoff delay.
func (l *Link) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.setState(StateConnecting, nil)

		conn, resp, err := l.dialer.DialContext(ctx, l.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			l.log.Warn("dial failed", zap.String("url", l.url), zap.Error(err))
			l.setState(StateReconnecting, err)
			if !l.wait(ctx) {
				return
			}
			continue
		}

		l.open(conn)

		stopper := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-stopper:
			}
		}()

		err = l.readLoop(conn)
		close(stopper)

		l.closed(conn)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("connection lost", zap.Error(err))
		l.setState(StateReconnecting, err)
		if !l.wait(ctx) {
			return
		}
	}
}

// open transitions to OPEN: backoff resets, the identity is re-sent (or the
// user list requested when none is chosen yet) and the pending queue drains
// strictly in FIFO order. The first envelope that fails to transmit goes
// back to the front and the connection is torn down.
func (l *Link) open(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.state = StateOpen
	l.backoff.Reset()

	var first any
	if l.name != "" {
		first = protocol.NewRegister(l.name)
	} else {
		first = protocol.NewRequestUsers()
	}
	if err := l.writeLocked(first); err != nil {
		l.conn.Close()
		l.mu.Unlock()
		l.notifyStatus(Status{State: StateOpen})
		return
	}

	for len(l.pending) > 0 {
		env := l.pending[0]
		if err := l.writeLocked(env); err != nil {
			l.log.Warn("flush failed, keeping queue", zap.Error(err))
			l.conn.Close()
			break
		}
		l.pending = l.pending[1:]
	}
	l.mu.Unlock()

	l.notifyStatus(Status{State: StateOpen})
}

func (l *Link) closed(conn *websocket.Conn) {
	conn.Close()
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
}

func (l *Link) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			l.log.Debug("dropped envelope", zap.Error(err))
			continue
		}

		// Adopt the relay-confirmed name so re-registration after a
		// reconnect keeps the same identity instead of growing suffixes.
		if reg, ok := env.(*protocol.Registered); ok {
			l.mu.Lock()
			l.name = reg.YourName
			l.mu.Unlock()
		}

		if l.onEnvelope != nil {
			l.onEnvelope(env)
		}
	}
}

// wait sleeps for the current backoff delay. It returns false when the
// context ended first.
func (l *Link) wait(ctx context.Context) bool {
	l.mu.Lock()
	delay := l.backoff.NextBackOff()
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (l *Link) writeLocked(env any) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) setState(state State, err error) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
	l.notifyStatus(Status{State: state, Err: err})
}

func (l *Link) notifyStatus(st Status) {
	if l.onStatus != nil {
		l.onStatus(st)
	}
}

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PendingLen reports the number of queued envelopes.
func (l *Link) PendingLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
