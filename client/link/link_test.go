package link

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatrelay/protocol"
)

// recorderRelay accepts WebSocket connections and forwards every decoded
// envelope it reads to a channel, in arrival order.
type recorderRelay struct {
	upgrader websocket.Upgrader
	received chan any
	// confirmName, when set, answers register envelopes with a
	// registered reply carrying this name.
	confirmName string
}

func newRecorderRelay() *recorderRelay {
	return &recorderRelay{
		received: make(chan any, 64),
	}
}

func (r *recorderRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if _, ok := env.(*protocol.Register); ok && r.confirmName != "" {
			reply, _ := protocol.Encode(protocol.NewRegistered(r.confirmName, []string{r.confirmName}))
			conn.WriteMessage(websocket.TextMessage, reply)
		}
		r.received <- env
	}
}

func (r *recorderRelay) next(t *testing.T) any {
	t.Helper()
	select {
	case env := <-r.received:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff()

	expected := time.Second
	for i := 0; i < 12; i++ {
		require.Equal(t, expected, b.NextBackOff(), "attempt %d", i+1)

		expected = time.Duration(float64(expected) * 1.5)
		if expected > 30*time.Second {
			expected = 30 * time.Second
		}
	}

	// The schedule is pinned at the cap once reached
	require.Equal(t, 30*time.Second, b.NextBackOff())

	// A successful open resets the schedule to the initial delay
	b.Reset()
	require.Equal(t, time.Second, b.NextBackOff())
}

func TestSendWhileDisconnectedQueues(t *testing.T) {
	l := New("ws://127.0.0.1:1", zap.NewNop())

	var mu sync.Mutex
	var statuses []Status
	l.OnStatus(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	require.ErrorIs(t, l.Send(protocol.NewChatMessage("one", nil)), ErrNotConnected)
	require.ErrorIs(t, l.Send(protocol.NewChatMessage("two", nil)), ErrNotConnected)

	require.Equal(t, 2, l.PendingLen())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	require.NotEqual(t, StateOpen, statuses[0].State)
}

func TestQueueOrderSurvivesFailedConnects(t *testing.T) {
	// Reserve an address, then close it so the first dial cycle fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	l := New("ws://"+addr, zap.NewNop())
	l.Register("carol")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Let at least one connect attempt fail before anything is queued.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StateReconnecting, l.State())

	require.ErrorIs(t, l.Send(protocol.NewChatMessage("E1", nil)), ErrNotConnected)
	require.ErrorIs(t, l.Send(protocol.NewChatMessage("E2", nil)), ErrNotConnected)
	require.ErrorIs(t, l.Send(protocol.NewChatMessage("E3", nil)), ErrNotConnected)
	require.Equal(t, 3, l.PendingLen())

	// Bring the relay up on the reserved address; the next backoff cycle
	// connects and drains the queue.
	relay := newRecorderRelay()
	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := &http.Server{Handler: relay}
	go srv.Serve(ln2)
	defer srv.Close()

	// The identity is re-sent first, then the queue in submission order.
	reg, ok := relay.next(t).(*protocol.Register)
	require.True(t, ok, "expected register before queued envelopes")
	require.Equal(t, "carol", reg.Name)

	for _, want := range []string{"E1", "E2", "E3"} {
		msg, ok := relay.next(t).(*protocol.ChatMessage)
		require.True(t, ok)
		require.Equal(t, want, msg.Text)
	}

	require.Equal(t, 0, l.PendingLen())
}

func TestOpenWithoutIdentityRequestsUsers(t *testing.T) {
	relay := newRecorderRelay()
	ts := httptest.NewServer(relay)
	defer ts.Close()

	l := New(wsURL(ts), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	_, ok := relay.next(t).(*protocol.RequestUsers)
	require.True(t, ok, "expected requestUsers on open when no identity is chosen")
}

func TestAdoptsConfirmedName(t *testing.T) {
	relay := newRecorderRelay()
	relay.confirmName = "carol#1"
	ts := httptest.NewServer(relay)
	defer ts.Close()

	l := New(wsURL(ts), zap.NewNop())
	l.Register("carol")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	reg, ok := relay.next(t).(*protocol.Register)
	require.True(t, ok)
	require.Equal(t, "carol", reg.Name)

	// The relay-confirmed name wins, so a reconnect re-registers as it
	require.Eventually(t, func() bool {
		return l.Name() == "carol#1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatusOnOpen(t *testing.T) {
	relay := newRecorderRelay()
	ts := httptest.NewServer(relay)
	defer ts.Close()

	l := New(wsURL(ts), zap.NewNop())

	statusCh := make(chan Status, 16)
	l.OnStatus(func(st Status) { statusCh <- st })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool {
		select {
		case st := <-statusCh:
			return st.State == StateOpen
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// Envelopes sent while open go straight out
	require.NoError(t, l.Send(protocol.NewChatMessage("live", nil)))
	relay.next(t) // requestUsers
	msg, ok := relay.next(t).(*protocol.ChatMessage)
	require.True(t, ok)
	require.Equal(t, "live", msg.Text)
}
