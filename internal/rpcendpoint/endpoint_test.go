package rpcendpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/machinetalk"
	"github.com/kestrel-automation/halremote-client/internal/transport"
)

// fakeSocket is an in-memory transport.Socket standing in for a real
// ZeroMQ DEALER connection, so the state machine can be exercised without a
// broker.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	connectErr error
	sent      [][]byte
	inbound   chan [][]byte
	closed    bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan [][]byte, 16)}
}

func (f *fakeSocket) Connect(uri string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Send(frames [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("socket closed")
	}
	cp := make([]byte, len(frames[0]))
	copy(cp, frames[0])
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSocket) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frames := <-f.inbound:
		return frames, nil
	}
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) deliver(c *machinetalk.Container) {
	payload, _ := json.Marshal(c)
	f.inbound <- [][]byte{payload}
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestEndpoint(t *testing.T) (*Endpoint, *fakeSocket) {
	t.Helper()
	sck := newFakeSocket()
	e := New("tcp://127.0.0.1:0", "test", machinetalk.NewJSONCodec(), zap.NewNop())
	e.SetSocketFactory(func(identity string) transport.Socket { return sck })
	return e, sck
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met in time")
}

func TestSetReady_StartsAndSendsInitialPing(t *testing.T) {
	e, sck := newTestEndpoint(t)

	e.SetReady(true)
	waitFor(t, func() bool { return sck.sentCount() >= 1 })

	assert.Equal(t, Trying, e.State())
}

func TestInboundMessage_TransitionsToUp(t *testing.T) {
	e, sck := newTestEndpoint(t)
	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver(&machinetalk.Container{Type: machinetalk.MsgPingAcknowledge})
	waitFor(t, func() bool { return e.State() == Up })
}

func TestPingAckConsumedSilently(t *testing.T) {
	e, sck := newTestEndpoint(t)

	var received []machinetalk.ContainerType
	var mu sync.Mutex
	e.OnMessage(func(c *machinetalk.Container) {
		mu.Lock()
		received = append(received, c.Type)
		mu.Unlock()
	})

	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver(&machinetalk.Container{Type: machinetalk.MsgPingAcknowledge})
	waitFor(t, func() bool { return e.State() == Up })

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, received, "PING_ACK must not be forwarded upward")
}

func TestNonPingMessageForwarded(t *testing.T) {
	e, sck := newTestEndpoint(t)

	received := make(chan machinetalk.ContainerType, 1)
	e.OnMessage(func(c *machinetalk.Container) {
		received <- c.Type
	})

	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver(&machinetalk.Container{Type: machinetalk.MsgHalrcompBindConfirm})

	select {
	case kind := <-received:
		assert.Equal(t, machinetalk.MsgHalrcompBindConfirm, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	e, sck := newTestEndpoint(t)
	e.SetHeartbeatPeriod(10)
	e.SetPingErrorThreshold(1)

	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver(&machinetalk.Container{Type: machinetalk.MsgPingAcknowledge})
	waitFor(t, func() bool { return e.State() == Up })

	// No further traffic: two ticks (threshold 1) must push it to Timeout.
	waitFor(t, func() bool { return e.State() == Timeout })
}

func TestSend_NoopWithoutSocket(t *testing.T) {
	e, _ := newTestEndpoint(t)
	// Never started: socket is nil, Send must not panic and must reset c.
	c := &machinetalk.Container{Comp: []machinetalk.Component{{Name: "x"}}}
	e.Send(machinetalk.MsgHalrcompBind, c)
	assert.Empty(t, c.Comp)
}

func TestSetReady_Idempotent(t *testing.T) {
	e, sck := newTestEndpoint(t)

	e.SetReady(true)
	waitFor(t, func() bool { return sck.sentCount() >= 1 })
	before := sck.sentCount()

	e.SetReady(true) // no-op, already ready
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, sck.sentCount())
}

func TestStop_ReturnsToDown(t *testing.T) {
	e, _ := newTestEndpoint(t)

	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	e.SetReady(false)
	waitFor(t, func() bool { return e.State() == Down })
}
