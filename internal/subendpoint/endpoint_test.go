package subendpoint

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/machinetalk"
	"github.com/kestrel-automation/halremote-client/internal/transport"
)

// fakeSubSocket is an in-memory transport.Subscriber standing in for a real
// ZeroMQ SUB connection.
// subscribed and unsubscribed count calls per topic, so an
// unsubscribe-then-subscribe cycle shows up as growth in both.
type fakeSubSocket struct {
	mu           sync.Mutex
	subscribed   map[string]int
	unsubscribed map[string]int
	inbound      chan [][]byte
	closed       bool
}

func newFakeSubSocket() *fakeSubSocket {
	return &fakeSubSocket{subscribed: make(map[string]int), unsubscribed: make(map[string]int), inbound: make(chan [][]byte, 16)}
}

func (f *fakeSubSocket) Connect(uri string) error { return nil }

func (f *fakeSubSocket) Subscribe(topic string) error {
	f.mu.Lock()
	f.subscribed[topic]++
	f.mu.Unlock()
	return nil
}

func (f *fakeSubSocket) Unsubscribe(topic string) error {
	f.mu.Lock()
	f.unsubscribed[topic]++
	f.mu.Unlock()
	return nil
}

func (f *fakeSubSocket) Send(frames [][]byte) error { return nil }

func (f *fakeSubSocket) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frames := <-f.inbound:
		return frames, nil
	}
}

func (f *fakeSubSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSubSocket) deliver(topic string, c *machinetalk.Container) {
	payload, _ := json.Marshal(c)
	f.inbound <- [][]byte{[]byte(topic), payload}
}

func (f *fakeSubSocket) subscribeCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[topic]
}

func newTestEndpoint(t *testing.T, topics ...string) (*Endpoint, *fakeSubSocket) {
	t.Helper()
	sck := newFakeSubSocket()
	e := New("tcp://127.0.0.1:0", "test", machinetalk.NewJSONCodec(), zap.NewNop())
	e.SetSocketFactory(func() transport.Subscriber { return sck })
	for _, topic := range topics {
		e.AddTopic(topic)
	}
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

func TestSetReady_SubscribesDesiredTopics(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")

	e.SetReady(true)
	waitFor(t, func() bool { return sck.subscribeCount("mill") == 1 })

	assert.Equal(t, Trying, e.State())
}

func TestFullUpdate_LearnsHeartbeatAndGoesUp(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")
	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver("mill", &machinetalk.Container{
		Type:    machinetalk.MsgHalrcompFullUpdate,
		PParams: &machinetalk.ProtocolParameters{KeepaliveTimer: 1000},
	})

	waitFor(t, func() bool { return e.State() == Up })
	assert.Equal(t, 2000, e.HeartbeatPeriod())
}

func TestShortFrame_DroppedSilently(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")
	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.inbound <- [][]byte{[]byte("mill")} // missing payload frame
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Trying, e.State())
}

func TestMessageWhileNotUp_TriggersResync(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")
	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	before := sck.subscribeCount("mill")
	sck.deliver("mill", &machinetalk.Container{Type: machinetalk.MsgHalrcompIncrementalUpdate})

	waitFor(t, func() bool { return sck.subscribeCount("mill") > before })
	assert.Equal(t, Trying, e.State(), "a resync does not itself change link state")
}

func TestHeartbeatTimeout(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")
	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver("mill", &machinetalk.Container{
		Type:    machinetalk.MsgHalrcompFullUpdate,
		PParams: &machinetalk.ProtocolParameters{KeepaliveTimer: 10},
	})
	waitFor(t, func() bool { return e.State() == Up })

	// No further traffic: a single missed 2*keepalive_timer window (20ms)
	// must push it straight to Timeout, with no tolerance for repeats.
	waitFor(t, func() bool { return e.State() == Timeout })
}

func TestMessageWhileUp_ExtendsHeartbeatWindow(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")
	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver("mill", &machinetalk.Container{
		Type:    machinetalk.MsgHalrcompFullUpdate,
		PParams: &machinetalk.ProtocolParameters{KeepaliveTimer: 30},
	})
	waitFor(t, func() bool { return e.State() == Up })

	// Keep delivering well inside each 60ms window; the timer must keep
	// getting pushed out rather than firing against a stale schedule.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		sck.deliver("mill", &machinetalk.Container{Type: machinetalk.MsgHalrcompIncrementalUpdate})
		require.Equal(t, Up, e.State())
	}

	// Once traffic stops, the window that was last armed still expires.
	waitFor(t, func() bool { return e.State() == Timeout })
}

func TestDeliveredMessage_ForwardedWhenUp(t *testing.T) {
	e, sck := newTestEndpoint(t, "mill")

	received := make(chan machinetalk.ContainerType, 1)
	e.OnMessage(func(topic string, c *machinetalk.Container) {
		received <- c.Type
	})

	e.SetReady(true)
	waitFor(t, func() bool { return e.State() == Trying })

	sck.deliver("mill", &machinetalk.Container{Type: machinetalk.MsgHalrcompFullUpdate, PParams: &machinetalk.ProtocolParameters{KeepaliveTimer: 500}})
	waitFor(t, func() bool { return e.State() == Up })
	// The full update itself is forwarded first.
	require.Equal(t, machinetalk.MsgHalrcompFullUpdate, <-received)

	sck.deliver("mill", &machinetalk.Container{Type: machinetalk.MsgHalrcompIncrementalUpdate})

	select {
	case kind := <-received:
		assert.Equal(t, machinetalk.MsgHalrcompIncrementalUpdate, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("incremental update not forwarded once up")
	}
}
