// Package rpcendpoint implements the request/reply transport endpoint to
// the rcmd service: connection lifecycle, routing identity, and
// heartbeat-driven liveness detection.
package rpcendpoint

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/machinetalk"
	"github.com/kestrel-automation/halremote-client/internal/transport"
)

const (
	defaultHeartbeatPeriod  = 3000 * time.Millisecond
	defaultPingErrorThreshold = 2
)

// SocketFactory creates the DEALER socket used for a session. Exposed so
// tests can substitute a fake transport.Socket.
type SocketFactory func(identity string) transport.Socket

// Endpoint is the DEALER-side transport endpoint bound to the rcmd service.
type Endpoint struct {
	uri      string
	debugTag string
	codec    machinetalk.Codec
	logger   *zap.Logger

	newSocket SocketFactory

	pingErrorThreshold int

	mu              sync.Mutex
	ready           bool
	state           LinkState
	errorText       string
	heartbeatPeriod time.Duration
	pingErrorCount  int
	socket          transport.Socket
	identity        string

	rx machinetalk.Container

	stateChangeCb []func(LinkState)
	messageCb     []func(*machinetalk.Container)

	timer    *time.Timer
	timerSet bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an RpcEndpoint targeting uri. debugTag is included in log
// lines to disambiguate multiple endpoints in one process.
func New(uri, debugTag string, codec machinetalk.Codec, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		uri:                 uri,
		debugTag:            debugTag,
		codec:               codec,
		logger:              logger,
		heartbeatPeriod:     defaultHeartbeatPeriod,
		pingErrorThreshold:  defaultPingErrorThreshold,
		newSocket:           func(identity string) transport.Socket { return transport.NewDealerSocket(identity) },
	}
}

// SetSocketFactory overrides socket construction; used by tests.
func (e *Endpoint) SetSocketFactory(f SocketFactory) {
	e.mu.Lock()
	e.newSocket = f
	e.mu.Unlock()
}

// HeartbeatPeriod returns the configured heartbeat period in milliseconds.
func (e *Endpoint) HeartbeatPeriod() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.heartbeatPeriod / time.Millisecond)
}

// SetHeartbeatPeriod sets the heartbeat period in milliseconds. 0 disables
// the heartbeat timer.
func (e *Endpoint) SetHeartbeatPeriod(ms int) {
	e.mu.Lock()
	e.heartbeatPeriod = time.Duration(ms) * time.Millisecond
	e.mu.Unlock()
}

// SetPingErrorThreshold overrides the number of consecutive missed
// heartbeats tolerated before a Timeout transition (default 2).
func (e *Endpoint) SetPingErrorThreshold(n int) {
	e.mu.Lock()
	e.pingErrorThreshold = n
	e.mu.Unlock()
}

func (e *Endpoint) OnStateChange(fn func(LinkState)) {
	e.mu.Lock()
	e.stateChangeCb = append(e.stateChangeCb, fn)
	e.mu.Unlock()
}

func (e *Endpoint) OnMessage(fn func(*machinetalk.Container)) {
	e.mu.Lock()
	e.messageCb = append(e.messageCb, fn)
	e.mu.Unlock()
}

func (e *Endpoint) State() LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) ErrorString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorText
}

// SetReady toggles the lifecycle: true starts the endpoint, false stops
// it. Idempotent.
func (e *Endpoint) SetReady(ready bool) {
	e.mu.Lock()
	already := e.ready == ready
	e.ready = ready
	e.mu.Unlock()

	if already {
		return
	}
	if ready {
		e.start()
	} else {
		e.stop()
	}
}

func (e *Endpoint) start() {
	hostname, _ := os.Hostname()
	identity := fmt.Sprintf("%s-%s", hostname, uuid.New().String())

	e.mu.Lock()
	sck := e.newSocket(identity)
	e.identity = identity
	e.mu.Unlock()

	if err := sck.Connect(e.uri); err != nil {
		_ = sck.Close()
		e.setState(Error, errString(err))
		return
	}

	e.setState(Trying, "")

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.socket = sck
	e.cancel = cancel
	e.pingErrorCount = 0
	e.mu.Unlock()

	e.wg.Add(1)
	go e.recvLoop(ctx)

	e.sendLocked(machinetalk.MsgPing, nil)
	e.armHeartbeat()
}

func (e *Endpoint) stop() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timerSet = false
	}
	cancel := e.cancel
	sck := e.socket
	e.socket = nil
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sck != nil {
		_ = sck.Close()
	}
	e.wg.Wait()

	e.setState(Down, "")
}

func (e *Endpoint) recvLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		sck := e.socket
		e.mu.Unlock()
		if sck == nil {
			return
		}

		frames, err := sck.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.setState(Error, errString(err))
			return
		}
		if len(frames) == 0 {
			continue
		}

		e.handleInbound(frames[0])
	}
}

func (e *Endpoint) handleInbound(payload []byte) {
	e.mu.Lock()
	e.rx.Reset()
	err := e.codec.Decode(payload, &e.rx)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("rpcendpoint: failed to decode message", zap.String("tag", e.debugTag), zap.Error(err))
		return
	}

	// Any inbound message counts as a heartbeat: queued replies already
	// evidence liveness.
	e.pingErrorCount = 0
	msgType := e.rx.Type
	e.mu.Unlock()

	e.setState(Up, "")

	if msgType == machinetalk.MsgPingAcknowledge {
		return
	}

	e.mu.Lock()
	cbs := make([]func(*machinetalk.Container), len(e.messageCb))
	copy(cbs, e.messageCb)
	msg := &e.rx
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(msg)
	}
}

// Send sets the envelope's type field to kind, serializes it, and
// transmits it as a single frame. c is the caller's reused Container
// (RemoteComponent populates pins/components in place); a nil c sends an
// otherwise empty envelope. c is reset after every call. If the socket is
// absent the call is a no-op, not an error: outbound traffic is gated on
// readiness.
func (e *Endpoint) Send(kind machinetalk.ContainerType, c *machinetalk.Container) {
	e.sendLocked(kind, c)
}

func (e *Endpoint) sendLocked(kind machinetalk.ContainerType, c *machinetalk.Container) {
	e.mu.Lock()
	sck := e.socket
	e.mu.Unlock()

	if sck == nil {
		if c != nil {
			c.Reset()
		}
		return
	}

	if c == nil {
		c = &machinetalk.Container{}
	}
	c.Type = kind

	payload, err := e.codec.Encode(c)
	c.Reset()
	if err != nil {
		e.setState(Error, errString(err))
		return
	}

	if err := sck.Send([][]byte{payload}); err != nil {
		e.setState(Error, errString(err))
		return
	}

	if kind == machinetalk.MsgPing {
		e.armHeartbeat()
	}
}

// armHeartbeat (re)starts the single heartbeat timer. It is armed iff the
// link state is Trying or Up and the period is greater than zero.
func (e *Endpoint) armHeartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timerSet = false
	}

	if e.state != Trying && e.state != Up {
		return
	}
	if e.heartbeatPeriod <= 0 {
		return
	}

	period := e.heartbeatPeriod
	e.timer = time.AfterFunc(period, e.heartbeatTick)
	e.timerSet = true
}

func (e *Endpoint) heartbeatTick() {
	e.sendLocked(machinetalk.MsgPing, nil)

	e.mu.Lock()
	e.pingErrorCount++
	count := e.pingErrorCount
	threshold := e.pingErrorThreshold
	wasUp := e.state == Up
	e.mu.Unlock()

	if wasUp && count > threshold {
		e.setState(Timeout, "")
	}
}

func (e *Endpoint) setState(state LinkState, errText string) {
	e.mu.Lock()
	changed := state != e.state
	e.state = state
	if errText != "" {
		e.errorText = errText
	}
	if state != Trying && state != Up && e.timer != nil {
		e.timer.Stop()
		e.timerSet = false
	}
	cbs := make([]func(LinkState), len(e.stateChangeCb))
	copy(cbs, e.stateChangeCb)
	e.mu.Unlock()

	if !changed {
		return
	}

	e.logger.Debug("rpcendpoint: state change", zap.String("tag", e.debugTag), zap.String("state", state.String()))

	for _, cb := range cbs {
		cb(state)
	}
}

func errString(err error) string {
	return fmt.Sprintf("Error: %s", err.Error())
}
