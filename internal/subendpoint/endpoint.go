// Package subendpoint implements the publish/subscribe transport endpoint
// to the rcomp service: topic management, full/incremental update framing,
// and heartbeat liveness learned from the publisher. Grounded on
// original_source/src/common/machinetalksubscriber.cpp.
package subendpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/machinetalk"
	"github.com/kestrel-automation/halremote-client/internal/transport"
)

// SocketFactory creates the SUB socket used for a session. Exposed so
// tests can substitute a fake transport.Subscriber.
type SocketFactory func() transport.Subscriber

// Endpoint is the SUB-side transport endpoint bound to the rcomp service.
type Endpoint struct {
	uri      string
	debugTag string
	codec    machinetalk.Codec
	logger   *zap.Logger

	newSocket SocketFactory

	mu              sync.Mutex
	ready           bool
	state           LinkState
	errorText       string
	heartbeatPeriod time.Duration
	socket          transport.Subscriber

	desired map[string]struct{}
	active  map[string]struct{}

	rx machinetalk.Container

	stateChangeCb []func(LinkState)
	messageCb     []func(topic string, c *machinetalk.Container)

	timer    *time.Timer
	timerSet bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a SubEndpoint targeting uri.
func New(uri, debugTag string, codec machinetalk.Codec, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		uri:       uri,
		debugTag:  debugTag,
		codec:     codec,
		logger:    logger,
		desired:   make(map[string]struct{}),
		active:    make(map[string]struct{}),
		newSocket: func() transport.Subscriber { return transport.NewSubSocket() },
	}
}

// SetSocketFactory overrides socket construction; used by tests.
func (e *Endpoint) SetSocketFactory(f SocketFactory) {
	e.mu.Lock()
	e.newSocket = f
	e.mu.Unlock()
}

// AddTopic, RemoveTopic and ClearTopics only mutate the desired-topic set;
// they never touch the socket directly. The set is realized against the
// transport at Start; a resync cycles the topics subscribed at that Start,
// so changes made to the set while running take effect on the next Start.
func (e *Endpoint) AddTopic(topic string) {
	e.mu.Lock()
	e.desired[topic] = struct{}{}
	e.mu.Unlock()
}

func (e *Endpoint) RemoveTopic(topic string) {
	e.mu.Lock()
	delete(e.desired, topic)
	e.mu.Unlock()
}

func (e *Endpoint) ClearTopics() {
	e.mu.Lock()
	e.desired = make(map[string]struct{})
	e.mu.Unlock()
}

func (e *Endpoint) HeartbeatPeriod() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.heartbeatPeriod / time.Millisecond)
}

func (e *Endpoint) OnStateChange(fn func(LinkState)) {
	e.mu.Lock()
	e.stateChangeCb = append(e.stateChangeCb, fn)
	e.mu.Unlock()
}

func (e *Endpoint) OnMessage(fn func(topic string, c *machinetalk.Container)) {
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
	sck := e.newSocket()

	if err := sck.Connect(e.uri); err != nil {
		_ = sck.Close()
		e.setState(Error, errString(err))
		return
	}

	e.setState(Trying, "")

	e.mu.Lock()
	for topic := range e.desired {
		if err := sck.Subscribe(topic); err == nil {
			e.active[topic] = struct{}{}
		}
	}
	e.heartbeatPeriod = 0
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.socket = sck
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.recvLoop(ctx)
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
	e.active = make(map[string]struct{})
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
		// A message without both a topic frame and a payload frame is
		// malformed and dropped silently.
		if len(frames) < 2 {
			continue
		}

		e.handleInbound(string(frames[0]), frames[1])
	}
}

func (e *Endpoint) handleInbound(topic string, payload []byte) {
	e.mu.Lock()
	e.rx.Reset()
	err := e.codec.Decode(payload, &e.rx)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("subendpoint: failed to decode message", zap.String("tag", e.debugTag), zap.Error(err))
		return
	}
	msgType := e.rx.Type
	wasUp := e.state == Up
	e.mu.Unlock()

	if msgType == machinetalk.MsgHalrcompFullUpdate {
		e.handleFullUpdate(topic)
		return
	}

	if !wasUp {
		// The publisher is talking but we never saw its full update (it
		// may have restarted); drop the message and force a resync.
		e.resync()
		return
	}

	e.mu.Lock()
	cbs := make([]func(string, *machinetalk.Container), len(e.messageCb))
	copy(cbs, e.messageCb)
	msg := &e.rx
	e.mu.Unlock()

	// Any message from the publisher while Up evidences liveness and
	// restarts the keepalive window from this arrival.
	e.armHeartbeat()

	for _, cb := range cbs {
		cb(topic, msg)
	}
}

func (e *Endpoint) handleFullUpdate(topic string) {
	e.mu.Lock()
	if e.rx.PParams != nil && e.rx.PParams.KeepaliveTimer > 0 {
		e.heartbeatPeriod = 2 * time.Duration(e.rx.PParams.KeepaliveTimer) * time.Millisecond
	}
	cbs := make([]func(string, *machinetalk.Container), len(e.messageCb))
	copy(cbs, e.messageCb)
	msg := &e.rx
	e.mu.Unlock()

	e.setState(Up, "")
	e.armHeartbeat()

	for _, cb := range cbs {
		cb(topic, msg)
	}
}

// resync drops the current subscriptions and re-subscribes to the same
// topics, forcing the publisher to resend a full update. A resubscribe
// without a preceding unsubscribe would no-op against an already-active
// ZeroMQ subscription and never actually clear the old state, so both
// steps run explicitly.
func (e *Endpoint) resync() {
	e.mu.Lock()
	sck := e.socket
	topics := make([]string, 0, len(e.active))
	for t := range e.active {
		topics = append(topics, t)
	}
	e.mu.Unlock()

	if sck == nil {
		return
	}
	for _, t := range topics {
		_ = sck.Unsubscribe(t)
		_ = sck.Subscribe(t)
	}
}

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

// heartbeatTick fires once, 2*keepalive_timer after the last message was
// seen: no message has arrived in that window, so the link is declared
// Timeout on the spot. There is no missed-heartbeat tolerance here, unlike
// RpcEndpoint's ping/pong model -- the publisher never acknowledges
// anything, so a single silent window is already the failure signal.
func (e *Endpoint) heartbeatTick() {
	e.mu.Lock()
	active := e.state == Trying || e.state == Up
	e.mu.Unlock()

	if active {
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

	e.logger.Debug("subendpoint: state change", zap.String("tag", e.debugTag), zap.String("state", state.String()))

	for _, cb := range cbs {
		cb(state)
	}
}

func errString(err error) string {
	return fmt.Sprintf("Error: %s", err.Error())
}
