// Package remotecomponent implements the protocol state machine that sits
// on top of an RpcEndpoint and a SubEndpoint: binding, pin update merging,
// outbound change propagation, and a single derived connection state.
package remotecomponent

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/machinetalk"
	"github.com/kestrel-automation/halremote-client/internal/pin"
	"github.com/kestrel-automation/halremote-client/internal/rpcendpoint"
	"github.com/kestrel-automation/halremote-client/internal/subendpoint"
)

// PinSource hands back the flat, already depth-first-scanned collection of
// candidate pins owned by the host environment.
type PinSource interface {
	Pins() []*pin.Pin
}

// Config is the external configuration surface for a RemoteComponent.
type Config struct {
	Name               string
	Create             bool
	RpcURI             string
	RcompURI           string
	HeartbeatPeriodMs  int
	PingErrorThreshold int
}

// Component binds an RpcEndpoint and a SubEndpoint into a single named
// HAL remote component.
type Component struct {
	name   string
	create bool
	logger *zap.Logger

	rpc *rpcendpoint.Endpoint
	sub *subendpoint.Endpoint

	mu           sync.Mutex
	ready        bool
	generation   int
	pinsByName   map[string]*pin.Pin
	pinsByHandle map[uint32]*pin.Pin
	bound        bool

	connState ConnectionState
	errKind   ErrorKind
	errText   string

	outbound machinetalk.Container

	stateChangeCb []func(ConnectionState)
	errorCb       []func(ErrorKind, string)
}

// New creates a RemoteComponent. cfg.Name and cfg.Create are fixed for the
// lifetime of the component while it is not Disconnected.
func New(cfg Config, codec machinetalk.Codec, logger *zap.Logger) *Component {
	rpc := rpcendpoint.New(cfg.RpcURI, "rcmd", codec, logger)
	sub := subendpoint.New(cfg.RcompURI, "rcomp", codec, logger)
	if cfg.HeartbeatPeriodMs > 0 {
		rpc.SetHeartbeatPeriod(cfg.HeartbeatPeriodMs)
	}
	if cfg.PingErrorThreshold > 0 {
		rpc.SetPingErrorThreshold(cfg.PingErrorThreshold)
	}
	// The rcomp topic is the component name: the publisher keys full and
	// incremental updates by it.
	sub.AddTopic(cfg.Name)
	return &Component{
		name:         cfg.Name,
		create:       cfg.Create,
		logger:       logger,
		rpc:          rpc,
		sub:          sub,
		pinsByName:   make(map[string]*pin.Pin),
		pinsByHandle: make(map[uint32]*pin.Pin),
	}
}

func (c *Component) Name() string { return c.name }

func (c *Component) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *Component) Connected() bool {
	return c.ConnectionState() == Connected
}

func (c *Component) Error() (ErrorKind, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errKind, c.errText
}

// HeartbeatPeriod and SetHeartbeatPeriod forward to the RPC endpoint.
func (c *Component) HeartbeatPeriod() int { return c.rpc.HeartbeatPeriod() }

func (c *Component) SetHeartbeatPeriod(ms int) { c.rpc.SetHeartbeatPeriod(ms) }

func (c *Component) OnConnectionStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.stateChangeCb = append(c.stateChangeCb, fn)
	c.mu.Unlock()
}

func (c *Component) OnError(fn func(ErrorKind, string)) {
	c.mu.Lock()
	c.errorCb = append(c.errorCb, fn)
	c.mu.Unlock()
}

// Pins returns a snapshot of the currently bound/discovered pins, for
// introspection surfaces.
func (c *Component) Pins() []*pin.Pin {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*pin.Pin, 0, len(c.pinsByName))
	for _, p := range c.pinsByName {
		out = append(out, p)
	}
	return out
}

// SetReady toggles the component's lifecycle: true discovers pins and
// starts RpcEndpoint; false cascades Stop to both endpoints and drops pin
// references. Idempotent.
func (c *Component) SetReady(ready bool, source PinSource) {
	c.mu.Lock()
	already := c.ready == ready
	c.ready = ready
	c.mu.Unlock()

	if already {
		return
	}
	if ready {
		c.start(source)
	} else {
		c.stop()
	}
}

func (c *Component) start(source PinSource) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.pinsByName = make(map[string]*pin.Pin)
	c.pinsByHandle = make(map[uint32]*pin.Pin)
	c.mu.Unlock()

	if source != nil {
		for _, p := range source.Pins() {
			if p.Name() == "" || !p.Enabled() {
				continue
			}
			c.mu.Lock()
			c.pinsByName[p.Name()] = p
			c.mu.Unlock()

			pp := p
			pp.OnChange(func(remote bool) { c.handlePinChange(pp, gen, remote) })
		}
	}

	c.rpc.OnStateChange(c.handleRpcState)
	c.rpc.OnMessage(c.handleRpcMessage)
	c.sub.OnStateChange(c.handleSubState)
	c.sub.OnMessage(c.handleSubMessage)

	c.rpc.SetReady(true)
}

func (c *Component) stop() {
	c.rpc.SetReady(false)
	c.sub.SetReady(false)

	c.mu.Lock()
	c.generation++
	c.pinsByName = make(map[string]*pin.Pin)
	c.pinsByHandle = make(map[uint32]*pin.Pin)
	c.bound = false
	c.mu.Unlock()

	c.transitionTo(Disconnected, NoError, "")
}

func (c *Component) handleRpcState(state rpcendpoint.LinkState) {
	if state == rpcendpoint.Up {
		c.sendBind()
	}
	c.recomputeConnState()
}

func (c *Component) handleSubState(state subendpoint.LinkState) {
	c.recomputeConnState()
}

// recomputeConnState derives one ConnectionState from the pair of link
// states: both endpoints Up wins; either Error is terminal (Socket); either Timeout
// follows; a Down/Down pair is Disconnected; any other combination (in
// particular Up paired with anything less than Up, which arises right
// after a bind is sent and before the subscription confirms) is treated as
// still-in-progress and reported as Connecting.
func (c *Component) recomputeConnState() {
	rpcState := c.rpc.State()
	subState := c.sub.State()

	if rpcState == rpcendpoint.Error || subState == subendpoint.Error {
		text := c.rpc.ErrorString()
		if subState == subendpoint.Error {
			text = c.sub.ErrorString()
		}
		c.transitionTo(Error, Socket, text)
		return
	}
	if rpcState == rpcendpoint.Up && subState == subendpoint.Up {
		c.transitionTo(Connected, NoError, "")
		return
	}
	if rpcState == rpcendpoint.Timeout || subState == subendpoint.Timeout {
		c.transitionTo(Timeout, ErrTimeout, "")
		return
	}
	if rpcState == rpcendpoint.Down && subState == subendpoint.Down {
		c.transitionTo(Disconnected, NoError, "")
		return
	}
	c.transitionTo(Connecting, NoError, "")
}

// transitionTo is the single path by which connState changes. It unsyncs
// every pin on any departure from Connected, and invokes cleanup on
// entering Error with a non-None kind. The unsync sweep runs under c.mu,
// the same lock applyFullUpdate/applyIncrementalUpdate hold for their
// entire pin-write loop: that's what stops an incremental update already
// in flight when the connection drops from finishing its SetSynced(true)
// after this sweep's SetSynced(false) for the same pin.
func (c *Component) transitionTo(state ConnectionState, kind ErrorKind, text string) {
	c.mu.Lock()
	changed := state != c.connState
	leavingConnected := c.connState == Connected && state != Connected
	c.connState = state
	c.errKind = kind
	c.errText = text

	if leavingConnected {
		for _, p := range c.pinsByName {
			p.SetSynced(false)
		}
	}

	stateCbs := make([]func(ConnectionState), len(c.stateChangeCb))
	copy(stateCbs, c.stateChangeCb)
	errCbs := make([]func(ErrorKind, string), len(c.errorCb))
	copy(errCbs, c.errorCb)
	c.mu.Unlock()

	if !changed {
		return
	}

	c.logger.Info("remotecomponent: connection state change",
		zap.String("name", c.name), zap.String("state", state.String()), zap.String("kind", kind.String()))

	for _, cb := range stateCbs {
		cb(state)
	}
	if kind != NoError {
		for _, cb := range errCbs {
			cb(kind, text)
		}
	}

	if state == Error && kind != NoError {
		c.cleanup()
	}
}

// cleanup tears down both endpoints and drops pin references, invoked on
// entering Error with a non-None kind.
func (c *Component) cleanup() {
	c.rpc.SetReady(false)
	c.sub.SetReady(false)

	c.mu.Lock()
	c.generation++
	c.pinsByName = make(map[string]*pin.Pin)
	c.pinsByHandle = make(map[uint32]*pin.Pin)
	c.bound = false
	c.mu.Unlock()
}

func (c *Component) sendBind() {
	c.mu.Lock()
	if c.bound {
		c.mu.Unlock()
		return
	}
	c.bound = true

	comp := machinetalk.Component{
		Name:     c.name,
		NoCreate: !c.create,
	}
	for name, p := range c.pinsByName {
		wp, err := pinToWire(name, p)
		if err != nil {
			continue
		}
		wp.Name = c.name + "." + name
		comp.Pin = append(comp.Pin, wp)
	}
	c.outbound.Comp = append(c.outbound.Comp, comp)
	c.mu.Unlock()

	c.rpc.Send(machinetalk.MsgHalrcompBind, &c.outbound)
}

func (c *Component) handleRpcMessage(msg *machinetalk.Container) {
	switch msg.Type {
	case machinetalk.MsgHalrcompBindConfirm:
		c.sub.SetReady(true)
	case machinetalk.MsgHalrcompBindReject:
		c.mu.Lock()
		c.bound = false
		c.mu.Unlock()
		c.rpc.SetReady(false)
		c.transitionTo(Error, Bind, msg.Notes())
	case machinetalk.MsgHalrcompSetReject:
		c.transitionTo(Error, PinChange, msg.Notes())
	default:
		c.logger.Debug("remotecomponent: unhandled rcmd message", zap.String("type", string(msg.Type)))
	}
}

func (c *Component) handleSubMessage(topic string, msg *machinetalk.Container) {
	switch msg.Type {
	case machinetalk.MsgHalrcompFullUpdate:
		c.applyFullUpdate(msg)
	case machinetalk.MsgHalrcompIncrementalUpdate:
		c.applyIncrementalUpdate(msg)
	case machinetalk.MsgHalrcommandError:
		c.transitionTo(Error, Command, msg.Notes())
	default:
		c.logger.Debug("remotecomponent: unhandled rcomp message", zap.String("topic", topic), zap.String("type", string(msg.Type)))
	}
}

// applyFullUpdate processes only the first component in the message: this
// client only ever binds one named component per instance, so there is no
// second component it could ever own.
func (c *Component) applyFullUpdate(msg *machinetalk.Container) {
	if len(msg.Comp) == 0 {
		return
	}
	comp := msg.Comp[0]
	prefix := comp.Name + "."

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, wp := range comp.Pin {
		name := strings.TrimPrefix(wp.Name, prefix)
		p, ok := c.pinsByName[name]
		if !ok {
			continue
		}
		p.SetHandle(wp.Handle)
		c.pinsByHandle[wp.Handle] = p
		applyWireValue(p, wp, true)
	}
}

func (c *Component) applyIncrementalUpdate(msg *machinetalk.Container) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, wp := range msg.Pin {
		p, ok := c.pinsByHandle[wp.Handle]
		if !ok {
			continue
		}
		applyWireValue(p, wp, true)
	}
}

// handlePinChange is registered on every discovered pin. gen pins the
// subscription to the Start/Stop cycle that registered it: a late
// notification from a prior cycle (e.g. one still in flight when Stop
// ran) is dropped. remote-originated writes (applyFullUpdate,
// applyIncrementalUpdate) never produce outbound traffic, only local ones
// do.
func (c *Component) handlePinChange(p *pin.Pin, gen int, remote bool) {
	if remote {
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	connected := c.connState == Connected
	c.mu.Unlock()

	if !connected || p.Direction() == pin.In {
		return
	}
	if p.Handle() == 0 {
		return
	}

	wp, err := pinToWire(p.Name(), p)
	if err != nil {
		return
	}
	wp.Name = ""

	c.mu.Lock()
	c.outbound.Pin = append(c.outbound.Pin, wp)
	c.mu.Unlock()

	c.rpc.Send(machinetalk.MsgHalrcompSet, &c.outbound)
}

func pinToWire(name string, p *pin.Pin) (machinetalk.Pin, error) {
	wp := machinetalk.Pin{
		Name:   name,
		Handle: p.Handle(),
		Dir:    directionToWire(p.Direction()),
	}
	switch p.Type() {
	case pin.Bit:
		v := p.Bit()
		wp.Type = machinetalk.ValueBit
		wp.HalBit = &v
	case pin.Float:
		v := p.Float()
		wp.Type = machinetalk.ValueFloat
		wp.HalFloat = &v
	case pin.S32:
		v := p.S32()
		wp.Type = machinetalk.ValueS32
		wp.HalS32 = &v
	case pin.U32:
		v := p.U32()
		wp.Type = machinetalk.ValueU32
		wp.HalU32 = &v
	default:
		return wp, fmt.Errorf("unknown pin type for %s", name)
	}
	return wp, nil
}

func directionToWire(d pin.Direction) machinetalk.PinDirection {
	switch d {
	case pin.In:
		return machinetalk.DirIn
	case pin.Out:
		return machinetalk.DirOut
	default:
		return machinetalk.DirIO
	}
}

// applyWireValue writes the one populated value field on wp into p. remote
// marks the write as remote-originated (sets synced=true).
func applyWireValue(p *pin.Pin, wp machinetalk.Pin, remote bool) {
	switch {
	case wp.HalBit != nil:
		p.SetBit(*wp.HalBit, remote)
	case wp.HalFloat != nil:
		p.SetFloat(*wp.HalFloat, remote)
	case wp.HalS32 != nil:
		p.SetS32(*wp.HalS32, remote)
	case wp.HalU32 != nil:
		p.SetU32(*wp.HalU32, remote)
	}
}
