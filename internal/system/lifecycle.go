// Package system wires configuration, the local pin set, the
// RemoteComponent protocol state machine, and the ambient REST/
// observability surfaces into one process lifecycle: Start/Shutdown with
// a WaitGroup+error-channel+timeout-select graceful shutdown, and a
// status-broadcast-to-subscribers pattern.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/api/rest"
	"github.com/kestrel-automation/halremote-client/internal/config"
	"github.com/kestrel-automation/halremote-client/internal/machinetalk"
	"github.com/kestrel-automation/halremote-client/internal/observability"
	"github.com/kestrel-automation/halremote-client/internal/pin"
	"github.com/kestrel-automation/halremote-client/internal/remotecomponent"
)

// Runtime owns the full process: one RemoteComponent, its pin set, and the
// ambient REST/observability surfaces that expose it.
type Runtime struct {
	config    *config.Config
	component *remotecomponent.Component
	pins      *pin.Set
	hub       *observability.Hub
	restServer *rest.Server
	logger    *zap.Logger

	stateMu      sync.RWMutex
	currentState RuntimeState
	lastError    string

	listenersMu sync.RWMutex
	listeners   []chan RuntimeStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewRuntime constructs a Runtime from configuration. pins is the host's
// depth-first-scanned candidate pin set, handed verbatim to RemoteComponent
// on every SetReady(true, pins).
func NewRuntime(cfg *config.Config, pins *pin.Set, logger *zap.Logger) *Runtime {
	codec := machinetalk.NewJSONCodec()

	component := remotecomponent.New(remotecomponent.Config{
		Name:               cfg.Component.Name,
		Create:             cfg.Component.Create,
		RpcURI:             cfg.Component.HalrcmdURI,
		RcompURI:           cfg.Component.HalrcompURI,
		HeartbeatPeriodMs:  int(cfg.Component.HeartbeatPeriod / time.Millisecond),
		PingErrorThreshold: cfg.Component.PingErrorThreshold,
	}, codec, logger)

	hub := observability.NewHub(logger)

	rt := &Runtime{
		config:       cfg,
		component:    component,
		pins:         pins,
		hub:          hub,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
		listeners:    make([]chan RuntimeStatus, 0),
	}

	component.OnConnectionStateChange(rt.handleConnectionStateChange)
	component.OnError(rt.handleComponentError)

	rt.restServer = rest.NewServer(&cfg.REST, component, pins, hub, logger)

	return rt
}

// Component returns the wired RemoteComponent, for callers (e.g. main) that
// need to toggle readiness directly.
func (rt *Runtime) Component() *remotecomponent.Component { return rt.component }

// Start brings the ambient surfaces up and, if configured, toggles the
// component ready immediately.
func (rt *Runtime) Start() error {
	rt.logger.Info("starting halremote runtime", zap.String("component", rt.config.Component.Name))

	rt.setState(StateInitializing)

	go rt.hub.Run()

	if err := rt.restServer.Start(); err != nil {
		rt.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if rt.config.Component.Ready {
		rt.component.SetReady(true, rt.pins)
	}

	rt.setState(StateRunning)
	rt.logger.Info("halremote runtime started", zap.Int("rest_port", rt.config.REST.Port))

	return nil
}

// Shutdown gracefully tears down the component and ambient surfaces.
// Idempotent.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var shutdownErr error

	rt.shutdownOnce.Do(func() {
		rt.logger.Info("shutting down halremote runtime")
		rt.setState(StateStopping)

		shutdownErr = rt.gracefulShutdown(ctx)

		rt.setState(StateStopped)
		close(rt.shutdownChan)
	})

	return shutdownErr
}

func (rt *Runtime) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.component.SetReady(false, nil)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(ctx, rt.config.REST.ShutdownTimeout)
		defer cancel()
		if err := rt.restServer.Shutdown(shutdownCtx); err != nil {
			errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rt.logger.Info("graceful shutdown completed")
		return nil
	case <-ctx.Done():
		rt.logger.Warn("shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	case err := <-errChan:
		return err
	}
}

func (rt *Runtime) handleConnectionStateChange(state remotecomponent.ConnectionState) {
	kind, text := rt.component.Error()
	rt.hub.Broadcast(observability.NewConnectionStateMessage(state.String(), kind.String(), text))

	for _, p := range rt.component.Pins() {
		rt.hub.Broadcast(observability.NewPinUpdateMessage(p.Name(), p.Type().String(), p.Value(), p.Synced()))
	}
}

func (rt *Runtime) handleComponentError(kind remotecomponent.ErrorKind, text string) {
	rt.logger.Warn("remote component error", zap.String("kind", kind.String()), zap.String("text", text))
}

func (rt *Runtime) setState(state RuntimeState) {
	rt.stateMu.Lock()
	if err := ValidateTransition(rt.currentState, state); err != nil {
		rt.logger.Debug("runtime state transition", zap.Error(err))
	}
	rt.currentState = state
	rt.stateMu.Unlock()

	rt.broadcastStatus()
}

func (rt *Runtime) setError(err error) {
	rt.stateMu.Lock()
	rt.currentState = StateError
	rt.lastError = err.Error()
	rt.stateMu.Unlock()

	rt.broadcastStatus()
}

func (rt *Runtime) Status() RuntimeStatus {
	rt.stateMu.RLock()
	defer rt.stateMu.RUnlock()
	return RuntimeStatus{State: rt.currentState, Timestamp: time.Now().Unix(), Error: rt.lastError}
}

func (rt *Runtime) broadcastStatus() {
	status := rt.Status()

	rt.listenersMu.RLock()
	defer rt.listenersMu.RUnlock()

	for _, listener := range rt.listeners {
		select {
		case listener <- status:
		default:
		}
	}
}

// SubscribeStatus registers a channel that receives every runtime status
// change.
func (rt *Runtime) SubscribeStatus() chan RuntimeStatus {
	ch := make(chan RuntimeStatus, 10)

	rt.listenersMu.Lock()
	rt.listeners = append(rt.listeners, ch)
	rt.listenersMu.Unlock()

	return ch
}

func (rt *Runtime) UnsubscribeStatus(ch chan RuntimeStatus) {
	rt.listenersMu.Lock()
	defer rt.listenersMu.Unlock()

	for i, listener := range rt.listeners {
		if listener == ch {
			rt.listeners = append(rt.listeners[:i], rt.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}
