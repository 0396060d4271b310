// Package transport keeps a reconnecting message channel to the device.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bioreactor-monitor/internal/telemetry"
)

// ErrNotConnected is returned by Send when no connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is one established connection.
type Conn interface {
	// ReadMessage blocks until a frame arrives or the connection fails.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// Event reports a state transition. Fallback is set when the transition was
// not requested by the caller, so demo mode should take over.
type Event struct {
	State    State
	Address  string
	Fallback bool
	Err      error
	RetryIn  time.Duration
}

// Options tunes reconnect behaviour.
type Options struct {
	AutoReconnect bool
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

// Adapter drives a Dialer through Disconnected, Connecting and Connected.
// Callbacks run on adapter goroutines, one transition at a time.
type Adapter struct {
	dialer  Dialer
	opts    Options
	onFrame func([]byte)
	onEvent func(Event)
	log     *slog.Logger

	// transition serializes state changes with their event delivery
	transition sync.Mutex

	mu      sync.Mutex
	state   State
	conn    Conn
	address string
	baseCtx context.Context
	gen     uint64
	timer   *time.Timer
	cancel  context.CancelFunc
	bo      *backoff.ExponentialBackOff
}

// NewAdapter returns a disconnected adapter. onFrame receives raw inbound
// frames; onEvent receives state transitions.
func NewAdapter(d Dialer, opts Options, onFrame func([]byte), onEvent func(Event), log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	if opts.InitialDelay > 0 {
		bo.InitialInterval = opts.InitialDelay
	}
	if opts.MaxDelay > 0 {
		bo.MaxInterval = opts.MaxDelay
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Adapter{
		dialer:  d,
		opts:    opts,
		onFrame: onFrame,
		onEvent: onEvent,
		log:     log,
		bo:      bo,
		baseCtx: context.Background(),
	}
}

// State returns the current state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Address returns the last address passed to Connect.
func (a *Adapter) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.address
}

// Connect drops any current connection and dials address in the background.
func (a *Adapter) Connect(ctx context.Context, address string) {
	a.connect(ctx, address, 0, false)
}

// connect starts a new generation and dials address. A retry only proceeds
// while retryGen is still current and the adapter is disconnected.
func (a *Adapter) connect(ctx context.Context, address string, retryGen uint64, retry bool) {
	a.transition.Lock()
	defer a.transition.Unlock()

	a.mu.Lock()
	if retry && (retryGen != a.gen || a.state != Disconnected) {
		a.mu.Unlock()
		return
	}
	old := a.resetLocked()
	a.gen++
	gen := a.gen
	a.address = address
	a.baseCtx = ctx
	a.state = Connecting
	dialCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	a.log.Info("connecting", "address", address)
	a.emit(Event{State: Connecting, Address: address})
	go a.dial(dialCtx, gen, address)
}

// Close shuts the connection down deliberately and cancels any pending
// reconnect. Closing a disconnected adapter emits nothing.
func (a *Adapter) Close() {
	a.transition.Lock()
	defer a.transition.Unlock()

	a.mu.Lock()
	old := a.resetLocked()
	a.gen++
	was := a.state
	a.state = Disconnected
	addr := a.address
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if was == Disconnected {
		return
	}
	a.log.Info("connection closed", "address", addr)
	a.emit(Event{State: Disconnected, Address: addr})
}

// Send encodes and writes cmd when connected.
func (a *Adapter) Send(cmd telemetry.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Connected || a.conn == nil {
		return ErrNotConnected
	}
	if err := a.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Cmd, err)
	}
	return nil
}

// resetLocked cancels dials and timers and detaches the connection.
func (a *Adapter) resetLocked() Conn {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	c := a.conn
	a.conn = nil
	return c
}

func (a *Adapter) dial(ctx context.Context, gen uint64, address string) {
	conn, err := a.dialer.Dial(ctx, address)

	a.transition.Lock()
	defer a.transition.Unlock()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		a.state = Disconnected
		retry := a.scheduleLocked(gen)
		a.mu.Unlock()
		a.log.Warn("connect failed", "address", address, "err", err, "retry_in", retry)
		a.emit(Event{State: Disconnected, Address: address, Fallback: true, Err: err, RetryIn: retry})
		return
	}
	a.conn = conn
	a.state = Connected
	a.bo.Reset()
	a.mu.Unlock()

	a.log.Info("connected", "address", address)
	a.emit(Event{State: Connected, Address: address})
	go a.read(gen, conn, address)
}

func (a *Adapter) read(gen uint64, conn Conn, address string) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			a.dropped(gen, conn, address, err)
			return
		}
		if a.onFrame != nil {
			a.onFrame(data)
		}
	}
}

func (a *Adapter) dropped(gen uint64, conn Conn, address string, cause error) {
	a.transition.Lock()
	defer a.transition.Unlock()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = Disconnected
	retry := a.scheduleLocked(gen)
	a.mu.Unlock()

	conn.Close()
	a.log.Warn("connection lost", "address", address, "err", cause, "retry_in", retry)
	a.emit(Event{State: Disconnected, Address: address, Fallback: true, Err: cause, RetryIn: retry})
}

func (a *Adapter) scheduleLocked(gen uint64) time.Duration {
	if !a.opts.AutoReconnect {
		return 0
	}
	d := a.bo.NextBackOff()
	if d == backoff.Stop {
		d = a.bo.MaxInterval
	}
	a.timer = time.AfterFunc(d, func() { a.reconnect(gen) })
	return d
}

func (a *Adapter) reconnect(gen uint64) {
	a.mu.Lock()
	ctx, addr := a.baseCtx, a.address
	a.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	a.connect(ctx, addr, gen, true)
}

func (a *Adapter) emit(ev Event) {
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}
