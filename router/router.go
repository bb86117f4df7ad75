// Package router is the process-wide broadcast hub. One producer feeds it
// gamepad states; it runs change detection and fans every reportable change
// out to all registered regular and public connections, and to any taps
// such as realtime publishers.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/state"
	"github.com/doingharm/gamepad-relay/store"
)

var (
	ErrPortClosed  = errors.New("port closed")
	ErrUnknownPort = errors.New("unknown port")
	ErrTerminated  = errors.New("connection terminated")
)

// Port is one consumer attached to the router.
type Port interface {
	ID() string
	// Send delivers msg. Implementations return ErrPortClosed (possibly
	// wrapped) once the peer is gone.
	Send(msg protocol.Message) error
}

// Kind selects the connection set a port is registered in.
type Kind uint8

const (
	Regular Kind = iota
	Public
)

func (k Kind) String() string {
	if k == Public {
		return "public"
	}
	return "regular"
}

// ConnState is the lifecycle of one connection.
type ConnState uint8

const (
	Uninitialized ConnState = iota
	Initialized
	Terminated
)

// Tap receives every state the router broadcasts. Taps run on the
// broadcast path and must not block.
type Tap func(ctx context.Context, s *state.NormalizedState)

// DeadzoneListener is told when a user's settings change the deadzone, so
// producers that normalize before the router can follow.
type DeadzoneListener func(deadzone float64)

// SettingsSource resolves per-user settings on INIT.
type SettingsSource interface {
	Settings(ctx context.Context, userID string) (store.GamepadSettings, error)
}

type connection struct {
	port     Port
	kind     Kind
	state    ConnState
	userID   string
	username string
}

// Config configures a Router.
type Config struct {
	Detector state.DetectorConfig
	Debug    bool
	Settings SettingsSource
}

// Router fans normalized states out to connections. Connection sets are
// only mutated through its message handlers.
type Router struct {
	logger   zerolog.Logger
	settings SettingsSource
	now      func() time.Time

	mu        sync.RWMutex
	conns     map[string]*connection
	regular   map[string]*connection
	public    map[string]*connection
	taps      []Tap
	listeners []DeadzoneListener

	baseDebug bool
	debug     atomic.Bool
	deadzone atomic.Uint64

	// single-flight guard; detector and lastState are only touched while held
	processing atomic.Bool
	detector   *state.Detector
	lastState  *state.NormalizedState
	broadcasts atomic.Uint64
	dropped    atomic.Uint64
}

// New constructs the router. Its lifetime is the process lifetime.
func New(cfg Config, logger zerolog.Logger) *Router {
	r := &Router{
		logger:   logger,
		settings: cfg.Settings,
		now:      time.Now,
		conns:    make(map[string]*connection),
		regular:  make(map[string]*connection),
		public:   make(map[string]*connection),
		detector:  state.NewDetector(cfg.Detector),
		baseDebug: cfg.Debug,
	}
	r.debug.Store(cfg.Debug)
	r.SetDeadzone(cfg.Detector.Deadzone)
	return r
}

// AddTap registers a downstream consumer of broadcast states.
func (r *Router) AddTap(tap Tap) {
	r.mu.Lock()
	r.taps = append(r.taps, tap)
	r.mu.Unlock()
}

// OnDeadzone registers fn to follow deadzone changes made by user settings.
func (r *Router) OnDeadzone(fn DeadzoneListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// SetDeadzone changes the deadzone used for subsequent updates.
func (r *Router) SetDeadzone(deadzone float64) {
	r.deadzone.Store(math.Float64bits(deadzone))
}

// Deadzone returns the active deadzone.
func (r *Router) Deadzone() float64 {
	return math.Float64frombits(r.deadzone.Load())
}

// SetDebug toggles DEBUG_LOG messages.
func (r *Router) SetDebug(debug bool) {
	r.debug.Store(debug)
}

// Attach records a new, uninitialized port.
func (r *Router) Attach(port Port) {
	r.mu.Lock()
	r.conns[port.ID()] = &connection{port: port}
	r.mu.Unlock()

	r.logger.Debug().Str("port", port.ID()).Msg("port attached")
}

// Detach forgets a port entirely, as on page teardown.
func (r *Router) Detach(portID string) {
	r.Cleanup(portID)

	r.mu.Lock()
	delete(r.conns, portID)
	r.mu.Unlock()
}

// Handle dispatches one inbound message from port.
func (r *Router) Handle(ctx context.Context, port Port, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Init:
		return r.Init(ctx, port, m)
	case *protocol.UpdateState:
		r.mu.RLock()
		conn, ok := r.conns[port.ID()]
		terminated := ok && conn.state == Terminated
		r.mu.RUnlock()
		if terminated {
			return ErrTerminated
		}
		r.UpdateState(ctx, m.State)
		return nil
	case *protocol.Cleanup:
		r.Cleanup(port.ID())
		return nil
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.MessageType())
	}
}

// Init registers port in the regular or public set.
func (r *Router) Init(ctx context.Context, port Port, m *protocol.Init) error {
	kind := Regular
	if m.IsPublic {
		kind = Public
	}

	r.mu.Lock()
	conn, ok := r.conns[port.ID()]
	if !ok {
		conn = &connection{port: port}
		r.conns[port.ID()] = conn
	}
	if conn.state == Terminated {
		r.mu.Unlock()
		return ErrTerminated
	}

	delete(r.regular, port.ID())
	delete(r.public, port.ID())

	conn.kind = kind
	conn.state = Initialized
	conn.userID = m.UserID
	conn.username = m.Username
	if kind == Public {
		r.public[port.ID()] = conn
	} else {
		r.regular[port.ID()] = conn
	}
	nRegular, nPublic := len(r.regular), len(r.public)
	r.mu.Unlock()

	if m.UserID != "" && r.settings != nil && kind == Regular {
		r.applySettings(ctx, m.UserID)
	}

	r.logger.Info().
		Str("port", port.ID()).
		Stringer("kind", kind).
		Str("username", m.Username).
		Int("regular", nRegular).
		Int("public", nPublic).
		Msg("connection initialized")

	r.debugLog(port, fmt.Sprintf("registered %s connection (%d regular, %d public)", kind, nRegular, nPublic))
	return nil
}

func (r *Router) applySettings(ctx context.Context, userID string) {
	settings, err := r.settings.Settings(ctx, userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user", userID).Msg("failed to load settings, keeping current deadzone")
		return
	}
	r.SetDeadzone(settings.Deadzone)
	r.SetDebug(r.baseDebug || settings.DebugMode)

	r.mu.RLock()
	listeners := append([]DeadzoneListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(settings.Deadzone)
	}
}

// Cleanup removes port from both sets. It is idempotent.
func (r *Router) Cleanup(portID string) {
	r.mu.Lock()
	conn, ok := r.conns[portID]
	if ok {
		conn.state = Terminated
	}
	_, wasRegular := r.regular[portID]
	_, wasPublic := r.public[portID]
	delete(r.regular, portID)
	delete(r.public, portID)
	r.mu.Unlock()

	if wasRegular || wasPublic {
		r.logger.Info().Str("port", portID).Msg("connection cleaned up")
	}
}

// ConnState reports the lifecycle state of a port.
func (r *Router) ConnState(portID string) (ConnState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[portID]
	if !ok {
		return Terminated, ErrUnknownPort
	}
	return conn.state, nil
}

// Counts returns the sizes of the regular and public sets.
func (r *Router) Counts() (regular, public int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regular), len(r.public)
}

// Stats returns the number of broadcasts sent and updates dropped by the
// single-flight guard.
func (r *Router) Stats() (broadcasts, dropped uint64) {
	return r.broadcasts.Load(), r.dropped.Load()
}

// UpdateState runs change detection on s and broadcasts it if reportable.
// A call made while another is still broadcasting is dropped, not queued;
// the return value reports whether s was accepted.
func (r *Router) UpdateState(ctx context.Context, s *state.NormalizedState) bool {
	if !r.processing.CompareAndSwap(false, true) {
		r.dropped.Add(1)
		return false
	}
	defer r.processing.Store(false)

	deadzone := r.Deadzone()
	r.detector.SetDeadzone(deadzone)
	s = state.Renormalize(s, deadzone)

	prev := r.lastState
	res := r.detector.Detect(prev, s)
	r.lastState = s
	if s == nil {
		// next controller starts from a full-state sync
		r.detector.Reset()
	}

	if !res.Changed {
		return true
	}

	ts := r.now().UnixMilli()
	if s != nil {
		ts = s.Timestamp
	}

	r.broadcast(ctx, &protocol.BroadcastState{
		State:         s,
		ButtonChanges: res.ButtonChanges,
		Timestamp:     ts,
	})
	return true
}

type target struct {
	port Port
	kind Kind
}

func (r *Router) broadcast(ctx context.Context, msg *protocol.BroadcastState) {
	r.mu.RLock()
	targets := make([]target, 0, len(r.regular)+len(r.public))
	for _, c := range r.regular {
		targets = append(targets, target{port: c.port, kind: c.kind})
	}
	for _, c := range r.public {
		targets = append(targets, target{port: c.port, kind: c.kind})
	}
	taps := append([]Tap(nil), r.taps...)
	r.mu.RUnlock()

	r.broadcasts.Add(1)

	for _, t := range targets {
		if err := t.port.Send(msg); err != nil {
			r.logger.Warn().Err(err).Str("port", t.port.ID()).Stringer("kind", t.kind).Msg("failed to deliver broadcast")
			if errors.Is(err, ErrPortClosed) {
				r.Cleanup(t.port.ID())
			}
		}
	}

	for _, tap := range taps {
		tap(ctx, msg.State)
	}
}

func (r *Router) debugLog(port Port, message string) {
	if !r.debug.Load() {
		return
	}
	err := port.Send(&protocol.DebugLog{Message: message, Timestamp: r.now().UnixMilli()})
	if err != nil {
		r.logger.Debug().Err(err).Str("port", port.ID()).Msg("failed to send debug log")
	}
}
