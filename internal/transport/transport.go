// Package transport multiplexes many logical channels over one physical
// connection. A Transport owns the connection for one session: it performs
// the init handshake, allocates channel ids, routes inbound frames to the
// registered channel callbacks by id, and runs the liveness check.
//
// Every method must be called on the event loop the Transport was created
// with; see package eventloop.
package transport

import (
	"errors"
	"strconv"
	"time"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// DefaultHealthInterval is the liveness window of a top-level session.
const DefaultHealthInterval = 30 * time.Second

// ErrNotConnected is returned when sending on a connection that is not open.
var ErrNotConnected = errors.New("transport not connected")

// Options configures a Transport.
type Options struct {
	// HealthInterval is the ping/liveness period. Zero disables the
	// health check, which is what nested (relayed) sessions do: the top
	// level session checks the real link on their behalf.
	HealthInterval time.Duration

	// OnHint receives every "hint" control message from the remote side.
	OnHint func(protocol.Control)

	// OnInit receives the remote init message once it has been accepted.
	OnInit func(protocol.Control)
}

// DefaultOptions returns the options of a top-level session.
func DefaultOptions() Options {
	return Options{HealthInterval: DefaultHealthInterval}
}

// Registration is the pair of callbacks a channel registers under its id.
type Registration struct {
	Control func(protocol.Control)
	Message func(payload []byte, binary bool)
}

// Forwarder takes over traffic addressed to channels owned by another
// execution context. The Router installs one on the top-level session.
type Forwarder interface {
	// ForwardControl sees every channel-addressed control message before
	// it is delivered locally.
	ForwardControl(ctrl protocol.Control, msg protocol.Message)

	// ForwardData returns true when it consumed the frame, which then is
	// not delivered locally.
	ForwardData(channel string, msg protocol.Message) bool
}

// Transport is one session over one physical connection.
type Transport struct {
	loop *eventloop.Loop
	conn Conn
	opts Options

	registry  map[string]Registration
	readyFns  []func()
	closeFns  []func(protocol.Control)
	forwarder Forwarder

	opened         bool
	connClosed     bool
	waitingForInit bool
	ready          bool
	closed         bool
	unloading      bool
	problem        string

	seed        string
	host        string
	remote      protocol.Control
	lastChannel int

	gotMessage   bool
	ignoreHealth bool
	stopHealth   func()
}

// New creates a session over conn and starts connecting. The session
// becomes ready once the remote init has been accepted.
func New(loop *eventloop.Loop, conn Conn, opts Options) *Transport {
	t := &Transport{
		loop:           loop,
		conn:           conn,
		opts:           opts,
		registry:       make(map[string]Registration),
		waitingForInit: true,
	}

	conn.Open(ConnEvents{
		OnOpen:    t.onOpen,
		OnMessage: t.Dispatch,
		OnClose:   t.onConnClose,
	})

	if opts.HealthInterval > 0 {
		t.stopHealth = loop.Every(opts.HealthInterval, t.checkHealth)
	}

	return t
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready reports whether the handshake completed (or the session failed,
// which also releases waiting channels so they can observe the close).
func (t *Transport) Ready() bool { return t.ready }

// Closed reports whether the session has shut down.
func (t *Transport) Closed() bool { return t.closed }

// Problem returns the problem the session closed with.
func (t *Transport) Problem() string { return t.problem }

// Seed returns the server-assigned channel id prefix.
func (t *Transport) Seed() string { return t.seed }

// Host returns the default target host from the remote init.
func (t *Transport) Host() string { return t.host }

// Options returns a copy of the remote init message.
func (t *Transport) Options() protocol.Control {
	if t.remote == nil {
		return protocol.Control{}
	}
	return t.remote.Clone()
}

// Loop returns the event loop the session runs on.
func (t *Transport) Loop() *eventloop.Loop { return t.loop }

// OnReady runs fn once the session is ready for channels, immediately if
// it already is. Callbacks run in registration order.
func (t *Transport) OnReady(fn func()) {
	if t.ready {
		fn()
		return
	}
	t.readyFns = append(t.readyFns, fn)
}

// OnClose registers fn to observe the session's close options.
func (t *Transport) OnClose(fn func(protocol.Control)) {
	t.closeFns = append(t.closeFns, fn)
}

// BeginUnload marks the surrounding context as going away. A later close
// no longer notifies channels, since nothing can act on it.
func (t *Transport) BeginUnload() { t.unloading = true }

// SetForwarder installs the router hook. Only the top-level session has one.
func (t *Transport) SetForwarder(f Forwarder) { t.forwarder = f }

// Close shuts the session down and delivers options (default
// {"problem": "disconnected"}) to every registered channel. Closing twice
// is a no-op.
func (t *Transport) Close(options protocol.Control) {
	if t.closed {
		return
	}
	t.closed = true

	if options == nil {
		options = protocol.Control{protocol.FieldProblem: protocol.ProblemDisconnected}
	} else {
		options = options.Clone()
	}
	options[protocol.FieldCommand] = protocol.CommandClose
	t.problem = options.Problem()

	if t.stopHealth != nil {
		t.stopHealth()
	}

	conn := t.conn
	t.conn = nil
	if conn != nil && !t.connClosed {
		if err := conn.Close(); err != nil {
			util.LogDebug("closing connection: %v", err)
		}
	}

	util.LogDebug("transport closed: %s", t.problem)

	// Ready to fail: queued channels attach now and then see the close.
	t.readyForChannels()

	if t.unloading {
		return
	}

	regs := make([]Registration, 0, len(t.registry))
	for _, reg := range t.registry {
		regs = append(regs, reg)
	}
	for _, reg := range regs {
		if reg.Control != nil {
			reg.Control(options.Clone())
		}
	}
	for _, fn := range t.closeFns {
		fn(options.Clone())
	}
}

func (t *Transport) onOpen() {
	if t.closed {
		return
	}
	t.opened = true
	t.SendControl(protocol.NewControl(protocol.CommandInit, protocol.Control{
		protocol.FieldVersion: protocol.Version,
	}))
}

func (t *Transport) onConnClose(problem string) {
	t.connClosed = true
	if t.closed {
		return
	}
	if problem == "" {
		problem = protocol.ProblemDisconnected
	}
	util.LogDebug("connection closed: %s", problem)
	t.Close(protocol.Control{protocol.FieldProblem: problem})
}

func (t *Transport) readyForChannels() {
	if t.ready {
		return
	}
	t.ready = true
	fns := t.readyFns
	t.readyFns = nil
	for _, fn := range fns {
		fn()
	}
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// NextChannel allocates a channel id unique within this session.
func (t *Transport) NextChannel() string {
	t.lastChannel++
	return t.seed + strconv.Itoa(t.lastChannel)
}

// Register routes traffic for id to reg.
func (t *Transport) Register(id string, reg Registration) {
	t.registry[id] = reg
}

// Unregister stops routing traffic for id. Frames that still arrive for
// it are dropped.
func (t *Transport) Unregister(id string) {
	delete(t.registry, id)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Dispatch demultiplexes one inbound wire unit.
func (t *Transport) Dispatch(msg protocol.Message) {
	if t.closed {
		return
	}
	t.gotMessage = true
	util.Stats.AddRecv(len(msg.Data))

	f, err := protocol.Decode(msg)
	if err != nil {
		util.LogWarning("dropping malformed message: %v", err)
		return
	}

	if f.Control != nil {
		if util.Debugging() {
			util.LogDebug("recv control: %s", f.Payload)
		}
		t.processControl(f.Control, msg)
		return
	}

	if util.Debugging() {
		util.LogDebug("recv %s: %s", f.Channel, util.Preview(f.Payload))
	}
	t.processMessage(&f, msg)
}

func (t *Transport) processControl(ctrl protocol.Control, msg protocol.Message) {
	command := ctrl.Command()
	channel, hasChannel := ctrl.Channel()

	switch {
	case command == protocol.CommandInit:
		t.processInit(ctrl)

	case t.waitingForInit:
		t.waitingForInit = false
		if command != protocol.CommandClose || hasChannel {
			util.LogError("received message before init: %s", command)
			ctrl = protocol.Control{protocol.FieldProblem: protocol.ProblemProtocolError}
		}
		t.Close(ctrl)

	case command == protocol.CommandPing:
		t.SendControl(protocol.NewControl(protocol.CommandPong, nil))

	case command == protocol.CommandPong:
		// Liveness already recorded.

	case command == protocol.CommandHint:
		t.processHint(ctrl)

	case hasChannel && channel != "":
		if t.forwarder != nil {
			t.forwarder.ForwardControl(ctrl, msg)
		}
		if reg, ok := t.registry[channel]; ok && reg.Control != nil {
			reg.Control(ctrl)
		}

	case command == protocol.CommandClose:
		// A channel-less close after init ends the session.
		t.Close(ctrl)

	default:
		util.LogDebug("ignoring channel-less %q control", command)
	}
}

func (t *Transport) processInit(options protocol.Control) {
	if !t.waitingForInit {
		util.LogError("received duplicate init")
		t.Close(protocol.Control{protocol.FieldProblem: protocol.ProblemProtocolError})
		return
	}

	if problem := options.Problem(); problem != "" {
		t.Close(protocol.Control{protocol.FieldProblem: problem})
		return
	}

	version, ok := options.Int(protocol.FieldVersion)
	if !ok || version != protocol.Version {
		util.LogError("received unsupported version in init message: %v", options[protocol.FieldVersion])
		t.Close(protocol.Control{protocol.FieldProblem: protocol.ProblemNotSupported})
		return
	}

	if seed := options.String(protocol.FieldSeed); seed != "" {
		t.seed = seed
	}
	if host := options.String(protocol.FieldHost); host != "" {
		t.host = host
	}
	t.remote = options.Clone()

	if t.opts.OnInit != nil {
		t.opts.OnInit(t.remote.Clone())
	}

	t.waitingForInit = false
	t.readyForChannels()
}

func (t *Transport) processHint(ctrl protocol.Control) {
	if ctrl.String(protocol.FieldHint) == protocol.HintIgnoreHealthCheck {
		t.ignoreHealth = ctrl.Bool(protocol.FieldData)
	}
	if t.opts.OnHint != nil {
		t.opts.OnHint(ctrl)
	}
}

func (t *Transport) processMessage(f *protocol.Frame, msg protocol.Message) {
	if t.waitingForInit {
		t.waitingForInit = false
		util.LogError("received data for channel %s before init", f.Channel)
		t.Close(protocol.Control{protocol.FieldProblem: protocol.ProblemProtocolError})
		return
	}

	if t.forwarder != nil && t.forwarder.ForwardData(f.Channel, msg) {
		return
	}

	if reg, ok := t.registry[f.Channel]; ok && reg.Message != nil {
		reg.Message(f.Payload, f.Binary)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// SendMessage frames payload for channel and transmits it.
func (t *Transport) SendMessage(channel string, payload []byte, binary bool) bool {
	if util.Debugging() {
		util.LogDebug("send %s: %s", channel, util.Preview(payload))
	}
	return t.Inject(protocol.Encode(protocol.Frame{
		Channel: channel,
		Payload: payload,
		Binary:  binary,
	}))
}

// SendControl transmits a control message. Closing or killing after the
// session ended is silently ignored, and the health-check suppression hint
// is consumed locally by sessions that run the health check.
func (t *Transport) SendControl(ctrl protocol.Control) bool {
	command := ctrl.Command()

	if t.conn == nil && (command == protocol.CommandClose || command == protocol.CommandKill) {
		return false
	}

	if t.stopHealth != nil && command == protocol.CommandHint &&
		ctrl.String(protocol.FieldHint) == protocol.HintIgnoreHealthCheck {
		t.ignoreHealth = ctrl.Bool(protocol.FieldData)
		return true
	}

	msg, err := protocol.EncodeControl(ctrl)
	if err != nil {
		util.LogError("%v", err)
		return false
	}
	if util.Debugging() {
		util.LogDebug("send control: %s", msg.Data[1:])
	}
	return t.Inject(msg)
}

// Inject transmits an already framed wire unit as is.
func (t *Transport) Inject(msg protocol.Message) bool {
	if t.conn == nil || !t.opened {
		util.LogDebug("transport closed, dropped message: %s", util.Preview(msg.Data))
		return false
	}
	if err := t.conn.Send(msg); err != nil {
		util.LogWarning("send failed: %v", err)
		return false
	}
	util.Stats.AddSent(len(msg.Data))
	return true
}
