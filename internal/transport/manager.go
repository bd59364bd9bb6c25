package transport

import (
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Manager creates sessions lazily. The first caller to need a Transport
// causes a connection; after that session closes the next caller gets a
// fresh one, with a fresh channel id space.
type Manager struct {
	loop    *eventloop.Loop
	connect Connector
	opts    Options
	current *Transport
}

// NewManager returns a Manager that opens sessions through connect.
func NewManager(loop *eventloop.Loop, connect Connector, opts Options) *Manager {
	return &Manager{loop: loop, connect: connect, opts: opts}
}

// Loop returns the event loop sessions run on.
func (m *Manager) Loop() *eventloop.Loop { return m.loop }

// Transport returns the live session, creating one if needed.
func (m *Manager) Transport() *Transport {
	if m.current != nil && !m.current.Closed() {
		return m.current
	}

	conn, err := m.connect(m.loop)
	if err != nil {
		util.LogError("failed to create connection: %v", err)
		conn = &failedConn{loop: m.loop, problem: protocol.ProblemNoConnection}
	}
	m.current = New(m.loop, conn, m.opts)
	return m.current
}

// Current returns the last session created, which may be closed, or nil.
func (m *Manager) Current() *Transport { return m.current }

// Ensure runs fn with the live session once it is ready for channels.
func (m *Manager) Ensure(fn func(*Transport)) {
	t := m.Transport()
	t.OnReady(func() { fn(t) })
}

// Logout asks the bridge to end the login behind the session, closing
// every channel. With disconnect the bridge also drops the connection.
func (m *Manager) Logout(disconnect bool) {
	m.Ensure(func(t *Transport) {
		t.SendControl(protocol.NewControl(protocol.CommandLogout, protocol.Control{
			protocol.FieldDisconnect: disconnect,
		}))
	})
}

// Close shuts the live session down with problem, if there is one.
func (m *Manager) Close(problem string) {
	if m.current == nil {
		return
	}
	var options protocol.Control
	if problem != "" {
		options = protocol.Control{protocol.FieldProblem: problem}
	}
	m.current.Close(options)
	m.current = nil
}
