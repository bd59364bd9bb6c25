// Package frame models a tree of embedded frames that share one event
// loop and talk to each other only through origin-checked posted
// messages, the way nested documents in a browser do.
package frame

import (
	"strings"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
)

// NamePrefix marks a frame whose document expects to reach the bridge
// through its parent. Names have the form "mux1:<host>/<path>".
const NamePrefix = "mux1:"

// AnyOrigin as a target origin disables the target origin check.
const AnyOrigin = "*"

// MessageEvent is what a listener receives for a posted message.
type MessageEvent struct {
	Origin string
	Source *Window
	Data   protocol.Message
}

// Window is one frame. All methods must be called on the loop.
type Window struct {
	loop   *eventloop.Loop
	name   string
	origin string
	parent *Window

	children  []*Window
	listeners []listener[func(MessageEvent)]
	unloads   []listener[func()]
	nextID    int
	closed    bool
}

type listener[F any] struct {
	id int
	fn F
}

// NewTop creates the outermost frame.
func NewTop(loop *eventloop.Loop, origin string) *Window {
	return newWindow(loop, "", origin, nil)
}

func newWindow(loop *eventloop.Loop, name, origin string, parent *Window) *Window {
	return &Window{
		loop:   loop,
		name:   name,
		origin: origin,
		parent: parent,
	}
}

// Open embeds a child frame with the same origin.
func (w *Window) Open(name string) *Window {
	return w.OpenWithOrigin(name, w.origin)
}

// OpenWithOrigin embeds a child frame whose document comes from origin.
func (w *Window) OpenWithOrigin(name, origin string) *Window {
	child := newWindow(w.loop, name, origin, w)
	w.children = append(w.children, child)
	return child
}

func (w *Window) Name() string          { return w.name }
func (w *Window) Origin() string        { return w.origin }
func (w *Window) Parent() *Window       { return w.parent }
func (w *Window) Loop() *eventloop.Loop { return w.loop }
func (w *Window) Closed() bool          { return w.closed }
func (w *Window) IsTop() bool           { return w.parent == nil }
func (w *Window) Children() []*Window   { return w.children }

// Nested reports whether w is an embedded frame carrying the reserved
// naming convention, i.e. one that must relay through its parent.
func (w *Window) Nested() bool {
	return w.parent != nil && strings.HasPrefix(w.name, NamePrefix)
}

// PostMessage queues data for delivery to w's listeners on the next loop
// turn. from is the posting window and becomes the event source. The
// message is discarded when targetOrigin does not match w's origin or
// when w has been closed by the time it would be delivered.
func (w *Window) PostMessage(from *Window, data protocol.Message, targetOrigin string) {
	if targetOrigin != AnyOrigin && targetOrigin != w.origin {
		return
	}

	ev := MessageEvent{Source: from, Data: data}
	if from != nil {
		ev.Origin = from.origin
	}

	w.loop.Post(func() {
		if w.closed {
			return
		}
		for _, l := range append([]listener[func(MessageEvent)](nil), w.listeners...) {
			l.fn(ev)
		}
	})
}

// AddMessageListener subscribes fn to posted messages. The returned
// function removes it.
func (w *Window) AddMessageListener(fn func(MessageEvent)) (remove func()) {
	id := w.nextID
	w.nextID++
	w.listeners = append(w.listeners, listener[func(MessageEvent)]{id, fn})
	return func() { w.listeners = without(w.listeners, id) }
}

// OnUnload registers fn to run when the current document goes away,
// by navigation or by closing the frame.
func (w *Window) OnUnload(fn func()) (remove func()) {
	id := w.nextID
	w.nextID++
	w.unloads = append(w.unloads, listener[func()]{id, fn})
	return func() { w.unloads = without(w.unloads, id) }
}

// Navigate replaces the frame's document: unload handlers run and every
// listener of the old document is dropped. The frame stays open and may
// be renamed by the new document.
func (w *Window) Navigate(name string) {
	w.unload()
	w.name = name
}

// Close unloads the document and detaches the frame for good.
func (w *Window) Close() {
	if w.closed {
		return
	}
	for _, child := range w.children {
		child.Close()
	}
	w.unload()
	w.closed = true
}

func (w *Window) unload() {
	fns := w.unloads
	w.unloads = nil
	w.listeners = nil

	for _, l := range fns {
		l.fn()
	}
}

func without[F any](ls []listener[F], id int) []listener[F] {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// HostFromName extracts the host from a "mux1:<host>/<path>" frame name.
func HostFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, NamePrefix) {
		return "", false
	}
	host, _, _ := strings.Cut(strings.TrimPrefix(name, NamePrefix), "/")
	return host, host != ""
}
