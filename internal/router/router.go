// Package router shares the top-level session with embedded frames.
//
// Each frame that completes an init handshake through its parent gets its
// own channel seed. Data frames from the bridge are routed to the frame
// owning the seed; channel control messages are broadcast to every frame,
// which ignore ids they do not know. Frames' traffic is injected into the
// top-level session as is, except that "open" messages are tagged with the
// frame's name as their group so the bridge can kill them all at once.
package router

import (
	"slices"
	"strconv"
	"strings"

	"github.com/1ureka/chanmux/internal/frame"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

// FallbackSeed prefixes frame seeds when the bridge did not assign one.
const FallbackSeed = "0:"

// source is a registered frame.
type source struct {
	name     string
	win      *frame.Window
	seed     string
	host     string
	hidden   bool
	channels []string
	unload   func()
}

// Router forwards between the top-level session and embedded frames.
// It must be used on the loop of the top window.
type Router struct {
	top     *frame.Window
	manager *transport.Manager
	origin  string

	tr     *transport.Transport
	lastID int
	bySeed map[string]*source
	byName map[string]*source
	active *frame.Window
	remove func()
}

var _ transport.Forwarder = (*Router)(nil)

// New creates a router for the frames embedded in top, sharing the
// sessions of m.
func New(top *frame.Window, m *transport.Manager) *Router {
	return &Router{
		top:     top,
		manager: m,
		origin:  top.Origin(),
		bySeed:  make(map[string]*source),
		byName:  make(map[string]*source),
	}
}

// Start begins listening for frame messages and replays the ones
// received before the router existed.
func (r *Router) Start(pending []frame.MessageEvent) {
	if r.remove != nil {
		return
	}
	r.remove = r.top.AddMessageListener(r.handle)
	for _, e := range pending {
		r.handle(e)
	}
}

// Stop detaches the router and tears down every frame.
func (r *Router) Stop() {
	if r.remove != nil {
		r.remove()
		r.remove = nil
	}
	for _, src := range r.sources() {
		r.unregister(src)
	}
}

// Seed returns the channel seed assigned to the named frame.
func (r *Router) Seed(name string) (string, bool) {
	src, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return src.seed, true
}

// Frames returns the names of the registered frames, sorted.
func (r *Router) Frames() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Kill tears down the named frame's channels. It reports whether the
// frame was registered.
func (r *Router) Kill(name string) bool {
	src, ok := r.byName[name]
	if !ok {
		return false
	}
	r.unregister(src)
	return true
}

// Activate marks child as the visible frame. Frames whose visibility
// changed get a "hidden" hint.
func (r *Router) Activate(child *frame.Window) {
	r.active = child
	for _, src := range r.sources() {
		r.updateHidden(src)
	}
}

func (r *Router) updateHidden(src *source) {
	hidden := src.win != r.active
	if hidden == src.hidden {
		return
	}
	src.hidden = hidden
	r.post(src, protocol.NewControl(protocol.CommandHint, protocol.Control{
		protocol.FieldHidden: hidden,
	}))
}

// transport returns the live top-level session, hooking the router into
// it the first time it is seen.
func (r *Router) transport() *transport.Transport {
	tr := r.manager.Transport()
	if tr != r.tr {
		r.tr = tr
		tr.SetForwarder(r)
		tr.OnClose(r.sessionClosed)
	}
	return tr
}

// sessionClosed drops every frame and closes their relays, since their
// channels died with the link.
func (r *Router) sessionClosed(protocol.Control) {
	for _, src := range r.sources() {
		r.drop(src)
		if !src.win.Closed() {
			src.win.PostMessage(r.top, protocol.TextMessage(""), r.origin)
		}
	}
}

// ---------------------------------------------------------------------------
// Bridge to frames
// ---------------------------------------------------------------------------

// ForwardControl broadcasts a channel control message to every frame.
func (r *Router) ForwardControl(ctrl protocol.Control, msg protocol.Message) {
	channel, _ := ctrl.Channel()
	owner := r.owner(channel)
	if owner != nil && ctrl.Command() == protocol.CommandClose {
		owner.forget(channel)
	}

	for _, src := range r.sources() {
		if !src.win.Closed() {
			src.win.PostMessage(r.top, msg, r.origin)
		}
	}
}

// ForwardData routes a data frame to the frame owning its seed.
func (r *Router) ForwardData(channel string, msg protocol.Message) bool {
	src := r.owner(channel)
	if src == nil {
		return false
	}
	if !src.win.Closed() {
		src.win.PostMessage(r.top, msg, r.origin)
	}
	return true
}

func (r *Router) owner(channel string) *source {
	pos := strings.IndexByte(channel, '!')
	if pos < 0 {
		return nil
	}
	return r.bySeed[channel[:pos+1]]
}

// ---------------------------------------------------------------------------
// Frames to bridge
// ---------------------------------------------------------------------------

func (r *Router) handle(e frame.MessageEvent) {
	if e.Origin != r.origin || e.Source == nil {
		return
	}
	child := e.Source
	msg := e.Data

	src := r.byName[child.Name()]
	if src != nil && src.win != child {
		src = nil
	}

	if msg.Binary {
		if src == nil {
			util.LogWarning("child frame %q sending binary data without init", child.Name())
			return
		}
		r.transport().Inject(msg)
		return
	}

	if msg.IsEmpty() {
		if src != nil {
			r.unregister(src)
		}
		return
	}

	if msg.Data[0] == protocol.Separator {
		f, err := protocol.Decode(msg)
		if err != nil {
			util.LogWarning("child frame %q sent malformed control: %v", child.Name(), err)
			return
		}
		ctrl := f.Control
		channel, hasChannel := ctrl.Channel()

		switch ctrl.Command() {
		case protocol.CommandInit:
			if src != nil {
				r.unregister(src)
			}
			if p := ctrl.Problem(); p != "" {
				util.LogWarning("child frame %q failed to init: %s", child.Name(), p)
				return
			}
			r.register(child)
			return

		case protocol.CommandHint:
			r.transport().SendControl(ctrl)
			return

		case protocol.CommandKill:
			if group := ctrl.String(protocol.FieldGroup); group != "" && r.byName[group] != nil {
				r.Kill(group)
				return
			}

		case protocol.CommandLogout:

		case protocol.CommandOpen:
			if !hasChannel {
				return
			}
			ctrl[protocol.FieldGroup] = child.Name()
			if m, err := protocol.EncodeControl(ctrl); err == nil {
				msg = m
			}
			if src != nil && !slices.Contains(src.channels, channel) {
				src.channels = append(src.channels, channel)
			}

		case protocol.CommandClose:
			if !hasChannel {
				return
			}
			if src != nil {
				src.forget(channel)
			}

		default:
			if !hasChannel {
				return
			}
		}
	}

	if src == nil {
		util.LogWarning("child frame %q sending data without init", child.Name())
		return
	}
	r.transport().Inject(msg)
}

// register assigns child a seed once the top-level session is ready and
// answers its init.
func (r *Router) register(child *frame.Window) {
	name := child.Name()
	host, ok := frame.HostFromName(name)
	if !ok {
		util.LogWarning("invalid child window name %q", name)
		return
	}

	r.transport()
	r.manager.Ensure(func(tr *transport.Transport) {
		if child.Closed() || child.Name() != name {
			return
		}
		if tr.Closed() {
			r.postTo(child, protocol.NewControl(protocol.CommandInit, protocol.Control{
				protocol.FieldProblem: tr.Problem(),
			}))
			return
		}

		seed := tr.Seed()
		if seed == "" {
			seed = FallbackSeed
		}
		r.lastID++
		src := &source{
			name: name,
			win:  child,
			seed: seed + strconv.Itoa(r.lastID) + "!",
			host: host,
		}
		if old := r.byName[name]; old != nil {
			r.unregister(old)
		}
		r.bySeed[src.seed] = src
		r.byName[name] = src
		src.unload = child.OnUnload(func() {
			if r.bySeed[src.seed] == src {
				r.unregister(src)
			}
		})

		reply := tr.Options().Merge(protocol.Control{
			protocol.FieldCommand: protocol.CommandInit,
			protocol.FieldHost:    host,
			protocol.FieldSeed:    src.seed,
		})
		r.post(src, reply)
		util.LogDebug("registered frame %s with seed %s", name, src.seed)

		r.updateHidden(src)
	})
}

// unregister closes every channel the frame left open, kills its group
// on the bridge and forgets the seed.
func (r *Router) unregister(src *source) {
	r.drop(src)

	tr := r.manager.Current()
	if tr == nil || tr.Closed() {
		return
	}
	for _, channel := range src.channels {
		tr.SendControl(protocol.NewControl(protocol.CommandClose, protocol.Control{
			protocol.FieldChannel: channel,
			protocol.FieldProblem: protocol.ProblemDisconnected,
		}))
	}
	tr.SendControl(protocol.NewControl(protocol.CommandKill, protocol.Control{
		protocol.FieldGroup: src.name,
	}))
	util.LogDebug("unregistered frame %s", src.name)
}

func (r *Router) drop(src *source) {
	if r.bySeed[src.seed] == src {
		delete(r.bySeed, src.seed)
	}
	if r.byName[src.name] == src {
		delete(r.byName, src.name)
	}
	if src.unload != nil {
		src.unload()
		src.unload = nil
	}
}

func (r *Router) sources() []*source {
	out := make([]*source, 0, len(r.bySeed))
	for _, src := range r.bySeed {
		out = append(out, src)
	}
	slices.SortFunc(out, func(a, b *source) int { return strings.Compare(a.seed, b.seed) })
	return out
}

func (r *Router) post(src *source, ctrl protocol.Control) {
	r.postTo(src.win, ctrl)
}

func (r *Router) postTo(win *frame.Window, ctrl protocol.Control) {
	msg, err := protocol.EncodeControl(ctrl)
	if err != nil {
		util.LogError("%v", err)
		return
	}
	win.PostMessage(r.top, msg, r.origin)
}

func (s *source) forget(channel string) {
	s.channels = slices.DeleteFunc(s.channels, func(c string) bool { return c == channel })
}
