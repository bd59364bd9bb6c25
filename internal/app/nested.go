package app

import (
	"context"
	"io"

	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/frame"
	"github.com/1ureka/chanmux/internal/relay"
	"github.com/1ureka/chanmux/internal/router"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

// nestedOrigin is the origin shared by the top window and its frames.
const nestedOrigin = "chanmux://local"

// frameNamePrefix names frames that relay through the top window.
const frameNamePrefix = frame.NamePrefix + "localhost/"

// RunNested runs RunPipe from inside an embedded frame. m owns the real
// link to the bridge; a router on the top window relays the frame's
// session through it, so the channel id carries the frame's seed.
func RunNested(ctx context.Context, m *transport.Manager, frameName string, options channel.Options, in io.Reader, out io.Writer) error {
	var r *router.Router
	var child *transport.Manager
	if err := m.Loop().Do(ctx, func() { r, child = embed(m, frameName) }); err != nil {
		return err
	}
	util.LogDebug("embedded frame %q", frameName)

	defer m.Loop().Post(func() {
		child.Close("")
		r.Stop()
	})
	return RunPipe(ctx, child, options, in, out)
}

// embed opens a frame under a fresh top window routed through m and
// returns the router with the frame's session manager. Must run on the
// loop.
func embed(m *transport.Manager, frameName string) (*router.Router, *transport.Manager) {
	loop := m.Loop()
	top := frame.NewTop(loop, nestedOrigin)
	r := router.New(top, m)
	r.Start(nil)

	win := top.Open(frameNamePrefix + frameName)
	opts := transport.DefaultOptions()
	opts.HealthInterval = 0
	return r, transport.NewManager(loop, relay.Connector(win), opts)
}
