// Package session picks the physical connection for a context's
// sessions: a relay through the parent frame when embedded, otherwise a
// direct link to the bridge.
package session

import (
	"github.com/1ureka/chanmux/internal/config"
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/frame"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/relay"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
	"github.com/1ureka/chanmux/internal/webrtc"
)

// Strategy names a physical connection kind.
type Strategy string

const (
	StrategyRelay     Strategy = "relay"
	StrategyWebSocket Strategy = "websocket"
	StrategyWebRTC    Strategy = "webrtc"
)

// Choose returns the strategy for a context running in win, which may be
// nil outside any frame tree.
func Choose(cfg *config.Config, win *frame.Window) Strategy {
	switch {
	case win != nil && win.Nested():
		return StrategyRelay
	case cfg.Mode == config.ModeWebRTC:
		return StrategyWebRTC
	default:
		return StrategyWebSocket
	}
}

// NewManager returns the session manager for a context. Relayed sessions
// run without a health check; the top-level session checks the real link
// on their behalf.
func NewManager(loop *eventloop.Loop, cfg *config.Config, win *frame.Window) *transport.Manager {
	opts := transport.DefaultOptions()
	opts.HealthInterval = cfg.Health()
	opts.OnHint = func(hint protocol.Control) {
		util.LogDebug("hint: %s", hint)
	}

	var connect transport.Connector
	strategy := Choose(cfg, win)
	switch strategy {
	case StrategyRelay:
		opts.HealthInterval = 0
		connect = relay.Connector(win)
	case StrategyWebRTC:
		connect = webrtc.Connector(cfg.SignalURL, cfg.Header(), cfg.ICEServers)
	default:
		connect = transport.WebSocketConnector(cfg.URL, cfg.Header())
	}
	util.LogDebug("sessions use the %s strategy", strategy)

	return transport.NewManager(loop, connect, opts)
}
