// Package app contains the top-level orchestration for the client and
// bridge commands.
package app

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/chanmux/internal/bridge"
	"github.com/1ureka/chanmux/internal/config"
)

// RunBridge serves the test bridge described by cfg until ctx is cancelled.
func RunBridge(ctx context.Context, cfg *config.Config) error {
	srv := bridge.New(bridge.Options{
		Host:       cfg.Bridge.Host,
		ICEServers: cfg.ICEServers,
	})

	pterm.DefaultBox.WithTitle("chanmux bridge").Println(
		fmt.Sprintf("Listen : %s\nHost   : %s\nSocket : ws://%s/socket\nSignal : ws://%s/signal",
			cfg.Bridge.Listen, cfg.Bridge.Host, cfg.Bridge.Listen, cfg.Bridge.Listen),
	)

	return srv.ListenAndServe(ctx, cfg.Bridge.Listen)
}
