package tunnel

import (
	"context"
	"fmt"
	"net"

	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

// ListenAndServe listens on addr and forwards every connection to target
// through sessions of m. It blocks until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, m *transport.Manager, target Target) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln, m, target)
}

// Serve accepts on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, m *transport.Manager, target Target) error {
	// Close the listener when context is done so Accept() returns an error.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	util.LogInfo("forwarding %s to %s:%d", ln.Addr(), target.Address, target.Port)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		util.LogDebug("new connection from %s", conn.RemoteAddr())
		go Handle(ctx, conn, m, target)
	}
}
