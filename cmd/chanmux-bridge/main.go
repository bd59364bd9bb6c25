// Command chanmux-bridge runs a minimal bridge for testing and demonstrating
// chanmux.
//
// It serves sessions on /socket (WebSocket) and /signal (WebRTC
// signaling) and offers the echo, null and stream payloads.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/chanmux/internal/app"
	"github.com/1ureka/chanmux/internal/config"
	"github.com/1ureka/chanmux/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.StringP("config", "c", "", "YAML config file")
	listen := flag.StringP("listen", "l", "", "HTTP listen address")
	host := flag.String("host", "", "Default host announced to clients")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if flag.CommandLine.Changed("listen") {
		cfg.Bridge.Listen = *listen
	}
	if flag.CommandLine.Changed("host") {
		cfg.Bridge.Host = *host
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Printfln("chanmux-bridge v%s", version)
	pterm.Println()

	if d := cfg.Stats(); d > 0 {
		util.StartStatsReporter(ctx, d)
	}

	if err := app.RunBridge(ctx, cfg); err != nil {
		util.LogError("bridge stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("bridge stopped")
}
