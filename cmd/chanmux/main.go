// Command chanmux is the chanmux client.
//
// chanmux connects to a bridge over WebSocket or a WebRTC DataChannel and
// either pipes stdin/stdout through one channel or forwards a local TCP
// port through "stream" channels.
//
//	chanmux --payload echo < file
//	chanmux --frame console --payload echo < file
//	chanmux --forward 127.0.0.1:5433 --target db.internal:5432
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/chanmux/internal/app"
	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/config"
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/session"
	"github.com/1ureka/chanmux/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.StringP("config", "c", "", "YAML config file")
	url := flag.String("url", "", "Bridge WebSocket URL (websocket mode)")
	signalURL := flag.String("signal-url", "", "Bridge signaling URL (webrtc mode)")
	mode := flag.String("mode", "", "Connection mode: websocket or webrtc")
	payload := flag.StringP("payload", "p", "echo", "Payload requested when piping stdin/stdout")
	text := flag.Bool("text", false, "Open a text channel instead of a binary one")
	extra := flag.StringArrayP("option", "o", nil, "Extra open option as key=value (repeatable)")
	forward := flag.StringP("forward", "L", "", "Forward this local address through stream channels")
	frameName := flag.String("frame", "", "Pipe from inside an embedded frame with this name, relayed through the top session")
	target := flag.String("target", "", "Address the bridge connects forwarded streams to (host:port)")
	logout := flag.Bool("logout", false, "End the bridge login, closing every channel, before exiting")
	stats := flag.String("stats", "", "Traffic report interval, e.g. 5s")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		pterm.Println(version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	override("url", &cfg.URL, *url)
	override("signal-url", &cfg.SignalURL, *signalURL)
	override("stats", &cfg.StatsInterval, *stats)
	if flag.CommandLine.Changed("mode") {
		cfg.Mode = config.Mode(*mode)
	}
	if *debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	util.LogInfo("chanmux v%s (%s)", version, cfg.Mode)

	// The loop outlives ctx so the session can still be closed cleanly.
	loop := eventloop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)
	m := session.NewManager(loop, cfg, nil)

	if d := cfg.Stats(); d > 0 {
		util.StartStatsReporter(ctx, d)
	}

	var err error
	if *forward != "" {
		tgt, perr := parseTarget(*target)
		if perr != nil {
			util.LogError("%v", perr)
			os.Exit(1)
		}
		err = app.RunForward(ctx, m, *forward, tgt)
	} else {
		options, perr := parseOptions(*extra)
		if perr != nil {
			util.LogError("%v", perr)
			os.Exit(1)
		}
		options[protocol.FieldPayload] = *payload
		options[protocol.FieldBinary] = !*text
		if *frameName != "" {
			err = app.RunNested(ctx, m, *frameName, options, os.Stdin, os.Stdout)
		} else {
			err = app.RunPipe(ctx, m, options, os.Stdin, os.Stdout)
		}
	}

	_ = loop.Do(context.Background(), func() {
		if tr := m.Current(); *logout && tr != nil && !tr.Closed() {
			m.Logout(false)
		}
		m.Close("")
	})

	var closed *channel.ClosedError
	switch {
	case errors.As(err, &closed):
		util.LogError("channel closed: %s", closed.Problem())
		os.Exit(1)
	case err != nil:
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// override replaces *dst with value when flag name was given.
func override(name string, dst *string, value string) {
	if flag.CommandLine.Changed(name) {
		*dst = value
	}
}
