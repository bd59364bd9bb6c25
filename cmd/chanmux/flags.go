package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/tunnel"
)

// parseOptions turns key=value pairs into open options. Values that parse
// as JSON scalars keep their type; anything else is a string.
func parseOptions(pairs []string) (channel.Options, error) {
	options := channel.Options{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q (want key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		switch v.(type) {
		case map[string]any, []any:
			v = raw
		}
		options[key] = v
	}
	return options, nil
}

// parseTarget parses a host:port forwarding target.
func parseTarget(raw string) (tunnel.Target, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return tunnel.Target{}, fmt.Errorf("invalid --target %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return tunnel.Target{}, fmt.Errorf("invalid --target port %q (must be 1~65535)", portStr)
	}
	return tunnel.Target{Address: host, Port: port}, nil
}
