// Package main is the entrypoint for ui-bridge (binary name "bridge").
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/morezero/ui-bridge/internal/server"
)

const usage = `Usage: bridge [command]
       bridge serve                                   Start the bridge host (transport, system channel, HTTP).
       bridge call <channel[@constraint]> <method> [arg...]  Call a host method and print the result as JSON.
       bridge watch <channel>...                      Print pushes on the given channels until interrupted.

Commands:
  serve   (default) Start the bridge host.
  call    Each arg is parsed as JSON; anything that is not valid JSON is sent as a string.
          A @constraint (e.g. system@^1.0.0) is checked against the channel's contract first.
  watch   One line per push: "<channel> <json body>".

Client flags (call, watch):
  --transport, --codec, --url, --nats-url, --session, --timeout, --no-timeout (call only)

Environment: BRIDGE_TRANSPORT (websocket|nats|postgres), BRIDGE_CODEC (json|cbor), BRIDGE_CALL_TIMEOUT,
BRIDGE_WS_URL, COMMS_URL, DATABASE_URL, BRIDGE_SESSION, HTTP_PORT, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "call":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runCall(ctx, args[1:], os.Stdout); err != nil {
			stop()
			log.Fatalf("bridge call: %v", err)
		}
		return
	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runWatch(ctx, args[1:], os.Stdout); err != nil {
			stop()
			log.Fatalf("bridge watch: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("bridge: %v", err)
	}
}
