// Command sandboxdelegate is the in-sandbox delegation proxy binary.
// The sandbox image ships it and the supervisor execs it once
// delegation is enabled for
// the manifest, feeding it host responses as NDJSON lines on stdin and
// reading the commands it emits as NDJSON lines on its own stdout.
// Agents inside the sandbox talk to it over a fixed Unix socket.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentsupervisor/agentsupervisor/internal/delegation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	proxy := delegation.NewProxy(os.Stdout)
	go proxy.Feed(os.Stdin)

	if err := proxy.Serve(ctx, delegation.DefaultSocketPath); err != nil {
		log.Fatalf("sandboxdelegate: %v", err)
	}
}
