// Command sandboxcredproxy is the in-sandbox credential proxy binary.
// The sandbox image ships it and the supervisor execs it as the
// privileged sandbox user,
// after /proc has been remounted with hidepid=2 (internal/supervisor),
// feeding it its route configuration as a single JSON line on stdin.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentsupervisor/agentsupervisor/internal/credentialproxy"
)

func main() {
	cfg, err := credentialproxy.ReadConfig(os.Stdin)
	if err != nil {
		log.Fatalf("sandboxcredproxy: %v", err)
	}

	srv := credentialproxy.NewServer(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("sandboxcredproxy: %v", err)
	}

	if err := credentialproxy.WriteReady(os.Stdout, srv.ListeningPorts()); err != nil {
		log.Fatalf("sandboxcredproxy: write ready: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-ctx.Done()

	srv.Shutdown(context.Background())
}
