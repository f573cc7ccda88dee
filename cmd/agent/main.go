// Command agent logs into a cmdrelay server as a client, runs every command
// an admin sends it and reports the combined output.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/livefish/cmdrelay/pkg/peer"
)

func main() {
	server := flag.String("server", "localhost:7070", "Server address (host:port or ws://host:port/ws)")
	id := flag.Int("id", 0, "Client id")
	register := flag.Bool("register", false, "Register the id before logging in")
	flag.Parse()

	clientID, err := peer.CheckID(*id)
	if err != nil {
		log.Fatalf("-id must be a positive client id: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := peer.NewAgent(peer.AgentConfig{
		Server:   *server,
		ID:       clientID,
		Register: *register,
		Logger:   log.New(os.Stdout, "[agent] ", log.LstdFlags),
	}, peer.ExecHandler)

	if err := agent.Run(ctx); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}
