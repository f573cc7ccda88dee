// Command server runs the cmdrelay command-dispatch server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/livefish/cmdrelay/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.cmdrelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	debug := flag.Bool("debug", false, "Trace every message to debug.log")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *port > 0 {
		cfg.TCPPort = *port
	}
	if *debug {
		cfg.Debug = true
	}

	closeLogs, err := server.InitLogging(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer closeLogs()

	console := server.NewConsole(os.Stdout, cfg.ColoredOutput)

	j, err := server.OpenJournal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg, j, console)
	if err != nil {
		j.Close()
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		j.Close()
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s", sig)

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		os.Exit(1)
	}
}
