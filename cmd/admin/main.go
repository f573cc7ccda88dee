// Command admin sends one command to a client through a cmdrelay server and
// prints the result.
//
//	admin -id 1 -target 2 uname -a
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/livefish/cmdrelay/pkg/peer"
	"github.com/livefish/cmdrelay/pkg/protocol"
)

func main() {
	server := flag.String("server", "localhost:7070", "Server address (host:port or ws://host:port/ws)")
	id := flag.Int("id", 0, "Admin id")
	register := flag.Bool("register", false, "Register the id before logging in")
	target := flag.Int("target", 0, "Client id to run the command on")
	timeout := flag.Duration("timeout", time.Minute, "How long to wait for the result")
	flag.Parse()

	adminID, idErr := peer.CheckID(*id)
	targetID, targetErr := peer.CheckID(*target)
	if idErr != nil || targetErr != nil || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin -id ID -target CLIENT [-register] command [args...]")
		if err := errors.Join(idErr, targetErr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(2)
	}

	if err := run(*server, adminID, *register, targetID, flag.Arg(0), strings.Join(flag.Args()[1:], " "), *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(server string, id int32, register bool, target int32, command, args string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var p *peer.Peer
	var err error
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		p, err = peer.DialWebSocket(ctx, server)
	} else {
		p, err = peer.Dial(ctx, server)
	}
	if err != nil {
		return err
	}
	defer p.Close()

	// Unblocks Execute when the timeout fires
	stop := context.AfterFunc(ctx, func() {
		p.Close()
	})
	defer stop()

	if register {
		err = p.Register(id, protocol.RoleAdmin)
	} else {
		err = p.Login(id, protocol.RoleAdmin)
	}
	if err != nil {
		return fmt.Errorf("login as %d: %w", id, err)
	}

	result, err := p.Execute(target, command, args, func(text string) {
		fmt.Fprintf(os.Stderr, "server: %s\n", text)
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("no result within %s", timeout)
		}
		var reqErr *peer.RequestError
		if errors.As(err, &reqErr) {
			return fmt.Errorf("request refused: %s", reqErr.Text)
		}
		return err
	}

	fmt.Printf("[request %d on client %d]\n%s\n", result.RequestID, result.ClientID, result.Output)
	return nil
}
