package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/livefish/cmdrelay/pkg/protocol"
)

// Handler runs a task and returns the result text reported to the admin
type Handler func(ctx context.Context, task Task) string

// AgentConfig holds the agent configuration.
type AgentConfig struct {
	// Server address: host:port for TCP, ws://host:port/ws for WebSocket
	Server string

	// Client id to log in with
	ID int32

	// Register the id first instead of logging into it
	Register bool

	// Logger for progress output (optional, defaults to stdout)
	Logger *log.Logger
}

// Agent is a client-role peer that runs every task it is sent and reports
// the result
type Agent struct {
	config  AgentConfig
	logger  *log.Logger
	handler Handler

	mu   sync.Mutex
	peer *Peer

	wg sync.WaitGroup
}

// NewAgent creates an agent running tasks with handler
func NewAgent(config AgentConfig, handler Handler) *Agent {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[agent] ", log.LstdFlags)
	}
	return &Agent{
		config:  config,
		logger:  config.Logger,
		handler: handler,
	}
}

func (a *Agent) dial(ctx context.Context) (*Peer, error) {
	if strings.HasPrefix(a.config.Server, "ws://") || strings.HasPrefix(a.config.Server, "wss://") {
		return DialWebSocket(ctx, a.config.Server)
	}
	return Dial(ctx, a.config.Server)
}

// ID returns the id the agent is logged in with, or 0
func (a *Agent) ID() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peer == nil {
		return 0
	}
	return a.peer.ID()
}

// Run connects, logs in and serves tasks until ctx is done or the server
// drops the connection. Tasks run concurrently; Run waits for them.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Printf("Connecting to %s...", a.config.Server)
	p, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	if a.config.Register {
		err = p.Register(a.config.ID, protocol.RoleClient)
	} else {
		err = p.Login(a.config.ID, protocol.RoleClient)
	}
	if err != nil {
		p.Close()
		return fmt.Errorf("login as %d: %w", a.config.ID, err)
	}
	a.logger.Printf("Logged in as client %d", p.ID())

	a.mu.Lock()
	a.peer = p
	a.mu.Unlock()

	// Closing the peer unblocks Receive
	stop := context.AfterFunc(ctx, func() {
		p.Close()
	})
	defer stop()

	err = a.receiveLoop(ctx, p)
	a.wg.Wait()
	p.Close()

	if ctx.Err() != nil {
		a.logger.Printf("Agent stopped")
		return nil
	}
	return err
}

func (a *Agent) receiveLoop(ctx context.Context, p *Peer) error {
	for {
		m, err := p.Receive()
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}

		switch m.Type {
		case protocol.TypeToDoRequestData:
			todo := m.Payload.(*protocol.ToDoRequestData)
			task := Task{RequestID: todo.RequestID, Command: todo.Command, Args: todo.Args}
			a.wg.Add(1)
			go a.runTask(ctx, p, task)

		case protocol.TypeInfo:
			a.logger.Printf("Server: %s", m.Payload.(*protocol.StringPayload).Text)

		case protocol.TypeOfflineAdminSendReqError:
			a.logger.Printf("Result not delivered: %s", m.Payload.(*protocol.StringPayload).Text)

		case protocol.TypeError:
			return &ServerError{Text: m.Payload.(*protocol.StringPayload).Text}

		default:
			a.logger.Printf("Ignoring unexpected %s", m.Type)
		}
	}
}

func (a *Agent) runTask(ctx context.Context, p *Peer, task Task) {
	defer a.wg.Done()

	a.logger.Printf("Request %d: %s %s", task.RequestID, task.Command, task.Args)
	result := a.handler(ctx, task)

	if err := p.ReportDone(task.RequestID, result); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		a.logger.Printf("Failed to report request %d: %v", task.RequestID, err)
	}
}
