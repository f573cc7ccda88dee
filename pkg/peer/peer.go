// Package peer is the admin and client side of the cmdrelay protocol
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/livefish/cmdrelay/pkg/protocol"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrInvalidID   = errors.New("invalid id")
)

// CheckID converts a user-supplied id, which must fit a positive int32
func CheckID(id int) (int32, error) {
	if id <= 0 || id > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d is not in 1..%d", ErrInvalidID, id, math.MaxInt32)
	}
	return int32(id), nil
}

// ServerError is an ERROR message received where a reply was expected
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Text
}

// LoginError is a rejected identity claim
type LoginError struct {
	Result protocol.LoginResultCode
}

func (e *LoginError) Error() string {
	return "login rejected: " + e.Result.String()
}

// Peer is one connection to a cmdrelay server. Writes may come from any
// goroutine; only one goroutine may receive at a time.
type Peer struct {
	transport *protocol.Transport

	mu     sync.Mutex
	id     int32
	role   protocol.Role
	queued []protocol.Message // Received while waiting for a login result
}

// New wraps an established connection
func New(conn io.ReadWriteCloser) *Peer {
	return &Peer{transport: protocol.NewTransport(conn)}
}

// Dial connects over TCP
func Dial(ctx context.Context, addr string) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return New(conn), nil
}

// DialWebSocket connects to a server's /ws endpoint (ws://host:port/ws)
func DialWebSocket(ctx context.Context, url string) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return New(protocol.NewWebSocketConn(conn)), nil
}

// ID returns the id assigned at login, or 0
func (p *Peer) ID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Role returns the role assigned at login
func (p *Peer) Role() protocol.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Transport exposes the underlying transport for hand-driven framing
func (p *Peer) Transport() *protocol.Transport {
	return p.transport
}

// Send writes one control message
func (p *Peer) Send(m protocol.Message) error {
	return protocol.WriteMessage(p.transport, m)
}

// Receive returns the next message from the server
func (p *Peer) Receive() (protocol.Message, error) {
	p.mu.Lock()
	if len(p.queued) > 0 {
		m := p.queued[0]
		p.queued = p.queued[1:]
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	return protocol.ReadMessage(p.transport)
}

// Claim sends one identity claim and waits for its result: a positive id logs
// in, a negative id registers abs(id). Other messages arriving first are kept
// for Receive. A rejected claim is not an error; the caller may claim again.
func (p *Peer) Claim(claim int32, role protocol.Role) (*protocol.LoginResult, error) {
	login := protocol.Message{
		Type:    protocol.TypeLoginData,
		Payload: &protocol.LoginData{ID: claim, Role: role},
	}
	if err := p.Send(login); err != nil {
		return nil, err
	}

	for {
		m, err := protocol.ReadMessage(p.transport)
		if err != nil {
			return nil, err
		}

		switch m.Type {
		case protocol.TypeLoginResult:
			result := m.Payload.(*protocol.LoginResult)
			if result.Result == protocol.LogSuccess {
				p.mu.Lock()
				p.id = result.LoginID
				p.role = role
				p.mu.Unlock()
			}
			return result, nil
		case protocol.TypeError:
			return nil, &ServerError{Text: m.Payload.(*protocol.StringPayload).Text}
		default:
			p.mu.Lock()
			p.queued = append(p.queued, m)
			p.mu.Unlock()
		}
	}
}

func (p *Peer) claimOrFail(claim int32, role protocol.Role) error {
	result, err := p.Claim(claim, role)
	if err != nil {
		return err
	}
	if result.Result != protocol.LogSuccess {
		return &LoginError{Result: result.Result}
	}
	return nil
}

// Login logs into a registered id
func (p *Peer) Login(id int32, role protocol.Role) error {
	return p.claimOrFail(id, role)
}

// Register registers id and logs into it
func (p *Peer) Register(id int32, role protocol.Role) error {
	return p.claimOrFail(-id, role)
}

// SendRequest asks the server to forward a command to a client. Only admins
// may send requests.
func (p *Peer) SendRequest(targetID int32, command, args string) error {
	if p.ID() == 0 {
		return ErrNotLoggedIn
	}
	return p.Send(protocol.Message{
		Type: protocol.TypeNewRequestData,
		Payload: &protocol.NewRequestData{
			TargetID: targetID,
			Command:  command,
			Args:     args,
		},
	})
}

// ReportDone reports the result of a request. Only clients may report.
func (p *Peer) ReportDone(requestID int64, result string) error {
	id := p.ID()
	if id == 0 {
		return ErrNotLoggedIn
	}
	return p.Send(protocol.Message{
		Type: protocol.TypeDoneRequestData,
		Payload: &protocol.DoneRequestData{
			ClientID:  id,
			RequestID: requestID,
			Result:    result,
		},
	})
}

// Info sends a free-text note the server logs
func (p *Peer) Info(text string) error {
	return p.Send(protocol.TextMessage(protocol.TypeInfo, text))
}

// SendFile streams length bytes of src to the other side
func (p *Peer) SendFile(name string, src io.Reader, length int64) error {
	return p.transport.SendFile(name, src, length)
}

// ReceiveFile reads one file transfer into dst
func (p *Peer) ReceiveFile(dst io.Writer) (string, int64, error) {
	return p.transport.ReceiveFile(dst)
}

// Close closes the connection. A connection left mid-transfer is aborted.
func (p *Peer) Close() error {
	if err := p.transport.Close(); err != nil {
		if errors.Is(err, protocol.ErrIllegalTransferState) {
			return p.transport.Abort()
		}
		return err
	}
	return nil
}
