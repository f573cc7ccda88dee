package server

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/livefish/cmdrelay/pkg/protocol"
)

// Session is one peer connection. It starts unauthorized with id 0; the login
// negotiator assigns the id and role when the registry admits it.
type Session struct {
	ID          int32         // Assigned at admission, immutable afterwards
	Role        protocol.Role // Assigned at admission, immutable afterwards
	RemoteAddr  string
	ConnectedAt time.Time

	transport *protocol.Transport
	metrics   *Metrics

	ctx    context.Context // Cancelled when the owning worker must stop
	cancel context.CancelFunc

	closeOnce sync.Once
}

// newSession wraps a connection. The session's context derives from parent
// and cancelling it aborts the transport, which unblocks a pending read.
func newSession(parent context.Context, conn io.ReadWriteCloser, remoteAddr string, metrics *Metrics) *Session {
	ctx, cancel := context.WithCancel(parent)
	sess := &Session{
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		transport:   protocol.NewTransport(conn),
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
	context.AfterFunc(ctx, func() {
		sess.transport.Abort()
	})
	return sess
}

// Context is cancelled when the session is being torn down
func (s *Session) Context() context.Context {
	return s.ctx
}

// Transport returns the session's transport (for file transfer)
func (s *Session) Transport() *protocol.Transport {
	return s.transport
}

// Mode returns the current write-direction transport mode
func (s *Session) Mode() protocol.Mode {
	return s.transport.WriteMode()
}

func (s *Session) IsAdmin() bool {
	return s.Role == protocol.RoleAdmin
}

func (s *Session) IsClient() bool {
	return s.Role == protocol.RoleClient
}

func (s *Session) String() string {
	if s.ID == 0 {
		return fmt.Sprintf("unauthorized(%s)", s.RemoteAddr)
	}
	return fmt.Sprintf("%s %d (%s)", s.Role, s.ID, s.RemoteAddr)
}

// WriteMessage sends one control message. Safe for concurrent use.
func (s *Session) WriteMessage(m protocol.Message) error {
	if err := protocol.WriteMessage(s.transport, m); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(m.Type)
	debugLog.Printf("%s → SEND: %s", s, m.Type)
	return nil
}

// ReadMessage reads one control message. Only the owning worker reads.
func (s *Session) ReadMessage() (protocol.Message, error) {
	m, err := protocol.ReadMessage(s.transport)
	if err != nil {
		return protocol.Message{}, err
	}
	s.metrics.RecordMessageReceived(m.Type)
	debugLog.Printf("%s ← RECV: %s", s, m.Type)
	return m, nil
}

// sendText sends a StringPayload message of the given type
func (s *Session) sendText(t protocol.MessageType, text string) error {
	return s.WriteMessage(protocol.TextMessage(t, text))
}

// close tears the connection down exactly once and reports whether this call
// did it. It never waits for the write lock, so a writer stalled on a peer
// that stopped reading cannot hold it up; the abort fails that write.
func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		if s.transport.ReadMode() == protocol.ModeBinary {
			errorLog.Printf("%s closed during a file transfer", s)
		}
		s.transport.Abort()
		s.cancel()
	})
	return closed
}
