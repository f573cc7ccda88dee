package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/livefish/cmdrelay/pkg/journal"
	"github.com/livefish/cmdrelay/pkg/protocol"
)

var (
	// ErrProtocolViolation ends a connection that sent a message its role may not send
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPeerError is returned when a peer sends an ERROR message
	ErrPeerError = errors.New("peer reported an error")

	ErrLoginAborted     = errors.New("login aborted")
	ErrAlreadyOnline    = errors.New("id is already online")
	ErrSelfSend         = errors.New("cannot send request to yourself")
	ErrAdminTarget      = errors.New("cannot send request to an admin")
	ErrOfflineTarget    = errors.New("target client is offline")
	ErrRequestNotFound  = errors.New("request not found")
	ErrNotRequestTarget = errors.New("client is not the target of the request")
	ErrServerFull       = errors.New("server is full")
)

// Routing error kinds (metric labels)
const (
	routeSelfSend       = "self_send"
	routeAdminTarget    = "admin_target"
	routeOfflineTarget  = "offline_target"
	routeOfflineAdmin   = "offline_admin"
	routeUnknownRequest = "unknown_request"
)

// serveSession is the connection worker: login negotiation, then the
// dispatch loop. The session is disconnected however the worker ends.
func (s *Server) serveSession(sess *Session) {
	reason := "connection closed"
	defer func() {
		s.disconnect(sess, reason)
	}()

	if err := s.negotiateLogin(sess); err != nil {
		reason = err.Error()
		debugLog.Printf("%s: %v", sess, err)
		return
	}

	s.journalConnection(sess.ID, true)
	s.console.Printf(LogConnection, "%s logged in", sess)
	s.recordActiveSessions()

	reason = s.messageLoop(sess).Error()
}

// messageLoop reads and handles messages in arrival order until the
// connection fails or a handler returns a fatal error
func (s *Server) messageLoop(sess *Session) error {
	for {
		msg, err := sess.ReadMessage()
		if err != nil {
			switch {
			case sess.Context().Err() != nil:
				return errors.New("disconnected by server")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return errors.New("connection closed by peer")
			default:
				return err
			}
		}

		if handled, err := s.handleCommonMessage(sess, msg); handled {
			if err != nil {
				return err
			}
			continue
		}

		switch sess.Role {
		case protocol.RoleAdmin:
			err = s.handleAdminMessage(sess, msg)
		case protocol.RoleClient:
			err = s.handleClientMessage(sess, msg)
		default:
			err = fmt.Errorf("%w: unauthorized session in dispatch loop", ErrProtocolViolation)
		}
		if err != nil {
			return err
		}
	}
}

// handleCommonMessage handles the messages every role may receive. It
// reports whether msg was consumed.
func (s *Server) handleCommonMessage(sess *Session, msg protocol.Message) (bool, error) {
	switch msg.Type {
	case protocol.TypeLoginData, protocol.TypeLoginResult:
		s.console.Printf(LogWrongData, "%s sent %s while logged in", sess, msg.Type)
		return true, sess.sendText(protocol.TypeError, "ALREADY LOGGED IN!")

	case protocol.TypeInvalid:
		s.console.Printf(LogWrongData, "%s sent an invalid message", sess)
		return true, sess.sendText(protocol.TypeError, "INVALID MESSAGE SENT!")

	case protocol.TypeInfo:
		s.console.Printf(LogInfo, "%s: %s", sess, msg.Payload.(*protocol.StringPayload).Text)
		return true, nil

	case protocol.TypeError:
		return true, fmt.Errorf("%w: %s", ErrPeerError, msg.Payload.(*protocol.StringPayload).Text)
	}
	return false, nil
}

func (s *Server) handleAdminMessage(admin *Session, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeNewRequestData:
		return s.handleNewRequest(admin, msg.Payload.(*protocol.NewRequestData))
	default:
		return fmt.Errorf("%w: admin sent %s", ErrProtocolViolation, msg.Type)
	}
}

func (s *Server) handleClientMessage(client *Session, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeDoneRequestData:
		return s.handleDoneRequest(client, msg.Payload.(*protocol.DoneRequestData))
	default:
		return fmt.Errorf("%w: client sent %s", ErrProtocolViolation, msg.Type)
	}
}

// routeRequest finds the client a new request should go to. Routing errors
// are returned with the message type and text the admin is answered with.
func (s *Server) routeRequest(admin *Session, targetID int32) (*Session, protocol.Message, error) {
	if targetID == admin.ID {
		return nil, protocol.TextMessage(protocol.TypeSelfSendReqError, "CANNOT SEND REQUEST TO YOURSELF!"), ErrSelfSend
	}
	if _, ok := s.registry.LookupAdmin(targetID); ok {
		return nil, protocol.TextMessage(protocol.TypeAdminTargetReqError, "CANNOT SEND REQUEST TO ANOTHER ADMIN!"), ErrAdminTarget
	}
	client, ok := s.registry.LookupClient(targetID)
	if !ok {
		return nil, offlineTargetMessage(targetID), ErrOfflineTarget
	}
	return client, protocol.Message{}, nil
}

func offlineTargetMessage(clientID int32) protocol.Message {
	return protocol.TextMessage(protocol.TypeOfflineTargetSendReqError, fmt.Sprintf("CLIENT %d IS OFFLINE!", clientID))
}

func routeKind(err error) string {
	switch {
	case errors.Is(err, ErrSelfSend):
		return routeSelfSend
	case errors.Is(err, ErrAdminTarget):
		return routeAdminTarget
	default:
		return routeOfflineTarget
	}
}

// handleNewRequest validates and forwards an admin's command. Routing
// errors are answered and never end the admin's connection.
func (s *Server) handleNewRequest(admin *Session, data *protocol.NewRequestData) error {
	client, reply, err := s.routeRequest(admin, data.TargetID)
	if err != nil {
		s.metrics.RecordRoutingError(routeKind(err))
		s.console.Printf(LogWrongData, "Admin %d request to %d refused: %v", admin.ID, data.TargetID, err)
		return admin.WriteMessage(reply)
	}

	req := s.ledger.Issue(admin.ID, client.ID, data.Command, data.Args)
	s.metrics.RecordRequestIssued(s.ledger.Len())

	todo := protocol.Message{
		Type: protocol.TypeToDoRequestData,
		Payload: &protocol.ToDoRequestData{
			RequestID: req.ID,
			Command:   req.Command,
			Args:      req.Args,
		},
	}
	if err := client.WriteMessage(todo); err != nil {
		s.ledger.Withdraw(req.ID)
		s.metrics.RecordPendingRequests(s.ledger.Len())
		s.metrics.RecordRoutingError(routeOfflineTarget)
		s.disconnect(client, fmt.Sprintf("failed to deliver request %d: %v", req.ID, err))
		return admin.WriteMessage(offlineTargetMessage(client.ID))
	}

	s.console.Printf(LogInfo, "Request %d: admin %d -> client %d: %s %s", req.ID, admin.ID, client.ID, req.Command, req.Args)
	return nil
}

// handleDoneRequest completes a request and tells the admin. A report for an
// unknown request, or from a client the request was not sent to, is logged
// and dropped.
func (s *Server) handleDoneRequest(client *Session, data *protocol.DoneRequestData) error {
	req, err := s.ledger.Complete(data.RequestID, client.ID, data.Result)
	if err != nil {
		s.metrics.RecordRoutingError(routeUnknownRequest)
		s.console.Printf(LogWrongData, "Client %d sent a result of nonexistent request %d: %v", client.ID, data.RequestID, err)
		return nil
	}
	s.metrics.RecordRequestCompleted(s.ledger.Len())
	s.console.Printf(LogInfo, "Request %d done by client %d: %s", req.ID, client.ID, req.Result)

	if admin, ok := s.registry.LookupAdmin(req.AdminID); ok {
		done := protocol.Message{
			Type: protocol.TypeDoneRequestData,
			Payload: &protocol.DoneRequestData{
				ClientID:  req.ClientID,
				RequestID: req.ID,
				Result:    req.Result,
			},
		}
		err := admin.WriteMessage(done)
		if err == nil {
			return nil
		}
		s.disconnect(admin, fmt.Sprintf("failed to deliver result of request %d: %v", req.ID, err))
	}

	s.metrics.RecordRoutingError(routeOfflineAdmin)
	s.console.Printf(LogError, "No online admin with id %d for request %d", req.AdminID, req.ID)
	return client.sendText(protocol.TypeOfflineAdminSendReqError, fmt.Sprintf("ADMIN %d IS OFFLINE!", req.AdminID))
}

// disconnect removes sess from the registry and closes it. Safe to call
// from any goroutine and more than once; only the first call logs.
func (s *Server) disconnect(sess *Session, reason string) {
	online := s.registry.Unregister(sess)
	if !sess.close() {
		return
	}
	s.disconnectionsSinceReport.Add(1)

	if !online {
		s.console.Printf(LogDisconnection, "Unauthorized client from %s disconnected: %s", sess.RemoteAddr, reason)
		return
	}

	s.journalConnection(sess.ID, false)
	s.metrics.RecordDisconnect(sess.Role)
	s.recordActiveSessions()

	if sess.IsClient() {
		pending := s.ledger.Pending(sess.ID)
		s.console.Printf(LogDisconnection, "%s with id %d disconnected after %s: %s (%d pending requests)",
			sess.Role, sess.ID, time.Since(sess.ConnectedAt).Round(time.Second), reason, len(pending))
		return
	}
	s.console.Printf(LogDisconnection, "%s with id %d disconnected after %s: %s",
		sess.Role, sess.ID, time.Since(sess.ConnectedAt).Round(time.Second), reason)
}

func (s *Server) journalConnection(id int32, connected bool) {
	state := "d"
	if connected {
		state = "c"
	}
	line := journal.Line(journal.FormatTimestamp(time.Now()), strconv.FormatInt(int64(id), 10), state)
	if err := s.journal.Record(journal.Connections, line); err != nil {
		errorLog.Printf("Failed to journal connection of %d: %v", id, err)
	}
}

func (s *Server) recordActiveSessions() {
	s.metrics.RecordActiveSessions(s.registry.Counts())
}
