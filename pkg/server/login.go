package server

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/livefish/cmdrelay/pkg/journal"
	"github.com/livefish/cmdrelay/pkg/protocol"
)

// negotiateLogin reads identity claims until one succeeds. Rejected claims
// are answered and re-prompted; a message of any other type ends the
// connection. On success the session is already in the registry.
func (s *Server) negotiateLogin(sess *Session) error {
	for {
		msg, err := sess.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoginAborted, err)
		}

		if msg.Type != protocol.TypeLoginData {
			s.console.Printf(LogWrongData, "%s sent %s before logging in", sess, msg.Type)
			if err := sess.sendText(protocol.TypeError, "LOGIN NEEDED!"); err != nil {
				debugLog.Printf("%s: failed to send login needed: %v", sess, err)
			}
			return fmt.Errorf("%w: expected %s, got %s", ErrLoginAborted, protocol.TypeLoginData, msg.Type)
		}

		claim := msg.Payload.(*protocol.LoginData)
		result := s.resolveClaim(sess, claim)
		s.metrics.RecordLoginResult(result.Result)

		if err := sess.WriteMessage(protocol.Message{Type: protocol.TypeLoginResult, Payload: result}); err != nil {
			return fmt.Errorf("%w: %v", ErrLoginAborted, err)
		}
		if result.Result == protocol.LogSuccess {
			return nil
		}
	}
}

// resolveClaim applies one identity claim. Negative claims register abs(id),
// positive claims log into an existing id, zero is never valid.
func (s *Server) resolveClaim(sess *Session, claim *protocol.LoginData) *protocol.LoginResult {
	if claim.ID == 0 || claim.ID == math.MinInt32 || claim.Role == protocol.RoleUnauthorized {
		s.console.Printf(LogWrongData, "%s sent an invalid claim (id %d, role %s)", sess, claim.ID, claim.Role)
		return &protocol.LoginResult{Result: protocol.LogFailedInvalid}
	}

	if claim.ID < 0 {
		return s.register(sess, -claim.ID, claim.Role)
	}
	return s.login(sess, claim.ID, claim.Role)
}

func (s *Server) register(sess *Session, id int32, role protocol.Role) *protocol.LoginResult {
	if !s.registry.Reserve(id) {
		s.console.Printf(LogWrongData, "The user with id %d already exists", id)
		return &protocol.LoginResult{Result: protocol.RegFailedExists}
	}

	if err := s.journal.Record(journal.RegisteredIds, strconv.FormatInt(int64(id), 10)); err != nil {
		errorLog.Printf("Failed to journal registered id %d: %v", id, err)
	}

	// A concurrent login can grab a freshly reserved id between Reserve and Admit
	if err := s.registry.Admit(sess, id, role); err != nil {
		s.console.Printf(LogWrongData, "Registered id %d but could not admit it: %v", id, err)
		return &protocol.LoginResult{Result: protocol.LogFailedOnline}
	}

	s.console.Printf(LogRegistration, "Registered new %s with id %d", role, id)
	return &protocol.LoginResult{Result: protocol.LogSuccess, LoginID: id}
}

func (s *Server) login(sess *Session, id int32, role protocol.Role) *protocol.LoginResult {
	if !s.registry.IsRegistered(id) {
		s.console.Printf(LogWrongData, "Login attempt with free id %d", id)
		return &protocol.LoginResult{Result: protocol.LogFailedFree}
	}

	if err := s.registry.Admit(sess, id, role); err != nil {
		if !errors.Is(err, ErrAlreadyOnline) {
			errorLog.Printf("Admitting id %d failed: %v", id, err)
		}
		s.console.Printf(LogWrongData, "Login attempt with online id %d", id)
		return &protocol.LoginResult{Result: protocol.LogFailedOnline}
	}

	return &protocol.LoginResult{Result: protocol.LogSuccess, LoginID: id}
}
