package peer

import (
	"fmt"

	"github.com/livefish/cmdrelay/pkg/protocol"
)

// Task is a request a client was asked to run
type Task struct {
	RequestID int64
	Command   string
	Args      string
}

// Result is a finished request as the admin sees it
type Result struct {
	ClientID  int32
	RequestID int64
	Output    string
}

// RequestError is a routing error the server answered a request with
type RequestError struct {
	Type protocol.MessageType
	Text string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Text)
}

// isRequestError reports whether t answers an admin's request
func isRequestError(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeSelfSendReqError,
		protocol.TypeAdminTargetReqError,
		protocol.TypeOfflineTargetSendReqError:
		return true
	}
	return false
}

// Execute sends a request and waits for its result or routing error. INFO
// messages received meanwhile are passed to onInfo when it is set.
func (p *Peer) Execute(targetID int32, command, args string, onInfo func(string)) (*Result, error) {
	if err := p.SendRequest(targetID, command, args); err != nil {
		return nil, err
	}

	for {
		m, err := p.Receive()
		if err != nil {
			return nil, err
		}

		switch {
		case m.Type == protocol.TypeDoneRequestData:
			done := m.Payload.(*protocol.DoneRequestData)
			return &Result{ClientID: done.ClientID, RequestID: done.RequestID, Output: done.Result}, nil
		case isRequestError(m.Type):
			return nil, &RequestError{Type: m.Type, Text: m.Payload.(*protocol.StringPayload).Text}
		case m.Type == protocol.TypeError:
			return nil, &ServerError{Text: m.Payload.(*protocol.StringPayload).Text}
		case m.Type == protocol.TypeInfo:
			if onInfo != nil {
				onInfo(m.Payload.(*protocol.StringPayload).Text)
			}
		}
	}
}
