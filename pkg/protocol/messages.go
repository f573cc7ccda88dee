package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// Payload interface - every message payload variant must implement this
type Payload interface {
	// EncodeTo writes the payload fields, in fixed order, to w
	EncodeTo(w io.Writer) error
	// Decode reads the payload fields from the remainder of a message line
	Decode(payload []byte) error
}

// MessageType is the tag of a message; it determines the payload shape.
type MessageType uint8

// Message type constants
const (
	TypeInvalid MessageType = iota
	TypeError
	TypeInfo
	TypeLoginData
	TypeLoginResult
	TypeNewRequestData
	TypeToDoRequestData
	TypeDoneRequestData
	TypeSelfSendReqError
	TypeAdminTargetReqError
	TypeOfflineTargetSendReqError
	TypeOfflineAdminSendReqError
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrPayloadMismatch    = errors.New("payload does not match message type")
	ErrEmptyMessage       = errors.New("empty message line")
)

// messageTable maps each tag to its wire name and a payload constructor.
// Adding a message type means adding one constant and one entry here.
var messageTable = map[MessageType]struct {
	name       string
	newPayload func() Payload
}{
	TypeInvalid:                   {"INVALID", func() Payload { return &InvalidPayload{} }},
	TypeError:                     {"ERROR", func() Payload { return &StringPayload{} }},
	TypeInfo:                      {"INFO", func() Payload { return &StringPayload{} }},
	TypeLoginData:                 {"LOGIN_DATA", func() Payload { return &LoginData{} }},
	TypeLoginResult:               {"LOGIN_RESULT", func() Payload { return &LoginResult{} }},
	TypeNewRequestData:            {"NEW_REQUEST_DATA", func() Payload { return &NewRequestData{} }},
	TypeToDoRequestData:           {"TO_DO_REQUEST_DATA", func() Payload { return &ToDoRequestData{} }},
	TypeDoneRequestData:           {"DONE_REQUEST_DATA", func() Payload { return &DoneRequestData{} }},
	TypeSelfSendReqError:          {"SELF_SEND_REQ_ERROR", func() Payload { return &StringPayload{} }},
	TypeAdminTargetReqError:       {"ADMIN_TARGET_REQ_ERROR", func() Payload { return &StringPayload{} }},
	TypeOfflineTargetSendReqError: {"OFFLINE_TARGET_SEND_REQ_ERROR", func() Payload { return &StringPayload{} }},
	TypeOfflineAdminSendReqError:  {"OFFLINE_ADMIN_SEND_REQ_ERROR", func() Payload { return &StringPayload{} }},
}

var typesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(messageTable))
	for t, entry := range messageTable {
		m[entry.name] = t
	}
	return m
}()

func (t MessageType) String() string {
	if entry, ok := messageTable[t]; ok {
		return entry.name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// MessageTypes returns every known message type
func MessageTypes() []MessageType {
	types := make([]MessageType, 0, len(messageTable))
	for t := TypeInvalid; int(t) < len(messageTable); t++ {
		types = append(types, t)
	}
	return types
}

// Message is a type tag plus the payload variant that tag determines
type Message struct {
	Type    MessageType
	Payload Payload
}

// NewMessage creates a message with an empty payload of the right shape
func NewMessage(t MessageType) (Message, error) {
	entry, ok := messageTable[t]
	if !ok {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
	return Message{Type: t, Payload: entry.newPayload()}, nil
}

// EncodeMessage serializes a message to one control line (without newline)
func EncodeMessage(m Message) (string, error) {
	entry, ok := messageTable[m.Type]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(m.Type))
	}
	if m.Payload == nil || reflect.TypeOf(m.Payload) != reflect.TypeOf(entry.newPayload()) {
		return "", fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, entry.name, m.Payload)
	}

	buf := new(bytes.Buffer)
	buf.WriteString(entry.name)
	if err := m.Payload.EncodeTo(buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DecodeMessage parses one control line into a message
func DecodeMessage(line string) (Message, error) {
	if line == "" {
		return Message{}, ErrEmptyMessage
	}

	name, payload := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		name, payload = line[:i], line[i:]
	}

	t, ok := typesByName[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
	}
	msg, err := NewMessage(t)
	if err != nil {
		return Message{}, err
	}
	if err := msg.Payload.Decode([]byte(payload)); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return msg, nil
}

// WriteMessage encodes a message and writes it as one text line
func WriteMessage(t *Transport, m Message) error {
	line, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return t.WriteLine(line)
}

// ReadMessage reads one text line and decodes it
func ReadMessage(t *Transport) (Message, error) {
	line, err := t.ReadLine()
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(line)
}

// Role is the identity class of a peer
type Role uint8

const (
	RoleUnauthorized Role = iota
	RoleAdmin
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleUnauthorized:
		return "UNAUTHORIZED"
	case RoleAdmin:
		return "ADMIN"
	case RoleClient:
		return "CLIENT"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// LoginResultCode is the outcome of one login or registration attempt
type LoginResultCode uint8

const (
	RegFailedExists LoginResultCode = iota
	LogFailedOnline
	LogFailedFree
	LogFailedInvalid
	LogSuccess
)

func (c LoginResultCode) String() string {
	switch c {
	case RegFailedExists:
		return "REG_FAILED_EXISTS"
	case LogFailedOnline:
		return "LOG_FAILED_ONLINE"
	case LogFailedFree:
		return "LOG_FAILED_FREE"
	case LogFailedInvalid:
		return "LOG_FAILED_INVALID"
	case LogSuccess:
		return "LOG_SUCCESS"
	default:
		return fmt.Sprintf("LoginResultCode(%d)", uint8(c))
	}
}

// InvalidPayload (INVALID) - placeholder for a message that was never filled in
type InvalidPayload struct{}

func (m *InvalidPayload) EncodeTo(w io.Writer) error { return nil }

func (m *InvalidPayload) Decode(payload []byte) error {
	return NewFieldReader(payload).Done()
}

// StringPayload (ERROR, INFO and the request errors) - free text
type StringPayload struct {
	Text string
}

func (m *StringPayload) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Text)
}

func (m *StringPayload) Decode(payload []byte) error {
	r := NewFieldReader(payload)
	text, err := ReadString(r)
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}

	m.Text = text
	return nil
}

// LoginData (LOGIN_DATA) - identity claim. ID <= 0 asks to register abs(ID).
type LoginData struct {
	ID   int32
	Role Role
}

func (m *LoginData) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, m.ID); err != nil {
		return err
	}
	return WriteUint8(w, uint8(m.Role))
}

func (m *LoginData) Decode(payload []byte) error {
	r := NewFieldReader(payload)
	id, err := ReadInt32(r)
	if err != nil {
		return err
	}
	role, err := ReadUint8(r)
	if err != nil {
		return err
	}
	if role > uint8(RoleClient) {
		return fmt.Errorf("%w: role %d", ErrMalformedField, role)
	}
	if err := r.Done(); err != nil {
		return err
	}

	m.ID = id
	m.Role = Role(role)
	return nil
}

// LoginResult (LOGIN_RESULT) - outcome of a claim; LoginID is 0 unless successful
type LoginResult struct {
	Result  LoginResultCode
	LoginID int32
}

func (m *LoginResult) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, uint8(m.Result)); err != nil {
		return err
	}
	return WriteInt32(w, m.LoginID)
}

func (m *LoginResult) Decode(payload []byte) error {
	r := NewFieldReader(payload)
	result, err := ReadUint8(r)
	if err != nil {
		return err
	}
	if result > uint8(LogSuccess) {
		return fmt.Errorf("%w: login result %d", ErrMalformedField, result)
	}
	loginID, err := ReadInt32(r)
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}

	m.Result = LoginResultCode(result)
	m.LoginID = loginID
	return nil
}

// NewRequestData (NEW_REQUEST_DATA) - admin asks a client to run a command
type NewRequestData struct {
	TargetID int32
	Command  string
	Args     string
}

func (m *NewRequestData) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, m.TargetID); err != nil {
		return err
	}
	if err := WriteString(w, m.Command); err != nil {
		return err
	}
	return WriteString(w, m.Args)
}

func (m *NewRequestData) Decode(payload []byte) error {
	r := NewFieldReader(payload)
	targetID, err := ReadInt32(r)
	if err != nil {
		return err
	}
	command, err := ReadString(r)
	if err != nil {
		return err
	}
	args, err := ReadString(r)
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}

	m.TargetID = targetID
	m.Command = command
	m.Args = args
	return nil
}

// ToDoRequestData (TO_DO_REQUEST_DATA) - server forwards a request to its target client
type ToDoRequestData struct {
	RequestID int64
	Command   string
	Args      string
}

func (m *ToDoRequestData) EncodeTo(w io.Writer) error {
	if err := WriteInt64(w, m.RequestID); err != nil {
		return err
	}
	if err := WriteString(w, m.Command); err != nil {
		return err
	}
	return WriteString(w, m.Args)
}

func (m *ToDoRequestData) Decode(payload []byte) error {
	r := NewFieldReader(payload)
	requestID, err := ReadInt64(r)
	if err != nil {
		return err
	}
	command, err := ReadString(r)
	if err != nil {
		return err
	}
	args, err := ReadString(r)
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}

	m.RequestID = requestID
	m.Command = command
	m.Args = args
	return nil
}

// DoneRequestData (DONE_REQUEST_DATA) - a client's result for a request.
// Sent client → server, then forwarded server → admin with ClientID filled in.
type DoneRequestData struct {
	ClientID  int32
	RequestID int64
	Result    string
}

func (m *DoneRequestData) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, m.ClientID); err != nil {
		return err
	}
	if err := WriteInt64(w, m.RequestID); err != nil {
		return err
	}
	return WriteString(w, m.Result)
}

func (m *DoneRequestData) Decode(payload []byte) error {
	r := NewFieldReader(payload)
	clientID, err := ReadInt32(r)
	if err != nil {
		return err
	}
	requestID, err := ReadInt64(r)
	if err != nil {
		return err
	}
	result, err := ReadString(r)
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}

	m.ClientID = clientID
	m.RequestID = requestID
	m.Result = result
	return nil
}

// TextMessage builds a message carrying a StringPayload (ERROR, INFO, request errors)
func TextMessage(t MessageType, text string) Message {
	return Message{Type: t, Payload: &StringPayload{Text: text}}
}

// ErrorMessage builds an ERROR message
func ErrorMessage(text string) Message {
	return TextMessage(TypeError, text)
}

// Compile-time checks to ensure all payload variants implement the Payload interface
var (
	_ Payload = (*InvalidPayload)(nil)
	_ Payload = (*StringPayload)(nil)
	_ Payload = (*LoginData)(nil)
	_ Payload = (*LoginResult)(nil)
	_ Payload = (*NewRequestData)(nil)
	_ Payload = (*ToDoRequestData)(nil)
	_ Payload = (*DoneRequestData)(nil)
)
