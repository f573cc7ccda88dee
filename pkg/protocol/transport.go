package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	// MaxLineLength is the maximum allowed control line length (1 MB), newline excluded
	MaxLineLength = 1024 * 1024

	// ChunkSize is the block size used when streaming a file
	ChunkSize = 4 * 1024
)

var (
	ErrMode                 = errors.New("operation not allowed in current transport mode")
	ErrIllegalTransferState = errors.New("cannot close transport during a file transfer")
	ErrLineTooLong          = errors.New("line exceeds maximum length (1 MB)")
	ErrInvalidLength        = errors.New("invalid binary length header")
	ErrNewlineInLine        = errors.New("line contains a newline")
)

// Mode is the framing mode of one transport direction
type Mode uint8

const (
	ModeText Mode = iota
	ModeBinary
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "TEXT"
	case ModeBinary:
		return "BINARY"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ModeError describes a framing operation attempted in the wrong mode.
// It matches ErrMode with errors.Is.
type ModeError struct {
	Op   string
	Mode Mode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("%s: not allowed in %s mode", e.Op, e.Mode)
}

func (e *ModeError) Is(target error) bool {
	return target == ErrMode
}

// Transport is a duplex byte stream with two framing modes: newline-terminated
// text lines and raw length-prefixed binary. Each direction tracks its own
// mode. Writes are serialized so a transport has exactly one writer at a time.
//
// Reads are not synchronized: only the goroutine owning the connection reads.
type Transport struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	w    *bufio.Writer

	writeMu      sync.Mutex // Protects w, writeMode and writeTimeout
	writeMode    Mode
	writeTimeout time.Duration

	modeMu   sync.Mutex // Protects readMode
	readMode Mode

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps a connection. Both directions start in text mode.
func NewTransport(conn io.ReadWriteCloser) *Transport {
	return &Transport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, ChunkSize),
		w:    bufio.NewWriterSize(conn, ChunkSize),
	}
}

// ReadMode returns the current mode of the read direction
func (t *Transport) ReadMode() Mode {
	t.modeMu.Lock()
	defer t.modeMu.Unlock()
	return t.readMode
}

// WriteMode returns the current mode of the write direction
func (t *Transport) WriteMode() Mode {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writeMode
}

// SwitchReadMode changes the framing mode of the read direction
func (t *Transport) SwitchReadMode(m Mode) {
	t.modeMu.Lock()
	t.readMode = m
	t.modeMu.Unlock()
}

// SwitchWriteMode changes the framing mode of the write direction
func (t *Transport) SwitchWriteMode(m Mode) {
	t.writeMu.Lock()
	t.writeMode = m
	t.writeMu.Unlock()
}

// writeDeadliner is implemented by connections that support write deadlines
// (net.Conn, WebSocketConn)
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// SetWriteTimeout bounds every later write operation to d, so a peer that
// stops reading fails the write instead of blocking it. Zero disables the
// bound. It has no effect on connections without write deadlines.
func (t *Transport) SetWriteTimeout(d time.Duration) {
	t.writeMu.Lock()
	t.writeTimeout = d
	t.writeMu.Unlock()
}

// armWriteDeadline must be called with writeMu held
func (t *Transport) armWriteDeadline() {
	if t.writeTimeout <= 0 {
		return
	}
	if conn, ok := t.conn.(writeDeadliner); ok {
		conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
}

func (t *Transport) checkRead(op string, want Mode) error {
	if mode := t.ReadMode(); mode != want {
		return &ModeError{Op: op, Mode: mode}
	}
	return nil
}

// checkWrite must be called with writeMu held
func (t *Transport) checkWrite(op string, want Mode) error {
	if t.writeMode != want {
		return &ModeError{Op: op, Mode: t.writeMode}
	}
	return nil
}

// WriteLine writes s followed by a newline. Text mode only.
func (t *Transport) WriteLine(s string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.checkWrite("write line", ModeText); err != nil {
		return err
	}
	t.armWriteDeadline()
	if err := t.writeLine(s); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *Transport) writeLine(s string) error {
	if strings.ContainsRune(s, '\n') {
		return ErrNewlineInLine
	}
	if len(s) > MaxLineLength {
		return ErrLineTooLong
	}
	if _, err := t.w.WriteString(s); err != nil {
		return err
	}
	return t.w.WriteByte('\n')
}

// ReadLine reads one line without its terminator. Text mode only.
// A trailing carriage return is stripped.
func (t *Transport) ReadLine() (string, error) {
	if err := t.checkRead("read line", ModeText); err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		fragment, err := t.r.ReadSlice('\n')
		if sb.Len()+len(fragment) > MaxLineLength+1 {
			return "", ErrLineTooLong
		}
		sb.Write(fragment)

		switch {
		case err == nil:
			line := strings.TrimSuffix(sb.String(), "\n")
			return strings.TrimSuffix(line, "\r"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && sb.Len() > 0:
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

// WriteLength writes an 8-byte big-endian length header. Binary mode only.
func (t *Transport) WriteLength(n int64) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.checkWrite("write length", ModeBinary); err != nil {
		return err
	}
	t.armWriteDeadline()
	if err := t.writeLength(n); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *Transport) writeLength(n int64) error {
	if n < 0 {
		return ErrInvalidLength
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, err := t.w.Write(buf[:])
	return err
}

// ReadLength reads an 8-byte big-endian length header. Binary mode only.
func (t *Transport) ReadLength() (int64, error) {
	if err := t.checkRead("read length", ModeBinary); err != nil {
		return 0, err
	}

	var buf [8]byte
	if _, err := io.ReadFull(t.r, buf[:]); err != nil {
		return 0, err
	}
	n := int64(binary.BigEndian.Uint64(buf[:]))
	if n < 0 {
		return 0, ErrInvalidLength
	}
	return n, nil
}

// WriteChunk writes raw bytes. Binary mode only.
func (t *Transport) WriteChunk(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.checkWrite("write chunk", ModeBinary); err != nil {
		return err
	}
	t.armWriteDeadline()
	if _, err := t.w.Write(p); err != nil {
		return err
	}
	return t.w.Flush()
}

// ReadChunk reads up to len(p) raw bytes and returns how many were read.
// It returns io.EOF at end of stream. Binary mode only.
func (t *Transport) ReadChunk(p []byte) (int, error) {
	if err := t.checkRead("read chunk", ModeBinary); err != nil {
		return 0, err
	}
	return t.r.Read(p)
}

// SendFile writes name as a text line, switches to binary mode, writes the
// length header and exactly length bytes from src, then switches back to text.
//
// The write lock is held for the whole transfer, so concurrent line writers
// wait instead of observing binary mode. If src runs short the transport is
// left in binary mode and must be aborted.
func (t *Transport) SendFile(name string, src io.Reader, length int64) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.checkWrite("send file", ModeText); err != nil {
		return err
	}
	if length < 0 {
		return ErrInvalidLength
	}
	t.armWriteDeadline()
	if err := t.writeLine(name); err != nil {
		return err
	}

	t.writeMode = ModeBinary
	if err := t.writeLength(length); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	remaining := length
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			t.armWriteDeadline()
			if _, werr := t.w.Write(buf[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			t.w.Flush()
			return fmt.Errorf("send file %q: %w", name, err)
		}
	}

	if err := t.w.Flush(); err != nil {
		return err
	}
	t.writeMode = ModeText
	return nil
}

// ReceiveFile performs the mirror of SendFile: it reads the name line,
// switches to binary mode, reads the length header and copies exactly that
// many bytes to dst, then switches back to text mode.
func (t *Transport) ReceiveFile(dst io.Writer) (string, int64, error) {
	name, err := t.ReadLine()
	if err != nil {
		return "", 0, err
	}

	t.SwitchReadMode(ModeBinary)
	length, err := t.ReadLength()
	if err != nil {
		return name, 0, err
	}

	buf := make([]byte, ChunkSize)
	var received int64
	for received < length {
		want := int64(len(buf))
		if length-received < want {
			want = length - received
		}
		n, err := t.ReadChunk(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return name, received, werr
			}
			received += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return name, received, fmt.Errorf("receive file %q: %w", name, err)
		}
	}

	t.SwitchReadMode(ModeText)
	return name, received, nil
}

// Close closes the underlying connection. It refuses while either direction
// is in binary mode; use Abort to drop a connection mid-transfer.
func (t *Transport) Close() error {
	t.writeMu.Lock()
	writeMode := t.writeMode
	t.writeMu.Unlock()

	if writeMode == ModeBinary || t.ReadMode() == ModeBinary {
		return ErrIllegalTransferState
	}
	return t.Abort()
}

// Abort closes the underlying connection regardless of mode. It does not take
// the write lock, so it unblocks a writer stuck on a stalled peer.
func (t *Transport) Abort() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
