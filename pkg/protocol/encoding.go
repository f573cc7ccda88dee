package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedField is returned when a payload field is missing, extra or unparsable.
var ErrMalformedField = errors.New("malformed payload field")

// Field encoding used inside one control line:
//
//	integers: decimal, e.g. -7
//	strings:  Go-quoted, e.g. "ls \"-la\"\n"
//
// Every field is preceded by a single space, so a payload is the remainder of
// the line after the message tag.

// WriteInt32 writes a signed 32-bit integer field
func WriteInt32(w io.Writer, v int32) error {
	_, err := io.WriteString(w, " "+strconv.FormatInt(int64(v), 10))
	return err
}

// WriteInt64 writes a signed 64-bit integer field
func WriteInt64(w io.Writer, v int64) error {
	_, err := io.WriteString(w, " "+strconv.FormatInt(v, 10))
	return err
}

// WriteUint8 writes an unsigned byte field (enum ordinals)
func WriteUint8(w io.Writer, v uint8) error {
	_, err := io.WriteString(w, " "+strconv.FormatUint(uint64(v), 10))
	return err
}

// WriteString writes a quoted string field
func WriteString(w io.Writer, s string) error {
	_, err := io.WriteString(w, " "+strconv.Quote(s))
	return err
}

// FieldReader consumes the fields of one payload in order.
type FieldReader struct {
	rest string
}

// NewFieldReader creates a reader over an encoded payload
func NewFieldReader(payload []byte) *FieldReader {
	return &FieldReader{rest: string(payload)}
}

// next returns the raw text of the next field
func (r *FieldReader) next() (string, error) {
	if !strings.HasPrefix(r.rest, " ") {
		return "", fmt.Errorf("%w: missing field", ErrMalformedField)
	}
	r.rest = r.rest[1:]

	if strings.HasPrefix(r.rest, `"`) {
		quoted, err := strconv.QuotedPrefix(r.rest)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedField, err)
		}
		r.rest = r.rest[len(quoted):]
		return quoted, nil
	}

	end := strings.IndexByte(r.rest, ' ')
	if end < 0 {
		end = len(r.rest)
	}
	field := r.rest[:end]
	r.rest = r.rest[end:]
	if field == "" {
		return "", fmt.Errorf("%w: empty field", ErrMalformedField)
	}
	return field, nil
}

// Done reports an error if unread fields remain
func (r *FieldReader) Done() error {
	if r.rest != "" {
		return fmt.Errorf("%w: trailing data %q", ErrMalformedField, r.rest)
	}
	return nil
}

// ReadInt32 reads a signed 32-bit integer field
func ReadInt32(r *FieldReader) (int32, error) {
	field, err := r.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(field, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	return int32(v), nil
}

// ReadInt64 reads a signed 64-bit integer field
func ReadInt64(r *FieldReader) (int64, error) {
	field, err := r.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	return v, nil
}

// ReadUint8 reads an unsigned byte field
func ReadUint8(r *FieldReader) (uint8, error) {
	field, err := r.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(field, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	return uint8(v), nil
}

// ReadString reads a quoted string field
func ReadString(r *FieldReader) (string, error) {
	field, err := r.next()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(field, `"`) {
		return "", fmt.Errorf("%w: expected quoted string, got %q", ErrMalformedField, field)
	}
	s, err := strconv.Unquote(field)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	return s, nil
}
