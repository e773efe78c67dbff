// internal/scpi/codec.go
package scpi

import (
	"fmt"
	"strings"
)

// Terminator is the SCPI command line terminator the meter expects.
const Terminator = "\n"

// responseTerminator ends every complete response frame from the meter.
const responseTerminator = "\r\n"

// Encode turns a command string into the bytes written to the wire
func Encode(command string) []byte {
	return []byte(command + Terminator)
}

// DecodeErrorKind classifies codec-level failures
type DecodeErrorKind int

const (
	// ErrMalformed marks bytes that match no expected frame shape.
	ErrMalformed DecodeErrorKind = iota
	// ErrTruncated marks an incomplete line missing its terminator.
	ErrTruncated
	// ErrUnexpected marks a valid frame with no outstanding query.
	ErrUnexpected
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrTruncated:
		return "truncated"
	case ErrUnexpected:
		return "unexpected"
	default:
		return "malformed"
	}
}

// DecodeError is a recoverable frame-level decode failure. Frames that
// fail to decode are dropped and logged, never treated as fatal.
type DecodeError struct {
	Kind DecodeErrorKind
	Raw  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("scpi: %s frame %q", e.Kind, e.Raw)
}

// RawToken is the loosely-typed intermediate produced by decoding one
// response frame. It carries no measurement semantics yet.
type RawToken struct {
	// Raw is the frame text with terminator and surrounding quotes removed.
	Raw string
	// Fields is Raw split on the SCPI field separator (comma).
	Fields []string
	// Quoted reports whether the frame arrived wrapped in double quotes,
	// as FUNC? responses do.
	Quoted bool
}

// Decode validates and splits one response frame. The input must be a
// complete line as read from the transport, including the terminator.
func Decode(line []byte) (RawToken, error) {
	s := string(line)
	if !strings.HasSuffix(s, responseTerminator) && !strings.HasSuffix(s, Terminator) {
		return RawToken{}, &DecodeError{Kind: ErrTruncated, Raw: s}
	}

	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return RawToken{}, &DecodeError{Kind: ErrMalformed, Raw: string(line)}
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return RawToken{}, &DecodeError{Kind: ErrMalformed, Raw: s}
		}
	}

	quoted := false
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		quoted = true
		s = strings.Trim(s, `"`)
		if s == "" {
			return RawToken{}, &DecodeError{Kind: ErrMalformed, Raw: string(line)}
		}
	}

	fields := strings.Split(s, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	return RawToken{Raw: s, Fields: fields, Quoted: quoted}, nil
}
