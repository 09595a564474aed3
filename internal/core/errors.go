// Package core defines sentinel errors.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is.
var (
	// Trace container errors
	ErrUnknownMagic    = errors.New("tracelens: unrecognized capture file magic")
	ErrTruncatedHeader = errors.New("tracelens: truncated capture file header")
	ErrTruncatedRecord = errors.New("tracelens: truncated capture record")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("tracelens: packet too short")
	ErrUnsupportedProto = errors.New("tracelens: unsupported protocol")

	// IP reassembly errors
	ErrReassemblyLimit = errors.New("tracelens: fragment reassembly limit exceeded")

	// Application reconstruction errors
	ErrHTTPFraming    = errors.New("tracelens: http framing error")
	ErrBodyTooLarge   = errors.New("tracelens: body exceeds size limit")
	ErrKeyUnavailable = errors.New("tracelens: tls key unavailable")
	ErrDecryptFailure = errors.New("tracelens: tls decrypt failure")
	ErrBadRecordMAC   = errors.New("tracelens: tls record mac mismatch")

	// Configuration errors
	ErrConfigInvalid = errors.New("tracelens: invalid configuration")
)

// FormatError reports an unreadable or unrecognized capture container.
// It is the only error that aborts an analysis run.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("format error: %v", e.Err)
	}
	return fmt.Sprintf("format error: %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// TruncatedRecordError reports a capture record that could not be read completely.
type TruncatedRecordError struct {
	Index int // index the record would have had
	Err   error
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("record %d truncated: %v", e.Index, e.Err)
}

func (e *TruncatedRecordError) Unwrap() error { return e.Err }

func (e *TruncatedRecordError) Is(target error) bool { return target == ErrTruncatedRecord }

// ParseError reports a frame too short for a header it claims to carry.
type ParseError struct {
	Index int
	Layer string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("frame %d: %s: %v", e.Index, e.Layer, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HTTPFramingError reports a transaction whose body could not be framed or decoded.
type HTTPFramingError struct {
	Session int
	Offset  int
	Reason  string
}

func (e *HTTPFramingError) Error() string {
	return fmt.Sprintf("session %d offset %d: %s", e.Session, e.Offset, e.Reason)
}

func (e *HTTPFramingError) Is(target error) bool { return target == ErrHTTPFraming }

// TLSKeyUnavailableError reports a TLS session with no resolvable master secret.
type TLSKeyUnavailableError struct {
	Session      int
	ClientRandom []byte
}

func (e *TLSKeyUnavailableError) Error() string {
	return fmt.Sprintf("session %d: no master secret for client random %x", e.Session, e.ClientRandom)
}

func (e *TLSKeyUnavailableError) Is(target error) bool { return target == ErrKeyUnavailable }

// TLSDecryptFailureError reports the record at which a direction stopped decrypting.
type TLSDecryptFailureError struct {
	Session   int
	Direction Direction
	Record    uint64
	Err       error
}

func (e *TLSDecryptFailureError) Error() string {
	return fmt.Sprintf("session %d %s record %d: %v", e.Session, e.Direction, e.Record, e.Err)
}

func (e *TLSDecryptFailureError) Unwrap() error { return e.Err }

func (e *TLSDecryptFailureError) Is(target error) bool { return target == ErrDecryptFailure }
