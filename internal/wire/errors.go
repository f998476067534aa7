package wire

import "errors"

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not
// yet contain a full message. It is not a protocol violation — the caller
// should read more bytes from the socket and try again.
var ErrIncomplete = errors.New("wire: incomplete message")

// Decode errors. Any of these is fatal for the session that produced it
// (per the error-handling design, a decode error on a session ends that
// session; it is never propagated to any other session).
var (
	ErrMalformedHeader  = errors.New("wire: malformed header")
	ErrTruncatedPayload = errors.New("wire: truncated payload")
	ErrUnknownKind      = errors.New("wire: unknown message kind")
	ErrInvalidMethod    = errors.New("wire: invalid method")
)
