// Package wire implements the SERP framing codec: the bidirectional
// translation between an opaque TCP byte stream and typed SERP messages.
//
// The wire format uses network byte order (big-endian) throughout. A
// message on the wire is:
//
//	fixed header (16 bytes)
//	multi-destination list (only present when FlagMultiSend is set):
//	    u16 count, then count x u16 destination IDs
//	payload:
//	    Request:  u8 method, u16 target_len, target bytes, body bytes
//	    Response: u16 status, body bytes
//
// Header.Length covers everything after the fixed header: the
// multi-destination list (if present) plus the payload.
package wire

import (
	"fmt"

	"github.com/serphub/serp-relay/pkg/serpid"
)

// Kind distinguishes a request from a response at the header level.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Method is the HTTP-style verb carried by a Request.
type Method uint8

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodDelete
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// FlagMultiSend marks a request as carrying an explicit destination set in
// place of the single Header.Destination field.
const FlagMultiSend uint16 = 1 << 0

// HeaderSize is the fixed, wire-level size of a SerpHeader in bytes:
// source(2) + destination(2) + flags(2) + kind(1) + reserved(1) +
// correlation(4) + length(4).
const HeaderSize = 16

// Header is the common envelope carried by every SERP message.
type Header struct {
	Source      serpid.ID
	Destination serpid.ID
	Flags       uint16
	Kind        Kind
	Correlation uint32
	// Length is the byte count of everything following the fixed header:
	// the multi-destination list (if FlagMultiSend is set) plus the payload.
	// Callers constructing a Message for Encode do not need to set this —
	// Encode computes and fills it in.
	Length uint32
}

// MultiSend reports whether the multi-destination flag is set.
func (h Header) MultiSend() bool {
	return h.Flags&FlagMultiSend != 0
}

// Request is the payload of a Kind == KindRequest message.
type Request struct {
	Method Method
	Target string
	Body   []byte
}

// Response is the payload of a Kind == KindResponse message.
type Response struct {
	Status uint16
	Body   []byte
}

// Message is a complete, decoded SERP message: a header plus exactly one
// of Request or Response, and — only when Header.MultiSend() — a
// Destinations set that the hub fans the message out to.
type Message struct {
	Header       Header
	Destinations []serpid.ID
	Request      *Request
	Response     *Response
}

// NewResponse builds a Kind == KindResponse message addressed from source
// to destination, echoing correlation so the recipient can match it to the
// request that produced it. Used by the hub to synthesize its own
// responses (service-endpoint replies, 400s, 404s) rather than relaying a
// peer's message.
func NewResponse(source, destination serpid.ID, correlation uint32, status uint16, body []byte) *Message {
	return &Message{
		Header: Header{
			Source:      source,
			Destination: destination,
			Kind:        KindResponse,
			Correlation: correlation,
		},
		Response: &Response{Status: status, Body: body},
	}
}

// Clone returns a deep copy of m suitable for per-destination fan-out: the
// hub must never hand the same *Message to two sender goroutines, and a
// multi-send message must be treated as immutable input rather than a
// single-destination template that gets mutated in place and reused.
func (m *Message) Clone() *Message {
	out := &Message{Header: m.Header}
	if m.Request != nil {
		body := append([]byte(nil), m.Request.Body...)
		out.Request = &Request{Method: m.Request.Method, Target: m.Request.Target, Body: body}
	}
	if m.Response != nil {
		body := append([]byte(nil), m.Response.Body...)
		out.Response = &Response{Status: m.Response.Status, Body: body}
	}
	if m.Destinations != nil {
		out.Destinations = append([]serpid.ID(nil), m.Destinations...)
	}
	return out
}
