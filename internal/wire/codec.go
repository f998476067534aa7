package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/serphub/serp-relay/pkg/serpid"
)

// MaxMessageLength caps Header.Length against implausible values (a
// corrupted or hostile header claiming gigabytes of payload). Any single
// SERP message — multi-destination list plus payload — must fit under
// this bound or the header is treated as malformed.
const MaxMessageLength = 16 * 1024 * 1024

// Encode serializes m into its wire representation. It computes and fills
// in m.Header.Length; callers do not need to set it beforehand.
func Encode(m *Message) ([]byte, error) {
	var list []byte
	if m.Header.MultiSend() {
		list = make([]byte, 2+2*len(m.Destinations))
		binary.BigEndian.PutUint16(list[0:2], uint16(len(m.Destinations)))
		for i, d := range m.Destinations {
			binary.BigEndian.PutUint16(list[2+2*i:4+2*i], uint16(d))
		}
	}

	var payload []byte
	switch m.Header.Kind {
	case KindRequest:
		if m.Request == nil {
			return nil, fmt.Errorf("wire: encode: Kind is Request but Request payload is nil")
		}
		if m.Request.Method > MethodDelete {
			return nil, ErrInvalidMethod
		}
		target := []byte(m.Request.Target)
		if len(target) > 0xffff {
			return nil, fmt.Errorf("wire: encode: target too long (%d bytes)", len(target))
		}
		payload = make([]byte, 1+2+len(target)+len(m.Request.Body))
		payload[0] = byte(m.Request.Method)
		binary.BigEndian.PutUint16(payload[1:3], uint16(len(target)))
		copy(payload[3:], target)
		copy(payload[3+len(target):], m.Request.Body)
	case KindResponse:
		if m.Response == nil {
			return nil, fmt.Errorf("wire: encode: Kind is Response but Response payload is nil")
		}
		payload = make([]byte, 2+len(m.Response.Body))
		binary.BigEndian.PutUint16(payload[0:2], m.Response.Status)
		copy(payload[2:], m.Response.Body)
	default:
		return nil, ErrUnknownKind
	}

	length := len(list) + len(payload)
	if length > MaxMessageLength {
		return nil, fmt.Errorf("wire: encode: message of %d bytes exceeds MaxMessageLength", length)
	}
	m.Header.Length = uint32(length)

	buf := make([]byte, HeaderSize+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Header.Source))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Header.Destination))
	binary.BigEndian.PutUint16(buf[4:6], m.Header.Flags)
	buf[6] = byte(m.Header.Kind)
	buf[7] = 0 // reserved
	binary.BigEndian.PutUint32(buf[8:12], m.Header.Correlation)
	binary.BigEndian.PutUint32(buf[12:16], m.Header.Length)
	copy(buf[HeaderSize:], list)
	copy(buf[HeaderSize+len(list):], payload)
	return buf, nil
}

// Decoder incrementally decodes a byte stream into SERP messages. It owns
// a growing receive buffer; callers feed it bytes as they arrive off the
// socket and call Next in a loop until it returns ErrIncomplete.
//
// Decoder is not safe for concurrent use — each session's receiver loop
// owns exactly one Decoder.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes to the internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes currently held awaiting a complete
// message.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next attempts to decode one complete message from the buffer. If fewer
// than a full message's worth of bytes are buffered it returns
// ErrIncomplete and leaves the buffer untouched — partial reads never
// desynchronise the stream because all parsing is prefix-driven by
// Header.Length. Any other error is fatal for the owning session.
func (d *Decoder) Next() (*Message, error) {
	if len(d.buf) < HeaderSize {
		return nil, ErrIncomplete
	}

	reserved := d.buf[7]
	if reserved != 0 {
		return nil, fmt.Errorf("%w: reserved byte is %d, want 0", ErrMalformedHeader, reserved)
	}

	kind := Kind(d.buf[6])
	if kind != KindRequest && kind != KindResponse {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	length := binary.BigEndian.Uint32(d.buf[12:16])
	if length > MaxMessageLength {
		return nil, fmt.Errorf("%w: length %d exceeds cap of %d", ErrMalformedHeader, length, MaxMessageLength)
	}

	total := HeaderSize + int(length)
	if len(d.buf) < total {
		return nil, ErrIncomplete
	}

	header := Header{
		Source:      serpid.ID(binary.BigEndian.Uint16(d.buf[0:2])),
		Destination: serpid.ID(binary.BigEndian.Uint16(d.buf[2:4])),
		Flags:       binary.BigEndian.Uint16(d.buf[4:6]),
		Kind:        kind,
		Correlation: binary.BigEndian.Uint32(d.buf[8:12]),
		Length:      length,
	}

	rest := d.buf[HeaderSize:total]
	pos := 0

	var destinations []serpid.ID
	if header.MultiSend() {
		if len(rest)-pos < 2 {
			return nil, fmt.Errorf("%w: multi-destination count", ErrTruncatedPayload)
		}
		count := binary.BigEndian.Uint16(rest[pos : pos+2])
		pos += 2
		need := int(count) * 2
		if len(rest)-pos < need {
			return nil, fmt.Errorf("%w: multi-destination list", ErrTruncatedPayload)
		}
		destinations = make([]serpid.ID, count)
		for i := 0; i < int(count); i++ {
			destinations[i] = serpid.ID(binary.BigEndian.Uint16(rest[pos : pos+2]))
			pos += 2
		}
	}

	payload := rest[pos:]
	msg := &Message{Header: header, Destinations: destinations}

	switch kind {
	case KindRequest:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: request method", ErrTruncatedPayload)
		}
		method := Method(payload[0])
		if method > MethodDelete {
			return nil, fmt.Errorf("%w: %d", ErrInvalidMethod, payload[0])
		}
		if len(payload) < 3 {
			return nil, fmt.Errorf("%w: request target length", ErrTruncatedPayload)
		}
		targetLen := int(binary.BigEndian.Uint16(payload[1:3]))
		if len(payload) < 3+targetLen {
			return nil, fmt.Errorf("%w: request target", ErrTruncatedPayload)
		}
		target := string(payload[3 : 3+targetLen])
		body := append([]byte(nil), payload[3+targetLen:]...)
		msg.Request = &Request{Method: method, Target: target, Body: body}
	case KindResponse:
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: response status", ErrTruncatedPayload)
		}
		status := binary.BigEndian.Uint16(payload[0:2])
		body := append([]byte(nil), payload[2:]...)
		msg.Response = &Response{Status: status, Body: body}
	}

	// Drop the consumed bytes. A fresh backing array means slices handed
	// out above (target/body are already copied) never alias a buffer
	// that keeps growing underneath a long-lived session.
	remaining := len(d.buf) - total
	next := make([]byte, remaining)
	copy(next, d.buf[total:])
	d.buf = next

	return msg, nil
}
