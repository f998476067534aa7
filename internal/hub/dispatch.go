package hub

import (
	"fmt"

	"github.com/serphub/serp-relay/internal/relaylog"
	"github.com/serphub/serp-relay/internal/session"
	"github.com/serphub/serp-relay/internal/wire"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// Dispatch implements session.Dispatcher. It runs synchronously on the
// calling session's receiver goroutine — there is no separate dispatch
// queue — and classifies msg per the four cases the protocol defines:
// unconditional response relay, multi-destination request fan-out, a
// request addressed to the hub itself, and a single-destination request
// relay.
func (h *Hub) Dispatch(from *session.Session, msg *wire.Message) {
	if msg.Header.Kind == wire.KindResponse {
		h.relayResponse(from, msg)
		return
	}

	// A request's Header.Source must match the session that actually sent
	// it — a client cannot speak for another client's id. For a multi-send
	// request this is rejected once per destination, matching
	// Server.cpp's prepareForRelay, which loops over the destination list
	// emitting one BAD_REQUEST per entry rather than a single reply.
	if msg.Header.Source != from.ID {
		relaylog.Hub("session %d: source mismatch (claimed %d), rejecting", from.ID, msg.Header.Source)
		h.rejectSpoofedSource(from, msg)
		return
	}

	if msg.Header.MultiSend() {
		h.fanOut(from, msg)
		return
	}

	if msg.Header.Destination == serpid.Hub {
		resp := h.serveLocal(from, msg)
		from.Enqueue(resp)
		return
	}

	h.relaySingle(from, msg)
}

func (h *Hub) rejectSpoofedSource(from *session.Session, msg *wire.Message) {
	count := 1
	if msg.Header.MultiSend() {
		count = len(msg.Destinations)
	}
	for i := 0; i < count; i++ {
		from.Enqueue(wire.NewResponse(serpid.Hub, from.ID, msg.Header.Correlation, 400,
			[]byte("Attempted to relay message but gave incorrect serpID as source!")))
	}
}

func (h *Hub) relayResponse(from *session.Session, msg *wire.Message) {
	to, ok := h.registry.lookup(msg.Header.Destination)
	if !ok {
		relaylog.Hub("response from %d to %d dropped: destination not connected", from.ID, msg.Header.Destination)
		h.publish(Event{Type: "miss", SessionID: from.ID, Detail: fmt.Sprintf("response to %d", msg.Header.Destination)})
		return
	}
	to.Enqueue(msg)
	h.publish(Event{Type: "relay", SessionID: from.ID, Detail: fmt.Sprintf("response -> %d", to.ID)})
}

func (h *Hub) relaySingle(from *session.Session, msg *wire.Message) {
	to, ok := h.registry.lookup(msg.Header.Destination)
	if !ok {
		from.Enqueue(wire.NewResponse(serpid.Hub, from.ID, msg.Header.Correlation, 404,
			[]byte(fmt.Sprintf("not found: client %d is not connected", msg.Header.Destination))))
		h.publish(Event{Type: "miss", SessionID: from.ID, Detail: fmt.Sprintf("request -> %d", msg.Header.Destination)})
		return
	}
	to.Enqueue(msg)
	h.publish(Event{Type: "relay", SessionID: from.ID, Detail: fmt.Sprintf("request -> %d", to.ID)})
}

// fanOut treats msg.Destinations as immutable input: each destination gets
// its own cloned copy of the message so one session's outbox can never
// alias another's, and a destination that is the hub itself or is not
// connected resolves independently of the others.
func (h *Hub) fanOut(from *session.Session, msg *wire.Message) {
	for _, dest := range msg.Destinations {
		if dest == serpid.Hub {
			local := msg.Clone()
			local.Header.Destination = serpid.Hub
			resp := h.serveLocal(from, local)
			from.Enqueue(resp)
			continue
		}

		to, ok := h.registry.lookup(dest)
		if !ok {
			from.Enqueue(wire.NewResponse(serpid.Hub, from.ID, msg.Header.Correlation, 404,
				[]byte(fmt.Sprintf("not found: client %d is not connected", dest))))
			h.publish(Event{Type: "miss", SessionID: from.ID, Detail: fmt.Sprintf("multi-send -> %d", dest)})
			continue
		}

		clone := msg.Clone()
		clone.Header.Destination = dest
		clone.Header.Flags &^= wire.FlagMultiSend
		clone.Destinations = nil
		to.Enqueue(clone)
		h.publish(Event{Type: "relay", SessionID: from.ID, Detail: fmt.Sprintf("multi-send -> %d", to.ID)})
	}
}
