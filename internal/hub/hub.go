// Package hub implements the SERP relay hub: the registry of connected
// sessions, the message dispatcher that classifies and routes every
// decoded message, the reaper that retires disconnected sessions, and the
// hub's own service endpoints at destination 0.
//
// The accept-loop / registry / reaper split is grounded on the teacher's
// internal/relay/server.go (Server.acceptLoop, Server.controlLoop); the
// dispatch classification itself is new, since SERP's request/response/
// multi-send routing has no equivalent in the teacher's point-to-point
// relay.
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/serphub/serp-relay/internal/config"
	"github.com/serphub/serp-relay/internal/relaylog"
	"github.com/serphub/serp-relay/internal/session"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// Event is a lifecycle notification the admin surface subscribes to for
// its live dashboard. It carries no client payload data, only metadata.
type Event struct {
	Type      string // "connect", "disconnect", "relay", "miss"
	SessionID serpid.ID
	Addr      string
	Detail    string
	At        time.Time
}

// Hub owns the registry and the event subscribers; Serve runs the listener
// and the reaping goroutine. Dispatch runs on each session's receiver
// goroutine.
type Hub struct {
	cfg      *config.Manager
	registry *registry

	subMu sync.Mutex
	subs  []chan Event
}

// New creates a Hub driven by cfg. Call Serve to start accepting
// connections.
func New(cfg *config.Manager) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: newRegistry(),
	}
}

// Subscribe returns a channel of lifecycle events for the admin surface.
// The channel is buffered; a slow subscriber drops events rather than
// blocking the hub.
func (h *Hub) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	h.subMu.Lock()
	h.subs = append(h.subs, ch)
	h.subMu.Unlock()
	return ch
}

func (h *Hub) publish(ev Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ClientCount returns the number of currently registered sessions, for the
// admin /stats endpoint.
func (h *Hub) ClientCount() int { return h.registry.count() }

// Clients returns a snapshot of connected sessions for the admin surface.
func (h *Hub) Clients() []*session.Session { return h.registry.snapshot() }

// Serve accepts connections on cfg.SerpPort until ctx is cancelled. It
// polls Accept with AcceptPollTimeout so shutdown is observed promptly
// instead of blocking forever in a syscall (§5a).
func (h *Hub) Serve(ctx context.Context) error {
	cfg := h.cfg.Get()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.SerpPort))
	if err != nil {
		return fmt.Errorf("hub: listen on port %d: %w", cfg.SerpPort, err)
	}
	defer ln.Close()

	relaylog.Hub("listening on :%d", cfg.SerpPort)

	go h.reapLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(h.cfg.Get().AcceptPollTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			relaylog.Hub("accept error: %v", err)
			continue
		}
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	cfg := h.cfg.Get()

	if cfg.RejectDuplicateAddr && h.registry.hasAddr(conn.RemoteAddr().String()) {
		relaylog.Hub("rejecting duplicate connection from %s", conn.RemoteAddr())
		conn.Close()
		return
	}
	if cfg.MaxConnections > 0 && h.registry.count() >= cfg.MaxConnections {
		relaylog.Hub("rejecting connection from %s: at MaxConnections", conn.RemoteAddr())
		conn.Close()
		return
	}

	id, ok := serpid.Allocate(cfg.IDAllocRetries, h.registry.taken)
	if !ok {
		relaylog.Hub("rejecting connection from %s: exhausted id allocation retries", conn.RemoteAddr())
		conn.Close()
		return
	}

	s := session.New(conn, id)
	h.registry.insert(s)
	relaylog.Hub("session %d connected from %s (trace %s)", s.ID, s.Addr, s.TraceID)
	h.publish(Event{Type: "connect", SessionID: s.ID, Addr: s.Addr, At: s.ConnectedAt()})

	go s.RunSender(h)
	s.RunReceiver(h, cfg.ReceivePollTimeout)
}

// Disconnect implements session.Dispatcher. It is called from a session's
// own receiver loop or sender loop when either hits a fatal condition, and
// files the session under the disconnected set for the reaper to retire.
// Both loops may call it for the same session; a call for an id that is no
// longer registered does nothing. It never blocks on the sender or receiver
// finishing — that join happens in reapLoop.
func (h *Hub) Disconnect(id serpid.ID) {
	s, ok := h.registry.lookup(id)
	if !ok {
		return
	}
	s.Shutdown()
	h.registry.moveToDisconnected(id)
	h.publish(Event{Type: "disconnect", SessionID: id, Addr: s.Addr, At: time.Now()})
}

func (h *Hub) reapLoop(ctx context.Context) {
	interval := h.cfg.Get().ReaperInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range h.registry.sweepReapable() {
				<-s.SenderExited()
				s.Close()
				relaylog.Hub("session %d reaped", s.ID)
			}
			h.registry.mu.RLock()
			pending := len(h.registry.disconnected)
			h.registry.mu.RUnlock()
			relaylog.Hub("Currently %d clients connected, %d pending disconnect", h.registry.count(), pending)
		}
	}
}
