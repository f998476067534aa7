// Package session implements one client session: the socket, the receive
// loop, the send queue and its sender loop, and the connected/receiverDone
// flags the hub's reaper watches for lifecycle cleanup.
//
// Concurrency discipline mirrors the teacher's relay.Client /
// relay.Server.controlLoop split (internal/relay/client.go,
// internal/relay/server.go in the source pack), adapted from a
// channel-driven control loop to the condition-variable / poll-timeout
// discipline §4.2 and §5 of the specification call for.
package session

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/serphub/serp-relay/internal/relaylog"
	"github.com/serphub/serp-relay/internal/wire"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// Dispatcher is implemented by the hub. The receiver loop calls Dispatch
// synchronously for every decoded message (the dispatcher runs inline on
// the receiver goroutine — there is no separate dispatch goroutine).
// Disconnect is called when the session hits a fatal condition: by the
// receiver loop on a socket or decode error, and by the sender loop on a
// write error, so it may be called more than once for the same session.
type Dispatcher interface {
	Dispatch(s *Session, msg *wire.Message)
	Disconnect(id serpid.ID)
}

// Session is the server-side state for one connected client.
type Session struct {
	ID      serpid.ID
	TraceID uuid.UUID // internal log-correlation id, independent of ID
	Addr    string    // remote peer address, used for duplicate-connection checks

	conn net.Conn

	connectedAt time.Time

	connected    int32 // atomic bool via the loadBool/storeBool helpers below
	receiverDone int32

	mu           sync.Mutex
	cond         *sync.Cond
	outbox       []*wire.Message
	senderExited chan struct{}

	decoder *wire.Decoder
}

// New creates a session for a freshly accepted, not-yet-registered
// connection. The caller assigns ID before starting the session's loops.
func New(conn net.Conn, id serpid.ID) *Session {
	s := &Session{
		ID:           id,
		TraceID:      uuid.New(),
		Addr:         conn.RemoteAddr().String(),
		conn:         conn,
		connectedAt:  time.Now(),
		connected:    1,
		senderExited: make(chan struct{}),
		decoder:      wire.NewDecoder(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// SenderExited is closed once RunSender has returned. The reaper waits on
// this to "join" the sender goroutine before discarding the session.
func (s *Session) SenderExited() <-chan struct{} { return s.senderExited }

// Close releases the underlying socket. Called by the reaper once both the
// receiver and sender have exited.
func (s *Session) Close() error { return s.conn.Close() }

// IsConnected reports the current value of the connected flag.
func (s *Session) IsConnected() bool {
	return loadBool(&s.connected)
}

// ReceiverDone reports whether the receive loop has exited, which is the
// reaper's signal that the session's resources may be released once the
// sender has also exited.
func (s *Session) ReceiverDone() bool {
	return loadBool(&s.receiverDone)
}

// Enqueue appends msg to the outbox and wakes the sender loop. Messages
// enqueued by a single goroutine for a single destination arrive on the
// wire in enqueue order (FIFO per §3 invariant 3).
func (s *Session) Enqueue(msg *wire.Message) {
	s.mu.Lock()
	s.outbox = append(s.outbox, msg)
	s.mu.Unlock()
	s.cond.Signal()
}

// Shutdown marks the session disconnected and wakes the sender so it can
// observe the flag and exit. It is idempotent and safe to call from any
// goroutine (the hub's dispatcher, the receiver loop, or the reaper) — it
// never itself blocks on the sender or receiver finishing.
func (s *Session) Shutdown() {
	if !storeBoolOnce(&s.connected) {
		return
	}
	s.conn.SetDeadline(time.Now().Add(-time.Second)) // unblock a pending Read
	s.cond.Broadcast()
}

// RunSender drains the outbox to the socket until Shutdown is called. It
// waits on the condition variable while the outbox is empty and the
// session is connected, pops one message, writes it, then greedily drains
// any further queued messages before waiting again — a notification storm
// produces one wakeup per burst, not one per message.
//
// A write failure is reported through dispatcher.Disconnect rather than a
// bare Shutdown, so the registry always learns the session died even when
// the failure is discovered on the sender side rather than the receiver
// side — otherwise the session would sit in the live map forever, never
// reaped.
func (s *Session) RunSender(dispatcher Dispatcher) {
	defer close(s.senderExited)

	for {
		s.mu.Lock()
		for len(s.outbox) == 0 && loadBool(&s.connected) {
			s.cond.Wait()
		}
		if !loadBool(&s.connected) {
			s.mu.Unlock()
			return
		}
		msg := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.mu.Unlock()

		if !s.write(dispatcher, msg) {
			return
		}

		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.mu.Unlock()

			if !loadBool(&s.connected) {
				return
			}
			if !s.write(dispatcher, msg) {
				return
			}
		}
	}
}

func (s *Session) write(dispatcher Dispatcher, msg *wire.Message) bool {
	encoded, err := wire.Encode(msg)
	if err != nil {
		relaylog.Session("session %d: failed to encode outgoing message: %v", s.ID, err)
		return true // drop this one message, keep the sender alive
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.conn.Write(encoded); err != nil {
		relaylog.Session("session %d: write error, disconnecting: %v", s.ID, err)
		dispatcher.Disconnect(s.ID)
		return false
	}
	return true
}

// RunReceiver polls the socket with pollTimeout, decodes complete messages
// with the framing codec, and hands each to dispatcher.Dispatch
// synchronously. It returns only once the session has ended, after
// setting ReceiverDone and, on any fatal condition, calling
// dispatcher.Disconnect exactly once.
func (s *Session) RunReceiver(dispatcher Dispatcher, pollTimeout time.Duration) {
	defer storeBool(&s.receiverDone, true)

	buf := make([]byte, 64*1024)
	for loadBool(&s.connected) {
		s.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !loadBool(&s.connected) {
				return
			}
			if err == io.EOF {
				relaylog.Session("session %d: client disconnected", s.ID)
			} else {
				relaylog.Session("session %d: socket error, disconnecting: %v", s.ID, err)
			}
			dispatcher.Disconnect(s.ID)
			return
		}

		s.decoder.Feed(buf[:n])
		for {
			msg, err := s.decoder.Next()
			if err != nil {
				if errors.Is(err, wire.ErrIncomplete) {
					break
				}
				relaylog.Session("session %d: decode error, disconnecting: %v", s.ID, err)
				dispatcher.Disconnect(s.ID)
				return
			}
			dispatcher.Dispatch(s, msg)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func loadBool(p *int32) bool {
	return atomic.LoadInt32(p) != 0
}

func storeBool(p *int32, v bool) {
	if v {
		atomic.StoreInt32(p, 1)
	} else {
		atomic.StoreInt32(p, 0)
	}
}

// storeBoolOnce atomically clears *p from 1 to 0, returning whether it made
// that transition (false means someone already flipped it — the caller
// uses this to make Shutdown idempotent).
func storeBoolOnce(p *int32) bool {
	return atomic.CompareAndSwapInt32(p, 1, 0)
}
