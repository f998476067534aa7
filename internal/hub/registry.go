package hub

import (
	"sync"

	"github.com/serphub/serp-relay/internal/session"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// registry holds every live session, keyed by its allocated SerpID, plus
// the disconnected set the reaper drains. The lock order is always
// registry -> session: code that holds a session's internal lock must
// never try to acquire the registry lock.
type registry struct {
	mu           sync.RWMutex
	sessions     map[serpid.ID]*session.Session
	disconnected map[serpid.ID]*session.Session
}

func newRegistry() *registry {
	return &registry{
		sessions:     make(map[serpid.ID]*session.Session),
		disconnected: make(map[serpid.ID]*session.Session),
	}
}

func (r *registry) insert(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *registry) lookup(id serpid.ID) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) taken(id serpid.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *registry) hasAddr(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Addr == addr {
			return true
		}
	}
	return false
}

// moveToDisconnected removes id from the live map and files it under the
// disconnected set, where the reaper will find it once its receiver has
// exited. It is a no-op if id is not currently registered (disconnect can
// race the reaper and fire twice).
func (r *registry) moveToDisconnected(id serpid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	r.disconnected[id] = s
}

// sweepReapable returns every disconnected session whose receiver loop has
// finished, and removes them from the disconnected set. The reaper still
// has to wait for each session's sender to exit before discarding it.
func (r *registry) sweepReapable() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reapable []*session.Session
	for id, s := range r.disconnected {
		if s.ReceiverDone() {
			reapable = append(reapable, s)
			delete(r.disconnected, id)
		}
	}
	return reapable
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot returns the live sessions at the moment of the call, for the
// admin surface to range over without holding the registry lock while it
// does anything slow.
func (r *registry) snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
