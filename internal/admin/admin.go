// Package admin exposes a read-only operator surface alongside the SERP
// wire protocol: an HTTP API for point-in-time queries and a WebSocket
// feed that pushes hub lifecycle events live. It never accepts SERP
// traffic and never mutates hub state.
//
// The route table and the WebSocket client's writePump/readPump split are
// grounded on the teacher's internal/websocket/hub.go, trimmed down from a
// bidirectional command channel to one-directional push since operators
// only observe this hub, they don't drive it.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/serphub/serp-relay/internal/hub"
	"github.com/serphub/serp-relay/internal/relaylog"
	"github.com/serphub/serp-relay/internal/session"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// HubView is the subset of *hub.Hub the admin surface depends on, kept
// narrow so it can be faked in tests without standing up a real listener.
type HubView interface {
	ClientCount() int
	Clients() []*session.Session
	Subscribe() <-chan hub.Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the admin routes to a hub.
type Server struct {
	hub    HubView
	router *mux.Router
}

// New builds the admin router. Call Handler to get an http.Handler to
// pass to http.Serve / http.ListenAndServe.
func New(h HubView) *Server {
	s := &Server{hub: h, router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/clients", s.handleClients).Methods(http.MethodGet)
	s.router.HandleFunc("/clients/{id}", s.handleClient).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/live", s.handleLive)
	return s
}

// Handler returns the http.Handler serving the admin routes.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type clientView struct {
	ID          uint16    `json:"id"`
	Addr        string    `json:"addr"`
	TraceID     string    `json:"trace_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.hub.Clients()
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientView{
			ID:          uint16(c.ID),
			Addr:        c.Addr,
			TraceID:     c.TraceID.String(),
			ConnectedAt: c.ConnectedAt(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	n, err := strconv.Atoi(idStr)
	if err != nil || n < 0 || n > 0xffff {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid client id"})
		return
	}
	for _, c := range s.hub.Clients() {
		if c.ID == serpid.ID(n) {
			writeJSON(w, http.StatusOK, clientView{
				ID: uint16(c.ID), Addr: c.Addr, TraceID: c.TraceID.String(), ConnectedAt: c.ConnectedAt(),
			})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "client not connected"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected_clients": s.hub.ClientCount(),
	})
}

// handleLive upgrades to a WebSocket and streams hub.Event values as JSON
// until the client disconnects. It is push-only: any message the client
// sends is read and discarded, purely to drive the standard ping/pong
// liveness handshake.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		relaylog.Admin("websocket upgrade failed: %v", err)
		return
	}

	traceID := uuid.New()
	relaylog.Admin("live dashboard client %s connected", traceID)

	events := s.hub.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			relaylog.Admin("live dashboard client %s disconnected", traceID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				relaylog.Admin("live dashboard client %s write error: %v", traceID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
