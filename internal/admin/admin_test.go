package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/serphub/serp-relay/internal/hub"
	"github.com/serphub/serp-relay/internal/session"
)

type fakeHub struct {
	count   int
	clients []*session.Session
}

func (f *fakeHub) ClientCount() int             { return f.count }
func (f *fakeHub) Clients() []*session.Session  { return f.clients }
func (f *fakeHub) Subscribe() <-chan hub.Event  { return make(chan hub.Event) }

func TestHealthz(t *testing.T) {
	s := New(&fakeHub{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatsReportsClientCount(t *testing.T) {
	s := New(&fakeHub{count: 3})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !contains(rec.Body.String(), `"connected_clients":3`) {
		t.Errorf("body = %s, want connected_clients:3", rec.Body.String())
	}
}

func TestClientNotFound(t *testing.T) {
	s := New(&fakeHub{})
	req := httptest.NewRequest(http.MethodGet, "/clients/5", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestClientBadID(t *testing.T) {
	s := New(&fakeHub{})
	req := httptest.NewRequest(http.MethodGet, "/clients/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
