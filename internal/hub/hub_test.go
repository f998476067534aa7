package hub

import (
	"net"
	"testing"
	"time"

	"github.com/serphub/serp-relay/internal/config"
	"github.com/serphub/serp-relay/internal/session"
	"github.com/serphub/serp-relay/internal/wire"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// newTestSession returns a registered session backed by a net.Pipe, and
// the peer end of that pipe for the test to read/write as the client.
func newTestSession(t *testing.T, h *Hub, id serpid.ID) (*session.Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	s := session.New(serverConn, id)
	h.registry.insert(s)
	go s.RunSender(h)
	t.Cleanup(s.Shutdown)
	return s, clientConn
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mgr, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return New(mgr)
}

func readOne(t *testing.T, conn net.Conn) *wire.Message {
	t.Helper()
	d := wire.NewDecoder()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msg, err := d.Next()
		if err == nil {
			return msg
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		d.Feed(buf[:n])
	}
}

func TestRelaySingleDestination(t *testing.T) {
	h := newTestHub(t)
	from, _ := newTestSession(t, h, 1)
	to, toConn := newTestSession(t, h, 2)

	req := &wire.Message{
		Header:  wire.Header{Source: 1, Destination: 2, Correlation: 11, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/hello"},
	}
	h.Dispatch(from, req)

	got := readOne(t, toConn)
	if got.Header.Source != 1 || got.Header.Destination != 2 {
		t.Errorf("relayed header = %+v", got.Header)
	}
	if got.Request.Target != "/hello" {
		t.Errorf("Target = %q, want /hello", got.Request.Target)
	}
	_ = to
}

func TestRelayToMissingDestinationReturns404(t *testing.T) {
	h := newTestHub(t)
	from, fromConn := newTestSession(t, h, 1)

	req := &wire.Message{
		Header:  wire.Header{Source: 1, Destination: 9999, Correlation: 5, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/x"},
	}
	h.Dispatch(from, req)

	got := readOne(t, fromConn)
	if got.Response == nil || got.Response.Status != 404 {
		t.Fatalf("got %+v, want 404 response", got)
	}
}

func TestSourceSpoofingRejectedWith400(t *testing.T) {
	h := newTestHub(t)
	from, fromConn := newTestSession(t, h, 1)
	_, _ = newTestSession(t, h, 2)

	req := &wire.Message{
		Header:  wire.Header{Source: 2, Destination: 2, Correlation: 3, Kind: wire.KindRequest}, // claims to be 2, really is 1
		Request: &wire.Request{Method: wire.MethodGet, Target: "/x"},
	}
	h.Dispatch(from, req)

	got := readOne(t, fromConn)
	if got.Response == nil || got.Response.Status != 400 {
		t.Fatalf("got %+v, want 400 response", got)
	}
	want := "Attempted to relay message but gave incorrect serpID as source!"
	if string(got.Response.Body) != want {
		t.Errorf("body = %q, want %q", got.Response.Body, want)
	}
}

func TestMultiSendSourceSpoofingRejectedOncePerDestination(t *testing.T) {
	h := newTestHub(t)
	from, fromConn := newTestSession(t, h, 1)
	_, _ = newTestSession(t, h, 2)
	_, _ = newTestSession(t, h, 3)

	req := &wire.Message{
		Header: wire.Header{
			Source: 2, Destination: 0, Correlation: 9, // claims to be 2, really is 1
			Kind: wire.KindRequest, Flags: wire.FlagMultiSend,
		},
		Destinations: []serpid.ID{2, 3},
		Request:      &wire.Request{Method: wire.MethodGet, Target: "/x"},
	}
	h.Dispatch(from, req)

	for i := 0; i < 2; i++ {
		got := readOne(t, fromConn)
		if got.Response == nil || got.Response.Status != 400 {
			t.Fatalf("response %d: got %+v, want 400", i, got)
		}
	}
}

func TestResponseRelayIsUnconditional(t *testing.T) {
	h := newTestHub(t)
	from, _ := newTestSession(t, h, 1)
	to, toConn := newTestSession(t, h, 2)

	resp := &wire.Message{
		Header:   wire.Header{Source: 1, Destination: 2, Correlation: 77, Kind: wire.KindResponse},
		Response: &wire.Response{Status: 200},
	}
	h.Dispatch(from, resp)

	got := readOne(t, toConn)
	if got.Header.Correlation != 77 {
		t.Errorf("Correlation = %d, want 77", got.Header.Correlation)
	}
	_ = to
}

func TestHubServiceEndpoints(t *testing.T) {
	h := newTestHub(t)
	from, fromConn := newTestSession(t, h, 42)

	ping := &wire.Message{
		Header:  wire.Header{Source: 42, Destination: serpid.Hub, Correlation: 1, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/ping"},
	}
	h.Dispatch(from, ping)
	if got := readOne(t, fromConn); got.Response.Status != 200 {
		t.Errorf("/ping status = %d, want 200", got.Response.Status)
	}

	idReq := &wire.Message{
		Header:  wire.Header{Source: 42, Destination: serpid.Hub, Correlation: 2, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/serpID"},
	}
	h.Dispatch(from, idReq)
	if got := readOne(t, fromConn); string(got.Response.Body) != "42" {
		t.Errorf("/serpID body = %q, want \"42\"", got.Response.Body)
	}

	badClients := &wire.Message{
		Header:  wire.Header{Source: 42, Destination: serpid.Hub, Correlation: 3, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/clients/notanumber"},
	}
	h.Dispatch(from, badClients)
	if got := readOne(t, fromConn); got.Response.Status != 400 {
		t.Errorf("/clients/notanumber status = %d, want 400", got.Response.Status)
	} else if want := `"notanumber" is not a valid SerpID!`; string(got.Response.Body) != want {
		t.Errorf("/clients/notanumber body = %q, want %q", got.Response.Body, want)
	}

	missingClient := &wire.Message{
		Header:  wire.Header{Source: 42, Destination: serpid.Hub, Correlation: 4, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/clients/1"},
	}
	h.Dispatch(from, missingClient)
	if got := readOne(t, fromConn); got.Response.Status != 404 {
		t.Errorf("/clients/1 status = %d, want 404", got.Response.Status)
	}

	unknown := &wire.Message{
		Header:  wire.Header{Source: 42, Destination: serpid.Hub, Correlation: 5, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodGet, Target: "/nope"},
	}
	h.Dispatch(from, unknown)
	if got := readOne(t, fromConn); got.Response.Status != 404 {
		t.Errorf("/nope status = %d, want 404", got.Response.Status)
	} else if want := `Did not find target "/nope"`; string(got.Response.Body) != want {
		t.Errorf("/nope body = %q, want %q", got.Response.Body, want)
	}

	nonGet := &wire.Message{
		Header:  wire.Header{Source: 42, Destination: serpid.Hub, Correlation: 6, Kind: wire.KindRequest},
		Request: &wire.Request{Method: wire.MethodPost, Target: "/ping"},
	}
	h.Dispatch(from, nonGet)
	if got := readOne(t, fromConn); got.Response.Status != 404 {
		t.Errorf("POST /ping status = %d, want 404", got.Response.Status)
	}
}

func TestMultiSendFanOutTreatsListAsImmutable(t *testing.T) {
	h := newTestHub(t)
	from, fromConn := newTestSession(t, h, 1)
	_, toAConn := newTestSession(t, h, 2)
	_, toCConn := newTestSession(t, h, 3)

	original := []serpid.ID{2, 3, 9999}
	req := &wire.Message{
		Header: wire.Header{
			Source: 1, Destination: 0, Correlation: 1,
			Kind: wire.KindRequest, Flags: wire.FlagMultiSend,
		},
		Destinations: original,
		Request:      &wire.Request{Method: wire.MethodPost, Target: "/broadcast", Body: []byte("hi")},
	}
	h.Dispatch(from, req)

	gotA := readOne(t, toAConn)
	if gotA.Header.MultiSend() {
		t.Error("fanned-out message should not carry FlagMultiSend")
	}
	if gotA.Header.Destination != 2 {
		t.Errorf("toA destination = %d, want 2", gotA.Header.Destination)
	}

	gotC := readOne(t, toCConn)
	if gotC.Header.Destination != 3 {
		t.Errorf("toC destination = %d, want 3", gotC.Header.Destination)
	}

	// the missing destination (9999) produces a 404 back to the sender
	miss := readOne(t, fromConn)
	if miss.Response == nil || miss.Response.Status != 404 {
		t.Fatalf("got %+v, want 404 for missing fan-out destination", miss)
	}

	if len(req.Destinations) != 3 || req.Destinations[0] != 2 {
		t.Error("fan-out mutated the original message's Destinations slice")
	}
}

func TestDisconnectMovesSessionToDisconnectedSet(t *testing.T) {
	h := newTestHub(t)
	s, _ := newTestSession(t, h, 1)

	h.Disconnect(1)

	if _, ok := h.registry.lookup(1); ok {
		t.Error("session still in live registry after Disconnect")
	}
	if s.IsConnected() {
		t.Error("session still marked connected after Disconnect")
	}
}
