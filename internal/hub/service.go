package hub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/serphub/serp-relay/internal/session"
	"github.com/serphub/serp-relay/internal/wire"
	"github.com/serphub/serp-relay/pkg/serpid"
)

// serveLocal answers a request addressed to serpid.Hub (destination 0):
// the hub's own service endpoints, not a relay target.
func (h *Hub) serveLocal(from *session.Session, req *wire.Message) *wire.Message {
	respond := func(status uint16, body []byte) *wire.Message {
		return wire.NewResponse(serpid.Hub, from.ID, req.Header.Correlation, status, body)
	}

	target := req.Request.Target

	if req.Request.Method != wire.MethodGet {
		return respond(404, []byte(fmt.Sprintf("Did not find target %q", target)))
	}

	switch {
	case target == "/ping":
		return respond(200, nil)

	case target == "/serpID":
		return respond(200, []byte(strconv.Itoa(int(from.ID))))

	case strings.HasPrefix(target, "/clients/"):
		idStr := strings.TrimPrefix(target, "/clients/")
		n, err := strconv.Atoi(idStr)
		if err != nil || n < 0 || n > 0xffff {
			return respond(400, []byte(fmt.Sprintf("%q is not a valid SerpID!", idStr)))
		}
		if _, ok := h.registry.lookup(serpid.ID(n)); !ok {
			return respond(404, []byte(fmt.Sprintf("not found: client %d is not connected", n)))
		}
		return respond(200, nil)

	default:
		return respond(404, []byte(fmt.Sprintf("Did not find target %q", target)))
	}
}
