package engine

import (
	"fmt"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/protocol"
)

// DefaultIssuedCapacity bounds how many request ids the correlator remembers
// for echo suppression.
const DefaultIssuedCapacity = 1024

// Route says which consumer handles a decoded message.
type Route int

const (
	// RouteDrop means no consumer handles the message.
	RouteDrop Route = iota
	// RouteReconciler sends the message to the catalog merge.
	RouteReconciler
	// RouteLifecycle sends the message to the per-item download machine.
	RouteLifecycle
)

func (r Route) String() string {
	switch r {
	case RouteReconciler:
		return "reconciler"
	case RouteLifecycle:
		return "lifecycle"
	default:
		return "drop"
	}
}

// Correlator stamps outbound requests with a fresh id and demultiplexes
// inbound messages. Requests seen on the shared channel never reach a
// consumer; those carrying an id this client issued are reported as echoes.
//
// Not safe for concurrent use; owned by the Run loop.
type Correlator struct {
	tokens TokenGenerator
	issued map[string]struct{}
	ring   []string
	next   int
}

// NewCorrelator creates a correlator remembering up to capacity issued ids.
// A capacity below 1 selects DefaultIssuedCapacity.
func NewCorrelator(tokens TokenGenerator, capacity int) *Correlator {
	if capacity < 1 {
		capacity = DefaultIssuedCapacity
	}
	return &Correlator{
		tokens: tokens,
		issued: make(map[string]struct{}, capacity),
		ring:   make([]string, capacity),
	}
}

// Issue stamps req with a new request id and remembers it.
func (c *Correlator) Issue(req protocol.Request) protocol.Request {
	id := c.tokens.Generate()
	if old := c.ring[c.next]; old != "" {
		delete(c.issued, old)
	}
	c.ring[c.next] = id
	c.next = (c.next + 1) % len(c.ring)
	c.issued[id] = struct{}{}

	req.RequestID = id
	return req
}

// Issued reports whether id was handed out by Issue and is still remembered.
func (c *Correlator) Issued(id string) bool {
	_, ok := c.issued[id]
	return ok
}

// Route classifies msg. A dropped request returns a SELF_ECHO error when it
// is this client's own and nil when it came from another peer.
func (c *Correlator) Route(msg protocol.Message) (Route, error) {
	switch msg.Kind {
	case protocol.KindCatalogUpdate:
		return RouteReconciler, nil
	case protocol.KindDownloadResult:
		return RouteLifecycle, nil
	case protocol.KindRequest:
		if msg.Request != nil && c.Issued(msg.Request.RequestID) {
			return RouteDrop, &catalog.Error{
				Code:    catalog.ErrCodeSelfEcho,
				Message: "echo of own " + msg.Request.Describe(),
				Serial:  msg.Serial,
			}
		}
		return RouteDrop, nil
	default:
		return RouteDrop, &catalog.Error{
			Code:    catalog.ErrCodeMalformedPayload,
			Message: fmt.Sprintf("unroutable message kind %s", msg.Kind),
			Serial:  msg.Serial,
		}
	}
}
