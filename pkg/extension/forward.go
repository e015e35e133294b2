package extension

import (
	"sync"

	"github.com/RyanCarrier/dijkstra"

	"github.com/stoq-io/stoq/pkg/frame"
	"github.com/stoq-io/stoq/pkg/stoqerr"
)

// ForwardGraph is a directed graph of known forwarder links, weighted by
// an integer cost, used to choose the next hop for a HopFrame when this
// endpoint relays rather than terminates it (spec section 4.4's "forwarder
// semantics"). Lower cost is preferred; callers typically derive it from
// the seed directory's observed reliability for a link.
type ForwardGraph struct {
	mu     sync.Mutex
	graph  *dijkstra.Graph
	idOf   map[string]int
	nameOf map[int]string
}

// NewForwardGraph returns an empty graph.
func NewForwardGraph() *ForwardGraph {
	return &ForwardGraph{
		graph:  dijkstra.NewGraph(),
		idOf:   make(map[string]int),
		nameOf: make(map[int]string),
	}
}

func (g *ForwardGraph) vertex(name string) int {
	if id, ok := g.idOf[name]; ok {
		return id
	}
	id := len(g.idOf)
	g.graph.AddVertex(id)
	g.idOf[name] = id
	g.nameOf[id] = name
	return id
}

// AddLink records a known, directed forwarding edge from -> to at cost.
// Costs must be positive; dijkstra does not support negative weights.
func (g *ForwardGraph) AddLink(from, to string, cost int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.graph.AddArc(g.vertex(from), g.vertex(to), cost)
}

// NextHop returns the first hop on the shortest known path from -> to. ok
// is false when either endpoint is unknown or no path exists.
func (g *ForwardGraph) NextHop(from, to string) (next string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromID, fOK := g.idOf[from]
	toID, tOK := g.idOf[to]
	if !fOK || !tOK {
		return "", false
	}

	best, err := g.graph.Shortest(fromID, toID)
	if err != nil || len(best.Path) < 2 {
		return "", false
	}
	return g.nameOf[best.Path[1]], true
}

// PlanHopForward composes HandleHopFrame's local-append/ttl-decrement step
// with a shortest-path lookup toward destID, for a node acting as a
// multi-hop forwarder rather than the final destination. The caller (the
// one aware of which seed or peer destID names, e.g. via the seed
// directory) supplies both ids; HopFrame itself carries no destination
// field.
func PlanHopForward(g *ForwardGraph, f *frame.HopFrame, localAddr [16]byte, localID, destID string) (next *frame.HopFrame, nextHop string, err error) {
	next, err = HandleHopFrame(f, localAddr)
	if err != nil {
		return next, "", err
	}

	nextHop, ok := g.NextHop(localID, destID)
	if !ok {
		return next, "", stoqerr.New(stoqerr.BackpressureDrop, "no known forwarding path to destination", nil)
	}
	return next, nextHop, nil
}

// ReliabilityCost converts a [0,1] reliability estimate (as tracked by the
// seed directory) into a dijkstra edge cost: more reliable links are
// cheaper, and a zero or unknown reliability is clamped to the least
// attractive non-zero cost so the link remains usable as a last resort.
func ReliabilityCost(reliability float64) int64 {
	const scale = 1000
	if reliability <= 0 {
		return scale
	}
	if reliability > 1 {
		reliability = 1
	}
	cost := int64(scale * (1 - reliability))
	if cost <= 0 {
		return 1
	}
	return cost
}
