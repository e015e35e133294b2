// Package seeddir implements the STOQ seed directory (C13): local
// bookkeeping of seed-node reachability, fed both by inbound SeedFrames
// and by LAN peer discovery, so a forwarding node can choose which peers
// to re-announce a seed to. It never alters SeedFrame wire content; the
// directory is a convenience cache layered on top of delivery.
package seeddir

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/pkg/extension"
	"github.com/stoq-io/stoq/pkg/frame"
)

// SeedNode is one known peer believed to carry a given seed.
type SeedNode struct {
	Address     string // IPv6 literal
	Port        uint16
	Reliability float64 // 0..1, updated by successive observations
}

// Entry is the directory's bookkeeping for one seed (spec section 3's
// "Seed directory entry").
type Entry struct {
	SeedID            uint64
	KnownNodes        []SeedNode
	ReplicationFactor uint8
	Priority          int
	LastSeen          time.Time
}

// Directory is a per-endpoint in-memory table of seed nodes.
type Directory struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry
	logger  *log.Entry
}

// New constructs an empty Directory.
func New(logger *log.Entry) *Directory {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Directory{
		entries: make(map[uint64]*Entry),
		logger:  logger,
	}
}

// ObserveFrame records a SeedFrame received from a connection, associating
// it with the peer address it arrived from.
func (d *Directory) ObserveFrame(f *frame.SeedFrame, peerAddr string, peerPort uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[f.SeedID]
	if !ok {
		e = &Entry{SeedID: f.SeedID, ReplicationFactor: f.ReplicationFactor}
		d.entries[f.SeedID] = e
	}
	e.ReplicationFactor = f.ReplicationFactor
	e.LastSeen = time.Now()
	e.KnownNodes = upsertNode(e.KnownNodes, SeedNode{Address: peerAddr, Port: peerPort, Reliability: 1.0})

	d.logger.WithField("seed_id", f.SeedID).WithField("peer", peerAddr).Debug("recorded seed observation")
}

// ObserveDiscovery records a LAN-discovered peer as a candidate holder of
// seedID, for use when peerdiscovery (C13's announce-based source) finds
// a node before any SeedFrame referencing it has arrived.
func (d *Directory) ObserveDiscovery(seedID uint64, addr string, port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[seedID]
	if !ok {
		e = &Entry{SeedID: seedID}
		d.entries[seedID] = e
	}
	e.LastSeen = time.Now()
	e.KnownNodes = upsertNode(e.KnownNodes, SeedNode{Address: addr, Port: port, Reliability: 0.5})
}

func upsertNode(nodes []SeedNode, n SeedNode) []SeedNode {
	for i := range nodes {
		if nodes[i].Address == n.Address && nodes[i].Port == n.Port {
			nodes[i].Reliability = (nodes[i].Reliability + n.Reliability) / 2
			return nodes
		}
	}
	return append(nodes, n)
}

// Lookup returns the directory's current view of seedID, if any.
func (d *Directory) Lookup(seedID uint64) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[seedID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// CandidatesFor returns the known nodes for seedID ranked by reliability,
// highest first, for a forwarder deciding which peers to re-announce to.
func (d *Directory) CandidatesFor(seedID uint64) []SeedNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[seedID]
	if !ok {
		return nil
	}
	nodes := make([]SeedNode, len(e.KnownNodes))
	copy(nodes, e.KnownNodes)

	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].Reliability > nodes[j-1].Reliability; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
	return nodes
}

// BuildForwardGraph constructs a forwarding graph of direct links from
// localID to every peer this directory currently knows about across all
// seeds, weighted by each peer's observed reliability, for C4's
// hop-forwarding planner (extension.PlanHopForward) to pick a next hop.
func (d *Directory) BuildForwardGraph(localID string) *extension.ForwardGraph {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g := extension.NewForwardGraph()
	for _, e := range d.entries {
		for _, n := range e.KnownNodes {
			peerID := fmt.Sprintf("%s:%d", n.Address, n.Port)
			_ = g.AddLink(localID, peerID, extension.ReliabilityCost(n.Reliability))
		}
	}
	return g
}

// Prune removes entries not seen within maxAge.
func (d *Directory) Prune(maxAge time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, e := range d.entries {
		if e.LastSeen.Before(cutoff) {
			delete(d.entries, id)
		}
	}
}
