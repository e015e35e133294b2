package seeddir

import (
	"testing"
	"time"

	"github.com/stoq-io/stoq/pkg/frame"
)

func TestObserveFrameCreatesEntry(t *testing.T) {
	d := New(nil)
	f := &frame.SeedFrame{SeedID: 1, SeedHash: [32]byte{0xAB}, ReplicationFactor: 3}

	d.ObserveFrame(f, "[fd00::1]", 4433)

	e, ok := d.Lookup(1)
	if !ok {
		t.Fatalf("expected entry for seed 1")
	}
	if e.ReplicationFactor != 3 {
		t.Fatalf("unexpected replication factor: %d", e.ReplicationFactor)
	}
	if len(e.KnownNodes) != 1 || e.KnownNodes[0].Address != "[fd00::1]" {
		t.Fatalf("unexpected known nodes: %+v", e.KnownNodes)
	}
}

func TestObserveFrameUpsertsSamePeer(t *testing.T) {
	d := New(nil)
	f := &frame.SeedFrame{SeedID: 2, ReplicationFactor: 1}

	d.ObserveFrame(f, "[fd00::1]", 4433)
	d.ObserveFrame(f, "[fd00::1]", 4433)

	e, _ := d.Lookup(2)
	if len(e.KnownNodes) != 1 {
		t.Fatalf("expected a single deduplicated node, got %d", len(e.KnownNodes))
	}
}

func TestCandidatesForRanksByReliability(t *testing.T) {
	d := New(nil)
	d.ObserveDiscovery(3, "[fd00::low]", 1)
	d.ObserveFrame(&frame.SeedFrame{SeedID: 3}, "[fd00::high]", 2)

	candidates := d.CandidatesFor(3)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Address != "[fd00::high]" {
		t.Fatalf("expected higher-reliability node first, got %+v", candidates)
	}
}

func TestLookupUnknownSeedMissing(t *testing.T) {
	d := New(nil)
	if _, ok := d.Lookup(999); ok {
		t.Fatalf("expected unknown seed to be absent")
	}
}

func TestBuildForwardGraphLinksLocalToKnownPeers(t *testing.T) {
	d := New(nil)
	d.ObserveFrame(&frame.SeedFrame{SeedID: 5}, "[fd00::1]", 4433)

	g := d.BuildForwardGraph("local")
	next, ok := g.NextHop("local", "[fd00::1]:4433")
	if !ok || next != "[fd00::1]:4433" {
		t.Fatalf("expected a direct link from local to the known peer, got %q ok=%v", next, ok)
	}
}

func TestPruneRemovesStaleEntries(t *testing.T) {
	d := New(nil)
	d.ObserveFrame(&frame.SeedFrame{SeedID: 4}, "[fd00::1]", 1)

	d.mu.Lock()
	d.entries[4].LastSeen = time.Now().Add(-time.Hour)
	d.mu.Unlock()

	d.Prune(time.Minute)

	if _, ok := d.Lookup(4); ok {
		t.Fatalf("expected stale entry to be pruned")
	}
}
