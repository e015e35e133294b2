package extension

import (
	"testing"

	"github.com/stoq-io/stoq/pkg/frame"
)

func TestForwardGraphNextHopPicksShortestPath(t *testing.T) {
	g := NewForwardGraph()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	must(g.AddLink("a", "b", 1))
	must(g.AddLink("b", "d", 1))
	must(g.AddLink("a", "c", 1))
	must(g.AddLink("c", "d", 10))

	next, ok := g.NextHop("a", "d")
	if !ok {
		t.Fatalf("expected a path from a to d")
	}
	if next != "b" {
		t.Fatalf("expected shortest path to go via b, got %q", next)
	}
}

func TestForwardGraphNextHopUnknownDestination(t *testing.T) {
	g := NewForwardGraph()
	if err := g.AddLink("a", "b", 1); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if _, ok := g.NextHop("a", "nowhere"); ok {
		t.Fatalf("expected no path to an unknown vertex")
	}
}

func TestReliabilityCostOrdersByReliability(t *testing.T) {
	cheap := ReliabilityCost(0.9)
	expensive := ReliabilityCost(0.1)
	if cheap >= expensive {
		t.Fatalf("expected higher reliability to cost less: cheap=%d expensive=%d", cheap, expensive)
	}
	if ReliabilityCost(0) != ReliabilityCost(-1) {
		t.Fatalf("expected non-positive reliability to clamp to the same cost")
	}
}

func TestPlanHopForwardAppendsHopAndPicksNextHop(t *testing.T) {
	g := NewForwardGraph()
	if err := g.AddLink("local", "peer-b", 1); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := g.AddLink("peer-b", "seed-owner", 1); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	f := &frame.HopFrame{TTL: 4}
	localAddr := [16]byte{0xfd}

	next, nextHop, err := PlanHopForward(g, f, localAddr, "local", "seed-owner")
	if err != nil {
		t.Fatalf("PlanHopForward: %v", err)
	}
	if next.TTL != 3 {
		t.Fatalf("expected ttl decremented to 3, got %d", next.TTL)
	}
	if len(next.Hops) != 1 || next.Hops[0] != localAddr {
		t.Fatalf("expected local address appended to hops, got %+v", next.Hops)
	}
	if nextHop != "peer-b" {
		t.Fatalf("expected next hop peer-b, got %q", nextHop)
	}
}

func TestPlanHopForwardNoKnownPath(t *testing.T) {
	g := NewForwardGraph()
	f := &frame.HopFrame{TTL: 2}

	_, _, err := PlanHopForward(g, f, [16]byte{}, "local", "nowhere")
	if err == nil {
		t.Fatalf("expected an error when no forwarding path is known")
	}
}
