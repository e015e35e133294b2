package admin

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stoq-io/stoq/pkg/adaptive"
	"github.com/stoq-io/stoq/pkg/metrics"
)

type fakeState struct {
	conns []ConnectionSnapshot
}

func (f fakeState) Connections() []ConnectionSnapshot { return f.conns }

func TestConnectionsEndpointReturnsSnapshot(t *testing.T) {
	state := fakeState{conns: []ConnectionSnapshot{
		{ID: 1, Tier: adaptive.TierStandard, Params: adaptive.TierTarget(adaptive.TierStandard)},
	}}
	mem := metrics.NewMemory()

	s := New("127.0.0.1:0", state, mem, nil)
	s.httpSrv.Addr = "[::1]:18099"
	if err := s.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://[::1]:18099/connections")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var got []ConnectionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unexpected connections response: %+v", got)
	}
}

func TestMetricsEndpointReflectsSink(t *testing.T) {
	mem := metrics.NewMemory()
	mem.IncrCounter("stoq.test.counter")
	mem.SetGauge("stoq.test.gauge", 4.5)

	s := New("[::1]:18100", fakeState{}, mem, nil)
	if err := s.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://[::1]:18100/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Counters map[string]int64   `json:"counters"`
		Gauges   map[string]float64 `json:"gauges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Counters["stoq.test.counter"] != 1 {
		t.Fatalf("expected counter to be reflected, got %+v", payload.Counters)
	}
	if payload.Gauges["stoq.test.gauge"] != 4.5 {
		t.Fatalf("expected gauge to be reflected, got %+v", payload.Gauges)
	}
}

func TestBroadcastIsNoOpWithoutSubscribers(t *testing.T) {
	s := New("[::1]:18101", fakeState{}, metrics.NewMemory(), nil)
	if err := s.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer s.Close()

	// Must not block or panic with zero connected admin sockets.
	done := make(chan struct{})
	go func() {
		s.Broadcast("tier_change", map[string]any{"conn_id": 1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked with no subscribers")
	}
}
