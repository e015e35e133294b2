package adaptive_test

import (
	"testing"
	"time"

	"github.com/stoq-io/stoq/pkg/adaptive"
)

func cond(mbps float64, at time.Time) adaptive.NetworkConditions {
	return adaptive.NetworkConditions{ThroughputMbps: mbps, LastUpdated: at}
}

// TestHysteresisRequiresCountAndTime is property P5: a trace that
// oscillates across a tier boundary faster than the 5s window performs
// no transition at all, even though individual measurements cross.
func TestHysteresisRequiresCountAndTime(t *testing.T) {
	c := adaptive.New(0, 0, nil, nil)
	c.Register(1)

	base := time.Now()
	// Oscillate Standard(1500)/Performance(3000) every 100ms: never 3
	// consecutive same-candidate measurements survive without being reset.
	for i := 0; i < 50; i++ {
		mbps := 1500.0
		if i%2 == 0 {
			mbps = 3000.0
		}
		now := base.Add(time.Duration(i) * 100 * time.Millisecond)
		if _, changed := c.Observe(1, cond(mbps, now), now, 0); changed {
			t.Fatalf("measurement %d: unexpected tier change during fast oscillation", i)
		}
	}
}

// TestHysteresisFiresAfterSustainedCrossing checks that a sustained
// change (three-plus measurements, five-plus seconds apart) does fire
// exactly once.
func TestHysteresisFiresAfterSustainedCrossing(t *testing.T) {
	c := adaptive.New(0, 0, nil, nil)
	c.Register(1)

	base := time.Now()
	var lastParams *adaptive.ConnectionParameters
	fired := 0

	// Three measurements at 2s apart, each above the Performance
	// threshold (>2.5Gbps): third lands at t=4s, requiring the 5s/3x
	// hysteresis to hold off until a later qualifying sample.
	times := []time.Time{
		base,
		base.Add(2 * time.Second),
		base.Add(4 * time.Second),
		base.Add(6 * time.Second),
	}
	for _, ts := range times {
		if params, changed := c.Observe(1, cond(3000, ts), ts, 0); changed {
			fired++
			lastParams = params
		}
	}

	if fired != 1 {
		t.Fatalf("expected exactly 1 tier change, got %d", fired)
	}
	if lastParams == nil || lastParams.MaxDatagramSize != 9000 {
		t.Fatalf("expected Performance-tier parameters, got %+v", lastParams)
	}
}

// TestTierAdaptationScenario is scenario 4: 50 Mbps -> 3 Gbps -> 50 Mbps,
// 5 seconds of sustained measurement at 1s sampling in each phase,
// expecting exactly two transitions each >=5s apart.
func TestTierAdaptationScenario(t *testing.T) {
	c := adaptive.New(0, 0, nil, nil)
	c.Register(1)

	base := time.Now()
	var trace []adaptive.Tier
	step := 0

	phase := func(mbps float64, seconds int) {
		for i := 0; i < seconds; i++ {
			now := base.Add(time.Duration(step) * time.Second)
			step++
			if params, changed := c.Observe(1, cond(mbps, now), now, 0); changed {
				trace = append(trace, tierOfParams(*params))
			}
		}
	}

	phase(50, 5)
	phase(3000, 5)
	phase(50, 5)

	if len(trace) != 2 {
		t.Fatalf("expected exactly 2 transitions, got %d: %v", len(trace), trace)
	}
	if trace[0] != adaptive.TierPerformance {
		t.Fatalf("expected first transition to Performance, got %v", trace[0])
	}
	if trace[1] != adaptive.TierSlow {
		t.Fatalf("expected second transition to Slow, got %v", trace[1])
	}
}

func tierOfParams(p adaptive.ConnectionParameters) adaptive.Tier {
	for _, tier := range []adaptive.Tier{
		adaptive.TierSlow, adaptive.TierHome, adaptive.TierStandard,
		adaptive.TierPerformance, adaptive.TierEnterprise, adaptive.TierDataCenter,
	} {
		if adaptive.TierTarget(tier) == p {
			return tier
		}
	}
	return -1
}

func TestForceAdaptBypassesHysteresis(t *testing.T) {
	c := adaptive.New(0, 0, nil, nil)
	c.Register(1)

	now := time.Now()
	params, changed := c.ForceAdapt(1, cond(3000, now), now)
	if !changed || params == nil {
		t.Fatalf("expected an immediate forced change")
	}
	if params.MaxDatagramSize != 9000 {
		t.Fatalf("expected Performance-tier parameters, got %+v", params)
	}
}

func TestObserveDropsStaleMeasurement(t *testing.T) {
	c := adaptive.New(0, 0, nil, nil)
	c.Register(1)

	now := time.Now()
	stale := cond(3000, now.Add(-time.Hour))
	if _, changed := c.Observe(1, stale, now, time.Second); changed {
		t.Fatalf("a stale measurement must never trigger a change")
	}
}
