package registry

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/model"
)

// Example demonstrates GeoDistance ordering: neighbors are sorted
// nearest-first relative to the local node.
func Example() {
	local := model.Node{Lat: 0, Lon: 0}
	r, err := New(config.StrategyGeoDistance, local, nil)
	if err != nil {
		fmt.Println("New error:", err)
		return
	}

	r.Add("far", 10, 10)
	r.Add("near", 1, 1)
	r.Add("mid", 5, 5)
	r.Sort()

	for i := 0; i < 3; i++ {
		n, ok := r.Nth(i)
		if !ok {
			break
		}
		fmt.Println(n.Address)
	}

	// Output:
	// near
	// mid
	// far
}

func TestGeoDistanceOrdering(t *testing.T) {
	local := model.Node{Lat: 0, Lon: 0}
	r, err := New(config.StrategyGeoDistance, local, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Add("far", 10, 10)
	r.Add("near", 1, 1)
	r.Add("mid", 5, 5)
	r.Sort()

	want := []string{"near", "mid", "far"}
	for i, w := range want {
		n, ok := r.Nth(i)
		if !ok || n.Address != w {
			t.Fatalf("Nth(%d) = %+v, ok=%v, want %s", i, n, ok, w)
		}
	}
}

func TestEmergencyMasksAndSkips(t *testing.T) {
	local := model.Node{Lat: 0, Lon: 0}
	r, _ := New(config.StrategyGeoDistance, local, nil)

	r.Add("close", 0, 0.001)
	r.Add("far", 10, 10)
	r.Sort()

	r.SetEmergency(model.Emergency{Lat: 0, Lon: 0, Radius: 1000})

	if got := r.CountAvailable(); got != 1 {
		t.Fatalf("CountAvailable() = %d, want 1", got)
	}
	n, ok := r.Nth(0)
	if !ok || n.Address != "far" {
		t.Fatalf("Nth(0) = %+v, ok=%v, want far", n, ok)
	}
	if _, ok := r.Nth(1); ok {
		t.Fatalf("Nth(1) should be unavailable while close is masked")
	}

	r.ClearEmergency()
	if got := r.CountAvailable(); got != 2 {
		t.Fatalf("CountAvailable() after clear = %d, want 2", got)
	}
}

func TestSmartLatencyNoResortWithoutEmergency(t *testing.T) {
	local := model.Node{Lat: 0, Lon: 0}
	r, _ := New(config.StrategySmartLatency, local, nil)

	r.Add("a", 1, 1)
	r.Add("b", 2, 2)
	r.Sort() // no emergency: no-op

	first, _ := r.Nth(0)
	second, _ := r.Nth(1)
	if first.Address != "a" || second.Address != "b" {
		t.Fatalf("order changed without an active emergency: got %s, %s", first.Address, second.Address)
	}

	// Make b look much better than a, but still no emergency: order
	// must not change.
	r.UpdateObservedLatency("b", 1)
	r.UpdateObservedLatency("a", 1000)
	r.Sort()

	first, _ = r.Nth(0)
	if first.Address != "a" {
		t.Fatalf("Sort() resorted SmartLatency without an active emergency")
	}
}

func TestSmartLatencyResortsDuringEmergency(t *testing.T) {
	local := model.Node{Lat: 0, Lon: 0}
	r, _ := New(config.StrategySmartLatency, local, nil)

	r.Add("a", 1, 1)
	r.Add("b", 2, 2)
	r.UpdateObservedLatency("b", 1)
	r.UpdateObservedLatency("a", 1000)

	r.SetEmergency(model.Emergency{Lat: 50, Lon: 50, Radius: 1})
	r.Sort()

	first, ok := r.Nth(0)
	if !ok || first.Address != "b" {
		t.Fatalf("Nth(0) = %+v, ok=%v, want b once an emergency is active", first, ok)
	}
}

func TestUnknownStrategyRejected(t *testing.T) {
	if _, err := New(config.Strategy("bogus"), model.Node{}, nil); err != ErrUnknownStrategy {
		t.Fatalf("New(bogus) = %v, want ErrUnknownStrategy", err)
	}
}

func TestSimpleCellularCachingIsDeterministicWithFixedRNG(t *testing.T) {
	local := model.Node{Lat: 0, Lon: 0}
	rng := rand.New(rand.NewPCG(7, 7))
	r, _ := New(config.StrategySimpleCellular, local, rng)

	r.Add("peer", 0, 0.01)
	r.Sort()
	first, _ := r.Nth(0)

	// Re-sorting immediately must hit the 60s cache and return the same
	// peer set without requiring a second rng draw.
	r.Sort()
	second, _ := r.Nth(0)

	if first.Address != second.Address {
		t.Fatalf("SimpleCellular ordering changed across cached resorts")
	}
}
