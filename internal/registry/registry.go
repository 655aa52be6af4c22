// Package registry implements the Neighbor Registry (spec §4.B): an
// ordered, maskable peer list scored by one of three pluggable
// strategies. Grounded on the teacher's tagged-dispatch idiom (e.g.
// orchestrator.TestState's int-enum + String() switch) generalized per
// Design Note §9 into a sealed Strategy type switch rather than boxed
// per-peer closures — score computations are pure functions of
// (peer, local, clock, rng).
package registry

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/model"
)

// ErrUnknownStrategy is returned by New for an unrecognized strategy.
var ErrUnknownStrategy = errors.New("registry: unknown strategy")

// simpleCellularCacheTTL is the 60s refresh window named in spec §4.B.
const simpleCellularCacheTTL = 60 * time.Second

type peerEntry struct {
	node        model.Node
	insertOrder int

	// SimpleCellular lazy cache.
	cachedScore float64
	cachedAt    time.Time
	hasCache    bool
}

// Registry holds the ordered peer sequence, the active strategy, and
// the currently active emergency (if any). Writers (Add, SetEmergency,
// ClearEmergency, Sort, UpdateObservedLatency) are mutually exclusive;
// readers (Nth, CountAvailable) may run in parallel with each other
// (spec §5).
type Registry struct {
	mu sync.RWMutex

	strategy config.Strategy
	local    model.Node
	rng      *rand.Rand
	now      func() time.Time

	peers     []*peerEntry
	nextOrder int

	emergency *model.Emergency

	// SmartLatency running means, keyed by peer address.
	latencySum   map[string]float64
	latencyCount map[string]int

	// SmartLatency only resorts while an emergency is active (spec
	// §4.B point 3); this flags that a resort is due next time an
	// emergency is active and Sort is called.
	everSorted bool
}

// New creates a Registry bound to local for its lifetime (spec §4.B
// invariant: "Strategy never changes after construction"). rng may be
// nil, in which case a generator with a fixed seed is used, so the
// jitter sequence is the same on every run.
func New(strategy config.Strategy, local model.Node, rng *rand.Rand) (*Registry, error) {
	if !strategy.Valid() {
		return nil, ErrUnknownStrategy
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	return &Registry{
		strategy:     strategy,
		local:        local,
		rng:          rng,
		now:          time.Now,
		latencySum:   make(map[string]float64),
		latencyCount: make(map[string]int),
	}, nil
}

// Add inserts a peer under the active strategy. The new peer is
// appended in insertion order; callers should call Sort afterwards to
// restore the ordering invariant (mirrors the teacher's pattern of
// mutating state then calling an explicit recompute step, e.g.
// transitionState after mutating currentState).
func (r *Registry) Add(address string, lat, lon float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &peerEntry{
		node:        model.Node{Address: address, Lat: lat, Lon: lon},
		insertOrder: r.nextOrder,
	}
	r.nextOrder++
	r.peers = append(r.peers, e)
}

// SetEmergency flags every peer within radius meters of the emergency
// center and stores it as the active emergency (spec §4.B,
// set_emergency).
func (r *Registry) SetEmergency(em model.Emergency) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.emergency = &em
	for _, e := range r.peers {
		d := haversineMeters(e.node.Lat, e.node.Lon, em.Lat, em.Lon)
		e.node.Masked = d <= em.Radius
	}
}

// ClearEmergency clears every mask and the stored emergency.
func (r *Registry) ClearEmergency() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.emergency = nil
	for _, e := range r.peers {
		e.node.Masked = false
	}
}

// ActiveEmergency reports the currently active emergency, if any.
func (r *Registry) ActiveEmergency() (model.Emergency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.emergency == nil {
		return model.Emergency{}, false
	}
	return *r.emergency, true
}

// Sort reorders peers by ascending score under the active strategy.
// Per spec §4.B point 3, when the strategy is SmartLatency and there is
// no active emergency, the previous ordering is left undisturbed
// (explore/exploit is not reshuffled by a routine resort); SmartLatency
// resorts only while an emergency is active.
func (r *Registry) Sort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.strategy == config.StrategySmartLatency && r.emergency == nil {
		return
	}

	scores := make([]float64, len(r.peers))
	for i, e := range r.peers {
		scores[i] = r.scoreLocked(e)
	}

	idx := make([]int, len(r.peers))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if scores[ia] != scores[ib] {
			return scores[ia] < scores[ib]
		}
		return r.peers[ia].insertOrder < r.peers[ib].insertOrder
	})

	sorted := make([]*peerEntry, len(r.peers))
	for newPos, oldPos := range idx {
		sorted[newPos] = r.peers[oldPos]
	}
	r.peers = sorted
	r.everSorted = true
}

// scoreLocked computes the score for e under the active strategy. Must
// be called with r.mu held.
func (r *Registry) scoreLocked(e *peerEntry) float64 {
	switch r.strategy {
	case config.StrategyGeoDistance:
		return haversineMeters(r.local.Lat, r.local.Lon, e.node.Lat, e.node.Lon)

	case config.StrategySimpleCellular:
		if e.hasCache && r.now().Sub(e.cachedAt) < simpleCellularCacheTTL {
			return e.cachedScore
		}
		d := haversineMeters(r.local.Lat, r.local.Lon, e.node.Lat, e.node.Lon)
		score := simpleCellularLatencySeconds(d, r.rng)
		e.cachedScore = score
		e.cachedAt = r.now()
		e.hasCache = true
		return score

	case config.StrategySmartLatency:
		count := r.latencyCount[e.node.Address]
		if count == 0 {
			return math.Inf(1)
		}
		return r.latencySum[e.node.Address] / float64(count)

	default:
		return math.Inf(1)
	}
}

// Nth returns the i-th unmasked peer in the current order, or false if
// there are fewer than i+1 unmasked peers. Masked peers are skipped
// without advancing i (spec §4.B, glossary "Masked peer").
func (r *Registry) Nth(i int) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i < 0 {
		return model.Node{}, false
	}
	seen := 0
	for _, e := range r.peers {
		if e.node.Masked {
			continue
		}
		if seen == i {
			return e.node, true
		}
		seen++
	}
	return model.Node{}, false
}

// CountAvailable returns the number of unmasked peers.
func (r *Registry) CountAvailable() uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n uint
	for _, e := range r.peers {
		if !e.node.Masked {
			n++
		}
	}
	return n
}

// UpdateObservedLatency folds a new externally supplied latency sample
// into the running mean for address (spec §4.B, SmartLatency only).
// Calling this under a different active strategy is harmless: the
// sample is recorded but never consulted by scoreLocked until the
// strategy is SmartLatency.
func (r *Registry) UpdateObservedLatency(address string, sampleMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencySum[address] += sampleMs
	r.latencyCount[address]++
}

// Strategy returns the registry's fixed scoring strategy.
func (r *Registry) Strategy() config.Strategy {
	return r.strategy
}

// Local returns the local identity the registry scores peers against.
func (r *Registry) Local() model.Node {
	return r.local
}
