package registry

import (
	"math"
	"math/rand/v2"
)

// earthRadiusMeters is the mean Earth radius used by the haversine
// great-circle distance (spec §4.B "GeoDistance").
const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two
// lat/lon points. Exported so callers outside this package (the
// orchestrator's own-node emergency-area check) can reuse the same
// distance calculation the registry scores peers with.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return haversineMeters(lat1, lon1, lat2, lon2)
}

// haversineMeters returns the great-circle distance in meters between
// two lat/lon points, grounded on the standard haversine formula named
// directly in spec §4.B.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	phi1, phi2 := toRad(lat1), toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Constants for the SimpleCellular modeled one-way latency (spec
// §4.B point 2, reproduced verbatim).
const (
	cAir          = 3e8   // m/s
	cFiber        = 2e8   // m/s
	pktBits       = 1500 * 8
	accessBW      = 1e8  // bps
	backhaulBW    = 1e10 // bps
	maxWireless   = 500.0   // m
	maxBackhaul   = 10000.0 // m
	meanQueueSecs = 5e-4
)

// simpleCellularLatencySeconds models a one-way latency sample for a
// peer at distanceM meters, per spec §4.B point 2. rng supplies the
// exponentially-distributed queueing-delay samples; passing the same
// *rand.Rand across calls makes the jitter reproducible under test.
func simpleCellularLatencySeconds(distanceM float64, rng *rand.Rand) float64 {
	var accessHops, backhaulHops int
	if distanceM <= maxWireless {
		accessHops, backhaulHops = 1, 0
	} else {
		accessHops = 2
		backhaulHops = int(math.Ceil((distanceM - maxWireless) / maxBackhaul))
	}

	tPropAccess := math.Min(distanceM, maxWireless) / cAir * float64(accessHops)
	tPropBackhaul := math.Max(0, distanceM-maxWireless) / cFiber

	tTransAccess := pktBits / accessBW
	tTransBackhaul := pktBits / backhaulBW

	total := tPropAccess + tPropBackhaul

	for i := 0; i < accessHops; i++ {
		total += tTransAccess + expSample(rng, meanQueueSecs)
	}
	for i := 0; i < backhaulHops; i++ {
		total += tTransBackhaul + expSample(rng, meanQueueSecs)
	}

	return total
}

// expSample draws from an exponential distribution with the given
// mean using inverse-CDF sampling, so it works with the stdlib
// math/rand/v2 *rand.Rand rather than requiring golang.org/x/exp/rand's
// ExpFloat64 method (kept dependency-free per spec §9's "pure over
// (peer, local, clock, rng)" design note).
func expSample(rng *rand.Rand, mean float64) float64 {
	u := rng.Float64()
	// Avoid log(0).
	for u == 0 {
		u = rng.Float64()
	}
	return -mean * math.Log(u)
}
