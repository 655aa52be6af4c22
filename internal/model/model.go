// Package model holds the data types shared across the worker's
// components: peer identity, the active emergency, invocation records,
// and the wire-level invoke request. None of these types own
// concurrency control themselves — callers that mutate shared
// instances are responsible for synchronizing access (see
// internal/accountant and internal/registry).
package model

import "time"

// Node identifies a worker, either the local identity or a peer
// discovered through the broker's node list.
type Node struct {
	Address  string  `json:"address"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Masked   bool    `json:"emergency_masked"`
}

// Emergency is a locality disaster event: every peer within Radius
// meters of Position is masked from non-emergency offload selection.
type Emergency struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float64 `json:"radius"`
}

// InvocationStatus is the terminal (or in-flight) status of a persisted
// InvocationRecord.
type InvocationStatus string

const (
	StatusStarted    InvocationStatus = "started"
	StatusTerminated InvocationStatus = "terminated"
	StatusFailed     InvocationStatus = "failed"
)

// InvocationRecord is the row persisted through the InvocationStore for
// every admitted, locally-executed invocation.
type InvocationRecord struct {
	ID        int64            `json:"id"`
	Function  string           `json:"function"`
	Kernel    string           `json:"kernel"`
	Image     string           `json:"image"`
	VCPUs     int              `json:"vcpus"`
	MemoryMB  int              `json:"memory_mb"`
	Hops      int              `json:"hops"`
	GuestIP   string           `json:"guest_ip"`
	GuestPort int              `json:"guest_port"`
	Status    InvocationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// InvokeRequest is the decoded body of POST /invoke.
type InvokeRequest struct {
	Function  string `json:"function"`
	Image     string `json:"image"`
	VCPUs     int    `json:"vcpus"`
	MemoryMB  int    `json:"memory"`
	Payload   []byte `json:"payload,omitempty"`
	Emergency bool   `json:"emergency"`
	Hops      int    `json:"hops"`
}

// MaxHops is the hard ceiling on InvokeRequest.Hops: a request arriving
// with more hops than this is rejected outright (spec §3, §7).
const MaxHops = 10

// StatsPeriod bounds a WRITE_STATS aggregation window.
type StatsPeriod struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Stats is the result of InvocationStore.Stats for a period, restricted
// to terminated invocations.
type Stats struct {
	HopsAvg    float64 `json:"hops_avg"`
	VCPUsSum   int64   `json:"vcpus_sum"`
	MemorySum  int64   `json:"memory_sum"`
	Requests   int64   `json:"requests"`
}

// Resources is the JSON body returned by GET /resources.
type Resources struct {
	CPUs       uint `json:"cpus"`
	MemoryKB   uint `json:"memory"`
}
