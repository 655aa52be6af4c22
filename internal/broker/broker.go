// Package broker implements the message broker interface named in
// spec §6: "publish/subscribe over a named stream and topic with two
// partitions (announce to master, broadcast to workers)". The concrete
// client is explicitly out-of-core per the spec's own collaborator
// list; no complete example repo in the pack carries a concrete broker
// client in its own source (only other_examples/manifests/* go.mod
// files mention one, with no accompanying source to ground an
// implementation on — see DESIGN.md). This package therefore provides
// an in-process, channel-backed pub/sub implementation used by both
// the worker binary and its tests, grounded on the teacher's own
// channel-mediated idioms (pkg/core/orchestrator's stopCh/injectionCh
// fields).
package broker

import (
	"encoding/json"
	"sync"
)

// Partition names the two topics named in spec §6.
type Partition string

const (
	Announce  Partition = "announce"
	Broadcast Partition = "broadcast"
)

// Op names the broker operations carried over a partition (spec §6).
type Op string

const (
	OpAnnounce       Op = "ANNOUNCE"
	OpAddNodes       Op = "ADD_NODES"
	OpStartEmergency Op = "START_EMERGENCY"
	OpStopEmergency  Op = "STOP_EMERGENCY"
	OpWriteStats     Op = "WRITE_STATS"
	OpEnd            Op = "END"
)

// Message is the JSON envelope every broker operation is carried in.
type Message struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Broker is the thin publish/subscribe interface named in spec §6.
type Broker interface {
	Publish(partition Partition, msg Message) error
	Subscribe(partition Partition) <-chan Message
	Close()
}

// InProcess is a channel-backed Broker: Publish fans a message out to
// every current subscriber of its partition. It never touches the
// network; a real deployment replaces it with a client for the
// cluster's actual broker without changing any caller.
type InProcess struct {
	mu          sync.Mutex
	subscribers map[Partition][]chan Message
	closed      bool
}

// New returns an empty in-process Broker.
func New() *InProcess {
	return &InProcess{subscribers: make(map[Partition][]chan Message)}
}

// Publish delivers msg to every channel currently subscribed to
// partition. Delivery is non-blocking per subscriber: a slow consumer
// drops messages rather than stalling the publisher (the broker
// consumer task is expected to drain promptly).
func (b *InProcess) Publish(partition Partition, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subscribers[partition] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that receives every message published to
// partition from this point on.
func (b *InProcess) Subscribe(partition Partition) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, 32)
	b.subscribers[partition] = append(b.subscribers[partition], ch)
	return ch
}

// Close closes every subscriber channel. Publish becomes a no-op
// afterwards.
func (b *InProcess) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
}
