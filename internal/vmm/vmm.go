// Package vmm implements the microVM monitor interface named in spec
// §6 ("external collaborator ... drives the microVM monitor, e.g.
// Firecracker, via its socket API"). Grounded on
// other_examples' oriys-nova firecracker.Manager: a small REST-over-UDS
// client dialing the monitor's API socket via a custom
// http.Transport.DialContext, generalized from the teacher's own
// Docker-API client wrapper shape (pkg/discovery/docker.Client wraps
// an SDK behind the repo's interface; FirecrackerClient does the same
// for the Firecracker API).
package vmm

import (
	"context"
)

// VMConfig describes the microVM to boot (spec §4.D, "Created →
// Recorded": kernel, rootfs image read-only=false, single NIC on a
// pre-created bridge, single guest CPU template).
type VMConfig struct {
	ID         string
	KernelPath string
	RootfsPath string
	VCPUs      int
	MemoryMB   int
	TapDevice  string
	GuestMAC   string
	SocketPath string
	VsockPath  string
	VsockCID   uint32
}

// Monitor drives one microVM's lifecycle via the external monitor's
// own control API.
type Monitor interface {
	// Create starts the monitor process for cfg and waits for its API
	// socket to come up, but does not yet configure or boot the guest.
	Create(ctx context.Context, cfg VMConfig) error

	// Start configures the guest's boot source, drives, network
	// interface, vsock device and machine config, then issues
	// InstanceStart.
	Start(ctx context.Context, cfg VMConfig) error

	// Stop asks the monitor to shut the guest down and waits briefly
	// for it to exit.
	Stop(ctx context.Context, id string) error

	// Kill forcibly terminates the monitor process for id. Safe to call
	// on an already-stopped or unknown id.
	Kill(id string)

	// VsockPath names the UDS path the monitor multiplexes vsock
	// connections over for id. FirecrackerClient and Fake both return ""
	// for every id; the pipeline derives the back-channel path from
	// VMConfig.VsockPath and does not call this method.
	VsockPath(id string) string

	// IsRunning reports whether the monitor process for id is still
	// alive.
	IsRunning(id string) bool
}
