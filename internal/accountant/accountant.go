// Package accountant implements the Local Resource Accountant (spec
// §4.A): atomic CPU-unit reservation and a soft, unreserved memory
// check. Grounded on the teacher's single-owner-mutex pattern (e.g.
// emergency.Controller's mutex-guarded stopped flag) generalized to a
// reserve/release counter.
package accountant

import (
	"errors"
	"sync"

	"github.com/shirou/gopsutil/mem"
)

// ErrInsufficientResources is returned by TryReserve when fewer CPU
// units are free than requested.
var ErrInsufficientResources = errors.New("insufficient resources")

// ErrOverflow is returned by Release when releasing would push the
// free-unit count above the total the accountant was created with —
// a programming error in the caller (double release).
var ErrOverflow = errors.New("resource release overflow")

// Accountant tracks free CPU units for the local node. Memory is never
// reserved: it is read from the OS on demand at admission time only,
// per spec §4.A ("memory is effectively checked, not counted, because
// the microVM monitor performs its own allocation and the host kernel
// enforces the ceiling").
type Accountant struct {
	mu       sync.Mutex
	total    uint
	freeCPUs uint
}

// New creates an Accountant seeded with totalCPUs free units — normally
// the host's logical CPU count.
func New(totalCPUs uint) *Accountant {
	return &Accountant{total: totalCPUs, freeCPUs: totalCPUs}
}

// AvailableCPU returns the current free CPU-unit count.
func (a *Accountant) AvailableCPU() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCPUs
}

// AvailableMemoryKB reads free system memory in KB from the OS. It is
// never cached and never reserved — every call reflects current host
// state.
func (a *Accountant) AvailableMemoryKB() (uint, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return uint(vm.Available / 1024), nil
}

// TryReserve atomically decrements the free CPU count by cpus if
// enough are free, returning ErrInsufficientResources otherwise. It
// never blocks.
func (a *Accountant) TryReserve(cpus uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cpus > a.freeCPUs {
		return ErrInsufficientResources
	}
	a.freeCPUs -= cpus
	return nil
}

// Release atomically adds cpus back to the free count, refusing to
// exceed the accountant's configured total (a caller bug, not a
// runtime condition).
func (a *Accountant) Release(cpus uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeCPUs+cpus > a.total {
		return ErrOverflow
	}
	a.freeCPUs += cpus
	return nil
}

// Total returns the CPU-unit count the accountant was constructed
// with.
func (a *Accountant) Total() uint {
	return a.total
}
