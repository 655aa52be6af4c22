package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

// auditEntry records one cleanup action, adapted from the teacher's
// cleanup.AuditEntry.
type auditEntry struct {
	Timestamp time.Time
	Action    string
	Success   bool
	Err       error
}

// cleanupCoordinator performs the full resource-release set named in
// spec §4.D ("the record is updated, the microVM is killed, its TAP
// interface removed, its IP released to the pool, and any bound Unix
// socket file removed"), tracking what it did for diagnostics. Adapted
// from pkg/core/cleanup.Coordinator's field shape and audit log, logged
// through zerolog instead of fmt.Println to match the worker's
// ambient structured-logging stack.
type cleanupCoordinator struct {
	monitor vmm.Monitor
	pool    *netplumb.IPPool
	plumber netplumb.Plumber
	st      store.InvocationStore
	zlog    zerolog.Logger

	auditLog []auditEntry
}

func newCleanupCoordinator(monitor vmm.Monitor, pool *netplumb.IPPool, plumber netplumb.Plumber, st store.InvocationStore, zlog zerolog.Logger) *cleanupCoordinator {
	return &cleanupCoordinator{monitor: monitor, pool: pool, plumber: plumber, st: st, zlog: zlog}
}

// resources names every artifact a single pipeline run may have
// accumulated before it failed or terminated.
type resources struct {
	recordID   int64
	hasRecord  bool
	vmID       string
	hasVM      bool
	ip         string
	port       int
	hasIP      bool
	tap        string
	hasTap     bool
	socketPath string
	hasSocket  bool
}

// release tears down every resource still held, in this order: stop
// (or kill) the VM, remove the TAP, release the IP, remove the socket
// file, and last mark finalStatus on the record if one was persisted.
func (c *cleanupCoordinator) release(ctx context.Context, r resources, finalStatus model.InvocationStatus) {
	if r.hasVM {
		if err := c.monitor.Stop(ctx, r.vmID); err != nil {
			c.monitor.Kill(r.vmID)
			c.logStep("stop_vm", err)
		} else {
			c.logStep("stop_vm", nil)
		}
	}
	if r.hasTap {
		c.plumber.TapRemove(r.tap)
		c.logStep("remove_tap", nil)
	}
	if r.hasIP {
		c.pool.Release(r.ip)
		c.logStep("release_ip", nil)
	}
	if r.hasSocket {
		_ = os.Remove(r.socketPath)
		c.logStep("remove_socket", nil)
	}
	if r.hasRecord {
		if err := c.st.Update(ctx, r.recordID, finalStatus, r.ip, r.port); err != nil {
			c.logStep("update_record", err)
		} else {
			c.logStep("update_record", nil)
		}
	}
}

func (c *cleanupCoordinator) logStep(action string, err error) {
	c.auditLog = append(c.auditLog, auditEntry{Timestamp: time.Now(), Action: action, Success: err == nil, Err: err})
	if err != nil {
		c.zlog.Warn().Err(err).Str("action", action).Msg("cleanup step failed")
		return
	}
	c.zlog.Debug().Str("action", action).Msg("cleanup step complete")
}
