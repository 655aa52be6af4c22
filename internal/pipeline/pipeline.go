// Package pipeline implements the per-request invocation state machine
// named in spec §4.D: Created → Recorded → Bound → Running →
// HandshakeOk → PayloadSent → ResponseReceived → Terminated, with
// Failed reachable from every state. Grounded on two teacher sources:
// orchestrator.go's TestState int-enum + String() + one-method-per-
// transition shape, and pkg/core/cleanup.Coordinator's audit-logged
// teardown routine, adapted here into cleanupCoordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/framing"
	"github.com/jihwankim/spare-worker/internal/metrics"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/spareerr"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

// vsockBackchannelPort is the well-known port the guest agent connects
// out on, named in spec §4.D ("PORT is a well-known agreed value, e.g.
// 1234").
const vsockBackchannelPort = 1234

// State is the pipeline's lifecycle enum (spec §4.D).
type State int

const (
	StateCreated State = iota
	StateRecorded
	StateBound
	StateRunning
	StateHandshakeOk
	StatePayloadSent
	StateResponseReceived
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRecorded:
		return "RECORDED"
	case StateBound:
		return "BOUND"
	case StateRunning:
		return "RUNNING"
	case StateHandshakeOk:
		return "HANDSHAKE_OK"
	case StatePayloadSent:
		return "PAYLOAD_SENT"
	case StateResponseReceived:
		return "RESPONSE_RECEIVED"
	case StateTerminated:
		return "TERMINATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result carries the outcome of one Pipeline.Run call. PreHandshake
// reports whether a Failed pipeline failed before HandshakeOk — the
// Orchestrator only retries in that case (spec §4.D retry policy).
type Result struct {
	Response     []byte
	FinalState   State
	PreHandshake bool
	Err          error
}

// Deps bundles the pipeline's injected collaborators, constructed once
// by the caller and passed in by value per request — the teacher's
// "no cyclic references, explicit parameter passing" idiom named in
// Design Note §9.
type Deps struct {
	Store   store.InvocationStore
	Pool    *netplumb.IPPool
	Plumber netplumb.Plumber
	Monitor vmm.Monitor
	Config  config.Config
	Log     zerolog.Logger
}

// Pipeline runs exactly one request end to end. It is never reused
// across requests (spec §4.D, "Pipelines never share microVMs or
// sockets").
type Pipeline struct {
	deps Deps
}

// New constructs a single-shot Pipeline bound to deps.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

var cidCounter uint32 = 2

func nextCID() uint32 {
	return atomic.AddUint32(&cidCounter, 1)
}

// Run drives the pipeline state machine for req to completion,
// returning the guest's opaque response bytes on success. Any error
// transitions to Failed and runs the full cleanup set before
// returning.
func (p *Pipeline) Run(ctx context.Context, req model.InvokeRequest) Result {
	state := StateCreated
	var res resources
	coord := newCleanupCoordinator(p.deps.Monitor, p.deps.Pool, p.deps.Plumber, p.deps.Store, p.deps.Log)

	vmID := uuid.New().String()[:8]
	log := p.deps.Log.With().Str("vm_id", vmID).Str("function", req.Function).Logger()

	fail := func(state State, preHandshake bool, wrapped error) Result {
		finalStatus := model.StatusFailed
		coord.release(context.Background(), res, finalStatus)
		log.Warn().Err(wrapped).Str("state", state.String()).Msg("pipeline failed")
		metrics.PipelineTerminalStates.WithLabelValues(StateFailed.String()).Inc()
		return Result{FinalState: StateFailed, PreHandshake: preHandshake, Err: wrapped}
	}

	// Created -> Recorded
	ip, err := p.deps.Pool.Get()
	if err != nil {
		return fail(state, true, fmt.Errorf("allocate ip: %w", err))
	}
	res.ip, res.port, res.hasIP = ip, vsockBackchannelPort, true

	recordID, err := p.deps.Store.Insert(ctx, &model.InvocationRecord{
		Function: req.Function, Kernel: p.deps.Config.Firecracker.Kernel, Image: req.Image,
		VCPUs: req.VCPUs, MemoryMB: req.MemoryMB, Hops: req.Hops,
		GuestIP: ip, GuestPort: vsockBackchannelPort,
		Status: model.StatusStarted, CreatedAt: time.Now(),
	})
	if err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrPersistence, err))
	}
	res.recordID, res.hasRecord = recordID, true
	state = StateRecorded

	tapName := "spare-" + vmID
	if err := p.deps.Plumber.TapCreate(tapName); err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrVMCreate, err))
	}
	res.tap, res.hasTap = tapName, true
	if err := p.deps.Plumber.BridgeAttach(tapName, p.deps.Config.Network.BridgeName); err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrVMCreate, err))
	}

	socketPath := filepath.Join(p.deps.Config.Firecracker.SocketDir, vmID+".sock")
	vsockPath := filepath.Join(p.deps.Config.Firecracker.SocketDir, vmID+".vsock")
	backchannelPath := fmt.Sprintf("%s_%d", vsockPath, vsockBackchannelPort)

	cfg := vmm.VMConfig{
		ID: vmID, KernelPath: p.deps.Config.Firecracker.Kernel, RootfsPath: req.Image,
		VCPUs: req.VCPUs, MemoryMB: req.MemoryMB, TapDevice: tapName,
		GuestMAC: generateMAC(vmID), SocketPath: socketPath, VsockPath: vsockPath, VsockCID: nextCID(),
	}

	// Recorded -> Bound: bind before starting the VM to avoid the race
	// named in spec §4.D.
	if err := waitForDir(ctx, filepath.Dir(backchannelPath), p.deps.Config.Execution.SocketBindPollEvery, p.deps.Config.Execution.SocketBindTimeout); err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrSocketBind, err))
	}
	_ = os.Remove(backchannelPath)
	listener, err := net.Listen("unix", backchannelPath)
	if err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrSocketBind, err))
	}
	res.socketPath, res.hasSocket = backchannelPath, true
	defer listener.Close()
	state = StateBound

	// Bound -> Running
	if err := p.deps.Monitor.Create(ctx, cfg); err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrVMCreate, err))
	}
	res.vmID, res.hasVM = vmID, true
	if err := p.deps.Monitor.Start(ctx, cfg); err != nil {
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrVMStart, err))
	}
	state = StateRunning

	// Running -> HandshakeOk
	if ul, ok := listener.(*net.UnixListener); ok {
		_ = ul.SetDeadline(time.Now().Add(p.deps.Config.Execution.HandshakeDeadline))
	}
	conn, err := listener.Accept()
	if err != nil {
		metrics.FramingTimeouts.WithLabelValues("handshake_accept").Inc()
		return fail(state, true, fmt.Errorf("%w: accept: %v", spareerr.ErrFramingTimeout, err))
	}
	defer conn.Close()

	magic := make([]byte, len(framing.HandshakeMagic))
	if err := framing.ReadExact(ctx, conn, magic, p.deps.Config.Execution.HandshakeDeadline); err != nil {
		if errors.Is(err, framing.ErrTimeout) {
			metrics.FramingTimeouts.WithLabelValues("handshake").Inc()
		}
		return fail(state, true, fmt.Errorf("%w: %v", spareerr.ErrHandshake, err))
	}
	if string(magic) != framing.HandshakeMagic {
		return fail(state, true, fmt.Errorf("%w: unexpected handshake %q", spareerr.ErrHandshake, magic))
	}
	state = StateHandshakeOk

	// From here on, failures are post-handshake: the guest has begun
	// executing and must not be silently re-invoked (spec §4.D).

	// HandshakeOk -> PayloadSent
	if err := framing.WriteLengthPrefixed(ctx, conn, req.Payload, p.deps.Config.Execution.PayloadDeadline); err != nil {
		if errors.Is(err, framing.ErrTimeout) {
			metrics.FramingTimeouts.WithLabelValues("payload").Inc()
		}
		return fail(state, false, fmt.Errorf("%w: %v", spareerr.ErrFramingTimeout, err))
	}
	state = StatePayloadSent

	// PayloadSent -> ResponseReceived
	respBody, err := framing.ReadLengthPrefixed(ctx, conn, p.deps.Config.Execution.ResponseDeadline)
	if err != nil {
		if errors.Is(err, framing.ErrTimeout) {
			metrics.FramingTimeouts.WithLabelValues("response").Inc()
		}
		return fail(state, false, fmt.Errorf("%w: %v", spareerr.ErrFramingTimeout, err))
	}
	state = StateResponseReceived

	// ResponseReceived -> Terminated
	coord.release(ctx, res, model.StatusTerminated)
	log.Info().Int("response_bytes", len(respBody)).Msg("pipeline terminated")
	metrics.PipelineTerminalStates.WithLabelValues(StateTerminated.String()).Inc()
	return Result{Response: respBody, FinalState: StateTerminated}
}

// waitForDir polls until dir exists or the timeout elapses (spec
// §4.D, "If the expected directory does not yet exist, wait with
// bounded polling until it does").
func waitForDir(ctx context.Context, dir string, pollEvery, timeout time.Duration) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
		if _, err := os.Stat(dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("directory %s did not appear within %s", dir, timeout)
}

// generateMAC derives a locally-administered MAC from vmID, grounded
// on oriys-nova's firecracker.generateMAC.
func generateMAC(vmID string) string {
	h := 0
	for _, c := range vmID {
		h = h*31 + int(c)
	}
	return fmt.Sprintf("02:FC:00:%02X:%02X:%02X", (h>>16)&0xFF, (h>>8)&0xFF, h&0xFF)
}
