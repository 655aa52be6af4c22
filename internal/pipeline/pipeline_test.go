package pipeline

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/framing"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

func testDeps(t *testing.T) (Deps, *vmm.Fake) {
	t.Helper()
	dir := t.TempDir()

	pool, err := netplumb.NewIPPool("10.0.0.0/29")
	if err != nil {
		t.Fatalf("NewIPPool: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Firecracker.SocketDir = dir
	cfg.Firecracker.Kernel = "vmlinux"
	cfg.Network.BridgeName = "br0"
	cfg.Execution.HandshakeDeadline = 300 * time.Millisecond
	cfg.Execution.PayloadDeadline = 300 * time.Millisecond
	cfg.Execution.ResponseDeadline = 300 * time.Millisecond
	cfg.Execution.SocketBindPollEvery = 10 * time.Millisecond
	cfg.Execution.SocketBindTimeout = 100 * time.Millisecond

	fakeMonitor := vmm.NewFake()

	deps := Deps{
		Store:   store.NewMemoryStore(),
		Pool:    pool,
		Plumber: netplumb.NewFake(),
		Monitor: fakeMonitor,
		Config:  *cfg,
		Log:     zerolog.Nop(),
	}
	return deps, fakeMonitor
}

// guestHandshakeAndRespond dials the pipeline's back-channel socket
// once it appears, performs the handshake, reads the payload the host
// writes and replies with response, playing the guest side of the
// scenario in spec §8.1/§8.2.
func guestHandshakeAndRespond(t *testing.T, socketDir string, response []byte) {
	t.Helper()
	go func() {
		var path string
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			matches, _ := filepath.Glob(filepath.Join(socketDir, "*.vsock_1234"))
			if len(matches) > 0 {
				path = matches[0]
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if path == "" {
			return
		}
		conn, err := net.Dial("unix", path)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte(framing.HandshakeMagic)); err != nil {
			return
		}

		var header [8]byte
		if _, err := conn.Read(header[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint64(header[:])
		if n > 0 {
			buf := make([]byte, n)
			_, _ = conn.Read(buf)
		}

		var respHeader [8]byte
		binary.BigEndian.PutUint64(respHeader[:], uint64(len(response)))
		conn.Write(respHeader[:])
		conn.Write(response)
	}()
}

func TestPipelineLocalAdmitRoundTrip(t *testing.T) {
	deps, _ := testDeps(t)
	guestHandshakeAndRespond(t, deps.Config.Firecracker.SocketDir, []byte("hello"))

	p := New(deps)
	res := p.Run(context.Background(), model.InvokeRequest{
		Function: "f", Image: "img", VCPUs: 1, MemoryMB: 64,
	})

	if res.Err != nil {
		t.Fatalf("Run() err = %v", res.Err)
	}
	if res.FinalState != StateTerminated {
		t.Fatalf("FinalState = %v, want Terminated", res.FinalState)
	}
	if string(res.Response) != "hello" {
		t.Fatalf("Response = %q, want %q", res.Response, "hello")
	}

	// The persisted record must carry the guest IP and backchannel port
	// actually allocated to this run, not blank defaults.
	recs, err := deps.Store.List(context.Background())
	if err != nil {
		t.Fatalf("List() err = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	if recs[0].GuestIP == "" {
		t.Fatalf("GuestIP = %q, want the allocated address", recs[0].GuestIP)
	}
	if recs[0].GuestPort != vsockBackchannelPort {
		t.Fatalf("GuestPort = %d, want %d", recs[0].GuestPort, vsockBackchannelPort)
	}

	// The IP must have been released back to the pool.
	if _, err := deps.Pool.Get(); err != nil {
		t.Fatalf("pool should have a free address after cleanup: %v", err)
	}
}

func TestPipelineHandshakeTimeoutCleansUp(t *testing.T) {
	deps, _ := testDeps(t)
	// No guest connects: the listener's accept deadline should fire.

	p := New(deps)
	res := p.Run(context.Background(), model.InvokeRequest{
		Function: "f", Image: "img", VCPUs: 1, MemoryMB: 64,
	})

	if res.Err == nil {
		t.Fatal("expected handshake timeout error")
	}
	if res.FinalState != StateFailed {
		t.Fatalf("FinalState = %v, want Failed", res.FinalState)
	}
	if !res.PreHandshake {
		t.Fatal("a pre-handshake failure must be marked retryable")
	}

	recs, _ := deps.Store.List(context.Background())
	if len(recs) != 1 || recs[0].Status != model.StatusFailed {
		t.Fatalf("record status = %+v, want exactly one failed record", recs)
	}

	// The IP allocated for the failed attempt must have been released.
	if _, err := deps.Pool.Get(); err != nil {
		t.Fatalf("pool should have a free address after cleanup: %v", err)
	}
}
