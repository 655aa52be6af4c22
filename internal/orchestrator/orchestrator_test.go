package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/accountant"
	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/registry"
	"github.com/jihwankim/spare-worker/internal/spareerr"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

func newTestOrchestrator(t *testing.T, totalCPUs uint) *Orchestrator {
	t.Helper()
	reg, err := registry.New(config.StrategyGeoDistance, model.Node{Address: "127.0.0.1:8085", Lat: 0, Lon: 0}, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	pool, err := netplumb.NewIPPool("10.0.0.0/29")
	if err != nil {
		t.Fatalf("NewIPPool: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Firecracker.SocketDir = t.TempDir()
	cfg.Execution.HandshakeDeadline = 50 * time.Millisecond
	cfg.Execution.SocketBindPollEvery = 5 * time.Millisecond
	cfg.Execution.SocketBindTimeout = 30 * time.Millisecond

	return New(*cfg, "127.0.0.1:8085", accountant.New(totalCPUs), reg,
		store.NewMemoryStore(), pool, netplumb.NewFake(), vmm.NewFake(), zerolog.Nop())
}

func TestInvokeRejectsTooManyHops(t *testing.T) {
	o := newTestOrchestrator(t, 4)
	_, _, err := o.Invoke(context.Background(), model.InvokeRequest{Hops: 11}, "10.0.0.9")
	if err != spareerr.ErrTooManyHops {
		t.Fatalf("err = %v, want ErrTooManyHops", err)
	}
}

func TestInvokeOffloadsWhenLocalEmergencyActiveForNonEmergencyRequest(t *testing.T) {
	o := newTestOrchestrator(t, 4)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resources":
			_ = json.NewEncoder(w).Encode(model.Resources{CPUs: 4, MemoryKB: 1 << 20})
		case "/invoke":
			w.Write([]byte("offloaded-response"))
		}
	}))
	defer peer.Close()

	o.reg.Add(peer.Listener.Addr().String(), 0.01, 0.01)
	o.reg.Sort()
	o.inEmergencyArea = true

	outcome, body, err := o.Invoke(context.Background(), model.InvokeRequest{VCPUs: 1, MemoryMB: 32}, "10.0.0.9")
	if err != nil {
		t.Fatalf("Invoke err = %v", err)
	}
	if outcome != OutcomeOffloaded {
		t.Fatalf("outcome = %v, want Offloaded", outcome)
	}
	if string(body) != "offloaded-response" {
		t.Fatalf("body = %q", body)
	}
}

func TestInvokeOffloadsWhenLocalResourcesExhausted(t *testing.T) {
	o := newTestOrchestrator(t, 0)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resources":
			_ = json.NewEncoder(w).Encode(model.Resources{CPUs: 4, MemoryKB: 1 << 20})
		case "/invoke":
			w.Write([]byte("ok"))
		}
	}))
	defer peer.Close()

	o.reg.Add(peer.Listener.Addr().String(), 0.01, 0.01)
	o.reg.Sort()

	outcome, _, err := o.Invoke(context.Background(), model.InvokeRequest{VCPUs: 1, MemoryMB: 32}, "10.0.0.9")
	if err != nil {
		t.Fatalf("Invoke err = %v", err)
	}
	if outcome != OutcomeOffloaded {
		t.Fatalf("outcome = %v, want Offloaded", outcome)
	}
}

func TestInvokeFailsWhenNoPeerCanServe(t *testing.T) {
	o := newTestOrchestrator(t, 0)
	_, _, err := o.Invoke(context.Background(), model.InvokeRequest{VCPUs: 1, MemoryMB: 32}, "10.0.0.9")
	if err == nil {
		t.Fatal("expected insufficient-resources error with no peers registered")
	}
}

func TestLocalEmergencyAreaOffloadsNonEmergencyRequests(t *testing.T) {
	o := newTestOrchestrator(t, 4)
	o.reg.SetEmergency(model.Emergency{Lat: 0, Lon: 0, Radius: 1000})
	o.inEmergencyArea = registry.Haversine(o.reg.Local().Lat, o.reg.Local().Lon, 0, 0) <= 1000
	if !o.inEmergencyArea {
		t.Fatal("local node at (0,0) must be within a (0,0)-centered emergency radius")
	}

	_, _, err := o.Invoke(context.Background(), model.InvokeRequest{VCPUs: 1, MemoryMB: 32, Emergency: false}, "10.0.0.9")
	if err == nil {
		t.Fatal("expected offload attempt to fail with no peers registered")
	}
	if err != nil && err.Error() == "" {
		t.Fatal("expected a descriptive offload failure")
	}
}
