package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/accountant"
	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/orchestrator"
	"github.com/jihwankim/spare-worker/internal/registry"
	"github.com/jihwankim/spare-worker/internal/shutdown"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := registry.New(config.StrategyGeoDistance, model.Node{Address: "127.0.0.1:8085"}, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	pool, err := netplumb.NewIPPool("10.0.0.0/29")
	if err != nil {
		t.Fatalf("NewIPPool: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Firecracker.SocketDir = t.TempDir()

	orch := orchestrator.New(*cfg, "127.0.0.1:8085", accountant.New(4), reg,
		store.NewMemoryStore(), pool, netplumb.NewFake(), vmm.NewFake(), zerolog.Nop())
	orch.StartConsumer(context.Background())
	return New(orch, shutdown.New(zerolog.Nop()), zerolog.Nop())
}

func TestHandleResourcesReturnsJSON(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/resources", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var res model.Resources
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.CPUs != 4 {
		t.Fatalf("CPUs = %d, want 4", res.CPUs)
	}
}

func TestHandleInvokeRejectsTooManyHops(t *testing.T) {
	srv := newTestServer(t)
	body := `{"function":"f","image":"img","vcpus":1,"memory":32,"hops":99}`
	req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestHandleInvokeRejectsWrongMethod(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/invoke", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestHandleEmergencyAcceptsPostAndDelete(t *testing.T) {
	srv := newTestServer(t)

	postReq := httptest.NewRequest(http.MethodPost, "/emergency", strings.NewReader(`{"lat":1,"lon":1,"radius":500}`))
	postRR := httptest.NewRecorder()
	srv.Handler().ServeHTTP(postRR, postReq)
	if postRR.Code != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", postRR.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/emergency", nil)
	delRR := httptest.NewRecorder()
	srv.Handler().ServeHTTP(delRR, delReq)
	if delRR.Code != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, want 202", delRR.Code)
	}
}

func TestHandleListReturnsEmptyArray(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/list", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "null" && strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("body = %q, want empty list", rr.Body.String())
	}
}
