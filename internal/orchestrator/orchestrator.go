// Package orchestrator implements the policy layer named in spec
// §4.C: admit/offload/fail decisions, owning the Local Resource
// Accountant and the Neighbor Registry, and handling emergency state
// transitions delivered from the Broker Consumer task. Grounded
// directly on pkg/core/orchestrator/orchestrator.go's shape — a
// struct that owns exactly the components it coordinates, constructed
// via New(cfg, deps...), with outcomes recorded as a small enum +
// String() method rather than the teacher's 12-state test lifecycle.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/accountant"
	"github.com/jihwankim/spare-worker/internal/broker"
	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/metrics"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/pipeline"
	"github.com/jihwankim/spare-worker/internal/registry"
	"github.com/jihwankim/spare-worker/internal/spareerr"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

// Outcome records how an admitted request was ultimately handled.
type Outcome int

const (
	OutcomeLocal Outcome = iota
	OutcomeOffloaded
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocal:
		return "LOCAL"
	case OutcomeOffloaded:
		return "OFFLOADED"
	case OutcomeRejected:
		return "REJECTED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// emergencyEvent is pushed onto the Orchestrator's event channel by the
// Broker Consumer task — broker-driven mutation of the Registry is
// never performed from the HTTP-handler goroutine (Design Note §9),
// which keeps the Registry's single-writer invariant intact.
type emergencyEvent struct {
	start bool
	em    model.Emergency
}

// Orchestrator owns the Accountant and Registry exclusively (spec
// §4.C: "Orchestrator is the only component mutating A and B") and
// drives admission, offload, and emergency-state transitions.
type Orchestrator struct {
	cfg config.Config
	log zerolog.Logger

	accountant *accountant.Accountant
	reg        *registry.Registry
	store      store.InvocationStore
	pool       *netplumb.IPPool
	plumber    netplumb.Plumber
	monitor    vmm.Monitor
	httpClient *http.Client

	localAddr string

	inEmergencyArea bool
	events          chan emergencyEvent
}

// New wires an Orchestrator from its constructed collaborators,
// matching the teacher's New(cfg, deps...) idiom.
func New(cfg config.Config, localAddr string, acct *accountant.Accountant, reg *registry.Registry,
	st store.InvocationStore, pool *netplumb.IPPool, plumber netplumb.Plumber, monitor vmm.Monitor, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, log: log,
		accountant: acct, reg: reg, store: st, pool: pool, plumber: plumber, monitor: monitor,
		localAddr: localAddr,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		events:     make(chan emergencyEvent, 16),
	}
}

// ConsumeBroker runs the Broker Consumer task (spec §9, SPEC_FULL task
// F): it subscribes to the broadcast partition and translates each
// START_EMERGENCY/STOP_EMERGENCY message into an emergencyEvent on the
// Orchestrator's own channel rather than applying it to the Registry.
// ADD_NODES messages are added to and sorted into the Registry directly
// from this task; other ops are ignored by this worker.
func (o *Orchestrator) ConsumeBroker(ctx context.Context, b broker.Broker) {
	ch := b.Subscribe(broker.Broadcast)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			o.handleBrokerMessage(msg)
		}
	}
}

func (o *Orchestrator) handleBrokerMessage(msg broker.Message) {
	switch msg.Op {
	case broker.OpAddNodes:
		var nodes []model.Node
		if err := json.Unmarshal(msg.Payload, &nodes); err != nil {
			o.log.Warn().Err(err).Msg("malformed ADD_NODES payload")
			return
		}
		for _, n := range nodes {
			o.reg.Add(n.Address, n.Lat, n.Lon)
		}
		o.reg.Sort()
	case broker.OpStartEmergency:
		var em model.Emergency
		if err := json.Unmarshal(msg.Payload, &em); err != nil {
			o.log.Warn().Err(err).Msg("malformed START_EMERGENCY payload")
			return
		}
		o.events <- emergencyEvent{start: true, em: em}
	case broker.OpStopEmergency:
		o.events <- emergencyEvent{start: false}
	}
}

// drainEvents is the single writer applying emergency transitions to
// the Registry, decoupled from the broker read loop so a slow Registry
// mutation never backs up message delivery.
func (o *Orchestrator) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			if ev.start {
				o.reg.SetEmergency(ev.em)
				o.inEmergencyArea = haversineWithinMeters(o.reg.Local(), ev.em)
				o.log.Info().Float64("lat", ev.em.Lat).Float64("lon", ev.em.Lon).
					Bool("local_in_area", o.inEmergencyArea).Msg("emergency started")
			} else {
				o.reg.ClearEmergency()
				o.inEmergencyArea = false
				o.log.Info().Msg("emergency cleared")
			}
		}
	}
}

func haversineWithinMeters(local model.Node, em model.Emergency) bool {
	return registry.Haversine(local.Lat, local.Lon, em.Lat, em.Lon) <= em.Radius
}

// TriggerEmergency enqueues a START_EMERGENCY transition, for the
// manual /emergency endpoint used in local testing (spec §6). It goes
// through the same event channel the Broker Consumer uses, so the
// Registry's single-writer invariant holds regardless of caller.
func (o *Orchestrator) TriggerEmergency(em model.Emergency) {
	o.events <- emergencyEvent{start: true, em: em}
}

// ClearEmergency enqueues a STOP_EMERGENCY transition.
func (o *Orchestrator) ClearEmergency() {
	o.events <- emergencyEvent{start: false}
}

// StartConsumer launches the event-drain goroutine without requiring a
// live broker subscription, for deployments or tests that only need
// the manual /emergency endpoint.
func (o *Orchestrator) StartConsumer(ctx context.Context) {
	go o.drainEvents(ctx)
}

// Invoke implements the five-step admission procedure of spec §4.C.
func (o *Orchestrator) Invoke(ctx context.Context, req model.InvokeRequest, sourceIP string) (Outcome, []byte, error) {
	outcome, body, err := o.invoke(ctx, req, sourceIP)
	metrics.AdmissionsTotal.WithLabelValues(outcome.String()).Inc()
	metrics.AvailableCPUUnits.Set(float64(o.accountant.AvailableCPU()))
	return outcome, body, err
}

func (o *Orchestrator) invoke(ctx context.Context, req model.InvokeRequest, sourceIP string) (Outcome, []byte, error) {
	if req.Hops > model.MaxHops {
		return OutcomeRejected, nil, spareerr.ErrTooManyHops
	}

	if o.inEmergencyArea && !req.Emergency {
		body, err := o.offload(ctx, req, sourceIP)
		if err != nil {
			return OutcomeFailed, nil, err
		}
		return OutcomeOffloaded, body, nil
	}

	if err := o.accountant.TryReserve(uint(req.VCPUs)); err != nil {
		body, offloadErr := o.offload(ctx, req, sourceIP)
		if offloadErr != nil {
			return OutcomeFailed, nil, offloadErr
		}
		return OutcomeOffloaded, body, nil
	}

	availMem, err := o.accountant.AvailableMemoryKB()
	if err != nil || availMem < uint(req.MemoryMB)*1024 {
		_ = o.accountant.Release(uint(req.VCPUs))
		body, offloadErr := o.offload(ctx, req, sourceIP)
		if offloadErr != nil {
			return OutcomeFailed, nil, offloadErr
		}
		return OutcomeOffloaded, body, nil
	}

	body, err := o.runLocal(ctx, req)
	if err != nil {
		_ = o.accountant.Release(uint(req.VCPUs))
		return OutcomeFailed, nil, err
	}
	_ = o.accountant.Release(uint(req.VCPUs))
	return OutcomeLocal, body, nil
}

// runLocal drives the Invocation Pipeline, retrying up to
// Config.Execution.PipelineRetries times across pre-handshake failures
// only (spec §4.D retry policy).
func (o *Orchestrator) runLocal(ctx context.Context, req model.InvokeRequest) ([]byte, error) {
	deps := pipeline.Deps{
		Store: o.store, Pool: o.pool, Plumber: o.plumber, Monitor: o.monitor,
		Config: o.cfg, Log: o.log,
	}

	var lastErr error
	attempts := o.cfg.Execution.PipelineRetries + 1
	for i := 0; i < attempts; i++ {
		res := pipeline.New(deps).Run(ctx, req)
		if res.Err == nil {
			return res.Response, nil
		}
		lastErr = res.Err
		if !res.PreHandshake {
			break
		}
	}
	return nil, lastErr
}

// offload implements spec §4.C's offload procedure: iterate available
// peers in ranked order, skipping the requester's own source address,
// probing /resources and forwarding on the first peer with enough free
// capacity.
func (o *Orchestrator) offload(ctx context.Context, req model.InvokeRequest, sourceIP string) ([]byte, error) {
	offloaded := req
	offloaded.Hops = req.Hops + 1
	metrics.OffloadHops.Observe(float64(offloaded.Hops))

	count := o.reg.CountAvailable()
	for i := uint(0); i < count; i++ {
		peer, ok := o.reg.Nth(int(i))
		if !ok {
			break
		}
		if hostOf(peer.Address) == sourceIP {
			continue
		}

		avail, err := o.probeResources(ctx, peer.Address)
		if err != nil {
			continue
		}
		if avail.CPUs < uint(req.VCPUs) || avail.MemoryKB < uint(req.MemoryMB)*1024 {
			continue
		}

		metrics.OffloadHops.Observe(float64(offloaded.Hops))
		body, err := o.forwardInvoke(ctx, peer.Address, offloaded)
		if err != nil {
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: no peer accepted the request", spareerr.ErrInsufficientResources)
}

func (o *Orchestrator) probeResources(ctx context.Context, addr string) (model.Resources, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/resources", nil)
	if err != nil {
		return model.Resources{}, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return model.Resources{}, fmt.Errorf("%w: %v", spareerr.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Resources{}, fmt.Errorf("%w: status %d", spareerr.ErrPeerRejected, resp.StatusCode)
	}
	var avail model.Resources
	if err := json.NewDecoder(resp.Body).Decode(&avail); err != nil {
		return model.Resources{}, fmt.Errorf("%w: decode /resources: %v", spareerr.ErrPeerRejected, err)
	}
	return avail, nil
}

func (o *Orchestrator) forwardInvoke(ctx context.Context, addr string, req model.InvokeRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spareerr.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", spareerr.ErrPeerRejected, resp.StatusCode)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read forwarded response: %v", spareerr.ErrPeerRejected, err)
	}
	return respBody, nil
}

// Resources reports the Orchestrator's own current local capacity, for
// the /resources probe other workers make against this node.
func (o *Orchestrator) Resources() (model.Resources, error) {
	mem, err := o.accountant.AvailableMemoryKB()
	if err != nil {
		return model.Resources{}, err
	}
	return model.Resources{CPUs: o.accountant.AvailableCPU(), MemoryKB: mem}, nil
}

// List returns every invocation record, most recent first.
func (o *Orchestrator) List(ctx context.Context) ([]model.InvocationRecord, error) {
	return o.store.List(ctx)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
