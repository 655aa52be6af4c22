// Package httpapi implements the worker's HTTP surface (spec §6,
// component G): "/" (liveness), "/list" (invocation history),
// "/resources" (local capacity probe), "/emergency" (manual trigger
// for local testing), and "/invoke" (the admission entry point).
// Grounded on the teacher's net/http.ServeMux usage — no router
// dependency appears in any complete example repo's own source (only
// mentioned in an other_examples manifest with no accompanying code to
// ground an implementation on, see DESIGN.md), so this sticks to the
// standard library's ServeMux, matching the teacher's own choice.
package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jihwankim/spare-worker/internal/metrics"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/orchestrator"
	"github.com/jihwankim/spare-worker/internal/shutdown"
	"github.com/jihwankim/spare-worker/internal/spareerr"
)

// Server wires the worker's HTTP handlers to its Orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	sd   *shutdown.Controller
	log  zerolog.Logger
}

// New constructs a Server. Call Handler to obtain the http.Handler to
// serve. sd tracks /invoke requests as in-flight so a graceful
// shutdown can drain them before the process exits.
func New(orch *orchestrator.Orchestrator, sd *shutdown.Controller, log zerolog.Logger) *Server {
	return &Server{orch: orch, sd: sd, log: log}
}

// Handler returns the complete routed http.Handler for the worker,
// including the Prometheus /metrics endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/resources", s.handleResources)
	mux.HandleFunc("/emergency", s.handleEmergency)
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("spare-worker\n"))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.orch.List(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list invocations failed")
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Resources()
	if err != nil {
		s.log.Error().Err(err).Msg("read local resources failed")
		http.Error(w, "resources unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// handleEmergency is a manual trigger for local testing (spec §6):
// POST with a body starts an emergency at the given location, DELETE
// clears it.
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var em model.Emergency
		if err := json.NewDecoder(r.Body).Decode(&em); err != nil {
			http.Error(w, "malformed emergency body", http.StatusBadRequest)
			return
		}
		s.orch.TriggerEmergency(em)
		w.WriteHeader(http.StatusAccepted)
	case http.MethodDelete:
		s.orch.ClearEmergency()
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	var req model.InvokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed invoke request", http.StatusBadRequest)
		return
	}

	done := s.sd.TrackInvocation()
	defer done()

	sourceIP := clientIP(r)
	_, respBody, err := s.orch.Invoke(r.Context(), req, sourceIP)
	if err != nil {
		s.writeInvokeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

// writeInvokeError maps the orchestrator's errors to HTTP responses:
// a request over the hop limit gets 500 with the text "Too many hops";
// every other failure, including no peer having enough resources, gets
// 500 with the error's own text.
func (s *Server) writeInvokeError(w http.ResponseWriter, err error) {
	switch {
	case err == spareerr.ErrTooManyHops:
		http.Error(w, "Too many hops", http.StatusInternalServerError)
	default:
		s.log.Warn().Err(err).Msg("invoke failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
