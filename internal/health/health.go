// Package health provides liveness and readiness probes for the relay.
//
// /healthz reports process liveness and always answers 200. /readyz runs
// every registered probe and answers 200 only when all of them pass, so a
// relay that lost its voice server or its usage database stops receiving
// traffic from the load balancer.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check. Run returns nil when the dependency is
// reachable and an error describing the failure otherwise. It must honor
// context cancellation.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pinger is the subset of a database pool used by [Database]. A
// pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VoiceServer probes the PCM sink by dialing its TCP address.
func VoiceServer(addr string) Probe {
	return Probe{
		Name: "voice_server",
		Run: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// Database probes the usage store with a ping.
func Database(db Pinger) Probe {
	return Probe{
		Name: "database",
		Run:  db.Ping,
	}
}

// report is the JSON body served by both endpoints.
type report struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes,omitempty"`
}

// Handler serves the health endpoints. The probe list is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New creates a [Handler] that evaluates probes in order on each /readyz
// request.
func New(probes ...Probe) *Handler {
	h := &Handler{probes: make([]Probe, len(probes))}
	copy(h.probes, probes)
	return h
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every probe passes, 503 otherwise. Each
// probe gets a context bounded by [probeTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{Status: "ok", Probes: make(map[string]string, len(h.probes))}
	status := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Run(ctx)
		cancel()

		if err != nil {
			res.Probes[p.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Probes[p.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
