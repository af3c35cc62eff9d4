package ward

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker answers the proxy's liveness and readiness endpoints.
// Liveness means the process is serving; readiness means the proxy can
// make correct decisions, which it cannot before its rule sources have
// delivered their domains.
type HealthChecker struct {
	alive     atomic.Bool
	ready     atomic.Bool
	startTime time.Time

	mu     sync.Mutex
	checks []readinessCheck
}

type readinessCheck struct {
	name  string
	check func() error
}

// HealthResponse is the JSON body served by the health endpoints.
// Failures maps each failing readiness condition to its error.
type HealthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime,omitempty"`
	Failures map[string]string `json:"failures,omitempty"`
}

// NewHealthChecker creates a checker with no readiness conditions.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// AddReadinessCheck registers a named condition that must hold for the
// readiness endpoint to report ready.
func (h *HealthChecker) AddReadinessCheck(name string, check func() error) {
	h.mu.Lock()
	h.checks = append(h.checks, readinessCheck{name: name, check: check})
	h.mu.Unlock()
}

// SetAlive flips the liveness state.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady flips the base readiness state. Registered checks are
// evaluated on top of it.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive reports the liveness state.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the base state is ready and every registered
// check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime returns how long ago the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) failures() map[string]string {
	h.mu.Lock()
	checks := make([]readinessCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	var failed map[string]string
	for _, c := range checks {
		if err := c.check(); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[c.name] = err.Error()
		}
	}
	return failed
}

// HandleHealthz serves the liveness endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: h.Uptime().Truncate(time.Second).String(),
	}
	code := http.StatusOK
	if !h.alive.Load() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	h.writeResponse(w, code, resp)
}

// HandleReadyz serves the readiness endpoint, naming each failing
// condition so an operator can see what is still loading.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: h.Uptime().Truncate(time.Second).String(),
	}
	code := http.StatusOK

	if !h.ready.Load() {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	} else if failed := h.failures(); len(failed) > 0 {
		resp.Status = "not ready"
		resp.Failures = failed
		code = http.StatusServiceUnavailable
	}
	h.writeResponse(w, code, resp)
}

func (h *HealthChecker) writeResponse(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// SourcesLoadedCheck fails while any enabled source has delivered no
// domains, so a freshly started proxy does not advertise readiness
// before its subscribed lists arrive.
func SourcesLoadedCheck(store *RuleStore) func() error {
	return func() error {
		for _, src := range store.Sources() {
			if src.Enabled && src.DomainCount == 0 {
				return fmt.Errorf("source %s has no domains loaded", src.ID)
			}
		}
		return nil
	}
}
