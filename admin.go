package ward

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for managing the proxy at runtime:
// user list management, source subscriptions, protection toggles,
// verdict dry-runs, behavior inspection, and recent events.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. All endpoints return JSON.
type AdminAPI struct {
	// Proxy is the proxy instance to manage.
	Proxy *Proxy

	// Rules is the rule store the endpoints mutate.
	Rules *RuleStore

	// Sources refreshes subscribed lists (optional; refresh endpoints
	// return 501 without it).
	Sources *SourceManager

	// Behavior exposes per-client tracking (optional).
	Behavior *BehaviorAnalyzer

	// Geo exposes geo-blocker state (optional).
	Geo *GeoBlocker

	// Threat exposes threat client state (optional).
	Threat *ThreatClient

	// Events serves the recent event history (optional).
	Events *EventBus

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc is called when POST /api/reload is invoked. It should
	// rebuild runtime state from configuration. If nil, the reload
	// endpoint returns 501 Not Implemented.
	ReloadFunc func(ctx context.Context) error

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given proxy and store.
func NewAdminAPI(proxy *Proxy, rules *RuleStore) *AdminAPI {
	a := &AdminAPI{
		Proxy:      proxy,
		Rules:      rules,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)

	r.Get("/rules", a.handleListRules)
	r.Post("/rules", a.handleAddRule)
	r.Delete("/rules", a.handleDeleteRule)
	r.Get("/rules/conflicts", a.handleConflicts)
	r.Post("/rules/check", a.handleCheckConflict)

	r.Get("/sources", a.handleListSources)
	r.Post("/sources/{id}/enable", a.handleSourceEnable(true))
	r.Post("/sources/{id}/disable", a.handleSourceEnable(false))
	r.Post("/sources/{id}/refresh", a.handleSourceRefresh)

	r.Get("/toggles", a.handleGetToggles)
	r.Put("/toggles", a.handleSetToggles)

	r.Post("/test", a.handleTestVerdict)

	r.Get("/behavior", a.handleBehaviorTop)
	r.Get("/behavior/{ip}", a.handleBehaviorIP)
	r.Delete("/behavior/{ip}", a.handleBehaviorReset)

	r.Get("/geo/countries", a.handleGetCountries)
	r.Put("/geo/countries", a.handleSetCountries)

	r.Get("/events", a.handleEvents)

	r.Post("/reload", a.handleReload)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on the proxy or a separate listener.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status     string           `json:"status"`
	Uptime     string           `json:"uptime,omitempty"`
	RuleCount  int              `json:"rule_count"`
	Toggles    Toggles          `json:"toggles"`
	FailPolicy LookupFailPolicy `json:"fail_policy"`
	Engine     EngineStats      `json:"engine"`
	Behavior   *AnalyzerStats   `json:"behavior,omitempty"`
	Geo        *GeoStats        `json:"geo,omitempty"`
	Threat     *ThreatStats     `json:"threat,omitempty"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	List  ListKind     `json:"list"`
	Count int          `json:"count"`
	Rules []DomainRule `json:"rules"`
}

// RuleRequest is the body for POST /api/rules and DELETE /api/rules.
type RuleRequest struct {
	Domain string   `json:"domain"`
	List   ListKind `json:"list"`
}

// AddRuleResponse is returned by POST /api/rules. Conflict is set when
// the added domain collides with an entry on the opposite list.
type AddRuleResponse struct {
	Rule     *DomainRule    `json:"rule"`
	Conflict *ConflictCheck `json:"conflict,omitempty"`
}

// TestRequest is the body for POST /api/test.
type TestRequest struct {
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
	Scheme string `json:"scheme,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:    "ok",
		RuleCount: a.Rules.Count(),
	}
	if a.Proxy != nil && a.Proxy.Engine != nil {
		resp.Toggles = a.Proxy.Engine.Toggles()
		resp.FailPolicy = a.Proxy.Engine.FailPolicy()
		resp.Engine = a.Proxy.Engine.Stats()
	}
	if a.Proxy != nil && a.Proxy.HealthChecker != nil {
		resp.Uptime = a.Proxy.HealthChecker.Uptime().Truncate(time.Second).String()
	}
	if a.Behavior != nil {
		stats := a.Behavior.Stats()
		resp.Behavior = &stats
	}
	if a.Geo != nil {
		stats := a.Geo.Stats()
		resp.Geo = &stats
	}
	if a.Threat != nil {
		stats := a.Threat.Stats()
		resp.Threat = &stats
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := ListKind(r.URL.Query().Get("list"))
	if list == "" {
		list = ListBlocklist
	}
	if list != ListWhitelist && list != ListBlocklist {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "list must be whitelist or blocklist"})
		return
	}

	rules := a.Rules.UserRules(list)
	a.writeJSON(w, http.StatusOK, RulesResponse{List: list, Count: len(rules), Rules: rules})
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Domain == "" || req.List == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "domain and list are required"})
		return
	}

	check := a.Rules.CheckConflict(req.Domain, req.List)

	rule, err := a.Rules.AddUserDomain(req.Domain, req.List)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("rule added via admin API", "domain", rule.Domain, "list", req.List)
	resp := AddRuleResponse{Rule: rule}
	if check.HasConflict {
		resp.Conflict = &check
	}
	a.writeJSON(w, http.StatusCreated, resp)
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Domain == "" || req.List == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "domain and list are required"})
		return
	}

	if !a.Rules.RemoveUserDomain(req.Domain, req.List) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	}

	a.Logger.Info("rule removed via admin API", "domain", req.Domain, "list", req.List)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts := a.Rules.DetectConflicts()
	if conflicts == nil {
		conflicts = []ListConflict{}
	}
	a.writeJSON(w, http.StatusOK, conflicts)
}

func (a *AdminAPI) handleCheckConflict(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Domain == "" || req.List == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "domain and list are required"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Rules.CheckConflict(req.Domain, req.List))
}

func (a *AdminAPI) handleListSources(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Rules.Sources())
}

func (a *AdminAPI) handleSourceEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !a.Rules.SetSourceEnabled(id, enabled) {
			a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown source: " + id})
			return
		}
		a.Logger.Info("source toggled via admin API", "source", id, "enabled", enabled)
		a.writeJSON(w, http.StatusOK, MessageResponse{Message: "source updated"})
	}
}

func (a *AdminAPI) handleSourceRefresh(w http.ResponseWriter, r *http.Request) {
	if a.Sources == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "source refresh not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Sources.Refresh(r.Context(), id); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "source refreshed"})
}

func (a *AdminAPI) handleGetToggles(w http.ResponseWriter, _ *http.Request) {
	if a.Proxy == nil || a.Proxy.Engine == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "engine not configured"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Proxy.Engine.Toggles())
}

func (a *AdminAPI) handleSetToggles(w http.ResponseWriter, r *http.Request) {
	if a.Proxy == nil || a.Proxy.Engine == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "engine not configured"})
		return
	}
	var toggles Toggles
	if err := json.NewDecoder(r.Body).Decode(&toggles); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	a.Proxy.Engine.SetToggles(toggles)
	a.Logger.Info("toggles updated via admin API",
		"force_https", toggles.ForceHTTPS,
		"block_ip_literals", toggles.BlockIPLiterals,
		"block_non_standard_ports", toggles.BlockNonStandardPorts,
		"geo_blocking", toggles.GeoBlocking,
		"threat_intel", toggles.ThreatIntel,
	)
	a.writeJSON(w, http.StatusOK, toggles)
}

// handleTestVerdict dry-runs the engine against a destination without
// touching behavior tracking.
func (a *AdminAPI) handleTestVerdict(w http.ResponseWriter, r *http.Request) {
	if a.Proxy == nil || a.Proxy.Engine == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "engine not configured"})
		return
	}
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Host == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "host is required"})
		return
	}
	if req.Scheme == "" {
		req.Scheme = "https"
	}

	verdict := a.Proxy.Engine.Evaluate(r.Context(), Target{
		Host:   req.Host,
		Port:   req.Port,
		Scheme: req.Scheme,
	})
	a.writeJSON(w, http.StatusOK, verdict)
}

func (a *AdminAPI) handleBehaviorTop(w http.ResponseWriter, r *http.Request) {
	if a.Behavior == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "behavior tracking not configured"})
		return
	}
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	a.writeJSON(w, http.StatusOK, a.Behavior.TopIPs(n))
}

func (a *AdminAPI) handleBehaviorIP(w http.ResponseWriter, r *http.Request) {
	if a.Behavior == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "behavior tracking not configured"})
		return
	}
	ip := chi.URLParam(r, "ip")
	info := a.Behavior.IPInfo(ip)
	if info == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "address not tracked"})
		return
	}
	a.writeJSON(w, http.StatusOK, info)
}

func (a *AdminAPI) handleBehaviorReset(w http.ResponseWriter, r *http.Request) {
	if a.Behavior == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "behavior tracking not configured"})
		return
	}
	ip := chi.URLParam(r, "ip")
	if !a.Behavior.ResetIP(ip) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "address not tracked"})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "tracking reset"})
}

func (a *AdminAPI) handleGetCountries(w http.ResponseWriter, _ *http.Request) {
	if a.Geo == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "geo blocking not configured"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Geo.BlockedCountries())
}

func (a *AdminAPI) handleSetCountries(w http.ResponseWriter, r *http.Request) {
	if a.Geo == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "geo blocking not configured"})
		return
	}
	var countries []string
	if err := json.NewDecoder(r.Body).Decode(&countries); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	a.Geo.SetBlockedCountries(countries)
	a.Logger.Info("blocked countries updated via admin API", "countries", countries)
	a.writeJSON(w, http.StatusOK, a.Geo.BlockedCountries())
}

func (a *AdminAPI) handleEvents(w http.ResponseWriter, _ *http.Request) {
	if a.Events == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "event history not configured"})
		return
	}
	events := a.Events.Recent()
	if events == nil {
		events = []Event{}
	}
	a.writeJSON(w, http.StatusOK, events)
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("configuration reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
