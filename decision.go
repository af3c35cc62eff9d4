package ward

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LookupFailPolicy controls what happens when a geo or threat lookup
// fails or times out.
type LookupFailPolicy string

const (
	// FailOpen lets the request through when a lookup fails.
	FailOpen LookupFailPolicy = "open"

	// FailClosed blocks the request when a lookup fails.
	FailClosed LookupFailPolicy = "closed"
)

// Decision stages, in evaluation order.
const (
	StageInvalidHost = "invalid_host"
	StageForceHTTPS  = "force_https"
	StageIPLiteral   = "ip_literal"
	StagePort        = "port"
	StageWhitelist   = "whitelist"
	StageBlocklist   = "blocklist"
	StageGeo         = "geo"
	StageThreat      = "threat"
	StageLookupFail  = "lookup_fail"
	StageDefault     = "default"
)

// Toggles are the runtime-switchable protection features.
type Toggles struct {
	// ForceHTTPS blocks plaintext HTTP requests.
	ForceHTTPS bool `json:"force_https"`

	// BlockIPLiterals blocks requests addressed to a bare IP instead of
	// a hostname.
	BlockIPLiterals bool `json:"block_ip_literals"`

	// BlockNonStandardPorts restricts destinations to ports 80 and 443.
	BlockNonStandardPorts bool `json:"block_non_standard_ports"`

	// GeoBlocking enables the country check stage.
	GeoBlocking bool `json:"geo_blocking"`

	// ThreatIntel enables the threat feed stage.
	ThreatIntel bool `json:"threat_intel"`
}

// Target is one destination to evaluate.
type Target struct {
	// Host is the destination hostname or IP literal.
	Host string

	// IP is the resolved address, when known. Empty skips the geo stage.
	IP string

	// Port is the destination port.
	Port int

	// Scheme is "http" or "https". CONNECT tunnels count as "https".
	Scheme string

	// ClientAddr is the requesting client's address, for behavior
	// tracking. Optional.
	ClientAddr string
}

// Verdict is the outcome of evaluating one target.
type Verdict struct {
	Allow  bool   `json:"allow"`
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`

	// Rule is set when a list entry decided the verdict.
	Rule *DomainRule `json:"rule,omitempty"`

	// Geo is set when the geo stage ran.
	Geo *GeoResult `json:"geo,omitempty"`

	// Threat is set when the threat stage ran.
	Threat *ThreatResult `json:"threat,omitempty"`

	// Behavior is the advisory anomaly classification. It never flips
	// the verdict.
	Behavior *Analysis `json:"behavior,omitempty"`
}

// EngineStats counts verdicts per stage.
type EngineStats struct {
	Evaluated      int64            `json:"evaluated"`
	Allowed        int64            `json:"allowed"`
	Blocked        int64            `json:"blocked"`
	BlockedByStage map[string]int64 `json:"blocked_by_stage"`
}

// Engine evaluates destinations against the protection stages in a
// fixed order: force-HTTPS, IP literal, port, lists (whitelist wins),
// geo, threat feed. The first stage to decide wins; a whitelist hit
// allows immediately and skips every later stage.
type Engine struct {
	rules    *RuleStore
	geo      *GeoBlocker
	threat   *ThreatClient
	behavior *BehaviorAnalyzer
	logger   *slog.Logger

	mu         sync.RWMutex
	toggles    Toggles
	failPolicy LookupFailPolicy

	// LookupTimeout bounds the geo and threat stages together.
	// Defaults to 5 seconds.
	LookupTimeout time.Duration

	evaluated int64
	allowed   int64
	blocked   int64
	byStage   map[string]int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGeoBlocker attaches the geo stage.
func WithGeoBlocker(g *GeoBlocker) EngineOption {
	return func(e *Engine) { e.geo = g }
}

// WithThreatClient attaches the threat feed stage.
func WithThreatClient(t *ThreatClient) EngineOption {
	return func(e *Engine) { e.threat = t }
}

// WithBehaviorAnalyzer attaches advisory behavior tracking.
func WithBehaviorAnalyzer(b *BehaviorAnalyzer) EngineOption {
	return func(e *Engine) { e.behavior = b }
}

// WithFailPolicy sets the lookup failure policy.
func WithFailPolicy(p LookupFailPolicy) EngineOption {
	return func(e *Engine) { e.failPolicy = p }
}

// WithToggles sets the initial toggle state.
func WithToggles(t Toggles) EngineOption {
	return func(e *Engine) { e.toggles = t }
}

// NewEngine creates an engine over the given rule store.
func NewEngine(rules *RuleStore, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		rules:         rules,
		logger:        logger,
		failPolicy:    FailOpen,
		LookupTimeout: 5 * time.Second,
		byStage:       make(map[string]int64),
		toggles: Toggles{
			GeoBlocking: true,
			ThreatIntel: true,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Toggles returns the current toggle state.
func (e *Engine) Toggles() Toggles {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toggles
}

// SetToggles replaces the toggle state.
func (e *Engine) SetToggles(t Toggles) {
	e.mu.Lock()
	e.toggles = t
	e.mu.Unlock()
}

// FailPolicy returns the current lookup failure policy.
func (e *Engine) FailPolicy() LookupFailPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failPolicy
}

// SetFailPolicy replaces the lookup failure policy.
func (e *Engine) SetFailPolicy(p LookupFailPolicy) {
	e.mu.Lock()
	e.failPolicy = p
	e.mu.Unlock()
}

// Evaluate runs the stages against target and returns the verdict.
func (e *Engine) Evaluate(ctx context.Context, target Target) Verdict {
	e.mu.RLock()
	toggles := e.toggles
	failPolicy := e.failPolicy
	timeout := e.LookupTimeout
	e.mu.RUnlock()

	verdict := e.evaluate(ctx, target, toggles, failPolicy, timeout)

	if e.behavior != nil && target.ClientAddr != "" {
		analysis := e.behavior.TrackRequest(target.ClientAddr, target.Host)
		if analysis.Suspicious {
			verdict.Behavior = &analysis
		}
	}

	e.mu.Lock()
	e.evaluated++
	if verdict.Allow {
		e.allowed++
	} else {
		e.blocked++
		e.byStage[verdict.Stage]++
	}
	e.mu.Unlock()

	return verdict
}

func (e *Engine) evaluate(ctx context.Context, target Target, toggles Toggles, failPolicy LookupFailPolicy, timeout time.Duration) Verdict {
	host, err := NormalizeHost(target.Host)
	if err != nil {
		return Verdict{Stage: StageInvalidHost, Reason: "unparseable host"}
	}

	if toggles.ForceHTTPS && target.Scheme == "http" {
		return Verdict{Stage: StageForceHTTPS, Reason: "plaintext HTTP is disabled"}
	}

	isIP := IsIPLiteral(host)
	if toggles.BlockIPLiterals && isIP {
		return Verdict{Stage: StageIPLiteral, Reason: "direct IP access is disabled"}
	}

	if toggles.BlockNonStandardPorts && target.Port != 0 && target.Port != 80 && target.Port != 443 {
		return Verdict{Stage: StagePort, Reason: "non-standard port"}
	}

	match := e.rules.Match(host)
	if match.InWhitelist {
		return Verdict{Allow: true, Stage: StageWhitelist, Rule: match.Rule}
	}
	if match.InBlocklist {
		reason := "domain is blocklisted"
		if match.Rule != nil && match.Rule.SourceID != "" {
			reason = "blocked by list " + match.Rule.SourceID
		}
		return Verdict{Stage: StageBlocklist, Reason: reason, Rule: match.Rule}
	}

	lookupCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var geoRes *GeoResult
	var threatRes *ThreatResult

	if toggles.GeoBlocking && e.geo != nil {
		ip := target.IP
		if ip == "" && isIP {
			ip = host
		}
		if ip != "" {
			geo, err := e.geo.Check(lookupCtx, ip)
			if err != nil {
				if failPolicy == FailClosed {
					return Verdict{Stage: StageLookupFail, Reason: "geo lookup failed"}
				}
				e.logger.Warn("geo lookup failed, allowing", "ip", ip, "error", err)
			} else {
				geoRes = &geo
				if geo.Blocked {
					return Verdict{Stage: StageGeo, Reason: "country " + geo.CountryCode + " is blocked", Geo: geoRes}
				}
			}
		}
	}

	if toggles.ThreatIntel && e.threat != nil && !isIP {
		threat, err := e.threat.Check(lookupCtx, host)
		if err != nil {
			if failPolicy == FailClosed {
				return Verdict{Stage: StageLookupFail, Reason: "threat lookup failed"}
			}
			e.logger.Warn("threat lookup failed, allowing", "host", host, "error", err)
		} else {
			threatRes = &threat
			if threat.Malicious && threat.Confidence != ConfidenceLow {
				return Verdict{Stage: StageThreat, Reason: "known malicious domain", Threat: threatRes, Geo: geoRes}
			}
		}
	}

	return Verdict{Allow: true, Stage: StageDefault, Geo: geoRes, Threat: threatRes}
}

// Stats returns verdict counters.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byStage := make(map[string]int64, len(e.byStage))
	for k, v := range e.byStage {
		byStage[k] = v
	}
	return EngineStats{
		Evaluated:      e.evaluated,
		Allowed:        e.allowed,
		Blocked:        e.blocked,
		BlockedByStage: byStage,
	}
}
