package ward

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Severity grades a behavior anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// AnalyzerConfig holds the tunable thresholds of the BehaviorAnalyzer.
// The numbers are operational knobs, not derived constants; override
// them per instance as needed.
type AnalyzerConfig struct {
	// HourlyThreshold is the max requests per rolling hour per address.
	HourlyThreshold int

	// DailyThreshold is the max requests per rolling day per address.
	DailyThreshold int

	// UniqueDomainsThreshold is the max distinct domains per address
	// before the pattern counts as scanning.
	UniqueDomainsThreshold int

	// RepeatedAccessThreshold is the max hits on a single domain before
	// the pattern counts as repeated access.
	RepeatedAccessThreshold int

	// BotInterval is the mean inter-request interval below which the
	// client is considered automated.
	BotInterval time.Duration

	// CleanupInterval controls how often idle addresses are evicted.
	CleanupInterval time.Duration
}

// DefaultAnalyzerConfig returns the default thresholds.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		HourlyThreshold:         500,
		DailyThreshold:          5000,
		UniqueDomainsThreshold:  100,
		RepeatedAccessThreshold: 50,
		BotInterval:             100 * time.Millisecond,
		CleanupInterval:         time.Hour,
	}
}

// Analysis is the advisory classification of one tracked request.
type Analysis struct {
	Suspicious     bool     `json:"suspicious"`
	Reasons        []string `json:"reasons,omitempty"`
	Severity       Severity `json:"severity,omitempty"`
	HourlyRequests int      `json:"hourly_requests"`
	DailyRequests  int      `json:"daily_requests"`
	UniqueDomains  int      `json:"unique_domains"`
}

// DomainHits pairs a domain with its request count for one address.
type DomainHits struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// IPInfo is a read-only snapshot of one tracked address.
type IPInfo struct {
	Address        string       `json:"address"`
	FirstSeen      time.Time    `json:"first_seen"`
	LastSeen       time.Time    `json:"last_seen"`
	HourlyRequests int          `json:"hourly_requests"`
	DailyRequests  int          `json:"daily_requests"`
	UniqueDomains  int          `json:"unique_domains"`
	TopDomains     []DomainHits `json:"top_domains,omitempty"`
}

// AnalyzerStats summarizes the analyzer's activity.
type AnalyzerStats struct {
	TrackedIPs         int            `json:"tracked_ips"`
	SuspiciousDetected int64          `json:"suspicious_detected"`
	TotalRequests      int64          `json:"total_requests"`
	Config             AnalyzerConfig `json:"thresholds"`
}

type ipEntry struct {
	hourly       []time.Time
	daily        []time.Time
	domainCounts map[string]int
	firstSeen    time.Time
	lastSeen     time.Time
}

// BehaviorAnalyzer keeps per-address sliding-window counters and
// classifies request bursts as scanning, bot-like, or repeated-access
// anomalies. It only reports; it never blocks a request itself.
type BehaviorAnalyzer struct {
	mu      sync.RWMutex
	entries map[string]*ipEntry

	config AnalyzerConfig
	logger *slog.Logger

	suspiciousDetected int64
	totalRequests      int64

	done chan struct{}

	// now is swapped in tests to drive the clock.
	now func() time.Time
}

// NewBehaviorAnalyzer creates an analyzer with the given config and
// starts its background cleanup ticker. Call Close to stop it.
func NewBehaviorAnalyzer(config AnalyzerConfig, logger *slog.Logger) *BehaviorAnalyzer {
	def := DefaultAnalyzerConfig()
	if config.HourlyThreshold <= 0 {
		config.HourlyThreshold = def.HourlyThreshold
	}
	if config.DailyThreshold <= 0 {
		config.DailyThreshold = def.DailyThreshold
	}
	if config.UniqueDomainsThreshold <= 0 {
		config.UniqueDomainsThreshold = def.UniqueDomainsThreshold
	}
	if config.RepeatedAccessThreshold <= 0 {
		config.RepeatedAccessThreshold = def.RepeatedAccessThreshold
	}
	if config.BotInterval <= 0 {
		config.BotInterval = def.BotInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &BehaviorAnalyzer{
		entries: make(map[string]*ipEntry),
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go a.cleanupLoop()
	return a
}

// TrackRequest records one request from address to domain and returns
// the classification of the address's recent pattern.
func (a *BehaviorAnalyzer) TrackRequest(address, domain string) Analysis {
	if address == "" || address == "unknown" {
		return Analysis{}
	}

	now := a.now()

	a.mu.Lock()
	a.totalRequests++

	entry, ok := a.entries[address]
	if !ok {
		entry = &ipEntry{
			domainCounts: make(map[string]int),
			firstSeen:    now,
		}
		a.entries[address] = entry
	}
	entry.lastSeen = now
	entry.hourly = append(entry.hourly, now)
	entry.daily = append(entry.daily, now)
	entry.hourly = pruneBefore(entry.hourly, now.Add(-time.Hour))
	entry.daily = pruneBefore(entry.daily, now.Add(-24*time.Hour))
	entry.domainCounts[domain]++

	analysis := a.classify(entry, domain)
	if analysis.Suspicious {
		a.suspiciousDetected++
	}
	a.mu.Unlock()

	if analysis.Suspicious {
		a.logger.Warn("suspicious behavior",
			"address", address,
			"severity", analysis.Severity,
			"reasons", analysis.Reasons,
		)
	}
	return analysis
}

// classify evaluates every rule independently; the resulting severity
// is the maximum of the triggered rules. Caller holds the write lock.
func (a *BehaviorAnalyzer) classify(entry *ipEntry, domain string) Analysis {
	analysis := Analysis{
		HourlyRequests: len(entry.hourly),
		DailyRequests:  len(entry.daily),
		UniqueDomains:  len(entry.domainCounts),
	}
	severity := SeverityLow

	if len(entry.hourly) > a.config.HourlyThreshold {
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("too many requests/hour (%d/%d)", len(entry.hourly), a.config.HourlyThreshold))
		severity = maxSeverity(severity, SeverityHigh)
	}

	if len(entry.daily) > a.config.DailyThreshold {
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("too many requests/day (%d/%d)", len(entry.daily), a.config.DailyThreshold))
		severity = maxSeverity(severity, SeverityHigh)
	}

	if len(entry.domainCounts) > a.config.UniqueDomainsThreshold {
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("scanning (%d unique domains)", len(entry.domainCounts)))
		severity = maxSeverity(severity, SeverityMedium)
	}

	// Bot timing: mean interval over the last 10 requests. Overrides
	// every other rule via the max.
	if n := len(entry.hourly); n >= 10 {
		recent := entry.hourly[n-10:]
		total := recent[len(recent)-1].Sub(recent[0])
		mean := total / time.Duration(len(recent)-1)
		if mean < a.config.BotInterval {
			analysis.Reasons = append(analysis.Reasons,
				fmt.Sprintf("bot-like timing (mean interval %s)", mean.Truncate(time.Millisecond)))
			severity = maxSeverity(severity, SeverityCritical)
		}
	}

	if count := entry.domainCounts[domain]; count > a.config.RepeatedAccessThreshold {
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("repeated access to single domain (%s, %d times)", domain, count))
		severity = maxSeverity(severity, SeverityMedium)
	}

	if len(analysis.Reasons) > 0 {
		analysis.Suspicious = true
		analysis.Severity = severity
	}
	return analysis
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// IPInfo returns a snapshot of one tracked address, or nil if unseen.
func (a *BehaviorAnalyzer) IPInfo(address string) *IPInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.entries[address]
	if !ok {
		return nil
	}

	top := make([]DomainHits, 0, len(entry.domainCounts))
	for d, c := range entry.domainCounts {
		top = append(top, DomainHits{Domain: d, Count: c})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Domain < top[j].Domain
	})
	if len(top) > 10 {
		top = top[:10]
	}

	return &IPInfo{
		Address:        address,
		FirstSeen:      entry.firstSeen,
		LastSeen:       entry.lastSeen,
		HourlyRequests: len(entry.hourly),
		DailyRequests:  len(entry.daily),
		UniqueDomains:  len(entry.domainCounts),
		TopDomains:     top,
	}
}

// TopIPs returns the n most active addresses by daily request count.
func (a *BehaviorAnalyzer) TopIPs(n int) []IPInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]IPInfo, 0, len(a.entries))
	for addr, entry := range a.entries {
		out = append(out, IPInfo{
			Address:        addr,
			FirstSeen:      entry.firstSeen,
			LastSeen:       entry.lastSeen,
			HourlyRequests: len(entry.hourly),
			DailyRequests:  len(entry.daily),
			UniqueDomains:  len(entry.domainCounts),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DailyRequests != out[j].DailyRequests {
			return out[i].DailyRequests > out[j].DailyRequests
		}
		return out[i].Address < out[j].Address
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ResetIP discards all tracking data for an address.
func (a *BehaviorAnalyzer) ResetIP(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[address]; !ok {
		return false
	}
	delete(a.entries, address)
	return true
}

// Cleanup evicts addresses idle for more than 24 hours and returns how
// many were removed.
func (a *BehaviorAnalyzer) Cleanup() int {
	cutoff := a.now().Add(-24 * time.Hour)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for addr, entry := range a.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(a.entries, addr)
			removed++
		}
	}
	return removed
}

// Stats returns aggregate analyzer counters.
func (a *BehaviorAnalyzer) Stats() AnalyzerStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AnalyzerStats{
		TrackedIPs:         len(a.entries),
		SuspiciousDetected: a.suspiciousDetected,
		TotalRequests:      a.totalRequests,
		Config:             a.config,
	}
}

// Close stops the background cleanup goroutine.
func (a *BehaviorAnalyzer) Close() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

func (a *BehaviorAnalyzer) cleanupLoop() {
	ticker := time.NewTicker(a.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			if removed := a.Cleanup(); removed > 0 {
				a.logger.Info("behavior analyzer cleanup", "evicted", removed)
			}
		}
	}
}
