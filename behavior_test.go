package ward

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// testAnalyzer builds an analyzer with a controllable clock that advances
// by step between consecutive tracked requests.
func testAnalyzer(t *testing.T, config AnalyzerConfig, step time.Duration) *BehaviorAnalyzer {
	t.Helper()
	a := NewBehaviorAnalyzer(config, discardLogger())
	t.Cleanup(a.Close)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	a.now = func() time.Time {
		ts := base.Add(time.Duration(calls) * step)
		calls++
		return ts
	}
	return a
}

func TestBehaviorAnalyzer_TrackRequest_Normal(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{}, time.Second)

	analysis := a.TrackRequest("10.0.0.1", "example.com")
	if analysis.Suspicious {
		t.Errorf("single request should not be suspicious: %+v", analysis)
	}
	if analysis.HourlyRequests != 1 || analysis.DailyRequests != 1 {
		t.Errorf("counts = %d/%d, want 1/1", analysis.HourlyRequests, analysis.DailyRequests)
	}
}

func TestBehaviorAnalyzer_HourlyThreshold(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{HourlyThreshold: 10}, time.Second)

	var last Analysis
	for i := range 11 {
		last = a.TrackRequest("10.0.0.1", fmt.Sprintf("site%d.example.com", i%3))
	}

	if !last.Suspicious {
		t.Fatal("11 requests over a 10/hour threshold should be suspicious")
	}
	if last.Severity != SeverityHigh {
		t.Errorf("severity = %q, want high", last.Severity)
	}
	if !hasReasonPrefix(last.Reasons, "too many requests/hour") {
		t.Errorf("reasons = %v, want an hourly threshold reason", last.Reasons)
	}
}

func TestBehaviorAnalyzer_BotTiming(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{}, 30*time.Millisecond)

	var last Analysis
	for i := range 10 {
		last = a.TrackRequest("10.0.0.2", fmt.Sprintf("site%d.example.com", i))
	}

	if !last.Suspicious {
		t.Fatal("30ms mean interval should be suspicious")
	}
	if last.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", last.Severity)
	}
	if !hasReasonPrefix(last.Reasons, "bot-like timing") {
		t.Errorf("reasons = %v, want a bot timing reason", last.Reasons)
	}
}

func TestBehaviorAnalyzer_HumanTimingNotBot(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{}, 2*time.Second)

	var last Analysis
	for range 20 {
		last = a.TrackRequest("10.0.0.3", "example.com")
	}

	if hasReasonPrefix(last.Reasons, "bot-like timing") {
		t.Errorf("2s mean interval flagged as bot: %v", last.Reasons)
	}
}

func TestBehaviorAnalyzer_Scanning(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{UniqueDomainsThreshold: 5}, time.Second)

	var last Analysis
	for i := range 6 {
		last = a.TrackRequest("10.0.0.4", fmt.Sprintf("host%d.example.com", i))
	}

	if !last.Suspicious {
		t.Fatal("6 unique domains over a threshold of 5 should be suspicious")
	}
	if last.Severity != SeverityMedium {
		t.Errorf("severity = %q, want medium", last.Severity)
	}
	if !hasReasonPrefix(last.Reasons, "scanning") {
		t.Errorf("reasons = %v, want a scanning reason", last.Reasons)
	}
}

func TestBehaviorAnalyzer_RepeatedAccess(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{RepeatedAccessThreshold: 3}, time.Second)

	var last Analysis
	for range 4 {
		last = a.TrackRequest("10.0.0.5", "target.example.com")
	}

	if !last.Suspicious {
		t.Fatal("4 hits over a threshold of 3 should be suspicious")
	}
	if last.Severity != SeverityMedium {
		t.Errorf("severity = %q, want medium", last.Severity)
	}
	if !hasReasonPrefix(last.Reasons, "repeated access to single domain") {
		t.Errorf("reasons = %v, want a repeated access reason", last.Reasons)
	}
}

func TestBehaviorAnalyzer_SeverityIsMax(t *testing.T) {
	// Fast enough for the bot rule and over the hourly threshold at the
	// same time; critical must win.
	a := testAnalyzer(t, AnalyzerConfig{HourlyThreshold: 10}, 10*time.Millisecond)

	var last Analysis
	for range 15 {
		last = a.TrackRequest("10.0.0.6", "example.com")
	}

	if last.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", last.Severity)
	}
	if len(last.Reasons) < 2 {
		t.Errorf("reasons = %v, want both rules reported", last.Reasons)
	}
}

func TestBehaviorAnalyzer_WindowPruning(t *testing.T) {
	a := NewBehaviorAnalyzer(AnalyzerConfig{}, discardLogger())
	defer a.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	a.now = func() time.Time { return current }

	for range 5 {
		a.TrackRequest("10.0.0.7", "example.com")
	}

	// Two hours later the hourly window is empty, the daily one is not.
	current = base.Add(2 * time.Hour)
	analysis := a.TrackRequest("10.0.0.7", "example.com")
	if analysis.HourlyRequests != 1 {
		t.Errorf("hourly = %d, want 1 after window expiry", analysis.HourlyRequests)
	}
	if analysis.DailyRequests != 6 {
		t.Errorf("daily = %d, want 6", analysis.DailyRequests)
	}
}

func TestBehaviorAnalyzer_SkipsEmptyAddress(t *testing.T) {
	a := NewBehaviorAnalyzer(AnalyzerConfig{}, discardLogger())
	defer a.Close()

	a.TrackRequest("", "example.com")
	a.TrackRequest("unknown", "example.com")

	if stats := a.Stats(); stats.TrackedIPs != 0 {
		t.Errorf("tracked = %d, want 0", stats.TrackedIPs)
	}
}

func TestBehaviorAnalyzer_IPInfo(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{}, time.Second)

	a.TrackRequest("10.0.0.8", "a.example.com")
	a.TrackRequest("10.0.0.8", "a.example.com")
	a.TrackRequest("10.0.0.8", "b.example.com")

	info := a.IPInfo("10.0.0.8")
	if info == nil {
		t.Fatal("IPInfo returned nil for tracked address")
	}
	if info.DailyRequests != 3 || info.UniqueDomains != 2 {
		t.Errorf("info = %+v", info)
	}
	if len(info.TopDomains) != 2 || info.TopDomains[0].Domain != "a.example.com" || info.TopDomains[0].Count != 2 {
		t.Errorf("top domains = %v", info.TopDomains)
	}

	if a.IPInfo("1.2.3.4") != nil {
		t.Error("IPInfo for unseen address should be nil")
	}
}

func TestBehaviorAnalyzer_TopIPs(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{}, time.Second)

	for range 3 {
		a.TrackRequest("10.0.0.1", "example.com")
	}
	a.TrackRequest("10.0.0.2", "example.com")

	top := a.TopIPs(5)
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top[0].Address != "10.0.0.1" {
		t.Errorf("top address = %q, want 10.0.0.1", top[0].Address)
	}

	if got := a.TopIPs(1); len(got) != 1 {
		t.Errorf("TopIPs(1) len = %d, want 1", len(got))
	}
}

func TestBehaviorAnalyzer_ResetIP(t *testing.T) {
	a := testAnalyzer(t, AnalyzerConfig{}, time.Second)

	a.TrackRequest("10.0.0.9", "example.com")
	if !a.ResetIP("10.0.0.9") {
		t.Error("reset of tracked address should succeed")
	}
	if a.IPInfo("10.0.0.9") != nil {
		t.Error("address should be gone after reset")
	}
	if a.ResetIP("10.0.0.9") {
		t.Error("second reset should report false")
	}
}

func TestBehaviorAnalyzer_Cleanup(t *testing.T) {
	a := NewBehaviorAnalyzer(AnalyzerConfig{}, discardLogger())
	defer a.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	a.now = func() time.Time { return current }

	a.TrackRequest("stale", "example.com")
	current = base.Add(25 * time.Hour)
	a.TrackRequest("fresh", "example.com")

	if removed := a.Cleanup(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if a.IPInfo("stale") != nil {
		t.Error("stale address should be evicted")
	}
	if a.IPInfo("fresh") == nil {
		t.Error("fresh address should survive")
	}
}

func hasReasonPrefix(reasons []string, prefix string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}
