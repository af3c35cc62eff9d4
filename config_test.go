package ward

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.DialTimeout != 10*time.Second {
		t.Errorf("dial timeout = %v", cfg.Server.DialTimeout)
	}
	if cfg.FailPolicy != "open" {
		t.Errorf("fail policy = %q, want open", cfg.FailPolicy)
	}
	if !cfg.Toggles.GeoBlocking || !cfg.Toggles.ThreatIntel {
		t.Error("geo blocking and threat intel should default on")
	}
	if cfg.Toggles.ForceHTTPS {
		t.Error("force HTTPS should default off")
	}
	if cfg.Behavior.HourlyThreshold != 500 || cfg.Behavior.DailyThreshold != 5000 {
		t.Errorf("behavior thresholds = %+v", cfg.Behavior)
	}
	if cfg.RateLimit.Rate != 100 || cfg.RateLimit.Burst != 200 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.Admin.PathPrefix != "/api" {
		t.Errorf("admin prefix = %q", cfg.Admin.PathPrefix)
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	yaml := []byte(`
server:
  addr: "127.0.0.1:9090"
  dial_timeout: 3s

toggles:
  force_https: true
  block_ip_literals: true

fail_policy: closed
lookup_timeout: 2s

lists:
  whitelist:
    - "trusted.example.com"
  blocklist:
    - "ads.example.net"

sources:
  - id: local
    name: "Local list"
    type: static
    list: blocklist
    enabled: true
    domains:
      - "evil.example.org"

behavior:
  hourly_threshold: 50

geo:
  countries: ["KP", "IR"]

logging:
  level: debug
  format: json
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.DialTimeout != 3*time.Second {
		t.Errorf("dial timeout = %v", cfg.Server.DialTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Server.TunnelIdleTimeout != 5*time.Minute {
		t.Errorf("tunnel idle timeout = %v, want default 5m", cfg.Server.TunnelIdleTimeout)
	}
	if !cfg.Toggles.ForceHTTPS || !cfg.Toggles.BlockIPLiterals {
		t.Errorf("toggles = %+v", cfg.Toggles)
	}
	if cfg.FailPolicy != "closed" {
		t.Errorf("fail policy = %q", cfg.FailPolicy)
	}
	if len(cfg.Lists.Whitelist) != 1 || cfg.Lists.Whitelist[0] != "trusted.example.com" {
		t.Errorf("whitelist = %v", cfg.Lists.Whitelist)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].ID != "local" || cfg.Sources[0].Type != "static" {
		t.Errorf("sources = %+v", cfg.Sources)
	}
	if cfg.Behavior.HourlyThreshold != 50 {
		t.Errorf("hourly threshold = %d", cfg.Behavior.HourlyThreshold)
	}
	if cfg.Behavior.DailyThreshold != 5000 {
		t.Errorf("daily threshold = %d, want default", cfg.Behavior.DailyThreshold)
	}
	if len(cfg.Geo.Countries) != 2 {
		t.Errorf("countries = %v", cfg.Geo.Countries)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadConfigFromReader_Invalid(t *testing.T) {
	if _, err := LoadConfigFromReader("yaml", []byte("server: [not: valid")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ward.yaml")
	content := []byte("server:\n  addr: \"0.0.0.0:3128\"\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:3128" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/ward.yaml"); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestConfig_BuildRuleStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lists.Whitelist = []string{"trusted.example.com"}
	cfg.Lists.Blocklist = []string{"ads.example.net"}
	cfg.Sources = []SourceConfig{
		{ID: "feed", Name: "Feed", Type: "static", List: "blocklist", Enabled: true, Domains: []string{"evil.example.org"}},
	}

	store, err := cfg.BuildRuleStore()
	if err != nil {
		t.Fatalf("BuildRuleStore failed: %v", err)
	}

	if !store.Match("trusted.example.com").InWhitelist {
		t.Error("whitelist entry should match")
	}
	if !store.Match("ads.example.net").InBlocklist {
		t.Error("blocklist entry should match")
	}

	sources := store.Sources()
	if len(sources) != 1 || sources[0].ID != "feed" || !sources[0].Enabled {
		t.Errorf("sources = %+v", sources)
	}
	// Domains arrive via the source manager, not at store build time.
	if store.Match("evil.example.org").InBlocklist {
		t.Error("source domains should not load before a refresh")
	}
}

func TestConfig_BuildRuleStore_InvalidEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lists.Blocklist = []string{"not a domain"}

	if _, err := cfg.BuildRuleStore(); err == nil {
		t.Error("expected error for invalid blocklist entry")
	}
}

func TestConfig_BuildSourceManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sources = []SourceConfig{
		{ID: "feed", Type: "static", List: "blocklist", Enabled: true, Domains: []string{"evil.example.org"}},
	}

	store, err := cfg.BuildRuleStore()
	if err != nil {
		t.Fatalf("BuildRuleStore failed: %v", err)
	}
	manager, err := cfg.BuildSourceManager(store, discardLogger())
	if err != nil {
		t.Fatalf("BuildSourceManager failed: %v", err)
	}

	if err := manager.Refresh(t.Context(), "feed"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !store.Match("evil.example.org").InBlocklist {
		t.Error("static source domain should match after refresh")
	}
}

func TestConfig_BuildSourceManager_UnknownType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sources = []SourceConfig{{ID: "x", Type: "carrier-pigeon"}}

	if _, err := cfg.BuildSourceManager(NewRuleStore(), discardLogger()); err == nil {
		t.Error("expected error for unknown source type")
	}
}

func TestConfig_BuildAnalyzerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Behavior.HourlyThreshold = 42
	cfg.Behavior.BotInterval = 250 * time.Millisecond

	ac := cfg.BuildAnalyzerConfig()
	if ac.HourlyThreshold != 42 {
		t.Errorf("hourly = %d", ac.HourlyThreshold)
	}
	if ac.BotInterval != 250*time.Millisecond {
		t.Errorf("bot interval = %v", ac.BotInterval)
	}
}

func TestConfig_BuildGeoBlocker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Geo.Countries = []string{"kp"}

	g, err := cfg.BuildGeoBlocker(discardLogger())
	if err != nil {
		t.Fatalf("BuildGeoBlocker failed: %v", err)
	}
	countries := g.BlockedCountries()
	if len(countries) != 1 || countries[0] != "KP" {
		t.Errorf("countries = %v", countries)
	}
}

func TestConfig_BuildGeoBlocker_UnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Geo.Provider = "telepathy"

	if _, err := cfg.BuildGeoBlocker(discardLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestConfig_BuildBlockPage(t *testing.T) {
	cfg := DefaultConfig()

	bp, err := cfg.BuildBlockPage()
	if err != nil {
		t.Fatalf("BuildBlockPage failed: %v", err)
	}
	if bp == nil {
		t.Fatal("default block page should not be nil")
	}

	cfg.BlockPage.TemplateInline = `<html>{{.Reason}}</html>`
	bp, err = cfg.BuildBlockPage()
	if err != nil {
		t.Fatalf("inline template failed: %v", err)
	}
	out, err := bp.RenderString(BlockPageData{Reason: "nope"})
	if err != nil {
		t.Fatalf("RenderString failed: %v", err)
	}
	if out != "<html>nope</html>" {
		t.Errorf("render = %q", out)
	}
}

func TestConfig_BuildLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	logger, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("BuildLogger failed: %v", err)
	}
	if logger == nil {
		t.Fatal("logger should not be nil")
	}

	cfg.Logging.Level = "shout"
	if _, err := cfg.BuildLogger(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestWriteExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "ward.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Sources) == 0 {
		t.Error("example config should define a source")
	}
}
