package ward

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Toggles are the protection feature switches.
	Toggles Toggles `mapstructure:"toggles"`

	// FailPolicy is "open" or "closed" for failed lookups.
	FailPolicy string `mapstructure:"fail_policy"`

	// LookupTimeout bounds the geo and threat stages per request.
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`

	// Lists holds the user whitelist and blocklist seeded from config.
	Lists ListsConfig `mapstructure:"lists"`

	// Sources defines subscribed domain lists.
	Sources []SourceConfig `mapstructure:"sources"`

	// RefreshInterval for subscribed sources (0 = no auto-refresh).
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// Behavior configures the anomaly tracker.
	Behavior BehaviorConfig `mapstructure:"behavior"`

	// Geo configures country blocking.
	Geo GeoConfig `mapstructure:"geo"`

	// Threat configures the threat feed client.
	Threat ThreatConfig `mapstructure:"threat"`

	// RateLimit configures per-client throttling.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Admin configures the management API.
	Admin AdminConfig `mapstructure:"admin"`

	// BlockPage configures the HTML block page.
	BlockPage BlockPageConfig `mapstructure:"block_page"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Addr string `mapstructure:"addr"`

	// DialTimeout for origin connections
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// TunnelIdleTimeout closes idle CONNECT tunnels
	TunnelIdleTimeout time.Duration `mapstructure:"tunnel_idle_timeout"`
}

// ListsConfig seeds the user lists from configuration.
type ListsConfig struct {
	Whitelist []string `mapstructure:"whitelist"`
	Blocklist []string `mapstructure:"blocklist"`
}

// SourceConfig defines one subscribed domain list.
type SourceConfig struct {
	// ID uniquely names the source.
	ID string `mapstructure:"id"`

	// Name is the human-readable label.
	Name string `mapstructure:"name"`

	// Type of source: "file", "url", "static"
	Type string `mapstructure:"type"`

	// Path for file-based sources
	Path string `mapstructure:"path"`

	// URL for remote sources
	URL string `mapstructure:"url"`

	// List is "whitelist" or "blocklist" (default blocklist).
	List string `mapstructure:"list"`

	// Category for grouping/reporting (optional)
	Category string `mapstructure:"category"`

	// Enabled controls whether the source contributes matches.
	Enabled bool `mapstructure:"enabled"`

	// Domains for static sources
	Domains []string `mapstructure:"domains"`
}

// BehaviorConfig contains anomaly tracker thresholds.
type BehaviorConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	HourlyThreshold         int           `mapstructure:"hourly_threshold"`
	DailyThreshold          int           `mapstructure:"daily_threshold"`
	UniqueDomainsThreshold  int           `mapstructure:"unique_domains_threshold"`
	RepeatedAccessThreshold int           `mapstructure:"repeated_access_threshold"`
	BotInterval             time.Duration `mapstructure:"bot_interval"`
}

// GeoConfig contains country blocking settings.
type GeoConfig struct {
	// Provider is "http" or "mmdb".
	Provider string `mapstructure:"provider"`

	// APIURL for the http provider.
	APIURL string `mapstructure:"api_url"`

	// MMDBPath for the mmdb provider.
	MMDBPath string `mapstructure:"mmdb_path"`

	// Countries is the blocked ISO country code list.
	Countries []string `mapstructure:"countries"`
}

// ThreatConfig contains threat feed settings.
type ThreatConfig struct {
	// Endpoint of the URLhaus-compatible feed.
	Endpoint string `mapstructure:"endpoint"`
}

// RateLimitConfig contains throttling settings.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// AdminConfig contains management API settings.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// BlockPageConfig contains block page settings.
type BlockPageConfig struct {
	// TemplatePath to custom block page template
	TemplatePath string `mapstructure:"template_path"`

	// TemplateInline is inline template content
	TemplateInline string `mapstructure:"template_inline"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			DialTimeout:       10 * time.Second,
			TunnelIdleTimeout: 5 * time.Minute,
		},
		Toggles: Toggles{
			GeoBlocking: true,
			ThreatIntel: true,
		},
		FailPolicy:      string(FailOpen),
		LookupTimeout:   5 * time.Second,
		RefreshInterval: 6 * time.Hour,
		Behavior: BehaviorConfig{
			Enabled:                 true,
			HourlyThreshold:         500,
			DailyThreshold:          5000,
			UniqueDomainsThreshold:  100,
			RepeatedAccessThreshold: 50,
			BotInterval:             100 * time.Millisecond,
		},
		Geo: GeoConfig{
			Provider: "http",
			APIURL:   "http://ip-api.com/json/",
		},
		Threat: ThreatConfig{
			Endpoint: "https://urlhaus-api.abuse.ch/v1/host/",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Burst:   200,
		},
		Admin: AdminConfig{
			Enabled:    true,
			PathPrefix: "/api",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./ward.yaml, ./ward.yml, ./ward.json, ./ward.toml
// 3. $HOME/.ward/config.yaml
// 4. /etc/ward/config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("ward")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ward")
	v.AddConfigPath("/etc/ward")

	v.SetEnvPrefix("WARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.dial_timeout", defaults.Server.DialTimeout)
	v.SetDefault("server.tunnel_idle_timeout", defaults.Server.TunnelIdleTimeout)

	v.SetDefault("toggles.geo_blocking", defaults.Toggles.GeoBlocking)
	v.SetDefault("toggles.threat_intel", defaults.Toggles.ThreatIntel)

	v.SetDefault("fail_policy", defaults.FailPolicy)
	v.SetDefault("lookup_timeout", defaults.LookupTimeout)
	v.SetDefault("refresh_interval", defaults.RefreshInterval)

	v.SetDefault("behavior.enabled", defaults.Behavior.Enabled)
	v.SetDefault("behavior.hourly_threshold", defaults.Behavior.HourlyThreshold)
	v.SetDefault("behavior.daily_threshold", defaults.Behavior.DailyThreshold)
	v.SetDefault("behavior.unique_domains_threshold", defaults.Behavior.UniqueDomainsThreshold)
	v.SetDefault("behavior.repeated_access_threshold", defaults.Behavior.RepeatedAccessThreshold)
	v.SetDefault("behavior.bot_interval", defaults.Behavior.BotInterval)

	v.SetDefault("geo.provider", defaults.Geo.Provider)
	v.SetDefault("geo.api_url", defaults.Geo.APIURL)

	v.SetDefault("threat.endpoint", defaults.Threat.Endpoint)

	v.SetDefault("rate_limit.enabled", defaults.RateLimit.Enabled)
	v.SetDefault("rate_limit.rate", defaults.RateLimit.Rate)
	v.SetDefault("rate_limit.burst", defaults.RateLimit.Burst)

	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// BuildRuleStore creates a RuleStore seeded with the configured user
// lists and source registrations. Source domains load via the manager
// returned by BuildSourceManager.
func (c *Config) BuildRuleStore() (*RuleStore, error) {
	store := NewRuleStore()

	for _, d := range c.Lists.Whitelist {
		if _, err := store.AddUserDomain(d, ListWhitelist); err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", d, err)
		}
	}
	for _, d := range c.Lists.Blocklist {
		if _, err := store.AddUserDomain(d, ListBlocklist); err != nil {
			return nil, fmt.Errorf("blocklist entry %q: %w", d, err)
		}
	}

	for _, src := range c.Sources {
		kind := ListBlocklist
		if src.List == string(ListWhitelist) {
			kind = ListWhitelist
		}
		err := store.UpsertSource(RuleSource{
			ID:       src.ID,
			Name:     src.Name,
			URL:      src.URL,
			Enabled:  src.Enabled,
			Category: src.Category,
		}, kind)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.ID, err)
		}
	}

	return store, nil
}

// BuildSourceManager creates a SourceManager with one loader per
// configured source.
func (c *Config) BuildSourceManager(store *RuleStore, logger *slog.Logger) (*SourceManager, error) {
	manager := NewSourceManager(store, logger)

	for _, src := range c.Sources {
		var loader DomainLoader
		switch src.Type {
		case "file":
			loader = NewFileLoader(src.Path)
		case "url":
			loader = NewURLLoader(src.URL)
		case "static":
			loader = NewStaticLoader(src.Domains...)
		default:
			return nil, fmt.Errorf("source %q: unknown type %q", src.ID, src.Type)
		}
		manager.Register(src.ID, loader)
	}

	return manager, nil
}

// BuildAnalyzerConfig converts the behavior section to analyzer
// thresholds.
func (c *Config) BuildAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		HourlyThreshold:         c.Behavior.HourlyThreshold,
		DailyThreshold:          c.Behavior.DailyThreshold,
		UniqueDomainsThreshold:  c.Behavior.UniqueDomainsThreshold,
		RepeatedAccessThreshold: c.Behavior.RepeatedAccessThreshold,
		BotInterval:             c.Behavior.BotInterval,
	}
}

// BuildGeoBlocker creates the geo blocker with the configured provider.
// Returns nil when no countries are configured and geo blocking is off.
func (c *Config) BuildGeoBlocker(logger *slog.Logger) (*GeoBlocker, error) {
	var lookup CountryLookup
	switch c.Geo.Provider {
	case "mmdb":
		provider, err := NewMMDBGeoProvider(c.Geo.MMDBPath)
		if err != nil {
			return nil, err
		}
		lookup = provider
	case "http", "":
		lookup = NewHTTPGeoProvider(c.Geo.APIURL)
	default:
		return nil, fmt.Errorf("unknown geo provider: %s", c.Geo.Provider)
	}

	return NewGeoBlocker(c.Geo.Countries, lookup, logger), nil
}

// BuildBlockPage creates the configured block page, or the default one.
func (c *Config) BuildBlockPage() (*BlockPage, error) {
	if c.BlockPage.TemplatePath != "" {
		return NewBlockPageFromFile(c.BlockPage.TemplatePath)
	}
	if c.BlockPage.TemplateInline != "" {
		return NewBlockPageFromTemplate(c.BlockPage.TemplateInline)
	}
	return NewBlockPage(), nil
}

// BuildLogger creates the configured slog.Logger.
func (c *Config) BuildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}

	var out *os.File
	switch c.Logging.Output {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Ward - local web access proxy configuration

server:
  # Address to listen on
  addr: "127.0.0.1:8080"

  # Origin connection timeout
  dial_timeout: 10s

  # Idle CONNECT tunnels are closed after this long
  tunnel_idle_timeout: 5m

# Protection feature switches, changeable at runtime via the admin API
toggles:
  force_https: false
  block_ip_literals: false
  block_non_standard_ports: false
  geo_blocking: true
  threat_intel: true

# What to do when a geo or threat lookup fails: open (allow) or closed (block)
fail_policy: open

# Per-request bound on the geo and threat stages
lookup_timeout: 5s

# User lists seeded at startup
lists:
  whitelist:
    - "example.com"
  blocklist:
    - "ads.example.net"

# Subscribed domain lists
sources:
  - id: stevenblack
    name: "StevenBlack hosts"
    type: url
    url: "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts"
    list: blocklist
    category: ads
    enabled: true

  # - id: local-extra
  #   name: "Local blocklist"
  #   type: file
  #   path: "/etc/ward/blocklist.txt"
  #   list: blocklist
  #   enabled: true

# Auto-refresh interval for subscribed sources
refresh_interval: 6h

# Behavior anomaly tracking (advisory only)
behavior:
  enabled: true
  hourly_threshold: 500
  daily_threshold: 5000
  unique_domains_threshold: 100
  repeated_access_threshold: 50
  bot_interval: 100ms

geo:
  # Provider: http (ip-api style endpoint) or mmdb (local database)
  provider: http
  api_url: "http://ip-api.com/json/"
  # mmdb_path: "/var/lib/ward/GeoLite2-Country.mmdb"
  countries: []

threat:
  endpoint: "https://urlhaus-api.abuse.ch/v1/host/"

rate_limit:
  enabled: true
  rate: 100
  burst: 200

admin:
  enabled: true
  path_prefix: "/api"

block_page:
  # Custom template file (optional)
  # template_path: "/etc/ward/block.html"

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
