package ward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/yl2chen/cidranger"
)

// CountryLookup resolves an IP address to a country.
type CountryLookup interface {
	// Lookup returns the country name and ISO 3166-1 alpha-2 code for ip.
	Lookup(ctx context.Context, ip string) (country, code string, err error)
}

// GeoResult is the outcome of a geo check for one address.
type GeoResult struct {
	IP          string `json:"ip"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Blocked     bool   `json:"blocked"`

	// FromCache reports whether the result was served without a lookup.
	FromCache bool `json:"from_cache,omitempty"`
}

// GeoStats summarizes geo-blocker activity.
type GeoStats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	CacheSize int   `json:"cache_size"`
	Blocked   int64 `json:"blocked"`
	Errors    int64 `json:"errors"`

	// CacheHitRate is the share of checks served from cache, as a
	// percentage (0 to 100).
	CacheHitRate float64 `json:"cache_hit_rate"`

	BlockedCountries []string `json:"blocked_countries"`
}

type geoCacheEntry struct {
	country  string
	code     string
	cachedAt time.Time
}

// GeoBlocker checks the origin country of resolved addresses against a
// blocked-country set. Private, loopback, and reserved addresses never
// trigger a lookup. Results are cached for 24 hours.
type GeoBlocker struct {
	mu        sync.RWMutex
	blocked   map[string]bool
	cache     map[string]geoCacheEntry
	lookup    CountryLookup
	ranger    cidranger.Ranger
	logger    *slog.Logger
	lookups   int64
	cacheHits int64
	blockHits int64
	errors    int64

	// CacheTTL bounds how long a lookup result is reused. Defaults to
	// 24 hours.
	CacheTTL time.Duration

	// MaxCacheEntries caps the cache size. Defaults to 10000.
	MaxCacheEntries int

	// now is swapped in tests to drive the clock.
	now func() time.Time
}

// privateNetworks lists address ranges that never leave the local
// network and therefore have no meaningful country.
var privateNetworks = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

func newPrivateRanger() cidranger.Ranger {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range privateNetworks {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		_ = ranger.Insert(cidranger.NewBasicRangerEntry(*network))
	}
	return ranger
}

// NewGeoBlocker creates a blocker for the given country codes using the
// provided lookup backend.
func NewGeoBlocker(countries []string, lookup CountryLookup, logger *slog.Logger) *GeoBlocker {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GeoBlocker{
		blocked:         make(map[string]bool),
		cache:           make(map[string]geoCacheEntry),
		lookup:          lookup,
		ranger:          newPrivateRanger(),
		logger:          logger,
		CacheTTL:        24 * time.Hour,
		MaxCacheEntries: 10000,
		now:             time.Now,
	}
	g.SetBlockedCountries(countries)
	return g
}

// SetBlockedCountries replaces the blocked-country set. Codes are
// uppercased; "XX" (unknown country) is never blockable and is dropped.
func (g *GeoBlocker) SetBlockedCountries(countries []string) {
	fresh := make(map[string]bool, len(countries))
	for _, c := range countries {
		code := strings.ToUpper(strings.TrimSpace(c))
		if code == "" || code == "XX" {
			continue
		}
		fresh[code] = true
	}

	g.mu.Lock()
	g.blocked = fresh
	g.mu.Unlock()
}

// BlockedCountries returns the current blocked-country codes, sorted.
func (g *GeoBlocker) BlockedCountries() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.blocked)
}

// IsPrivate reports whether ip belongs to a private, loopback, or
// link-local range, or does not parse at all.
func (g *GeoBlocker) IsPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	contained, err := g.ranger.Contains(parsed)
	if err != nil {
		return true
	}
	return contained
}

// Check resolves the country of ip and reports whether it is blocked.
// Private addresses, empty input, and "unknown" short-circuit to
// not-blocked without a lookup. Lookup failures also return not-blocked;
// the caller's fail policy applies to the error, not here.
func (g *GeoBlocker) Check(ctx context.Context, ip string) (GeoResult, error) {
	if ip == "" || ip == "unknown" || g.IsPrivate(ip) {
		return GeoResult{IP: ip}, nil
	}

	g.mu.RLock()
	entry, cached := g.cache[ip]
	ttl := g.CacheTTL
	g.mu.RUnlock()

	if cached && g.now().Sub(entry.cachedAt) < ttl {
		g.mu.Lock()
		g.cacheHits++
		blocked := g.blocked[entry.code]
		if blocked {
			g.blockHits++
		}
		g.mu.Unlock()
		return GeoResult{
			IP:          ip,
			Country:     entry.country,
			CountryCode: entry.code,
			Blocked:     blocked,
			FromCache:   true,
		}, nil
	}

	g.mu.Lock()
	g.lookups++
	g.mu.Unlock()

	country, code, err := g.lookup.Lookup(ctx, ip)
	if err != nil {
		g.mu.Lock()
		g.errors++
		g.mu.Unlock()
		return GeoResult{IP: ip}, fmt.Errorf("geo lookup %s: %w", ip, err)
	}

	code = strings.ToUpper(strings.TrimSpace(code))

	g.mu.Lock()
	g.pruneCacheLocked()
	g.cache[ip] = geoCacheEntry{country: country, code: code, cachedAt: g.now()}
	blocked := g.blocked[code]
	if blocked {
		g.blockHits++
	}
	g.mu.Unlock()

	if blocked {
		g.logger.Info("geo blocked", "ip", ip, "country", country, "code", code)
	}

	return GeoResult{
		IP:          ip,
		Country:     country,
		CountryCode: code,
		Blocked:     blocked,
	}, nil
}

// pruneCacheLocked makes room for one more entry when the cache is at
// capacity. Expired entries go first; if none have expired the whole
// cache is dropped rather than tracking insertion order.
func (g *GeoBlocker) pruneCacheLocked() {
	limit := g.MaxCacheEntries
	if limit <= 0 || len(g.cache) < limit {
		return
	}
	cutoff := g.now().Add(-g.CacheTTL)
	for ip, entry := range g.cache {
		if entry.cachedAt.Before(cutoff) {
			delete(g.cache, ip)
		}
	}
	if len(g.cache) >= limit {
		g.cache = make(map[string]geoCacheEntry)
	}
}

// ClearCache drops all cached lookups.
func (g *GeoBlocker) ClearCache() {
	g.mu.Lock()
	g.cache = make(map[string]geoCacheEntry)
	g.mu.Unlock()
}

// Stats returns aggregate counters.
func (g *GeoBlocker) Stats() GeoStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := g.lookups + g.cacheHits
	rate := 0.0
	if total > 0 {
		rate = float64(g.cacheHits) / float64(total) * 100
	}
	return GeoStats{
		Lookups:          g.lookups,
		CacheHits:        g.cacheHits,
		CacheSize:        len(g.cache),
		Blocked:          g.blockHits,
		Errors:           g.errors,
		CacheHitRate:     rate,
		BlockedCountries: sortedKeys(g.blocked),
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HTTPGeoProvider resolves countries through a JSON geolocation API.
// The endpoint receives the IP appended to BaseURL and must answer with
// {"status":"success","country":...,"countryCode":...}.
type HTTPGeoProvider struct {
	// BaseURL of the API, e.g. "http://ip-api.com/json/".
	BaseURL string

	// Client for HTTP requests (http.DefaultClient if nil).
	Client *http.Client
}

// NewHTTPGeoProvider creates a provider for an ip-api style endpoint.
func NewHTTPGeoProvider(baseURL string) *HTTPGeoProvider {
	return &HTTPGeoProvider{BaseURL: baseURL}
}

// Lookup implements CountryLookup.
func (p *HTTPGeoProvider) Lookup(ctx context.Context, ip string) (string, string, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := p.BaseURL
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+ip+"?fields=status,country,countryCode", nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("geo request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		Country     string `json:"country"`
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode geo response: %w", err)
	}
	if body.Status != "success" {
		return "", "", fmt.Errorf("geo lookup failed for %s", ip)
	}
	return body.Country, body.CountryCode, nil
}

// MMDBGeoProvider resolves countries from a local MaxMind database.
// It never touches the network, so it is the better backend when a
// country MMDB file is available.
type MMDBGeoProvider struct {
	reader *geoip2.Reader
}

// NewMMDBGeoProvider opens the MMDB file at path.
func NewMMDBGeoProvider(path string) (*MMDBGeoProvider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database: %w", err)
	}
	return &MMDBGeoProvider{reader: reader}, nil
}

// Lookup implements CountryLookup.
func (p *MMDBGeoProvider) Lookup(ctx context.Context, ip string) (string, string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", "", fmt.Errorf("invalid ip: %s", ip)
	}
	record, err := p.reader.Country(parsed)
	if err != nil {
		return "", "", fmt.Errorf("geo database: %w", err)
	}
	return record.Country.Names["en"], record.Country.IsoCode, nil
}

// Close releases the underlying database handle.
func (p *MMDBGeoProvider) Close() error {
	return p.reader.Close()
}
