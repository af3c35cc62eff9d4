package ward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Confidence grades how certain a threat verdict is.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ThreatResult is the verdict for one domain.
type ThreatResult struct {
	Domain     string     `json:"domain"`
	Malicious  bool       `json:"malicious"`
	Threats    []string   `json:"threats,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
	URLCount   int        `json:"url_count,omitempty"`
	FromCache  bool       `json:"from_cache,omitempty"`
}

// ThreatStats summarizes threat client activity.
type ThreatStats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	CacheSize int   `json:"cache_size"`
	Malicious int64 `json:"malicious"`
	Errors    int64 `json:"errors"`

	// CacheHitRate is the share of checks served from cache, as a
	// percentage (0 to 100).
	CacheHitRate float64 `json:"cache_hit_rate"`
}

type threatCacheEntry struct {
	result   ThreatResult
	cachedAt time.Time
}

// ThreatClient queries a URLhaus-compatible feed for known malicious
// domains. Verdicts are cached for one hour. A malformed or empty
// response means not-malicious; only transport failures surface as
// errors so the caller's fail policy can apply.
type ThreatClient struct {
	// Endpoint of the feed, e.g. "https://urlhaus-api.abuse.ch/v1/host/".
	Endpoint string

	// Client for HTTP requests (http.DefaultClient if nil).
	Client *http.Client

	// CacheTTL bounds how long a verdict is reused. Defaults to 1 hour.
	CacheTTL time.Duration

	// MaxCacheEntries caps the cache size. Defaults to 10000.
	MaxCacheEntries int

	mu        sync.RWMutex
	cache     map[string]threatCacheEntry
	logger    *slog.Logger
	lookups   int64
	cacheHits int64
	malicious int64
	errors    int64

	// now is swapped in tests to drive the clock.
	now func() time.Time
}

// NewThreatClient creates a client for the given feed endpoint.
func NewThreatClient(endpoint string, logger *slog.Logger) *ThreatClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreatClient{
		Endpoint:        endpoint,
		CacheTTL:        time.Hour,
		MaxCacheEntries: 10000,
		cache:           make(map[string]threatCacheEntry),
		logger:          logger,
		now:             time.Now,
	}
}

type threatFeedURL struct {
	URL         string   `json:"url"`
	URLStatus   string   `json:"url_status"`
	Threat      string   `json:"threat"`
	ThreatLevel int      `json:"threat_level"`
	Tags        []string `json:"tags"`
}

type threatFeedResponse struct {
	QueryStatus string          `json:"query_status"`
	URLs        []threatFeedURL `json:"urls"`
}

// Check queries the feed for domain, serving from cache when fresh.
func (c *ThreatClient) Check(ctx context.Context, domain string) (ThreatResult, error) {
	normalized, err := NormalizeHost(domain)
	if err != nil {
		return ThreatResult{Domain: domain}, nil
	}

	c.mu.RLock()
	entry, cached := c.cache[normalized]
	ttl := c.CacheTTL
	c.mu.RUnlock()

	if cached && c.now().Sub(entry.cachedAt) < ttl {
		c.mu.Lock()
		c.cacheHits++
		c.mu.Unlock()
		result := entry.result
		result.FromCache = true
		return result, nil
	}

	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()

	result, err := c.query(ctx, normalized)
	if err != nil {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		return ThreatResult{Domain: normalized}, err
	}

	c.mu.Lock()
	c.pruneCacheLocked()
	c.cache[normalized] = threatCacheEntry{result: result, cachedAt: c.now()}
	if result.Malicious {
		c.malicious++
	}
	c.mu.Unlock()

	if result.Malicious {
		c.logger.Warn("threat feed hit",
			"domain", normalized,
			"threats", result.Threats,
			"confidence", result.Confidence,
		)
	}
	return result, nil
}

func (c *ThreatClient) query(ctx context.Context, domain string) (ThreatResult, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	form := url.Values{"host": {domain}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ThreatResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return ThreatResult{}, fmt.Errorf("threat feed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ThreatResult{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var feed threatFeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		// Malformed feed output is treated as no data, not as a threat.
		return ThreatResult{Domain: domain}, nil
	}

	if feed.QueryStatus != "ok" || len(feed.URLs) == 0 {
		return ThreatResult{Domain: domain}, nil
	}

	threats := make(map[string]bool)
	maxLevel := 0
	online := 0
	for _, u := range feed.URLs {
		if u.Threat != "" {
			threats[u.Threat] = true
		}
		if u.ThreatLevel > maxLevel {
			maxLevel = u.ThreatLevel
		}
		if u.URLStatus == "online" {
			online++
		}
	}

	labels := make([]string, 0, len(threats))
	for t := range threats {
		labels = append(labels, t)
	}
	sort.Strings(labels)

	return ThreatResult{
		Domain:     domain,
		Malicious:  true,
		Threats:    labels,
		Confidence: confidenceFromLevel(maxLevel),
		URLCount:   len(feed.URLs),
	}, nil
}

// confidenceFromLevel maps the feed's worst threat level to a verdict
// confidence.
func confidenceFromLevel(level int) Confidence {
	switch {
	case level >= 4:
		return ConfidenceHigh
	case level >= 2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// pruneCacheLocked makes room for one more entry when the cache is at
// capacity. Expired entries go first; if none have expired the whole
// cache is dropped rather than tracking insertion order.
func (c *ThreatClient) pruneCacheLocked() {
	limit := c.MaxCacheEntries
	if limit <= 0 || len(c.cache) < limit {
		return
	}
	cutoff := c.now().Add(-c.CacheTTL)
	for domain, entry := range c.cache {
		if entry.cachedAt.Before(cutoff) {
			delete(c.cache, domain)
		}
	}
	if len(c.cache) >= limit {
		c.cache = make(map[string]threatCacheEntry)
	}
}

// ClearCache drops all cached verdicts.
func (c *ThreatClient) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]threatCacheEntry)
	c.mu.Unlock()
}

// Stats returns aggregate counters.
func (c *ThreatClient) Stats() ThreatStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.lookups + c.cacheHits
	rate := 0.0
	if total > 0 {
		rate = float64(c.cacheHits) / float64(total) * 100
	}
	return ThreatStats{
		Lookups:      c.lookups,
		CacheHits:    c.cacheHits,
		CacheSize:    len(c.cache),
		Malicious:    c.malicious,
		Errors:       c.errors,
		CacheHitRate: rate,
	}
}
