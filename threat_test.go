package ward

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func threatFeedServer(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("host") == "" {
			t.Error("missing host form value")
		}
		fmt.Fprint(w, body)
	}))
}

func TestThreatClient_Check_Malicious(t *testing.T) {
	srv := threatFeedServer(t, `{
		"query_status": "ok",
		"urls": [
			{"url": "http://evil.example.com/a", "url_status": "online", "threat": "malware_download", "threat_level": 4},
			{"url": "http://evil.example.com/b", "url_status": "offline", "threat": "malware_download", "threat_level": 2},
			{"url": "http://evil.example.com/c", "url_status": "online", "threat": "botnet_cc", "threat_level": 3}
		]
	}`, nil)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	result, err := c.Check(context.Background(), "evil.example.com")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if !result.Malicious {
		t.Error("expected malicious verdict")
	}
	if result.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %q, want high", result.Confidence)
	}
	if result.URLCount != 3 {
		t.Errorf("url count = %d, want 3", result.URLCount)
	}
	wantThreats := []string{"botnet_cc", "malware_download"}
	if len(result.Threats) != len(wantThreats) {
		t.Fatalf("threats = %v, want %v", result.Threats, wantThreats)
	}
	for i := range wantThreats {
		if result.Threats[i] != wantThreats[i] {
			t.Errorf("threats = %v, want %v (deduped, sorted)", result.Threats, wantThreats)
			break
		}
	}
}

func TestThreatClient_Check_Clean(t *testing.T) {
	srv := threatFeedServer(t, `{"query_status": "no_results"}`, nil)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	result, err := c.Check(context.Background(), "good.example.com")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Malicious {
		t.Error("no_results should be clean")
	}
}

func TestThreatClient_Check_EmptyURLList(t *testing.T) {
	srv := threatFeedServer(t, `{"query_status": "ok", "urls": []}`, nil)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	result, err := c.Check(context.Background(), "good.example.com")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Malicious {
		t.Error("empty url list should be clean")
	}
}

func TestThreatClient_Check_MalformedResponse(t *testing.T) {
	srv := threatFeedServer(t, `{{{not json`, nil)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	result, err := c.Check(context.Background(), "whatever.example.com")
	if err != nil {
		t.Fatalf("malformed feed output should not error: %v", err)
	}
	if result.Malicious {
		t.Error("malformed feed output should be clean")
	}
}

func TestThreatClient_Check_TransportError(t *testing.T) {
	srv := threatFeedServer(t, "", nil)
	srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	if _, err := c.Check(context.Background(), "example.com"); err == nil {
		t.Error("transport failure should surface as an error")
	}
	if c.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", c.Stats().Errors)
	}
}

func TestThreatClient_Check_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	if _, err := c.Check(context.Background(), "example.com"); err == nil {
		t.Error("non-200 status should surface as an error")
	}
}

func TestThreatClient_Check_Cache(t *testing.T) {
	var hits atomic.Int32
	srv := threatFeedServer(t, `{
		"query_status": "ok",
		"urls": [{"url": "http://evil.example.com/a", "url_status": "online", "threat": "malware_download", "threat_level": 2}]
	}`, &hits)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())

	first, err := c.Check(context.Background(), "evil.example.com")
	if err != nil {
		t.Fatalf("first Check failed: %v", err)
	}
	if first.FromCache {
		t.Error("first verdict should not be cached")
	}

	second, err := c.Check(context.Background(), "EVIL.example.com:443")
	if err != nil {
		t.Fatalf("second Check failed: %v", err)
	}
	if !second.FromCache {
		t.Error("second verdict should come from cache after normalization")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("feed queried %d times, want 1", n)
	}

	stats := c.Stats()
	if stats.Lookups != 1 || stats.CacheHits != 1 || stats.Malicious != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.CacheHitRate != 50 {
		t.Errorf("cache hit rate = %v, want 50 percent", stats.CacheHitRate)
	}
}

func TestThreatClient_Check_CacheExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := threatFeedServer(t, `{"query_status": "no_results"}`, &hits)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Check(context.Background(), "example.com"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := c.Check(context.Background(), "example.com"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("feed queried %d times after expiry, want 2", n)
	}
}

func TestThreatClient_Check_InvalidHost(t *testing.T) {
	c := NewThreatClient("http://127.0.0.1:0", discardLogger())
	result, err := c.Check(context.Background(), "")
	if err != nil {
		t.Fatalf("invalid host should not error: %v", err)
	}
	if result.Malicious {
		t.Error("invalid host should be clean")
	}
}

func TestThreatClient_CacheBounded(t *testing.T) {
	srv := threatFeedServer(t, `{"query_status": "no_results"}`, nil)
	defer srv.Close()

	c := NewThreatClient(srv.URL, discardLogger())
	c.MaxCacheEntries = 3

	for i := 0; i < 10; i++ {
		domain := fmt.Sprintf("host%d.example.com", i)
		if _, err := c.Check(context.Background(), domain); err != nil {
			t.Fatalf("Check %s failed: %v", domain, err)
		}
	}
	if size := c.Stats().CacheSize; size > 3 {
		t.Errorf("cache size = %d, want at most 3", size)
	}
}

func TestConfidenceFromLevel(t *testing.T) {
	tests := []struct {
		level int
		want  Confidence
	}{
		{0, ConfidenceLow},
		{1, ConfidenceLow},
		{2, ConfidenceMedium},
		{3, ConfidenceMedium},
		{4, ConfidenceHigh},
		{10, ConfidenceHigh},
	}
	for _, tt := range tests {
		if got := confidenceFromLevel(tt.level); got != tt.want {
			t.Errorf("confidenceFromLevel(%d) = %q, want %q", tt.level, got, tt.want)
		}
	}
}
