package ward

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// DomainLoader fetches the member domains of a rule source.
type DomainLoader interface {
	// Load reads the source and returns its domains.
	Load(ctx context.Context) ([]string, error)
}

// DomainLoaderFunc is a function adapter for DomainLoader.
type DomainLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls the underlying function.
func (f DomainLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// ParseDomainList parses a plain domain list or a hosts-format file,
// one entry per line. Comments (#) and empty lines are skipped; hosts
// lines ("0.0.0.0 ads.example") yield the second field.
func ParseDomainList(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i != -1 {
			line = strings.TrimSpace(line[:i])
		}

		fields := strings.Fields(line)
		entry := fields[0]
		if len(fields) > 1 && (entry == "0.0.0.0" || entry == "127.0.0.1" || entry == "::" || entry == "::1") {
			entry = fields[1]
		}
		if entry == "" || entry == "localhost" || entry == "localhost.localdomain" {
			continue
		}

		domains = append(domains, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return domains, nil
}

// FileLoader loads a domain list from a local file.
type FileLoader struct {
	// Path to the list file.
	Path string
}

// NewFileLoader creates a loader for the given file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements DomainLoader.
func (l *FileLoader) Load(ctx context.Context) ([]string, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open list file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseDomainList(f)
}

// URLLoader fetches a domain list from an HTTP endpoint. Responses with
// Content-Encoding or Content-Type indicating gzip are decompressed
// transparently; published blocklists are frequently served that way.
type URLLoader struct {
	// URL to fetch the list from.
	URL string

	// Client for HTTP requests (http.DefaultClient if nil).
	Client *http.Client
}

// NewURLLoader creates a loader that fetches a domain list from a URL.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint}
}

// Load implements DomainLoader.
func (l *URLLoader) Load(ctx context.Context) ([]string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" ||
		strings.HasSuffix(l.URL, ".gz") ||
		resp.Header.Get("Content-Type") == "application/gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		body = gz
	}

	return ParseDomainList(body)
}

// StaticLoader returns a fixed set of domains. Useful for testing and
// for inlining small lists from configuration.
type StaticLoader struct {
	Domains []string
}

// NewStaticLoader creates a loader with a fixed domain set.
func NewStaticLoader(domains ...string) *StaticLoader {
	return &StaticLoader{Domains: domains}
}

// Load implements DomainLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]string, error) {
	return l.Domains, nil
}

// SourceManager refreshes the subscribed sources of a RuleStore from
// their loaders. All sources refresh in parallel; one failing source
// never prevents the others from updating.
type SourceManager struct {
	store   *RuleStore
	loaders map[string]DomainLoader
	logger  *slog.Logger

	// FetchTimeout bounds a single source refresh. Defaults to 2 minutes.
	FetchTimeout time.Duration

	// OnReload is called after each successful source refresh with the
	// source ID and accepted domain count.
	OnReload func(id string, count int)

	// OnError is called when a source refresh fails.
	OnError func(id string, err error)
}

// NewSourceManager creates a manager bound to the given store.
func NewSourceManager(store *RuleStore, logger *slog.Logger) *SourceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceManager{
		store:        store,
		loaders:      make(map[string]DomainLoader),
		logger:       logger,
		FetchTimeout: 2 * time.Minute,
	}
}

// Register attaches a loader to a source already present in the store.
func (m *SourceManager) Register(id string, loader DomainLoader) {
	m.loaders[id] = loader
}

// Refresh reloads a single source by ID.
func (m *SourceManager) Refresh(ctx context.Context, id string) error {
	loader, ok := m.loaders[id]
	if !ok {
		return fmt.Errorf("no loader for source %s", id)
	}

	ctx, cancel := context.WithTimeout(ctx, m.FetchTimeout)
	defer cancel()

	domains, err := loader.Load(ctx)
	if err != nil {
		if m.OnError != nil {
			m.OnError(id, err)
		}
		return fmt.Errorf("load source %s: %w", id, err)
	}

	count, err := m.store.ReloadSource(id, domains)
	if err != nil {
		if m.OnError != nil {
			m.OnError(id, err)
		}
		return err
	}

	m.logger.Info("source refreshed", "source", id, "domains", count)
	if m.OnReload != nil {
		m.OnReload(id, count)
	}
	return nil
}

// RefreshAll reloads every registered source concurrently and returns
// the first error encountered, after all refreshes finish.
func (m *SourceManager) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for id := range m.loaders {
		g.Go(func() error {
			if err := m.Refresh(ctx, id); err != nil {
				m.logger.Warn("source refresh failed", "source", id, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StartAutoRefresh refreshes all sources at the given interval until the
// returned cancel function is called or the context ends.
func (m *SourceManager) StartAutoRefresh(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.RefreshAll(ctx)
			}
		}
	}()

	return cancel
}
