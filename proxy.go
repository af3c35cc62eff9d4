package ward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Proxy is an intercepting HTTP/HTTPS proxy that evaluates every
// destination against the decision engine before any connection to the
// origin is made. HTTPS traffic passes through an opaque CONNECT
// tunnel; TLS is never terminated and payloads are never inspected.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080").
	Addr string

	// Engine decides whether destinations are allowed.
	Engine *Engine

	// Logger for proxy events.
	Logger *slog.Logger

	// Transport for plaintext outbound requests (optional, uses default
	// if nil).
	Transport http.RoundTripper

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// PACHandler serves PAC files at /proxy.pac (optional).
	PACHandler *PACGenerator

	// HealthChecker provides /healthz and /readyz endpoints (optional).
	HealthChecker *HealthChecker

	// AccessLog writes structured access log entries (optional).
	AccessLog *AccessLogger

	// RateLimiter provides per-client request throttling (optional).
	RateLimiter *RateLimiter

	// Admin provides REST endpoints for runtime rule management and
	// status inspection (optional). Requests matching AdminAPI.PathPrefix
	// are routed to the admin handler instead of being proxied.
	Admin *AdminAPI

	// Events receives notable proxy occurrences (optional).
	Events *EventBus

	// BlockPage is a custom block page template for plaintext requests
	// (optional, uses default if nil).
	BlockPage *BlockPage

	// DialTimeout bounds origin connection attempts. Defaults to 10s.
	DialTimeout time.Duration

	// TunnelIdleTimeout closes tunnels with no traffic in either
	// direction for this long. Defaults to 5 minutes.
	TunnelIdleTimeout time.Duration

	listener net.Listener
	srv      *http.Server
}

// NewProxy creates a proxy on addr with the given engine.
func NewProxy(addr string, engine *Engine) *Proxy {
	return &Proxy{
		Addr:      addr,
		Engine:    engine,
		Logger:    slog.Default(),
		Transport: http.DefaultTransport,
	}
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	p.listener = listener

	p.srv = &http.Server{
		Handler: p,
	}

	p.Logger.Info("proxy listening", "addr", p.Addr)
	return p.srv.Serve(listener)
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.srv != nil {
		return p.srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.PACHandler != nil && r.URL.Path == "/proxy.pac" && r.Method != http.MethodConnect {
		p.PACHandler.ServeHTTP(w, r)
		return
	}
	if p.Metrics != nil && r.URL.Path == "/metrics" && r.Method != http.MethodConnect {
		p.Metrics.Handler().ServeHTTP(w, r)
		return
	}
	if p.HealthChecker != nil && r.Method != http.MethodConnect {
		switch r.URL.Path {
		case "/healthz":
			p.HealthChecker.HandleHealthz(w, r)
			return
		case "/readyz":
			p.HealthChecker.HandleReadyz(w, r)
			return
		}
	}
	if p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix) && r.Method != http.MethodConnect {
		p.Admin.ServeHTTP(w, r)
		return
	}

	if p.RateLimiter != nil {
		if !p.RateLimiter.AllowHTTP(w, r) {
			if p.Metrics != nil {
				p.Metrics.RecordRequest(r.Method, "rate_limited")
			}
			return
		}
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// resolveIP returns one address for host, for the geo stage. IP literals
// pass through; resolution failures return empty and the decision
// proceeds without a geo check.
func (p *Proxy) resolveIP(ctx context.Context, host string) string {
	if IsIPLiteral(host) {
		return host
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// handleConnect evaluates the destination, then either relays an opaque
// tunnel or answers with a synthetic 403. A blocked destination is
// never dialed.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "https")
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}
	p.Logger.Debug("CONNECT", "host", r.Host)

	host, port := splitHostPort(r.Host, 443)
	client := clientAddr(r.RemoteAddr)

	target := Target{
		Host:       host,
		IP:         p.resolveIP(r.Context(), host),
		Port:       port,
		Scheme:     "https",
		ClientAddr: client,
	}
	start := time.Now()
	verdict := p.Engine.Evaluate(r.Context(), target)
	p.observeVerdict(r.Method, host, client, verdict)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		return
	}
	defer func() { _ = clientConn.Close() }()

	if !verdict.Allow {
		p.writeTunnelBlock(clientConn, verdict.Reason)
		p.logAccess(AccessLogEntry{
			Timestamp:   time.Now(),
			Method:      r.Method,
			Host:        r.Host,
			Scheme:      "https",
			Blocked:     true,
			Stage:       verdict.Stage,
			BlockReason: verdict.Reason,
			ClientAddr:  client,
			Duration:    time.Since(start),
		})
		return
	}

	dialTimeout := p.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	originConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), dialTimeout)
	if err != nil {
		p.Logger.Error("dial origin", "host", r.Host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(host)
		}
		p.writeRawResponse(clientConn, http.StatusBadGateway, "cannot reach origin")
		p.logAccess(AccessLogEntry{
			Timestamp:  time.Now(),
			Method:     r.Method,
			Host:       r.Host,
			Scheme:     "https",
			ClientAddr: client,
			Duration:   time.Since(start),
			Error:      err.Error(),
		})
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = originConn.Close()
		return
	}

	idle := p.TunnelIdleTimeout
	if idle == 0 {
		idle = 5 * time.Minute
	}
	stats := relayTunnel(clientConn, originConn, idle)

	if p.Metrics != nil {
		p.Metrics.RecordTunnelBytes("upstream", stats.BytesUp)
		p.Metrics.RecordTunnelBytes("downstream", stats.BytesDown)
	}
	p.logAccess(AccessLogEntry{
		Timestamp:    time.Now(),
		Method:       r.Method,
		Host:         r.Host,
		Scheme:       "https",
		StatusCode:   http.StatusOK,
		Duration:     stats.Duration,
		BytesWritten: stats.BytesDown,
		ClientAddr:   client,
	})
}

// writeTunnelBlock answers a blocked CONNECT with a synthetic 403. The
// reason travels in a header; there is no page to render before TLS.
func (p *Proxy) writeTunnelBlock(conn net.Conn, reason string) {
	body := "access blocked: " + reason
	fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"X-Block-Reason: %s\r\n"+
		"Connection: close\r\n\r\n%s", len(body), reason, body)
}

func (p *Proxy) writeRawResponse(conn net.Conn, status int, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n%s", status, http.StatusText(status), len(body), body)
}

// handleHTTP forwards plain HTTP requests addressed with an absolute
// URI, after the same decision the tunnel path makes.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	host, port := splitHostPort(r.Host, 80)
	client := clientAddr(r.RemoteAddr)

	target := Target{
		Host:       host,
		IP:         p.resolveIP(r.Context(), host),
		Port:       port,
		Scheme:     "http",
		ClientAddr: client,
	}
	start := time.Now()
	verdict := p.Engine.Evaluate(r.Context(), target)
	p.observeVerdict(r.Method, host, client, verdict)

	if !verdict.Allow {
		p.writeBlockPage(w, r, verdict)
		p.logAccess(AccessLogEntry{
			Timestamp:   time.Now(),
			Method:      r.Method,
			Host:        r.Host,
			Path:        r.URL.Path,
			Scheme:      "http",
			Blocked:     true,
			Stage:       verdict.Stage,
			BlockReason: verdict.Reason,
			ClientAddr:  client,
			UserAgent:   r.UserAgent(),
			Duration:    time.Since(start),
		})
		return
	}

	outReq := r.Clone(r.Context())
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = r.Host
	}
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	transport := p.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(host)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		p.logAccess(AccessLogEntry{
			Timestamp:  time.Now(),
			Method:     r.Method,
			Host:       r.Host,
			Path:       r.URL.Path,
			Scheme:     "http",
			Duration:   time.Since(start),
			ClientAddr: client,
			UserAgent:  r.UserAgent(),
			Error:      err.Error(),
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)
	p.logAccess(AccessLogEntry{
		Timestamp:    time.Now(),
		Method:       r.Method,
		Host:         r.Host,
		Path:         r.URL.Path,
		Scheme:       "http",
		StatusCode:   resp.StatusCode,
		Duration:     time.Since(start),
		BytesWritten: written,
		ClientAddr:   client,
		UserAgent:    r.UserAgent(),
	})
}

// writeBlockPage renders the HTML block page for plaintext requests.
func (p *Proxy) writeBlockPage(w http.ResponseWriter, r *http.Request, verdict Verdict) {
	blockPage := p.BlockPage
	if blockPage == nil {
		blockPage = NewBlockPage()
	}

	host, _ := splitHostPort(r.Host, 80)
	data := BlockPageData{
		URL:       r.URL.String(),
		Host:      host,
		Path:      r.URL.Path,
		Stage:     verdict.Stage,
		Reason:    verdict.Reason,
		Timestamp: time.Now().Format(time.RFC1123),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Block-Reason", verdict.Reason)
	w.WriteHeader(http.StatusForbidden)
	blockPage.Render(w, data) //nolint:errcheck
}

// observeVerdict records the verdict in logs, metrics, and the event
// bus. Every decision publishes one allowed or blocked event.
func (p *Proxy) observeVerdict(method, host, client string, verdict Verdict) {
	if p.Metrics != nil {
		// Geo and Threat are set whenever their stage ran; FromCache
		// marks results that cost no lookup.
		if verdict.Geo != nil && !verdict.Geo.FromCache {
			p.Metrics.RecordGeoLookup()
		}
		if verdict.Threat != nil && !verdict.Threat.FromCache {
			p.Metrics.RecordThreatLookup()
		}
	}

	if verdict.Allow {
		if p.Events != nil {
			p.Events.Publish(Event{
				Type:       EventAllowed,
				Host:       host,
				ClientAddr: client,
				Stage:      verdict.Stage,
			})
		}
	} else {
		p.Logger.Info("blocked",
			"host", host,
			"stage", verdict.Stage,
			"reason", verdict.Reason,
			"client", client,
		)
		if p.Metrics != nil {
			p.Metrics.RecordBlocked(verdict.Stage)
			if verdict.Stage == StageGeo && verdict.Geo != nil {
				p.Metrics.RecordGeoBlocked(verdict.Geo.CountryCode)
			}
			if verdict.Stage == StageThreat {
				p.Metrics.RecordThreatHit()
			}
		}
		if p.Events != nil {
			p.Events.Publish(Event{
				Type:       EventBlocked,
				Host:       host,
				ClientAddr: client,
				Stage:      verdict.Stage,
				Reason:     verdict.Reason,
			})
		}
	}

	if verdict.Behavior != nil && verdict.Behavior.Suspicious {
		if p.Metrics != nil {
			p.Metrics.RecordSuspicious(string(verdict.Behavior.Severity))
		}
		if p.Events != nil {
			p.Events.Publish(Event{
				Type:       EventSuspicious,
				Host:       host,
				ClientAddr: client,
				Severity:   string(verdict.Behavior.Severity),
				Reason:     strings.Join(verdict.Behavior.Reasons, "; "),
			})
		}
	}
}

func (p *Proxy) logAccess(e AccessLogEntry) {
	if p.AccessLog != nil {
		p.AccessLog.Log(e)
	}
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
