package ward

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/template"
)

// PACGenerator builds proxy auto-configuration scripts so browsers can
// discover the proxy without manual setup.
type PACGenerator struct {
	// ProxyAddr is the host:port clients should proxy through.
	ProxyAddr string

	// FallbackDirect appends DIRECT to the proxy directive so clients
	// keep working if the proxy is down.
	FallbackDirect bool

	// BypassDomains are sent DIRECT, never through the proxy.
	BypassDomains []string

	// BypassNetworks are CIDR ranges sent DIRECT.
	BypassNetworks []string
}

// NewPACGenerator creates a generator with sensible local bypass
// defaults.
func NewPACGenerator(proxyAddr string) *PACGenerator {
	return &PACGenerator{
		ProxyAddr:      proxyAddr,
		FallbackDirect: true,
		BypassDomains:  []string{"localhost", "127.0.0.1"},
		BypassNetworks: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	}
}

// AddBypassDomain appends a domain that should bypass the proxy.
func (g *PACGenerator) AddBypassDomain(domain string) {
	g.BypassDomains = append(g.BypassDomains, domain)
}

// AddBypassNetwork appends a CIDR range that should bypass the proxy.
func (g *PACGenerator) AddBypassNetwork(cidr string) {
	g.BypassNetworks = append(g.BypassNetworks, cidr)
}

const pacTemplate = `function FindProxyForURL(url, host) {
    if (isPlainHostName(host)) {
        return "DIRECT";
    }
{{range .Domains}}    if (dnsDomainIs(host, "{{.}}")) {
        return "DIRECT";
    }
{{end}}{{range .Networks}}    if (isInNet(host, "{{.Addr}}", "{{.Mask}}")) {
        return "DIRECT";
    }
{{end}}    return "{{.Directive}}";
}
`

type pacNetwork struct {
	Addr string
	Mask string
}

// GenerateString renders the PAC script.
func (g *PACGenerator) GenerateString() (string, error) {
	directive := "PROXY " + g.ProxyAddr
	if g.FallbackDirect {
		directive += "; DIRECT"
	}

	var networks []pacNetwork
	for _, cidr := range g.BypassNetworks {
		addr, prefix, ok := strings.Cut(cidr, "/")
		if !ok {
			continue
		}
		mask := cidrToMask(prefix)
		if mask == "" {
			continue
		}
		networks = append(networks, pacNetwork{Addr: addr, Mask: mask})
	}

	tmpl, err := template.New("pac").Parse(pacTemplate)
	if err != nil {
		return "", fmt.Errorf("parse PAC template: %w", err)
	}

	var sb strings.Builder
	err = tmpl.Execute(&sb, struct {
		Domains   []string
		Networks  []pacNetwork
		Directive string
	}{
		Domains:   g.BypassDomains,
		Networks:  networks,
		Directive: directive,
	})
	if err != nil {
		return "", fmt.Errorf("render PAC template: %w", err)
	}
	return sb.String(), nil
}

// WriteFile writes the PAC script to the given path.
func (g *PACGenerator) WriteFile(path string) error {
	pac, err := g.GenerateString()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(pac), 0o644)
}

// ServeHTTP serves the PAC script with the standard content type.
func (g *PACGenerator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	pac, err := g.GenerateString()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write([]byte(pac))
}

// cidrToMask converts an IPv4 prefix length to a dotted netmask.
// Returns "" for invalid input.
func cidrToMask(prefix string) string {
	bits, err := strconv.Atoi(prefix)
	if err != nil || bits < 0 || bits > 32 {
		return ""
	}
	mask := uint32(0)
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}
