package ward

import "testing"

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "example.com", "example.com", false},
		{"uppercase", "EXAMPLE.COM", "example.com", false},
		{"mixed case", "ExAmPle.CoM", "example.com", false},
		{"trailing dot", "example.com.", "example.com", false},
		{"port stripped", "example.com:8443", "example.com", false},
		{"scheme stripped", "https://example.com", "example.com", false},
		{"scheme and path stripped", "https://example.com/some/path", "example.com", false},
		{"userinfo stripped", "user:pass@example.com", "example.com", false},
		{"whitespace trimmed", "  example.com  ", "example.com", false},
		{"subdomain", "a.b.example.com", "a.b.example.com", false},
		{"ipv4", "192.168.1.1", "192.168.1.1", false},
		{"ipv4 with port", "192.168.1.1:8080", "192.168.1.1", false},
		{"ipv6 bracketed", "[2001:db8::1]", "2001:db8::1", false},
		{"ipv6 bracketed with port", "[2001:db8::1]:443", "2001:db8::1", false},
		{"idn", "bücher.example", "xn--bcher-kva.example", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"lone dot", ".", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeHost(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeHost(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeHost(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateDomain(t *testing.T) {
	valid := []string{
		"example.com",
		"a.b.example.com",
		"sub-domain.example.com",
		"xn--bcher-kva.example",
		"under_score.example.com",
		"123.example.com",
	}
	for _, d := range valid {
		if err := ValidateDomain(d); err != nil {
			t.Errorf("ValidateDomain(%q) = %v, want nil", d, err)
		}
	}

	invalid := []string{
		"",
		"localhost",
		"nodot",
		"example..com",
		".example.com",
		"example.com.",
		"-example.com",
		"example-.com",
		"exa mple.com",
		"Example.com",
	}
	for _, d := range invalid {
		if err := ValidateDomain(d); err == nil {
			t.Errorf("ValidateDomain(%q) = nil, want error", d)
		}
	}
}

func TestValidateDomain_Lengths(t *testing.T) {
	longLabel := make([]byte, 64)
	for i := range longLabel {
		longLabel[i] = 'a'
	}
	if err := ValidateDomain(string(longLabel) + ".com"); err == nil {
		t.Error("64-char label should be rejected")
	}

	okLabel := string(longLabel[:63])
	if err := ValidateDomain(okLabel + ".com"); err != nil {
		t.Errorf("63-char label should be accepted: %v", err)
	}

	long := okLabel
	for len(long) < maxDomainLength+10 {
		long += "." + okLabel
	}
	if err := ValidateDomain(long); err == nil {
		t.Error("overlong domain should be rejected")
	}
}

func TestIsIPLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"192.168.1.1", true},
		{"8.8.8.8", true},
		{"2001:db8::1", true},
		{"::1", true},
		{"example.com", false},
		{"192.168.1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsIPLiteral(tt.in); got != tt.want {
			t.Errorf("IsIPLiteral(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in          string
		defaultPort int
		wantHost    string
		wantPort    int
	}{
		{"example.com:443", 80, "example.com", 443},
		{"example.com", 443, "example.com", 443},
		{"example.com:0", 443, "example.com", 443},
		{"example.com:99999", 443, "example.com", 443},
		{"example.com:abc", 443, "example.com", 443},
		{"[2001:db8::1]:8080", 443, "2001:db8::1", 8080},
	}
	for _, tt := range tests {
		host, port := splitHostPort(tt.in, tt.defaultPort)
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitHostPort(%q, %d) = (%q, %d), want (%q, %d)",
				tt.in, tt.defaultPort, host, port, tt.wantHost, tt.wantPort)
		}
	}
}
