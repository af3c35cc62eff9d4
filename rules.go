package ward

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ListKind identifies which list a rule belongs to.
type ListKind string

const (
	// ListWhitelist holds domains that are always allowed.
	ListWhitelist ListKind = "whitelist"

	// ListBlocklist holds domains that are blocked.
	ListBlocklist ListKind = "blocklist"
)

// RuleOrigin identifies who owns a rule.
type RuleOrigin string

const (
	// OriginUser marks rules added by the user.
	OriginUser RuleOrigin = "user"

	// OriginSystem marks rules contributed by a subscribed source.
	OriginSystem RuleOrigin = "system"
)

// DomainRule is a single domain entry in a list. A rule for "example.com"
// matches example.com and every subdomain of it, never an ancestor.
type DomainRule struct {
	// Domain is the normalized domain (lowercase, no scheme, no
	// trailing dot).
	Domain string `json:"domain"`

	// Origin is "user" or "system".
	Origin RuleOrigin `json:"origin"`

	// SourceID is set for system rules and names the contributing source.
	SourceID string `json:"source_id,omitempty"`
}

// RuleSource is a subscribed list of domains that can be toggled on and
// off without deleting its members.
type RuleSource struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url,omitempty"`
	Enabled     bool      `json:"enabled"`
	Category    string    `json:"category,omitempty"`
	DomainCount int       `json:"domain_count"`
	LastUpdate  time.Time `json:"last_update,omitzero"`
}

// MatchResult describes the outcome of a RuleStore lookup.
type MatchResult struct {
	InWhitelist bool
	InBlocklist bool

	// Rule is the matched entry, nil when neither list matched.
	Rule *DomainRule
}

type sourceSet struct {
	meta    RuleSource
	kind    ListKind
	domains map[string]*DomainRule
}

// RuleStore holds the user lists and all subscribed sources and answers
// membership queries with subdomain semantics. Reads never block other
// reads; mutations take the write lock.
type RuleStore struct {
	mu sync.RWMutex

	userAllow map[string]*DomainRule
	userBlock map[string]*DomainRule
	sources   map[string]*sourceSet
}

// NewRuleStore creates an empty RuleStore.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		userAllow: make(map[string]*DomainRule),
		userBlock: make(map[string]*DomainRule),
		sources:   make(map[string]*sourceSet),
	}
}

// AddUserDomain validates and adds a domain to the user whitelist or
// blocklist. Adding a domain that already exists in the target list is
// an error; adding one present in the opposite list is allowed (use
// CheckConflict to warn first).
func (s *RuleStore) AddUserDomain(domain string, list ListKind) (*DomainRule, error) {
	normalized, err := NormalizeHost(domain)
	if err != nil {
		return nil, fmt.Errorf("invalid domain: %w", err)
	}
	if !IsIPLiteral(normalized) {
		if err := ValidateDomain(normalized); err != nil {
			return nil, fmt.Errorf("invalid domain: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.userList(list)
	if err != nil {
		return nil, err
	}
	if _, exists := target[normalized]; exists {
		return nil, fmt.Errorf("domain %q already in %s", normalized, list)
	}

	rule := &DomainRule{Domain: normalized, Origin: OriginUser}
	target[normalized] = rule
	return rule, nil
}

// RemoveUserDomain removes a domain from a user list. Removing a missing
// domain is not an error; the return value reports whether anything was
// removed.
func (s *RuleStore) RemoveUserDomain(domain string, list ListKind) bool {
	normalized, err := NormalizeHost(domain)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.userList(list)
	if err != nil {
		return false
	}
	if _, ok := target[normalized]; !ok {
		return false
	}
	delete(target, normalized)
	return true
}

func (s *RuleStore) userList(list ListKind) (map[string]*DomainRule, error) {
	switch list {
	case ListWhitelist:
		return s.userAllow, nil
	case ListBlocklist:
		return s.userBlock, nil
	default:
		return nil, fmt.Errorf("unknown list kind: %s", list)
	}
}

// UpsertSource registers (or updates the metadata of) a subscribed
// source. Its domain set is populated via ReloadSource.
func (s *RuleStore) UpsertSource(meta RuleSource, kind ListKind) error {
	if meta.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if kind != ListWhitelist && kind != ListBlocklist {
		return fmt.Errorf("unknown list kind: %s", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sources[meta.ID]; ok {
		meta.DomainCount = len(existing.domains)
		existing.meta = meta
		existing.kind = kind
		return nil
	}

	s.sources[meta.ID] = &sourceSet{
		meta:    meta,
		kind:    kind,
		domains: make(map[string]*DomainRule),
	}
	return nil
}

// SetSourceEnabled toggles a source. A disabled source contributes no
// matches but keeps its domains in memory. Returns false if the source
// is unknown.
func (s *RuleStore) SetSourceEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return false
	}
	src.meta.Enabled = enabled
	return true
}

// ReloadSource atomically replaces a source's domain set. Malformed
// entries are skipped; the count of accepted domains is returned.
func (s *RuleStore) ReloadSource(id string, domains []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return 0, fmt.Errorf("unknown source: %s", id)
	}

	fresh := make(map[string]*DomainRule, len(domains))
	for _, d := range domains {
		normalized, err := NormalizeHost(d)
		if err != nil {
			continue
		}
		if !IsIPLiteral(normalized) {
			if ValidateDomain(normalized) != nil {
				continue
			}
		}
		fresh[normalized] = &DomainRule{
			Domain:   normalized,
			Origin:   OriginSystem,
			SourceID: id,
		}
	}

	src.domains = fresh
	src.meta.DomainCount = len(fresh)
	src.meta.LastUpdate = time.Now()
	return len(fresh), nil
}

// Sources returns metadata for all registered sources, sorted by ID.
func (s *RuleStore) Sources() []RuleSource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RuleSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UserRules returns a snapshot of one user list, sorted by domain.
func (s *RuleStore) UserRules(list ListKind) []DomainRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, err := s.userList(list)
	if err != nil {
		return nil
	}
	out := make([]DomainRule, 0, len(target))
	for _, r := range target {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Count returns the total number of rules across user lists and enabled
// sources.
func (s *RuleStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.userAllow) + len(s.userBlock)
	for _, src := range s.sources {
		if src.meta.Enabled {
			n += len(src.domains)
		}
	}
	return n
}

// Match looks a hostname up against all lists. Whitelist membership at
// any origin wins over blocklist membership at any origin, so the
// whitelist walk completes before the blocklist is consulted at all.
//
// The walk forms every label suffix of the hostname from most to least
// specific: a rule for "example.com" matches "example.com" and
// "a.b.example.com" but never "com" or "notexample.com".
func (s *RuleStore) Match(hostname string) MatchResult {
	normalized, err := NormalizeHost(hostname)
	if err != nil {
		return MatchResult{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if rule := s.lookup(normalized, ListWhitelist); rule != nil {
		return MatchResult{InWhitelist: true, Rule: rule}
	}
	if rule := s.lookup(normalized, ListBlocklist); rule != nil {
		return MatchResult{InBlocklist: true, Rule: rule}
	}
	return MatchResult{}
}

// lookup walks label suffixes of host against the user list and every
// enabled source of the given kind. Caller holds at least the read lock.
func (s *RuleStore) lookup(host string, kind ListKind) *DomainRule {
	user := s.userAllow
	if kind == ListBlocklist {
		user = s.userBlock
	}

	suffix := host
	for {
		if rule, ok := user[suffix]; ok {
			return rule
		}
		for _, src := range s.sources {
			if !src.meta.Enabled || src.kind != kind {
				continue
			}
			if rule, ok := src.domains[suffix]; ok {
				return rule
			}
		}

		dot := strings.IndexByte(suffix, '.')
		if dot == -1 {
			return nil
		}
		suffix = suffix[dot+1:]
		// A bare TLD is never a meaningful rule target; stop before
		// testing it so "com" cannot match a rule for "example.com".
		if !strings.Contains(suffix, ".") {
			return nil
		}
	}
}
