package ward

import "sort"

// ListConflict reports a domain present in both a whitelist and a
// blocklist. The whitelist always wins at match time; the conflict
// report exists so the user can clean up.
type ListConflict struct {
	Domain         string     `json:"domain"`
	InWhitelist    RuleOrigin `json:"in_whitelist"`
	InBlocklist    RuleOrigin `json:"in_blocklist"`
	Recommendation string     `json:"recommendation"`
}

// ConflictCheck is the result of probing a single domain before adding
// it to a list.
type ConflictCheck struct {
	HasConflict bool   `json:"has_conflict"`
	Source      string `json:"source,omitempty"`
	Message     string `json:"message,omitempty"`
}

// DetectConflicts scans all lists for domains present on both sides.
// Only enabled sources participate. This is a diagnostic operation and
// stays off the request hot path.
func (s *RuleStore) DetectConflicts() []ListConflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allow := make(map[string]RuleOrigin, len(s.userAllow))
	for d := range s.userAllow {
		allow[d] = OriginUser
	}
	block := make(map[string]RuleOrigin, len(s.userBlock))
	for d := range s.userBlock {
		block[d] = OriginUser
	}
	for _, src := range s.sources {
		if !src.meta.Enabled {
			continue
		}
		target := allow
		if src.kind == ListBlocklist {
			target = block
		}
		for d := range src.domains {
			if _, ok := target[d]; !ok {
				target[d] = OriginSystem
			}
		}
	}

	var conflicts []ListConflict
	for domain, allowOrigin := range allow {
		blockOrigin, ok := block[domain]
		if !ok {
			continue
		}
		conflicts = append(conflicts, ListConflict{
			Domain:         domain,
			InWhitelist:    allowOrigin,
			InBlocklist:    blockOrigin,
			Recommendation: conflictRecommendation(allowOrigin, blockOrigin),
		})
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Domain < conflicts[j].Domain })
	return conflicts
}

func conflictRecommendation(inWhitelist, inBlocklist RuleOrigin) string {
	switch {
	case inWhitelist == OriginUser && inBlocklist == OriginUser:
		return "Remove from one list - whitelist takes priority"
	case inWhitelist == OriginSystem && inBlocklist == OriginUser:
		return "Your block rule will be ignored - domain is system whitelisted"
	case inWhitelist == OriginUser && inBlocklist == OriginSystem:
		return "Domain will be allowed - your whitelist takes priority"
	default:
		return "Two subscribed lists disagree - whitelist takes priority"
	}
}

// CheckConflict reports whether adding domain to targetList would
// conflict with an entry on the opposite list. It never prevents the
// add; callers use it to warn before committing.
func (s *RuleStore) CheckConflict(domain string, targetList ListKind) ConflictCheck {
	normalized, err := NormalizeHost(domain)
	if err != nil {
		return ConflictCheck{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	opposite := ListBlocklist
	if targetList == ListBlocklist {
		opposite = ListWhitelist
	}

	user := s.userBlock
	if opposite == ListWhitelist {
		user = s.userAllow
	}
	if _, ok := user[normalized]; ok {
		if opposite == ListBlocklist {
			return ConflictCheck{
				HasConflict: true,
				Source:      "user_blocklist",
				Message:     "This domain is in your blocklist. Adding it to the whitelist will allow it.",
			}
		}
		return ConflictCheck{
			HasConflict: true,
			Source:      "user_whitelist",
			Message:     "This domain is in your whitelist. It will still be allowed despite being blocklisted.",
		}
	}

	for _, src := range s.sources {
		if !src.meta.Enabled || src.kind != opposite {
			continue
		}
		if _, ok := src.domains[normalized]; ok {
			if opposite == ListBlocklist {
				return ConflictCheck{
					HasConflict: true,
					Source:      "system_blocklist",
					Message:     "This domain is blocked by a protection list. Adding it to the whitelist will override the protection.",
				}
			}
			return ConflictCheck{
				HasConflict: true,
				Source:      "system_whitelist",
				Message:     "This domain is system whitelisted. Your block rule will be ignored.",
			}
		}
	}

	return ConflictCheck{}
}
