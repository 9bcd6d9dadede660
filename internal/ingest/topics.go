package ingest

import (
	"strings"

	"homesense/internal/config"
	"homesense/internal/normalize"
)

type TopicPolicy struct {
	Enabled   bool
	AllowOnly bool
	Allow     []string
	Deny      []string
}

func buildTopicPolicy(cfg config.TopicPolicyConfig) *TopicPolicy {
	p := &TopicPolicy{Enabled: cfg.Enabled, AllowOnly: cfg.AllowOnly}
	if !p.Enabled {
		return p
	}
	p.Allow = SanitizeTopics(cfg.Allow)
	p.Deny = SanitizeTopics(cfg.Deny)
	return p
}

// Allowed applies deny entries first, then, in allow-only mode, requires an
// allow entry to match.
func (p *TopicPolicy) Allowed(topic string) bool {
	if p == nil || !p.Enabled {
		return true
	}
	if matchAny(p.Deny, topic) {
		return false
	}
	if p.AllowOnly && !matchAny(p.Allow, topic) {
		return false
	}
	return true
}

func matchAny(filters []string, topic string) bool {
	for _, f := range filters {
		if normalize.TopicMatches(f, topic) {
			return true
		}
	}
	return false
}

// SanitizeTopics trims entries and drops blanks and duplicates.
func SanitizeTopics(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
