// Package sweep finds and removes credential artifacts that third-party
// OAuth libraries leave in the shared durable store. Matching is heuristic;
// the pattern list is configuration and is expected to need updates as
// provider libraries change their cache layout.
package sweep

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/cloudinventory/assistant/internal/storage"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Patterns is the configurable description of provider artifacts.
type Patterns struct {
	KeySubstrings   []string `yaml:"key_substrings"`
	KeyPatterns     []string `yaml:"key_patterns"`
	RecordFields    []string `yaml:"record_fields"`
	ProviderDomains []string `yaml:"provider_domains"`
}

// DefaultPatterns returns the built-in pattern list.
func DefaultPatterns() Patterns {
	p, err := ParsePatterns(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded sweep patterns: %v", err))
	}
	return p
}

// ParsePatterns decodes a YAML pattern document.
func ParsePatterns(data []byte) (Patterns, error) {
	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Patterns{}, fmt.Errorf("failed to parse sweep patterns: %w", err)
	}
	return p, nil
}

// LoadPatterns reads a pattern file. An empty path yields the defaults.
func LoadPatterns(path string) (Patterns, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Patterns{}, fmt.Errorf("failed to read sweep patterns: %w", err)
	}
	return ParsePatterns(data)
}

// Matcher decides whether a store entry looks like an OAuth artifact.
type Matcher struct {
	keySubstrings []string
	keyPatterns   []*regexp.Regexp
	recordFields  map[string]struct{}
	domains       []string
}

// NewMatcher compiles p. Key patterns are matched case-insensitively.
func NewMatcher(p Patterns) (*Matcher, error) {
	m := &Matcher{recordFields: make(map[string]struct{}, len(p.RecordFields))}
	for _, s := range p.KeySubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			m.keySubstrings = append(m.keySubstrings, s)
		}
	}
	for _, expr := range p.KeyPatterns {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", expr, err)
		}
		m.keyPatterns = append(m.keyPatterns, re)
	}
	for _, f := range p.RecordFields {
		m.recordFields[strings.ToLower(f)] = struct{}{}
	}
	for _, d := range p.ProviderDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			m.domains = append(m.domains, d)
		}
	}
	return m, nil
}

// Match reports whether the entry key/value looks like a provider artifact.
func (m *Matcher) Match(key, value string) bool {
	return m.MatchKey(key) || m.matchValue(value)
}

// MatchKey applies only the key-name rules.
func (m *Matcher) MatchKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range m.keySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, re := range m.keyPatterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchValue(value string) bool {
	if value == "" {
		return false
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(value), &record); err == nil {
		for field := range record {
			if _, ok := m.recordFields[strings.ToLower(field)]; ok {
				return true
			}
		}
	}
	lower := strings.ToLower(value)
	for _, d := range m.domains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// Sweep removes every entry of store that m matches and returns the removed
// keys. It keeps going after individual failures and reports them together.
func Sweep(store storage.Store, m *Matcher) ([]string, error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for _, key := range keys {
		value, ok, err := store.Get(key)
		if err != nil {
			// Unreadable values are judged by their key alone
			log.Debug().Err(err).Str("key", key).Msg("sweep could not read value")
			value, ok = "", true
		}
		if !ok || !m.Match(key, value) {
			continue
		}
		if err := store.Delete(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, key)
	}

	if len(removed) > 0 {
		log.Info().Int("count", len(removed)).Msg("removed oauth artifacts from store")
	}
	return removed, errors.Join(errs...)
}
