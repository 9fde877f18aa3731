// Package domainrules turns plain-text domain lists into normalized match
// rules.
//
// A list holds one entry per line. Blank lines and lines starting with '#'
// are ignored. Entries may carry a prefix:
//
//	keyword:google     any host containing "google"
//	full:example.com   example.com only
//	domain:example.com example.com and all subdomains
//	.example.com       same as domain:
//	example.com        same as domain:
package domainrules

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const (
	prefixKeyword = "keyword:"
	prefixFull    = "full:"
	prefixDomain  = "domain:"
)

// Loader parses domain list lines.
type Loader struct {
	// BareExact makes a bare entry produce an Exact rule in addition to the
	// Suffix rule. Proxy core routing rule sets are generated this way.
	BareExact bool
}

// LoadRules parses lines with the default policy: bare entries are suffix
// matches only.
func LoadRules(lines []string) RuleSet {
	return Loader{}.Load(lines)
}

// Load parses every line. Lines that do not yield a valid rule are skipped.
func (l Loader) Load(lines []string) RuleSet {
	rules := make(RuleSet, 0, len(lines))
	for i, line := range lines {
		parsed, ok := l.parseLine(line)
		if !ok {
			slog.Debug("Skipping domain list entry", "line", i+1, "entry", strings.TrimSpace(line))
			continue
		}
		rules = append(rules, parsed...)
	}
	return rules
}

func (l Loader) parseLine(line string) ([]Rule, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, false
	}

	switch {
	case strings.HasPrefix(line, prefixKeyword):
		kw, ok := normalizeKeyword(line[len(prefixKeyword):])
		if !ok {
			return nil, false
		}
		return []Rule{{Kind: Keyword, Value: kw}}, true

	case strings.HasPrefix(line, prefixFull):
		v, ok := normalizeDomain(line[len(prefixFull):])
		if !ok {
			return nil, false
		}
		return []Rule{{Kind: Exact, Value: v}}, true

	case strings.HasPrefix(line, prefixDomain):
		v, ok := normalizeDomain(line[len(prefixDomain):])
		if !ok {
			return nil, false
		}
		return []Rule{{Kind: Suffix, Value: v}}, true

	case strings.HasPrefix(line, "."):
		v, ok := normalizeDomain(line[1:])
		if !ok {
			return nil, false
		}
		return []Rule{{Kind: Suffix, Value: v}}, true
	}

	if idx := strings.IndexByte(line, ':'); idx > 0 {
		// regexp:, geosite: and friends have no PAC equivalent.
		slog.Warn("Unsupported domain list prefix, entry ignored", "entry", line)
		return nil, false
	}

	v, ok := normalizeDomain(line)
	if !ok {
		return nil, false
	}
	if l.BareExact {
		return []Rule{{Kind: Exact, Value: v}, {Kind: Suffix, Value: v}}, true
	}
	return []Rule{{Kind: Suffix, Value: v}}, true
}

// normalizeDomain lower-cases the value, converts internationalized names to
// punycode and rejects anything that is not a plain host name.
func normalizeDomain(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimSuffix(v, ".")
	if v == "" {
		return "", false
	}
	if !isASCII(v) {
		ascii, err := idna.Lookup.ToASCII(v)
		if err != nil {
			slog.Warn("Invalid internationalized domain in list", "domain", v, "error", err)
			return "", false
		}
		v = ascii
	}
	if strings.HasPrefix(v, ".") || strings.Contains(v, "..") {
		return "", false
	}
	if !validHostChars(v) {
		slog.Warn("Domain list entry contains invalid characters, entry ignored", "entry", v)
		return "", false
	}
	return v, true
}

// normalizeKeyword lower-cases a keyword. Glob metacharacters are rejected
// because keywords are rendered into shExpMatch patterns.
func normalizeKeyword(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	if !isASCII(v) || !validHostChars(v) {
		slog.Warn("Keyword entry contains invalid characters, entry ignored", "keyword", v)
		return "", false
	}
	return v, true
}

func validHostChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
