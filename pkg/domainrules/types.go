package domainrules

import "fmt"

// Kind says how a rule value is compared against a host.
type Kind int

const (
	// Exact matches the host only.
	Exact Kind = iota
	// Suffix matches the domain itself and every subdomain.
	Suffix
	// Keyword matches any host containing the value.
	Keyword
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "full"
	case Suffix:
		return "domain"
	case Keyword:
		return "keyword"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Rule is one normalized entry of a domain list. Value is lower-cased and,
// for internationalized names, punycode encoded.
type Rule struct {
	Kind  Kind
	Value string
}

// String returns the rule in domain list syntax, e.g. "domain:example.com".
func (r Rule) String() string {
	return r.Kind.String() + ":" + r.Value
}

// RuleSet keeps rules in authored order.
type RuleSet []Rule

// HasKeyword reports whether any rule needs substring matching.
func (rs RuleSet) HasKeyword() bool {
	for _, r := range rs {
		if r.Kind == Keyword {
			return true
		}
	}
	return false
}

// Count returns the number of rules of the given kind.
func (rs RuleSet) Count(kind Kind) int {
	n := 0
	for _, r := range rs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// Dedupe returns a copy without repeated (kind, value) pairs. The first
// occurrence keeps its position.
func (rs RuleSet) Dedupe() RuleSet {
	seen := make(map[Rule]struct{}, len(rs))
	out := make(RuleSet, 0, len(rs))
	for _, r := range rs {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Values returns the rule values of one kind in order.
func (rs RuleSet) Values(kind Kind) []string {
	var out []string
	for _, r := range rs {
		if r.Kind == kind {
			out = append(out, r.Value)
		}
	}
	return out
}
