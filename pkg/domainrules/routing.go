package domainrules

import (
	"encoding/json"
)

// RoutingRule is one entry of a proxy core routing rule set.
type RoutingRule struct {
	Remarks     string   `json:"remarks,omitempty"`
	OutboundTag string   `json:"outboundTag"`
	Domain      []string `json:"domain,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Port        string   `json:"port,omitempty"`
	Network     string   `json:"network,omitempty"`
}

// RoutingRuleSet renders rules as a routing rule set: listed domains go to
// the proxy outbound, QUIC is blocked, private addresses and everything else
// go direct.
func RoutingRuleSet(rules RuleSet) ([]byte, error) {
	domains := make([]string, 0, len(rules))
	for _, r := range rules.Dedupe() {
		domains = append(domains, r.String())
	}
	set := []RoutingRule{
		{Remarks: "proxied domains", OutboundTag: "proxy", Domain: domains},
		{Remarks: "block quic", OutboundTag: "block", Port: "443", Network: "udp"},
		{Remarks: "private", OutboundTag: "direct", IP: []string{"geoip:private"}},
		{Remarks: "final", OutboundTag: "direct", Network: "tcp,udp"},
	}
	return json.MarshalIndent(set, "", "  ")
}
