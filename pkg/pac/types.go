package pac

import (
	"fmt"
	"net/url"
	"strings"
)

// RenderMode selects the shape of the generated script.
type RenderMode string

const (
	// RenderAuto uses the lookup table unless a keyword rule is present.
	RenderAuto RenderMode = "auto"
	// RenderLookup emits object-map membership tests with parent-domain walk.
	RenderLookup RenderMode = "lookup"
	// RenderSequential emits one test per rule in authored order.
	RenderSequential RenderMode = "sequential"
)

// ParseRenderMode accepts the configuration spelling of a render mode.
func ParseRenderMode(s string) (RenderMode, error) {
	switch RenderMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RenderAuto:
		return RenderAuto, nil
	case RenderLookup:
		return RenderLookup, nil
	case RenderSequential:
		return RenderSequential, nil
	}
	return "", fmt.Errorf("unknown PAC render mode %q", s)
}

// ResultType indicates the outcome of PAC evaluation for a URL.
type ResultType int

const (
	ResultUnknown ResultType = iota // Error or undetermined
	ResultDirect                    // "DIRECT"
	ResultProxy                     // One or more proxies specified
)

func (t ResultType) String() string {
	switch t {
	case ResultDirect:
		return "direct"
	case ResultProxy:
		return "proxy"
	}
	return "unknown"
}

// ProxyInfo describes a single proxy server returned by PAC.
type ProxyInfo struct {
	Scheme string // "http", "https", "socks4", "socks5"
	Host   string // "hostname:port"
}

// URL converts the entry into a proxy URL.
func (p ProxyInfo) URL() (*url.URL, error) {
	return url.Parse(p.Scheme + "://" + p.Host)
}

// PacResult represents the parsed outcome of FindProxyForURL.
type PacResult struct {
	Type    ResultType
	Proxies []ProxyInfo // Ordered list if Type is ResultProxy. Empty for ResultDirect.
	// Fallback is set when DIRECT follows the proxies.
	Fallback bool
}
