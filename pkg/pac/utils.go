package pac

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
)

const (
	proxyDirect  = "DIRECT"
	proxyHttp    = "PROXY"
	proxyHttps   = "HTTPS"
	proxySocks4  = "SOCKS"
	proxySocks5  = "SOCKS5"
	pacDelimiter = ";"
)

// ParseResult parses the semicolon-separated result string of
// FindProxyForURL.
func ParseResult(result string) PacResult {
	if strings.TrimSpace(result) == "" {
		slog.Debug("PAC result string is empty, returning Unknown")
		return PacResult{Type: ResultUnknown}
	}

	parsed := PacResult{Proxies: make([]ProxyInfo, 0)}

	for _, part := range strings.Split(result, pacDelimiter) {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}

		directive := strings.ToUpper(fields[0])

		switch directive {
		case proxyDirect:
			if len(parsed.Proxies) == 0 {
				parsed.Type = ResultDirect
				return parsed
			}
			parsed.Fallback = true

		case proxyHttp, proxyHttps, proxySocks4, proxySocks5:
			if len(fields) < 2 {
				slog.Warn("PAC result missing host:port for proxy directive", "directive", part)
				continue
			}
			scheme, defaultPort := schemeFor(directive)
			host := strings.TrimSpace(fields[1])
			if _, _, err := net.SplitHostPort(host); err != nil {
				host = net.JoinHostPort(host, defaultPort)
			}
			parsed.Proxies = append(parsed.Proxies, ProxyInfo{Scheme: scheme, Host: host})

		default:
			slog.Warn("Ignoring unknown directive in PAC result", "directive", part)
		}
	}

	if len(parsed.Proxies) > 0 {
		parsed.Type = ResultProxy
	} else {
		slog.Debug("No valid DIRECT or PROXY directives found in PAC result", "result", result)
	}
	return parsed
}

func schemeFor(directive string) (scheme, defaultPort string) {
	switch directive {
	case proxyHttps:
		return "https", "443"
	case proxySocks4:
		return "socks4", "1080"
	case proxySocks5:
		return "socks5", "1080"
	}
	return "http", "80"
}

// UrlsFromPacResult converts the proxies of a result into URLs, skipping
// entries that do not parse.
func UrlsFromPacResult(result PacResult) []*url.URL {
	if result.Proxies == nil {
		return nil
	}
	urls := make([]*url.URL, 0, len(result.Proxies))
	for _, pInfo := range result.Proxies {
		if u, err := pInfo.URL(); err == nil {
			urls = append(urls, u)
		}
	}
	return urls
}

// String renders the result back into PAC syntax.
func (r PacResult) String() string {
	if r.Type != ResultProxy {
		return proxyDirect
	}
	parts := make([]string, 0, len(r.Proxies)+1)
	for _, p := range r.Proxies {
		var d string
		switch p.Scheme {
		case "https":
			d = proxyHttps
		case "socks4":
			d = proxySocks4
		case "socks5":
			d = proxySocks5
		default:
			d = proxyHttp
		}
		parts = append(parts, d+" "+p.Host)
	}
	if r.Fallback {
		parts = append(parts, proxyDirect)
	}
	return strings.Join(parts, pacDelimiter+" ")
}
