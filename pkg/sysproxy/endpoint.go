package sysproxy

import (
	"net"
	"strconv"
	"strings"
)

// Endpoint is the local proxy the OS is pointed at.
type Endpoint struct {
	Host string
	Port int
	// SocksPort defaults to Port; the mixed listener serves both.
	SocksPort int
	// Template is an optional proxy server string with {ip}, {http_port} and
	// {socks_port} tokens, e.g. "http={ip}:{http_port};socks={ip}:{socks_port}".
	Template string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) socksPort() int {
	if e.SocksPort > 0 {
		return e.SocksPort
	}
	return e.Port
}

// Server returns the proxy server string: the expanded template when one is
// set, else host:port.
func (e Endpoint) Server() string {
	tmpl := strings.TrimSpace(e.Template)
	if tmpl == "" {
		return e.Address()
	}
	r := strings.NewReplacer(
		"{ip}", e.Host,
		"{http_port}", strconv.Itoa(e.Port),
		"{socks_port}", strconv.Itoa(e.socksPort()),
	)
	return r.Replace(tmpl)
}

// Protocols maps "http", "https" and "socks" to host:port for tools that
// configure each protocol separately.
func (e Endpoint) Protocols() map[string]string {
	if strings.TrimSpace(e.Template) == "" {
		socks := net.JoinHostPort(e.Host, strconv.Itoa(e.socksPort()))
		return map[string]string{"http": e.Address(), "https": e.Address(), "socks": socks}
	}
	return ParseProxyServer(e.Server())
}

// ParseProxyServer parses a Windows-style proxy server string. A plain
// "host:port" applies to every protocol; "proto=host:port" entries are
// separated by ';'. "socks5" is reported as "socks".
func ParseProxyServer(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		proto, addr, ok := strings.Cut(part, "=")
		if !ok {
			for _, p := range []string{"http", "https", "socks"} {
				if _, set := out[p]; !set {
					out[p] = part
				}
			}
			continue
		}
		proto = strings.ToLower(strings.TrimSpace(proto))
		addr = strings.TrimSpace(addr)
		for _, prefix := range []string{"http://", "https://", "socks5://", "socks://"} {
			addr = strings.TrimPrefix(addr, prefix)
		}
		if proto == "socks5" || proto == "socks4" {
			proto = "socks"
		}
		if addr != "" {
			out[proto] = addr
		}
	}
	return out
}

// ExceptionList holds hosts that bypass the proxy.
type ExceptionList []string

// ParseExceptions splits a comma, semicolon or whitespace separated list.
func ParseExceptions(s string) ExceptionList {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make(ExceptionList, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Join concatenates the entries with sep.
func (l ExceptionList) Join(sep string) string {
	return strings.Join(l, sep)
}

// LocalBypassSentinel makes Windows bypass the proxy for plain host names.
const LocalBypassSentinel = "<local>"

// WithLocalBypass returns the list with LocalBypassSentinel first.
func (l ExceptionList) WithLocalBypass() ExceptionList {
	out := ExceptionList{LocalBypassSentinel}
	for _, e := range l {
		if e != LocalBypassSentinel {
			out = append(out, e)
		}
	}
	return out
}
