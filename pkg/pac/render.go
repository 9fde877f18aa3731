// Package pac renders domain rules into Proxy Auto-Config scripts and
// evaluates PAC scripts with an embedded JavaScript engine.
package pac

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"text/template"

	"github.com/haioco/antisanction/pkg/domainrules"
)

// LegacyProxyPlaceholder is replaced with the proxy directive in user
// supplied templates.
const LegacyProxyPlaceholder = "__PROXY__"

const directScript = "function FindProxyForURL(url, host) {\n  return 'DIRECT';\n}\n"

var lookupTemplate = template.Must(template.New("lookup").Parse(`var proxy = '{{js .Proxy}}';
var direct = 'DIRECT';
var exact = {
{{- range $i, $v := .Exact}}{{if $i}},{{end}}
  '.{{js $v}}': 1
{{- end}}
};
var suffix = {
{{- range $i, $v := .Suffix}}{{if $i}},{{end}}
  '.{{js $v}}': 1
{{- end}}
};

function hasKey(set, name) {
  return Object.prototype.hasOwnProperty.call(set, '.' + name);
}

function FindProxyForURL(url, host) {
  host = host.toLowerCase();
  if (host.charAt(host.length - 1) === '.') {
    host = host.substring(0, host.length - 1);
  }
  if (hasKey(exact, host) || hasKey(suffix, host)) {
    return proxy;
  }
  var pos = host.indexOf('.');
  while (pos !== -1) {
    if (hasKey(suffix, host.substring(pos + 1))) {
      return proxy;
    }
    pos = host.indexOf('.', pos + 1);
  }
  return direct;
}
`))

var sequentialTemplate = template.Must(template.New("sequential").Parse(`var proxy = '{{js .Proxy}}';

function FindProxyForURL(url, host) {
  host = host.toLowerCase();
  if (host.charAt(host.length - 1) === '.') {
    host = host.substring(0, host.length - 1);
  }
{{- range .Rules}}
  if ({{.}}) return proxy;
{{- end}}
  return 'DIRECT';
}
`))

// Generator renders FindProxyForURL scripts.
type Generator struct {
	Mode RenderMode
	// Template, when set, is a legacy script containing __PROXY__.
	Template string
}

type lookupData struct {
	Proxy  string
	Exact  []string
	Suffix []string
}

type sequentialData struct {
	Proxy string
	Rules []string
}

// Render returns a script routing the listed domains through
// PROXY host:port and everything else DIRECT, using the default generator.
func Render(rules domainrules.RuleSet, proxyHost string, proxyPort int) string {
	return Generator{}.Render(rules, proxyHost, proxyPort)
}

// DirectScript returns a script that always answers DIRECT.
func DirectScript() string {
	return directScript
}

// Render never fails: any error yields DirectScript.
func (g Generator) Render(rules domainrules.RuleSet, proxyHost string, proxyPort int) (script string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PAC rendering panicked, serving DIRECT-only script", "panic", r)
			script = directScript
		}
	}()

	out, err := g.render(rules, proxyHost, proxyPort)
	if err != nil {
		slog.Error("PAC rendering failed, serving DIRECT-only script", "error", err)
		return directScript
	}
	if err := Validate(out); err != nil {
		slog.Error("Rendered PAC script is invalid, serving DIRECT-only script", "error", err)
		return directScript
	}
	return out
}

func (g Generator) render(rules domainrules.RuleSet, proxyHost string, proxyPort int) (string, error) {
	proxy, err := ProxyDirective(proxyHost, proxyPort)
	if err != nil {
		return "", err
	}
	if g.Template != "" {
		return renderLegacy(g.Template, proxy)
	}

	rules = rules.Dedupe()
	mode := g.Mode
	if mode == "" || mode == RenderAuto {
		mode = RenderLookup
		if rules.HasKeyword() {
			mode = RenderSequential
		}
	}

	var buf bytes.Buffer
	switch mode {
	case RenderLookup:
		if rules.HasKeyword() {
			slog.Warn("Keyword rules cannot be expressed in lookup mode and are ignored", "keywords", rules.Count(domainrules.Keyword))
		}
		err = lookupTemplate.Execute(&buf, lookupData{
			Proxy:  proxy,
			Exact:  rules.Values(domainrules.Exact),
			Suffix: rules.Values(domainrules.Suffix),
		})
	case RenderSequential:
		conds := make([]string, 0, len(rules))
		for _, r := range rules {
			c, cerr := condition(r)
			if cerr != nil {
				slog.Warn("Skipping rule that cannot be rendered", "rule", r.String(), "error", cerr)
				continue
			}
			conds = append(conds, c)
		}
		err = sequentialTemplate.Execute(&buf, sequentialData{Proxy: proxy, Rules: conds})
	default:
		return "", fmt.Errorf("unknown PAC render mode %q", mode)
	}
	if err != nil {
		return "", fmt.Errorf("failed to execute PAC template: %w", err)
	}
	return buf.String(), nil
}

// condition renders one rule as an ES3 boolean expression over host.
func condition(r domainrules.Rule) (string, error) {
	if r.Value == "" {
		return "", errors.New("empty rule value")
	}
	lit := jsString(r.Value)
	switch r.Kind {
	case domainrules.Exact:
		return "host === " + lit, nil
	case domainrules.Suffix:
		return "host === " + lit + " || dnsDomainIs(host, " + jsString("."+r.Value) + ")", nil
	case domainrules.Keyword:
		if strings.ContainsAny(r.Value, "*?[]") {
			return "host.indexOf(" + lit + ") !== -1", nil
		}
		return "shExpMatch(host, " + jsString("*"+r.Value+"*") + ")", nil
	}
	return "", fmt.Errorf("unknown rule kind %v", r.Kind)
}

func jsString(s string) string {
	return "'" + template.JSEscapeString(s) + "'"
}

// renderLegacy substitutes the placeholder with an escaped directive. The
// placeholder is expected inside a quoted string literal.
func renderLegacy(tmpl, proxy string) (string, error) {
	if !strings.Contains(tmpl, LegacyProxyPlaceholder) {
		return "", fmt.Errorf("PAC template has no %s placeholder", LegacyProxyPlaceholder)
	}
	return strings.ReplaceAll(tmpl, LegacyProxyPlaceholder, template.JSEscapeString(proxy)), nil
}

// ProxyDirective returns "PROXY host:port" after checking both parts.
func ProxyDirective(host string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid proxy port %d", port)
	}
	host = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	if host == "" {
		return "", errors.New("empty proxy host")
	}
	if net.ParseIP(host) == nil && !validHostname(host) {
		return "", fmt.Errorf("invalid proxy host %q", host)
	}
	return "PROXY " + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func validHostname(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}
