package pac

import (
	"context"
	"strings"
	"testing"

	"github.com/haioco/antisanction/pkg/domainrules"
)

const testProxy = "PROXY 127.0.0.1:10826"

func evaluate(t *testing.T, e *Engine, script, host string) string {
	t.Helper()
	res, err := e.FindProxyForURL(context.Background(), script, "http://"+host+"/", host)
	if err != nil {
		t.Fatalf("FindProxyForURL(%q) error = %v", host, err)
	}
	return res
}

func TestRenderSuffixMatch(t *testing.T) {
	rules := domainrules.LoadRules([]string{"domain:example.com"})
	for _, mode := range []RenderMode{RenderLookup, RenderSequential} {
		t.Run(string(mode), func(t *testing.T) {
			script := Generator{Mode: mode}.Render(rules, "127.0.0.1", 10826)
			if script == DirectScript() {
				t.Fatal("got DIRECT-only script")
			}
			e := NewEngine()
			for _, host := range []string{"example.com", "a.example.com", "a.b.example.com", "A.Example.COM", "example.com."} {
				if got := evaluate(t, e, script, host); got != testProxy {
					t.Errorf("%s: got %q, want %q", host, got, testProxy)
				}
			}
			for _, host := range []string{"notexample.com", "example.com.evil.com", "com", "example.org"} {
				if got := evaluate(t, e, script, host); got != "DIRECT" {
					t.Errorf("%s: got %q, want DIRECT", host, got)
				}
			}
		})
	}
}

func TestRenderExactMatch(t *testing.T) {
	rules := domainrules.LoadRules([]string{"full:www.example.com"})
	for _, mode := range []RenderMode{RenderLookup, RenderSequential} {
		t.Run(string(mode), func(t *testing.T) {
			script := Generator{Mode: mode}.Render(rules, "127.0.0.1", 10826)
			e := NewEngine()
			if got := evaluate(t, e, script, "www.example.com"); got != testProxy {
				t.Errorf("exact host: got %q", got)
			}
			for _, host := range []string{"a.www.example.com", "example.com"} {
				if got := evaluate(t, e, script, host); got != "DIRECT" {
					t.Errorf("%s: got %q, want DIRECT", host, got)
				}
			}
		})
	}
}

func TestRenderAutoSelectsSequentialForKeywords(t *testing.T) {
	rules := domainrules.LoadRules([]string{"keyword:blocked", "example.com"})
	script := Render(rules, "127.0.0.1", 10826)
	if !strings.Contains(script, "shExpMatch") {
		t.Fatalf("expected sequential script, got:\n%s", script)
	}
	e := NewEngine()
	if got := evaluate(t, e, script, "cdn.blocked-site.net"); got != testProxy {
		t.Errorf("keyword host: got %q", got)
	}
	if got := evaluate(t, e, script, "a.example.com"); got != testProxy {
		t.Errorf("suffix host: got %q", got)
	}
	if got := evaluate(t, e, script, "open.net"); got != "DIRECT" {
		t.Errorf("unlisted host: got %q", got)
	}
}

func TestRenderAutoUsesLookupWithoutKeywords(t *testing.T) {
	script := Render(domainrules.LoadRules([]string{"example.com"}), "127.0.0.1", 10826)
	if !strings.Contains(script, "hasOwnProperty") {
		t.Fatalf("expected lookup script, got:\n%s", script)
	}
}

func TestRenderEscapesValues(t *testing.T) {
	rules := domainrules.RuleSet{
		{Kind: domainrules.Suffix, Value: "evil'); return 'PROXY 6.6.6.6:1'; //"},
		{Kind: domainrules.Exact, Value: "back\\slash\nnewline"},
		{Kind: domainrules.Keyword, Value: "a*b"},
		{Kind: domainrules.Suffix, Value: "ok.com"},
	}
	for _, mode := range []RenderMode{RenderLookup, RenderSequential} {
		t.Run(string(mode), func(t *testing.T) {
			script := Generator{Mode: mode}.Render(rules, "127.0.0.1", 10826)
			if err := Validate(script); err != nil {
				t.Fatalf("rendered script invalid: %v\n%s", err, script)
			}
			e := NewEngine()
			if got := evaluate(t, e, script, "anything.net"); got != "DIRECT" {
				t.Errorf("got %q, want DIRECT", got)
			}
			if got := evaluate(t, e, script, "x.ok.com"); got != testProxy {
				t.Errorf("got %q, want %q", got, testProxy)
			}
		})
	}
}

func TestRenderPrototypeNames(t *testing.T) {
	rules := domainrules.LoadRules([]string{"example.com"})
	script := Generator{Mode: RenderLookup}.Render(rules, "127.0.0.1", 10826)
	e := NewEngine()
	for _, host := range []string{"constructor", "__proto__", "a.hasownproperty", "tostring"} {
		if got := evaluate(t, e, script, host); got != "DIRECT" {
			t.Errorf("%s: got %q, want DIRECT", host, got)
		}
	}
}

func TestRenderFailOpen(t *testing.T) {
	rules := domainrules.LoadRules([]string{"example.com"})
	tests := []struct {
		name string
		gen  Generator
		host string
		port int
	}{
		{"zero port", Generator{}, "127.0.0.1", 0},
		{"bad host", Generator{}, "127.0.0.1'; x", 10826},
		{"unknown mode", Generator{Mode: "bogus"}, "127.0.0.1", 10826},
		{"template without placeholder", Generator{Template: "function FindProxyForURL(u, h) { return 'DIRECT'; }"}, "127.0.0.1", 10826},
		{"template syntax error", Generator{Template: "function FindProxyForURL(u, h) { return '__PROXY__' "}, "127.0.0.1", 10826},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := tt.gen.Render(rules, tt.host, tt.port)
			if script != DirectScript() {
				t.Fatalf("expected DIRECT-only script, got:\n%s", script)
			}
			if got := evaluate(t, NewEngine(), script, "anything.com"); got != "DIRECT" {
				t.Errorf("got %q, want DIRECT", got)
			}
		})
	}
}

func TestRenderEmptyRules(t *testing.T) {
	script := Render(nil, "127.0.0.1", 10826)
	if err := Validate(script); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := evaluate(t, NewEngine(), script, "example.com"); got != "DIRECT" {
		t.Errorf("got %q, want DIRECT", got)
	}
}

func TestRenderLegacyTemplate(t *testing.T) {
	tmpl := `var proxy = "__PROXY__";
function FindProxyForURL(url, host) {
  if (dnsDomainIs(host, ".example.com")) return proxy;
  return "DIRECT";
}`
	script := Generator{Template: tmpl}.Render(nil, "127.0.0.1", 10826)
	if strings.Contains(script, LegacyProxyPlaceholder) {
		t.Fatal("placeholder left in script")
	}
	e := NewEngine()
	if got := evaluate(t, e, script, "www.example.com"); got != testProxy {
		t.Errorf("got %q, want %q", got, testProxy)
	}
}

func TestProxyDirective(t *testing.T) {
	tests := []struct {
		host    string
		port    int
		want    string
		wantErr bool
	}{
		{"127.0.0.1", 10826, "PROXY 127.0.0.1:10826", false},
		{"::1", 8080, "PROXY [::1]:8080", false},
		{"[::1]", 8080, "PROXY [::1]:8080", false},
		{"proxy.lan", 3128, "PROXY proxy.lan:3128", false},
		{"", 3128, "", true},
		{"127.0.0.1", 70000, "", true},
		{"a b", 80, "", true},
	}
	for _, tt := range tests {
		got, err := ProxyDirective(tt.host, tt.port)
		if (err != nil) != tt.wantErr {
			t.Errorf("ProxyDirective(%q, %d) error = %v, wantErr %v", tt.host, tt.port, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ProxyDirective(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(DirectScript()); err != nil {
		t.Errorf("DirectScript invalid: %v", err)
	}
	if err := Validate("function FindProxyForURL(url, host) { return 'DIRECT' "); err == nil {
		t.Error("expected parse error")
	}
	if err := Validate("function other() { return 'DIRECT'; }"); err == nil {
		t.Error("expected missing function error")
	}
}

func TestParseRenderMode(t *testing.T) {
	for in, want := range map[string]RenderMode{"": RenderAuto, "Auto": RenderAuto, "lookup": RenderLookup, " sequential ": RenderSequential} {
		got, err := ParseRenderMode(in)
		if err != nil || got != want {
			t.Errorf("ParseRenderMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseRenderMode("regex"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
