package sysproxy

import (
	"reflect"
	"testing"
)

func TestEndpointServer(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		want string
	}{
		{"default", Endpoint{Host: "127.0.0.1", Port: 10826}, "127.0.0.1:10826"},
		{"template", Endpoint{Host: "127.0.0.1", Port: 10826, SocksPort: 10820, Template: "http={ip}:{http_port};socks={ip}:{socks_port}"},
			"http=127.0.0.1:10826;socks=127.0.0.1:10820"},
		{"template socks defaults to port", Endpoint{Host: "127.0.0.1", Port: 10826, Template: "socks={ip}:{socks_port}"},
			"socks=127.0.0.1:10826"},
		{"blank template", Endpoint{Host: "127.0.0.1", Port: 1, Template: "  "}, "127.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.Server(); got != tt.want {
				t.Errorf("Server() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpointProtocols(t *testing.T) {
	ep := Endpoint{Host: "127.0.0.1", Port: 10826}
	want := map[string]string{"http": "127.0.0.1:10826", "https": "127.0.0.1:10826", "socks": "127.0.0.1:10826"}
	if got := ep.Protocols(); !reflect.DeepEqual(got, want) {
		t.Errorf("Protocols() = %v, want %v", got, want)
	}

	ep.Template = "http={ip}:{http_port};socks5=socks5://{ip}:{socks_port}"
	ep.SocksPort = 10820
	want = map[string]string{"http": "127.0.0.1:10826", "socks": "127.0.0.1:10820"}
	if got := ep.Protocols(); !reflect.DeepEqual(got, want) {
		t.Errorf("Protocols() = %v, want %v", got, want)
	}
}

func TestParseProxyServer(t *testing.T) {
	got := ParseProxyServer("http=a:1; https=b:2;socks=c:3;;")
	want := map[string]string{"http": "a:1", "https": "b:2", "socks": "c:3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	got = ParseProxyServer("a:1;socks=c:3")
	want = map[string]string{"http": "a:1", "https": "a:1", "socks": "c:3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseExceptions(t *testing.T) {
	got := ParseExceptions(" localhost, 127.0.0.1;10.*\t192.168.* ,,")
	want := ExceptionList{"localhost", "127.0.0.1", "10.*", "192.168.*"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseExceptions() = %v, want %v", got, want)
	}
	if j := got.Join(","); j != "localhost,127.0.0.1,10.*,192.168.*" {
		t.Errorf("Join() = %q", j)
	}
	if len(ParseExceptions("")) != 0 {
		t.Error("expected empty list")
	}
}

func TestWithLocalBypass(t *testing.T) {
	l := ExceptionList{"localhost", "<local>", "10.*"}
	if got := l.WithLocalBypass().Join(";"); got != "<local>;localhost;10.*" {
		t.Errorf("got %q", got)
	}
	if got := ExceptionList(nil).WithLocalBypass().Join(";"); got != "<local>" {
		t.Errorf("got %q", got)
	}
}
