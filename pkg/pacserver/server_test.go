package pacserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const script1 = "function FindProxyForURL(url, host) { return 'PROXY 127.0.0.1:10826'; }\n"
const script2 = "function FindProxyForURL(url, host) { return 'DIRECT'; }\n"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(Options{ListenAddress: "127.0.0.1", WriteTimeout: 2 * time.Second})
	t.Cleanup(s.Stop)
	return s
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func get(t *testing.T, port int) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true}}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/pac", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestBuildResponse(t *testing.T) {
	got := BuildResponse("héllo")
	want := "HTTP/1.0 200 OK\r\nContent-type:application/x-ns-proxy-autoconfig\r\nConnection:close\r\nContent-Length:6\r\n\r\nhéllo"
	if string(got) != want {
		t.Fatalf("BuildResponse() = %q, want %q", got, want)
	}
}

func TestServesScript(t *testing.T) {
	s := newTestServer(t)
	if err := s.Start(0, script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Running() || s.Port() == 0 {
		t.Fatalf("Running() = %v, Port() = %d", s.Running(), s.Port())
	}

	resp, body := get(t, s.Port())
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ns-proxy-autoconfig" {
		t.Errorf("Content-Type = %q", ct)
	}
	cl, err := strconv.Atoi(resp.Header.Get("Content-Length"))
	if err != nil || cl != len(body) {
		t.Errorf("Content-Length = %q, body is %d bytes", resp.Header.Get("Content-Length"), len(body))
	}
	if string(body) != script1 {
		t.Errorf("body = %q, want %q", body, script1)
	}

	// The counter is bumped after Write returns, which may trail the client.
	deadline := time.Now().Add(time.Second)
	for s.Served() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Served() < 1 {
		t.Errorf("Served() = %d, want >= 1", s.Served())
	}
}

func TestRawResponseIsExact(t *testing.T) {
	s := newTestServer(t)
	if err := s.Start(0, script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("GET /anything HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, BuildResponse(script1)) {
		t.Fatalf("response = %q", got)
	}
}

func TestStartIdempotent(t *testing.T) {
	s := newTestServer(t)
	port := freePort(t)
	if err := s.Start(port, script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(port, script1); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if n := s.Binds(); n != 1 {
		t.Fatalf("Binds() = %d, want 1", n)
	}
}

func TestStartSamePortSwapsContent(t *testing.T) {
	s := newTestServer(t)
	port := freePort(t)
	if err := s.Start(port, script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(port, script2); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := s.Binds(); n != 1 {
		t.Errorf("Binds() = %d, want 1", n)
	}
	if _, body := get(t, port); string(body) != script2 {
		t.Errorf("body = %q, want new content", body)
	}
}

func TestRestartOnPortChange(t *testing.T) {
	s := newTestServer(t)
	p1, p2 := freePort(t), freePort(t)
	if err := s.Start(p1, script1); err != nil {
		t.Fatalf("Start(p1) error = %v", err)
	}
	if err := s.Start(p2, script2); err != nil {
		t.Fatalf("Start(p2) error = %v", err)
	}
	if s.Port() != p2 || s.Binds() != 2 {
		t.Fatalf("Port() = %d, Binds() = %d", s.Port(), s.Binds())
	}
	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p1), time.Second); err == nil {
		conn.Close()
		t.Fatal("old listener still accepting")
	}
	if _, body := get(t, p2); string(body) != script2 {
		t.Errorf("body = %q", body)
	}

	// The released port can be bound again right away.
	if err := s.Start(p1, script1); err != nil {
		t.Fatalf("Start(p1) after restart error = %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.Stop()
	port := freePort(t)
	if err := s.Start(port, script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Running() || s.Port() != 0 {
		t.Fatal("server still running after Stop")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port not released after Stop: %v", err)
	}
	ln.Close()
}

func TestBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	s := newTestServer(t)
	if err := s.Start(freePort(t), script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err = s.Start(port, script1)
	if !errors.Is(err, ErrBind) {
		t.Fatalf("Start() error = %v, want ErrBind", err)
	}
	if s.Running() {
		t.Fatal("Running() = true after bind failure")
	}
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	s := newTestServer(t)
	if err := s.Start(0, strings.Repeat("x", 1<<20)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	slow, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer slow.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), 2*time.Second)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			n, err := io.Copy(io.Discard, conn)
			if err != nil {
				t.Errorf("read: %v", err)
			}
			if n != int64(len(BuildResponse(strings.Repeat("x", 1<<20)))) {
				t.Errorf("read %d bytes", n)
			}
		}()
	}
	wg.Wait()
}

func TestAbortedClientsDoNotStopLoop(t *testing.T) {
	s := newTestServer(t)
	if err := s.Start(0, script1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		conn.Close()
	}
	if _, body := get(t, s.Port()); string(body) != script1 {
		t.Fatalf("body = %q", body)
	}
}

func TestURL(t *testing.T) {
	raw := URL("127.0.0.1", 10823)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Host != "127.0.0.1:10823" || u.Path != "/pac" || u.Query().Get("t") == "" {
		t.Fatalf("URL() = %q", raw)
	}
}
