// FILE: pkg/pacserver/server.go
// Package pacserver serves a pre-rendered PAC script over plain TCP.
//
// Every accepted connection gets the same HTTP/1.0 response and is closed;
// requests are not parsed.
package pacserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haioco/antisanction/pkg/common"
)

const (
	defaultWriteTimeout = 10 * time.Second
	drainTimeout        = time.Second
	maxDrainBytes       = 64 * 1024
	acceptRetryDelay    = 50 * time.Millisecond
)

// ErrBind is returned when the listen socket cannot be opened.
var ErrBind = errors.New("pac server bind failed")

// Options configures a Server.
type Options struct {
	// ListenAddress is the bind host; empty means all interfaces.
	ListenAddress string
	WriteTimeout  time.Duration
}

// Server owns one listener at most. Start and Stop are safe for concurrent
// use; the caller is expected to serialize mode changes anyway.
type Server struct {
	opts Options

	mu        sync.Mutex
	listener  net.Listener
	requested int
	done      chan struct{}
	loop      sync.WaitGroup

	payload atomic.Pointer[[]byte]
	binds   atomic.Int64
	served  atomic.Int64
}

// New creates a stopped server.
func New(opts Options) *Server {
	if opts.ListenAddress == "" {
		opts.ListenAddress = common.DefaultPacListenAddr
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Server{opts: opts}
}

// BuildResponse returns the complete HTTP response for script.
func BuildResponse(script string) []byte {
	body := []byte(script)
	header := "HTTP/1.0 200 OK\r\n" +
		"Content-type:application/x-ns-proxy-autoconfig\r\n" +
		"Connection:close\r\n" +
		"Content-Length:" + strconv.Itoa(len(body)) + "\r\n" +
		"\r\n"
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// Start serves script on port. When the server already listens on port only
// the served content is replaced; otherwise the old listener is closed and
// its accept loop joined before the new one binds.
func (s *Server) Start(port int, script string) error {
	resp := BuildResponse(script)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil && s.requested == port {
		s.payload.Store(&resp)
		slog.Debug("PAC server already running, content refreshed", "port", s.portLocked(), "bytes", len(resp))
		return nil
	}

	s.stopLocked()

	address := net.JoinHostPort(s.opts.ListenAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		slog.Error("PAC server failed to listen", "address", address, "error", err)
		return fmt.Errorf("%w on %s: %w", ErrBind, address, err)
	}

	s.payload.Store(&resp)
	s.listener = ln
	s.requested = port
	s.done = make(chan struct{})
	s.binds.Add(1)

	s.loop.Add(1)
	go s.serve(ln, s.done)

	slog.Info("PAC server started", "address", ln.Addr().String(), "bytes", len(resp))
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. It is a
// no-op when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	if s.listener == nil {
		return
	}
	addr := s.listener.Addr().String()
	close(s.done)
	if err := s.listener.Close(); err != nil && !common.IsListenerClosedErr(err) {
		slog.Warn("Error closing PAC server listener", "address", addr, "error", err)
	}
	s.loop.Wait()
	s.listener = nil
	s.requested = 0
	s.done = nil
	slog.Info("PAC server stopped", "address", addr)
}

// Running reports whether a listener is open.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Port returns the bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portLocked()
}

func (s *Server) portLocked() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.requested
}

// Binds returns how many times a listener has been opened.
func (s *Server) Binds() int64 { return s.binds.Load() }

// Served returns how many responses have been written in full.
func (s *Server) Served() int64 { return s.served.Load() }

// URL returns the address clients should fetch the script from. The query
// string changes on every call so OS-level PAC caches refetch.
func URL(host string, port int) string {
	return fmt.Sprintf("http://%s/pac?t=%d", net.JoinHostPort(host, strconv.Itoa(port)), time.Now().UnixNano())
}

func (s *Server) serve(ln net.Listener, done <-chan struct{}) {
	defer s.loop.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				slog.Debug("PAC server accept loop exiting", "address", ln.Addr().String())
				return
			default:
			}
			if common.IsListenerClosedErr(err) {
				return
			}
			slog.Warn("PAC server accept failed", "error", err)
			select {
			case <-done:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PAC server connection handler panicked", "panic", r)
		}
	}()

	resp := s.payload.Load()
	if resp == nil {
		return
	}
	remote := conn.RemoteAddr().String()

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := conn.Write(*resp); err != nil {
		if common.IsConnectionClosedErr(err) || common.IsTimeoutError(err) {
			slog.Debug("PAC client went away before response was written", "remote", remote, "error", err)
		} else {
			slog.Warn("PAC server write failed", "remote", remote, "error", err)
		}
		return
	}
	s.served.Add(1)

	// Half-close and drain so the client reads the whole body instead of a
	// reset caused by unread request bytes.
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, maxDrainBytes))
	slog.Debug("PAC script served", "remote", remote)
}
