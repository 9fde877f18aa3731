package common

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsConnectionClosedErr reports whether a PAC client hung up before or while
// the response was written. errors.Is sees through *net.OpError and
// *os.SyscallError, so only the Windows reset text needs a string match.
func IsConnectionClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "forcibly closed by the remote host")
}

// IsListenerClosedErr reports whether an Accept error was caused by closing
// the listener, which the accept loop treats as a shutdown signal.
func IsListenerClosedErr(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}

// IsTimeoutError reports a deadline hit on a connection or a context.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
