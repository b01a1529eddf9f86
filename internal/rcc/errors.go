package rcc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ErrAuth is returned when the PBX host refuses the configured credentials.
var ErrAuth = errors.New("rcc: authentication failed")

// ErrTimeout is returned when dialing or the SSH handshake exceeds the
// configured connect timeout.
var ErrTimeout = errors.New("rcc: connection timed out")

// ErrNotConfigured is returned when no PBX host is configured.
var ErrNotConfigured = errors.New("rcc: pbx host not configured")

// ConnectionError reports a transport failure talking to the PBX host. It is
// retried transparently on the next command, not within the current one.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rcc: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a remote command that exited with a non-zero status.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("rcc: command %q exited with status %d", e.Command, e.ExitStatus)
	}
	return fmt.Sprintf("rcc: command %q exited with status %d: %s", e.Command, e.ExitStatus, msg)
}

// IsConnectionError reports whether err is a transport level failure
// (authentication, timeout or broken connection).
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrTimeout) || errors.As(err, &ce)
}

// classifyDialError maps a dial or handshake failure onto the package errors.
func classifyDialError(addr string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, addr, err)
	}
	return &ConnectionError{Addr: addr, Op: "dial", Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}
