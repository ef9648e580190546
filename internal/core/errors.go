package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTunnelNotFound is returned when a tunnel is absent from the provider registry or local state
	ErrTunnelNotFound = errors.New("tunnel not found")
	// ErrRouteNotFound is returned when removing a domain that has no ingress rule
	ErrRouteNotFound = errors.New("route not found")
	// ErrConfigNotFound is returned when a tunnel has no ingress file yet
	ErrConfigNotFound = errors.New("no configuration found, add a route first")
	// ErrNoTunnelSelected is returned when an operation needs a tunnel name and no current tunnel is set
	ErrNoTunnelSelected = errors.New("no tunnel specified and no current tunnel selected")
	// ErrTempURLTimeout is returned when a quick tunnel does not report its URL in time
	ErrTempURLTimeout = errors.New("timed out waiting for tunnel URL")
	// ErrTempExited is returned when a quick tunnel exits before reporting its URL
	ErrTempExited = errors.New("tunnel process exited before reporting a URL")
	// ErrTempNotFound is returned when stopping a quick tunnel URL that is not tracked
	ErrTempNotFound = errors.New("temporary tunnel not found")
	// ErrUnsupportedPlatform is returned by autostart operations on platforms without a strategy
	ErrUnsupportedPlatform = errors.New("autostart is not supported on this platform")
	// ErrBinaryNotFound is returned when the provider binary cannot be located
	ErrBinaryNotFound = errors.New("cloudflared binary not found")
)

// CommandError describes a failed external command
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed", formatArgs(e.Name, e.Args))
	if e.ExitCode > 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		return fmt.Sprintf("%s: %s", msg, stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode returns the exit status carried by err, or -1 when err is not a command failure
func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// ActiveConnectionsError is returned when the provider keeps refusing deletion because
// connections are still registered for the tunnel
type ActiveConnectionsError struct {
	Tunnel   string
	Attempts int
	Err      error
}

func (e *ActiveConnectionsError) Error() string {
	return fmt.Sprintf("failed to delete tunnel %q after %d attempts: active connections persist", e.Tunnel, e.Attempts)
}

func (e *ActiveConnectionsError) Unwrap() error {
	return e.Err
}

// Remediation lists the commands a user can run by hand to finish the deletion
func (e *ActiveConnectionsError) Remediation() []string {
	return []string{
		"pkill -9 -f cloudflared",
		"cloudflared tunnel cleanup " + e.Tunnel,
		"cloudflared tunnel delete " + e.Tunnel,
	}
}

// TempTunnelError carries the output a quick tunnel produced before it failed
type TempTunnelError struct {
	Err    error
	Output string
}

func (e *TempTunnelError) Error() string {
	if out := strings.TrimSpace(e.Output); out != "" {
		return fmt.Sprintf("%v\n%s", e.Err, out)
	}
	return e.Err.Error()
}

func (e *TempTunnelError) Unwrap() error {
	return e.Err
}
