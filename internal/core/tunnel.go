// Package core provides the lifecycle management of Cloudflare tunnels.
package core

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/takaaki-s/cftunnel/internal/store"
)

// TunnelStatus represents the observed run mode of a tunnel
type TunnelStatus string

const (
	// StatusStopped indicates no process serves the tunnel
	StatusStopped TunnelStatus = "stopped"
	// StatusRunningService indicates the autostart mechanism runs the tunnel
	StatusRunningService TunnelStatus = "running (service)"
	// StatusRunningManual indicates a detached process started outside any service manager
	StatusRunningManual TunnelStatus = "running (manual)"
	// StatusRunningTemp indicates a quick tunnel process
	StatusRunningTemp TunnelStatus = "running (temp)"
)

// IsRunning reports whether the status is one of the running modes
func (s TunnelStatus) IsRunning() bool {
	return s != StatusStopped && s != ""
}

// TunnelSummary is one row of the tunnel inventory
type TunnelSummary struct {
	Name    string
	ID      string
	Managed bool

	// Exists reports whether the provider registry knows the tunnel
	Exists bool
	Status TunnelStatus

	// Record is nil for unmanaged tunnels
	Record *store.TunnelRecord
}

// GetDisplayName returns a formatted display name for the tunnel
func (s TunnelSummary) GetDisplayName() string {
	if s.Record == nil {
		return s.Name
	}
	if s.Record.TempTunnel {
		return fmt.Sprintf("%s (:%d)", s.Name, s.Record.TempPort)
	}
	return fmt.Sprintf("%s (%d routes)", s.Name, len(s.Record.Routes))
}

// Inventory cross-references local records with the provider registry
type Inventory struct {
	Managed   []TunnelSummary
	Unmanaged []TunnelSummary

	// RegistryErr is set when the provider registry could not be listed;
	// Exists is then false for every managed tunnel
	RegistryErr error
}

// RouteResult reports a route change that succeeded, possibly with follow-up work for the user
type RouteResult struct {
	Tunnel   string
	Domain   string
	Service  string
	Warnings []string
}

// TunnelReport is the detailed status of one tunnel
type TunnelReport struct {
	Name         string
	ID           string
	Environment  Environment
	ConfigPath   string
	ConfigExists bool
	Routes       []store.Route
	Autostart    StatusReport
	Status       TunnelStatus
	Record       *store.TunnelRecord
}

// ServiceURL builds the origin URL a route forwards to. A host that already carries a
// scheme is used as given.
func ServiceURL(host string, port int) string {
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, "://") {
		return fmt.Sprintf("%s:%d", host, port)
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// ValidateTunnelName checks that a name can be used in file names and process patterns
func ValidateTunnelName(name string) error {
	if name == "" {
		return fmt.Errorf("tunnel name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid tunnel name: %q", name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("invalid tunnel name: %q", name)
		}
	}
	return nil
}

// ValidatePort checks a local port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
