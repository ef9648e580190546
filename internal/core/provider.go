package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBinary is the provider binary name looked up on PATH
const DefaultBinary = "cloudflared"

// ProviderTunnel is a tunnel as listed by the provider registry
type ProviderTunnel struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	CreatedAt   string            `json:"created_at"`
	Connections []json.RawMessage `json:"connections"`
}

// Provider wraps the cloudflared subcommands the lifecycle controller needs
type Provider struct {
	runner  Runner
	binary  string
	timeout time.Duration
}

// NewProvider creates a provider adapter. A zero timeout lets registry commands run unbounded.
func NewProvider(runner Runner, binary string, timeout time.Duration) *Provider {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Provider{
		runner:  runner,
		binary:  binary,
		timeout: timeout,
	}
}

// Binary returns the binary used for provider commands
func (p *Provider) Binary() string {
	return p.binary
}

func (p *Provider) run(ctx context.Context, args ...string) (CommandResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.runner.Run(ctx, nil, p.binary, args...)
}

// List returns every tunnel in the provider registry
func (p *Provider) List(ctx context.Context) ([]ProviderTunnel, error) {
	result, err := p.run(ctx, "tunnel", "list", "--output", "json")
	if err != nil {
		return nil, err
	}

	out := strings.TrimSpace(result.Stdout)
	if out == "" || out == "null" {
		return []ProviderTunnel{}, nil
	}

	var tunnels []ProviderTunnel
	if err := json.Unmarshal([]byte(out), &tunnels); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel list: %w", err)
	}
	if tunnels == nil {
		tunnels = []ProviderTunnel{}
	}
	return tunnels, nil
}

// Lookup finds a tunnel by name; a missing tunnel yields ErrTunnelNotFound
func (p *Provider) Lookup(ctx context.Context, name string) (*ProviderTunnel, error) {
	tunnels, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tunnels {
		if tunnels[i].Name == name {
			return &tunnels[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTunnelNotFound, name)
}

// Create registers a new named tunnel and writes its credentials file
func (p *Provider) Create(ctx context.Context, name string) error {
	_, err := p.run(ctx, "tunnel", "create", name)
	return err
}

// Delete removes a named tunnel from the registry
func (p *Provider) Delete(ctx context.Context, name string, force bool) error {
	args := []string{"tunnel", "delete"}
	if force {
		args = append(args, "-f")
	}
	_, err := p.run(ctx, append(args, name)...)
	return err
}

// Cleanup drops stale connector registrations for a tunnel
func (p *Provider) Cleanup(ctx context.Context, name string) error {
	_, err := p.run(ctx, "tunnel", "cleanup", name)
	return err
}

// RouteDNS creates the CNAME record pointing domain at the tunnel
func (p *Provider) RouteDNS(ctx context.Context, name, domain string) error {
	_, err := p.run(ctx, "tunnel", "route", "dns", name, domain)
	return err
}

// RunArgs returns the arguments that run a named tunnel from its ingress file
func (p *Provider) RunArgs(configPath, name string) []string {
	return []string{"tunnel", "--config", configPath, "run", name}
}

// QuickTunnelArgs returns the arguments that expose a local port on a generated URL
func (p *Provider) QuickTunnelArgs(port int, subdomain string) []string {
	args := []string{"tunnel", "--url", "http://localhost:" + strconv.Itoa(port)}
	if subdomain != "" {
		args = append(args, "--name", subdomain)
	}
	return args
}

// LoginArgs returns the arguments of the interactive browser login
func (p *Provider) LoginArgs() []string {
	return []string{"tunnel", "login"}
}

// IsActiveConnections reports whether a delete failed because connectors are still registered
func IsActiveConnections(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(strings.ToLower(cmdErr.Stderr), "active connections")
}

// ResolveBinary finds an absolute path for the provider binary: the configured value when it
// names an existing file, then well-known install locations, then PATH.
func ResolveBinary(runner Runner, goos, configured string) (string, error) {
	if configured == "" {
		configured = DefaultBinary
	}

	if strings.ContainsRune(configured, filepath.Separator) || strings.Contains(configured, "/") {
		if fileExists(configured) {
			return filepath.Abs(configured)
		}
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, configured)
	}

	if configured == DefaultBinary {
		for _, path := range wellKnownBinaryPaths(goos) {
			if fileExists(path) {
				return path, nil
			}
		}
	}

	path, err := runner.LookPath(configured)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
	}
	return path, nil
}

func wellKnownBinaryPaths(goos string) []string {
	home, _ := os.UserHomeDir()
	switch goos {
	case "linux":
		paths := []string{"/usr/local/bin/cloudflared", "/usr/bin/cloudflared"}
		if home != "" {
			paths = append(paths, filepath.Join(home, ".local", "bin", "cloudflared"))
		}
		return paths
	case "darwin":
		return []string{"/usr/local/bin/cloudflared", "/opt/homebrew/bin/cloudflared"}
	default:
		return nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
