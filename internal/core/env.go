package core

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Environment identifies the execution context of the host
type Environment string

const (
	EnvDocker Environment = "docker"
	EnvEC2    Environment = "ec2"
	EnvWSL    Environment = "wsl"
	EnvLocal  Environment = "local"
)

const (
	defaultMetadataURL = "http://169.254.169.254/latest/meta-data/instance-id"
	metadataTimeout    = 2 * time.Second
)

// Probe detects the execution context and service-manager availability.
// Results are computed once per Probe.
type Probe struct {
	runner      Runner
	goos        string
	root        string
	metadataURL string
	client      *http.Client

	envOnce sync.Once
	env     Environment

	systemdOnce sync.Once
	systemd     bool
}

// ProbeOption is a functional option for Probe
type ProbeOption func(*Probe)

// WithProbeGOOS overrides the detected operating system
func WithProbeGOOS(goos string) ProbeOption {
	return func(p *Probe) {
		p.goos = goos
	}
}

// WithProbeRoot reads /.dockerenv and /proc from root instead of /
func WithProbeRoot(root string) ProbeOption {
	return func(p *Probe) {
		p.root = root
	}
}

// WithMetadataURL overrides the cloud metadata endpoint; empty disables the check
func WithMetadataURL(url string) ProbeOption {
	return func(p *Probe) {
		p.metadataURL = url
	}
}

// NewProbe creates a probe that runs service-manager queries through runner
func NewProbe(runner Runner, opts ...ProbeOption) *Probe {
	p := &Probe{
		runner:      runner,
		goos:        runtime.GOOS,
		root:        "/",
		metadataURL: defaultMetadataURL,
		client:      &http.Client{Timeout: metadataTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GOOS returns the operating system strategies are selected for
func (p *Probe) GOOS() string {
	return p.goos
}

// Environment returns docker, ec2, wsl or local
func (p *Probe) Environment(ctx context.Context) Environment {
	p.envOnce.Do(func() {
		p.env = p.detectEnvironment(ctx)
	})
	return p.env
}

func (p *Probe) detectEnvironment(ctx context.Context) Environment {
	if p.fileExists(".dockerenv") || strings.Contains(p.readFile("proc/self/cgroup"), "docker") {
		return EnvDocker
	}

	if p.hasInstanceMetadata(ctx) {
		return EnvEC2
	}

	version := strings.ToLower(p.readFile("proc/version"))
	switch {
	case strings.Contains(version, "microsoft"):
		return EnvWSL
	case strings.Contains(version, "aws"):
		return EnvEC2
	}

	return EnvLocal
}

func (p *Probe) hasInstanceMetadata(ctx context.Context) bool {
	if p.metadataURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.metadataURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	return err == nil && resp.StatusCode == http.StatusOK && len(strings.TrimSpace(string(body))) > 0
}

// HasSystemdUser reports whether per-user systemd services can be managed without root
func (p *Probe) HasSystemdUser(ctx context.Context) bool {
	p.systemdOnce.Do(func() {
		if p.goos != "linux" {
			return
		}
		if _, err := p.runner.Run(ctx, nil, "systemctl", "--version"); err != nil {
			return
		}
		_, err := p.runner.Run(ctx, nil, "systemctl", "--user", "status")
		p.systemd = err == nil
	})
	return p.systemd
}

func (p *Probe) fileExists(rel string) bool {
	_, err := os.Stat(filepath.Join(p.root, rel))
	return err == nil
}

func (p *Probe) readFile(rel string) string {
	data, err := os.ReadFile(filepath.Join(p.root, rel))
	if err != nil {
		return ""
	}
	return string(data)
}
