package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

var systemdUnitTemplate = template.Must(template.New("systemd unit").Funcs(artifactFuncs).Parse(`[Unit]
Description=Cloudflare Tunnel - {{.Tunnel}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{systemdQuote .Binary}} tunnel --config {{systemdQuote .ConfigPath}} run {{systemdQuote .Tunnel}}
Restart=always
RestartSec=10
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=default.target
`))

// SystemdRegistrar installs a per-user systemd service; no root required
type SystemdRegistrar struct {
	runner Runner
	dir    string
}

// NewSystemdRegistrar creates a registrar writing units under home/.config/systemd/user
func NewSystemdRegistrar(runner Runner, home string) *SystemdRegistrar {
	return &SystemdRegistrar{
		runner: runner,
		dir:    filepath.Join(home, ".config", "systemd", "user"),
	}
}

func (r *SystemdRegistrar) Kind() AutostartKind { return KindSystemd }

// ServiceName returns the unit name for a tunnel
func ServiceName(tunnel string) string {
	return fmt.Sprintf("cloudflared-tunnel-%s.service", tunnel)
}

// UnitPath returns the unit file path for a tunnel
func (r *SystemdRegistrar) UnitPath(tunnel string) string {
	return filepath.Join(r.dir, ServiceName(tunnel))
}

func (r *SystemdRegistrar) systemctl(ctx context.Context, args ...string) error {
	_, err := r.runner.Run(ctx, nil, "systemctl", append([]string{"--user"}, args...)...)
	return err
}

func (r *SystemdRegistrar) Enable(ctx context.Context, unit Unit) error {
	data, err := renderArtifact(systemdUnitTemplate, unit)
	if err != nil {
		return err
	}

	path := r.UnitPath(unit.Tunnel)
	if err := writeArtifact(path, data, 0644); err != nil {
		return err
	}

	service := ServiceName(unit.Tunnel)
	for _, args := range [][]string{{"daemon-reload"}, {"enable", service}, {"start", service}} {
		if err := r.systemctl(ctx, args...); err != nil {
			r.rollback(ctx, unit.Tunnel)
			return fmt.Errorf("failed to install service: %w", err)
		}
	}

	// Lingering lets the user manager start the service at boot instead of at login
	if user := os.Getenv("USER"); user != "" {
		if _, err := r.runner.Run(ctx, nil, "loginctl", "enable-linger", user); err != nil {
			Warn("Service will start when you log in (enable-linger failed: %v)", err)
		}
	}

	Info("Installed user service %s", service)
	return nil
}

func (r *SystemdRegistrar) rollback(ctx context.Context, tunnel string) {
	service := ServiceName(tunnel)
	r.systemctl(ctx, "disable", service)
	removeArtifact(r.UnitPath(tunnel))
	r.systemctl(ctx, "daemon-reload")
}

func (r *SystemdRegistrar) Disable(ctx context.Context, unit Unit) error {
	service := ServiceName(unit.Tunnel)

	if err := r.systemctl(ctx, "stop", service); err != nil {
		Debug("systemctl stop %s: %v", service, err)
	}
	disableErr := r.systemctl(ctx, "disable", service)

	existed, err := removeArtifact(r.UnitPath(unit.Tunnel))
	if err != nil {
		return err
	}
	if disableErr != nil && existed {
		return fmt.Errorf("failed to disable service: %w", disableErr)
	}

	if err := r.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload user systemd: %w", err)
	}
	return nil
}

func (r *SystemdRegistrar) Status(ctx context.Context, unit Unit, verbose bool) StatusReport {
	service := ServiceName(unit.Tunnel)
	report := StatusReport{
		Kind:       KindSystemd,
		Registered: r.systemctl(ctx, "is-enabled", service) == nil,
		Artifact:   r.UnitPath(unit.Tunnel),
	}
	if verbose {
		report.ActiveKnown = true
		report.Active = r.systemctl(ctx, "is-active", service) == nil
	}
	return report
}

// IsActive reports whether the service is currently running
func (r *SystemdRegistrar) IsActive(ctx context.Context, tunnel string) bool {
	return r.systemctl(ctx, "is-active", ServiceName(tunnel)) == nil
}

func (r *SystemdRegistrar) Restart(ctx context.Context, unit Unit) error {
	return r.systemctl(ctx, "restart", ServiceName(unit.Tunnel))
}

func (r *SystemdRegistrar) Stop(ctx context.Context, unit Unit) error {
	return r.systemctl(ctx, "stop", ServiceName(unit.Tunnel))
}
