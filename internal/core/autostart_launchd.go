package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

var launchdPlistTemplate = template.Must(template.New("launch agent").Funcs(artifactFuncs).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{xmlEscape .Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{xmlEscape .Binary}}</string>
        <string>tunnel</string>
        <string>--config</string>
        <string>{{xmlEscape .ConfigPath}}</string>
        <string>run</string>
        <string>{{xmlEscape .Tunnel}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{xmlEscape .StdoutPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{xmlEscape .StderrPath}}</string>
</dict>
</plist>
`))

// LaunchdRegistrar installs a per-user launch agent on macOS
type LaunchdRegistrar struct {
	runner   Runner
	agentDir string
	logDir   string
}

// NewLaunchdRegistrar creates a registrar writing agents under home/Library/LaunchAgents
func NewLaunchdRegistrar(runner Runner, home string) *LaunchdRegistrar {
	return &LaunchdRegistrar{
		runner:   runner,
		agentDir: filepath.Join(home, "Library", "LaunchAgents"),
		logDir:   filepath.Join(home, "Library", "Logs"),
	}
}

func (r *LaunchdRegistrar) Kind() AutostartKind { return KindLaunchd }

// AgentLabel returns the launchd label for a tunnel
func AgentLabel(tunnel string) string {
	return "com.user.cloudflare.tunnel." + tunnel
}

// PlistPath returns the launch agent path for a tunnel
func (r *LaunchdRegistrar) PlistPath(tunnel string) string {
	return filepath.Join(r.agentDir, AgentLabel(tunnel)+".plist")
}

func (r *LaunchdRegistrar) launchctl(ctx context.Context, args ...string) (string, error) {
	result, err := r.runner.Run(ctx, nil, "launchctl", args...)
	return result.Stdout, err
}

func (r *LaunchdRegistrar) Enable(ctx context.Context, unit Unit) error {
	label := AgentLabel(unit.Tunnel)
	data, err := renderArtifact(launchdPlistTemplate, struct {
		Unit
		Label      string
		StdoutPath string
		StderrPath string
	}{
		Unit:       unit,
		Label:      label,
		StdoutPath: filepath.Join(r.logDir, fmt.Sprintf("cloudflared-tunnel-%s.log", unit.Tunnel)),
		StderrPath: filepath.Join(r.logDir, fmt.Sprintf("cloudflared-tunnel-%s.error.log", unit.Tunnel)),
	})
	if err != nil {
		return err
	}

	path := r.PlistPath(unit.Tunnel)
	if err := writeArtifact(path, data, 0644); err != nil {
		return err
	}

	if _, err := r.launchctl(ctx, "load", path); err != nil {
		removeArtifact(path)
		return fmt.Errorf("failed to load launch agent: %w", err)
	}
	if _, err := r.launchctl(ctx, "start", label); err != nil {
		r.launchctl(ctx, "unload", path)
		removeArtifact(path)
		return fmt.Errorf("failed to start launch agent: %w", err)
	}

	Info("Installed launch agent %s", label)
	return nil
}

func (r *LaunchdRegistrar) Disable(ctx context.Context, unit Unit) error {
	path := r.PlistPath(unit.Tunnel)

	if _, err := r.launchctl(ctx, "stop", AgentLabel(unit.Tunnel)); err != nil {
		Debug("launchctl stop: %v", err)
	}
	if _, err := r.launchctl(ctx, "unload", path); err != nil {
		Debug("launchctl unload: %v", err)
	}

	_, err := removeArtifact(path)
	return err
}

func (r *LaunchdRegistrar) Status(ctx context.Context, unit Unit, verbose bool) StatusReport {
	label := AgentLabel(unit.Tunnel)
	report := StatusReport{
		Kind:     KindLaunchd,
		Artifact: r.PlistPath(unit.Tunnel),
	}
	if out, err := r.launchctl(ctx, "list"); err == nil {
		report.Registered = strings.Contains(out, label)
	}
	if verbose {
		report.ActiveKnown = true
		if out, err := r.launchctl(ctx, "list", label); err == nil {
			report.Active = strings.Contains(out, `"PID" =`)
		}
	}
	return report
}

func (r *LaunchdRegistrar) Restart(ctx context.Context, unit Unit) error {
	label := AgentLabel(unit.Tunnel)
	r.launchctl(ctx, "stop", label)
	_, err := r.launchctl(ctx, "start", label)
	return err
}

func (r *LaunchdRegistrar) Stop(ctx context.Context, unit Unit) error {
	_, err := r.launchctl(ctx, "stop", AgentLabel(unit.Tunnel))
	return err
}
