package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

var cronScriptTemplate = template.Must(template.New("cron script").Funcs(artifactFuncs).Parse(`#!/bin/sh
# Auto-start script for tunnel {{.Tunnel}}

pkill -f {{tunnelPattern .Tunnel | shellQuote}} 2>/dev/null || true
sleep 2

cd {{shellQuote .ConfigDir}}
nohup {{shellQuote .Binary}} tunnel --config {{shellQuote .ConfigPath}} run {{shellQuote .Tunnel}} >/dev/null 2>&1 &

echo "Tunnel {{.Tunnel}} started at $(date)"
`))

// CronRegistrar starts a tunnel at boot through an @reboot crontab entry
type CronRegistrar struct {
	runner    Runner
	procs     *ProcessManager
	scriptDir string
}

// NewCronRegistrar creates a registrar writing start scripts under home/.local/bin
func NewCronRegistrar(runner Runner, procs *ProcessManager, home string) *CronRegistrar {
	return &CronRegistrar{
		runner:    runner,
		procs:     procs,
		scriptDir: filepath.Join(home, ".local", "bin"),
	}
}

func (r *CronRegistrar) Kind() AutostartKind { return KindCron }

func cronScriptName(tunnel string) string {
	return fmt.Sprintf("start-tunnel-%s.sh", tunnel)
}

// ScriptPath returns the start script path for a tunnel
func (r *CronRegistrar) ScriptPath(tunnel string) string {
	return filepath.Join(r.scriptDir, cronScriptName(tunnel))
}

// readCrontab returns the current crontab; a user without one has an empty table
func (r *CronRegistrar) readCrontab(ctx context.Context) (string, error) {
	result, err := r.runner.Run(ctx, nil, "crontab", "-l")
	if err != nil {
		if exitCode(err) > 0 {
			return "", nil
		}
		return "", err
	}
	return result.Stdout, nil
}

func (r *CronRegistrar) writeCrontab(ctx context.Context, table string) error {
	_, err := r.runner.Run(ctx, strings.NewReader(table), "crontab", "-")
	return err
}

func (r *CronRegistrar) Enable(ctx context.Context, unit Unit) error {
	data, err := renderArtifact(cronScriptTemplate, unit)
	if err != nil {
		return err
	}

	script := r.ScriptPath(unit.Tunnel)
	if err := writeArtifact(script, data, 0755); err != nil {
		return err
	}

	table, err := r.readCrontab(ctx)
	if err != nil {
		removeArtifact(script)
		return fmt.Errorf("failed to read crontab: %w", err)
	}

	line := "@reboot " + script
	if !strings.Contains(table, line) {
		if table != "" && !strings.HasSuffix(table, "\n") {
			table += "\n"
		}
		if err := r.writeCrontab(ctx, table+line+"\n"); err != nil {
			removeArtifact(script)
			return fmt.Errorf("failed to add cron job: %w", err)
		}
	}

	if _, err := r.runner.Run(ctx, nil, script); err != nil {
		if rbErr := r.removeEntry(ctx, unit.Tunnel); rbErr != nil {
			Warn("Failed to roll back cron job for %s: %v", unit.Tunnel, rbErr)
		}
		removeArtifact(script)
		return fmt.Errorf("starting the tunnel failed: %w", err)
	}

	Info("Added @reboot cron job for %s", unit.Tunnel)
	return nil
}

// removeEntry drops the tunnel's @reboot line from the crontab, if present
func (r *CronRegistrar) removeEntry(ctx context.Context, tunnel string) error {
	table, err := r.readCrontab(ctx)
	if err != nil {
		return fmt.Errorf("failed to read crontab: %w", err)
	}

	name := cronScriptName(tunnel)
	lines := strings.Split(table, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if !strings.Contains(line, name) {
			kept = append(kept, line)
		}
	}
	if len(kept) != len(lines) {
		if err := r.writeCrontab(ctx, strings.Join(kept, "\n")); err != nil {
			return fmt.Errorf("failed to remove cron job: %w", err)
		}
	}
	return nil
}

func (r *CronRegistrar) Disable(ctx context.Context, unit Unit) error {
	if err := r.removeEntry(ctx, unit.Tunnel); err != nil {
		return err
	}

	if _, err := removeArtifact(r.ScriptPath(unit.Tunnel)); err != nil {
		return err
	}

	return r.procs.KillTunnel(ctx, unit.Tunnel, false)
}

func (r *CronRegistrar) Status(ctx context.Context, unit Unit, verbose bool) StatusReport {
	report := StatusReport{
		Kind:     KindCron,
		Artifact: r.ScriptPath(unit.Tunnel),
	}
	if table, err := r.readCrontab(ctx); err == nil {
		report.Registered = strings.Contains(table, cronScriptName(unit.Tunnel))
	}
	if verbose {
		report.ActiveKnown = true
		report.Active = r.procs.IsTunnelRunning(ctx, unit.Tunnel)
	}
	return report
}

// Restart reruns the start script, which replaces any running instance
func (r *CronRegistrar) Restart(ctx context.Context, unit Unit) error {
	_, err := r.runner.Run(ctx, nil, r.ScriptPath(unit.Tunnel))
	return err
}

func (r *CronRegistrar) Stop(ctx context.Context, unit Unit) error {
	return r.procs.KillTunnel(ctx, unit.Tunnel, false)
}
