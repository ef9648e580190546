package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

var schtasksBatchTemplate = template.Must(template.New("task batch").Parse(
	"@echo off\r\n\"{{.Binary}}\" tunnel --config \"{{.ConfigPath}}\" run {{.Tunnel}}\r\n"))

// SchtasksRegistrar registers a logon task with the Windows task scheduler
type SchtasksRegistrar struct {
	runner Runner
}

// NewSchtasksRegistrar creates a registrar writing batch files into the unit's config directory
func NewSchtasksRegistrar(runner Runner) *SchtasksRegistrar {
	return &SchtasksRegistrar{runner: runner}
}

func (r *SchtasksRegistrar) Kind() AutostartKind { return KindSchtasks }

// TaskName returns the scheduled task name for a tunnel
func TaskName(tunnel string) string {
	return "CloudflaredTunnel-" + tunnel
}

// BatchPath returns the batch file the task runs
func BatchPath(unit Unit) string {
	return filepath.Join(unit.ConfigDir, fmt.Sprintf("tunnel-%s.bat", unit.Tunnel))
}

func (r *SchtasksRegistrar) schtasks(ctx context.Context, args ...string) (string, error) {
	result, err := r.runner.Run(ctx, nil, "schtasks", args...)
	return result.Stdout, err
}

func (r *SchtasksRegistrar) Enable(ctx context.Context, unit Unit) error {
	data, err := renderArtifact(schtasksBatchTemplate, unit)
	if err != nil {
		return err
	}

	batch := BatchPath(unit)
	if err := writeArtifact(batch, data, 0644); err != nil {
		return err
	}

	task := TaskName(unit.Tunnel)
	if _, err := r.schtasks(ctx, "/create", "/tn", task, "/tr", `"`+batch+`"`, "/sc", "onlogon", "/rl", "limited", "/f"); err != nil {
		removeArtifact(batch)
		return fmt.Errorf("failed to create scheduled task: %w", err)
	}
	if _, err := r.schtasks(ctx, "/run", "/tn", task); err != nil {
		r.schtasks(ctx, "/delete", "/tn", task, "/f")
		removeArtifact(batch)
		return fmt.Errorf("failed to run scheduled task: %w", err)
	}

	Info("Created scheduled task %s", task)
	return nil
}

func (r *SchtasksRegistrar) Disable(ctx context.Context, unit Unit) error {
	task := TaskName(unit.Tunnel)

	if _, err := r.schtasks(ctx, "/end", "/tn", task); err != nil {
		Debug("schtasks /end: %v", err)
	}

	_, queryErr := r.schtasks(ctx, "/query", "/tn", task)
	if queryErr == nil {
		if _, err := r.schtasks(ctx, "/delete", "/tn", task, "/f"); err != nil {
			return fmt.Errorf("failed to delete scheduled task: %w", err)
		}
	}

	_, err := removeArtifact(BatchPath(unit))
	return err
}

func (r *SchtasksRegistrar) Status(ctx context.Context, unit Unit, verbose bool) StatusReport {
	report := StatusReport{
		Kind:     KindSchtasks,
		Artifact: TaskName(unit.Tunnel),
	}
	out, err := r.schtasks(ctx, "/query", "/tn", TaskName(unit.Tunnel))
	report.Registered = err == nil
	if verbose {
		report.ActiveKnown = true
		report.Active = err == nil && strings.Contains(out, "Running")
	}
	return report
}

func (r *SchtasksRegistrar) Restart(ctx context.Context, unit Unit) error {
	task := TaskName(unit.Tunnel)
	r.schtasks(ctx, "/end", "/tn", task)
	_, err := r.schtasks(ctx, "/run", "/tn", task)
	return err
}

func (r *SchtasksRegistrar) Stop(ctx context.Context, unit Unit) error {
	_, err := r.schtasks(ctx, "/end", "/tn", TaskName(unit.Tunnel))
	return err
}
