package core

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// AutostartKind names an autostart strategy
type AutostartKind string

const (
	KindSystemd     AutostartKind = "systemd"
	KindCron        AutostartKind = "cron"
	KindLaunchd     AutostartKind = "launchd"
	KindSchtasks    AutostartKind = "schtasks"
	KindUnsupported AutostartKind = "unsupported"
)

// Unit describes what an autostart registration runs
type Unit struct {
	Tunnel     string
	ConfigPath string
	ConfigDir  string
	Binary     string
}

// StatusReport is the outcome of an autostart status query
type StatusReport struct {
	Kind       AutostartKind
	Registered bool

	// Active is only meaningful when ActiveKnown is set (verbose queries)
	Active      bool
	ActiveKnown bool

	// Artifact is the unit file, script, agent or task name backing the registration
	Artifact string
}

// Registrar registers a tunnel with one OS mechanism that starts it automatically.
// Implementations own their artifacts and never touch the state document.
type Registrar interface {
	Kind() AutostartKind

	// Enable writes the definition, registers it and starts the tunnel now
	Enable(ctx context.Context, unit Unit) error

	// Disable stops and deregisters the tunnel and removes generated artifacts; absence is not an error
	Disable(ctx context.Context, unit Unit) error

	// Status never fails; any query failure reports an unregistered unit
	Status(ctx context.Context, unit Unit, verbose bool) StatusReport

	Restart(ctx context.Context, unit Unit) error
	Stop(ctx context.Context, unit Unit) error
}

// SelectRegistrar picks the strategy for the host: systemd user services when available on
// linux, cron otherwise; launchd on macOS; the task scheduler on Windows.
func SelectRegistrar(ctx context.Context, probe *Probe, runner Runner, procs *ProcessManager, home string) Registrar {
	switch probe.GOOS() {
	case "linux":
		if probe.HasSystemdUser(ctx) {
			return NewSystemdRegistrar(runner, home)
		}
		return NewCronRegistrar(runner, procs, home)
	case "darwin":
		return NewLaunchdRegistrar(runner, home)
	case "windows":
		return NewSchtasksRegistrar(runner)
	default:
		return unsupportedRegistrar{}
	}
}

type unsupportedRegistrar struct{}

func (unsupportedRegistrar) Kind() AutostartKind { return KindUnsupported }

func (unsupportedRegistrar) Enable(context.Context, Unit) error  { return ErrUnsupportedPlatform }
func (unsupportedRegistrar) Disable(context.Context, Unit) error { return ErrUnsupportedPlatform }
func (unsupportedRegistrar) Restart(context.Context, Unit) error { return ErrUnsupportedPlatform }
func (unsupportedRegistrar) Stop(context.Context, Unit) error    { return ErrUnsupportedPlatform }

func (unsupportedRegistrar) Status(context.Context, Unit, bool) StatusReport {
	return StatusReport{Kind: KindUnsupported}
}

var artifactFuncs = template.FuncMap{
	"shellQuote":    shellQuote,
	"systemdQuote":  systemdQuote,
	"xmlEscape":     xmlEscape,
	"tunnelPattern": TunnelPattern,
}

func renderArtifact(tmpl *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return buf.Bytes(), nil
}

func writeArtifact(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Chmod(path, perm)
}

// removeArtifact deletes path and reports whether it existed
func removeArtifact(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return true, nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?;&|<>()[]{}#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func systemdQuote(s string) string {
	if !strings.ContainsAny(s, " \t\"\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
