package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testUnit(dir string) Unit {
	return Unit{
		Tunnel:     "demo",
		ConfigPath: filepath.Join(dir, "config-demo.yml"),
		ConfigDir:  dir,
		Binary:     "/usr/local/bin/cloudflared",
	}
}

// TestSelectRegistrar tests strategy selection per platform
func TestSelectRegistrar(t *testing.T) {
	tests := []struct {
		name      string
		goos      string
		systemdOK bool
		expected  AutostartKind
	}{
		{name: "Linux with user systemd", goos: "linux", systemdOK: true, expected: KindSystemd},
		{name: "Linux without systemd", goos: "linux", expected: KindCron},
		{name: "macOS", goos: "darwin", expected: KindLaunchd},
		{name: "Windows", goos: "windows", expected: KindSchtasks},
		{name: "Other", goos: "plan9", expected: KindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			if !tt.systemdOK {
				runner.on("systemctl --version", "", 127, "")
			}
			probe := NewProbe(runner, WithProbeGOOS(tt.goos), WithMetadataURL(""))
			procs := NewProcessManager(runner, WithGOOS(tt.goos))

			reg := SelectRegistrar(context.Background(), probe, runner, procs, t.TempDir())
			if reg.Kind() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, reg.Kind())
			}
		})
	}
}

// TestUnsupportedRegistrar tests that every operation reports the platform as unsupported
func TestUnsupportedRegistrar(t *testing.T) {
	reg := unsupportedRegistrar{}
	unit := testUnit(t.TempDir())
	ctx := context.Background()

	for name, err := range map[string]error{
		"enable":  reg.Enable(ctx, unit),
		"disable": reg.Disable(ctx, unit),
		"restart": reg.Restart(ctx, unit),
		"stop":    reg.Stop(ctx, unit),
	} {
		if !errors.Is(err, ErrUnsupportedPlatform) {
			t.Errorf("%s: expected ErrUnsupportedPlatform, got %v", name, err)
		}
	}
	if report := reg.Status(ctx, unit, true); report.Registered || report.Kind != KindUnsupported {
		t.Errorf("Unexpected status %+v", report)
	}
}

// TestSystemdEnable tests the unit file and the systemctl sequence
func TestSystemdEnable(t *testing.T) {
	t.Setenv("USER", "alice")
	home := t.TempDir()
	runner := newFakeRunner()
	reg := NewSystemdRegistrar(runner, home)
	unit := testUnit(filepath.Join(home, ".cloudflared"))

	if err := reg.Enable(context.Background(), unit); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	path := filepath.Join(home, ".config", "systemd", "user", "cloudflared-tunnel-demo.service")
	if reg.UnitPath("demo") != path {
		t.Errorf("Unexpected unit path %s", reg.UnitPath("demo"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Unit file not written: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"Description=Cloudflare Tunnel - demo",
		"ExecStart=/usr/local/bin/cloudflared tunnel --config " + unit.ConfigPath + " run demo",
		"Restart=always",
		"RestartSec=10",
		"WantedBy=default.target",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("Unit file missing %q:\n%s", want, content)
		}
	}

	expected := []string{
		"systemctl --user daemon-reload",
		"systemctl --user enable cloudflared-tunnel-demo.service",
		"systemctl --user start cloudflared-tunnel-demo.service",
		"loginctl enable-linger alice",
	}
	if got := runner.commands(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected commands %v, got %v", expected, got)
	}
}

// TestSystemdEnableRollback tests that a failed start leaves nothing behind
func TestSystemdEnableRollback(t *testing.T) {
	home := t.TempDir()
	runner := newFakeRunner().on("systemctl --user start cloudflared-tunnel-demo.service", "", 1, "Job failed")
	reg := NewSystemdRegistrar(runner, home)

	err := reg.Enable(context.Background(), testUnit(home))
	if err == nil {
		t.Fatal("Expected an error")
	}
	if _, statErr := os.Stat(reg.UnitPath("demo")); !os.IsNotExist(statErr) {
		t.Error("Unit file should be removed after a failed start")
	}
	if !runner.ran("systemctl --user disable cloudflared-tunnel-demo.service") {
		t.Errorf("Expected rollback disable, ran %v", runner.commands())
	}
}

// TestSystemdDisable tests removal with and without a registered unit
func TestSystemdDisable(t *testing.T) {
	tests := []struct {
		name      string
		installed bool
		wantErr   bool
	}{
		{name: "Installed", installed: true},
		{name: "Never installed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			runner := newFakeRunner()
			reg := NewSystemdRegistrar(runner, home)
			if tt.installed {
				if err := writeArtifact(reg.UnitPath("demo"), []byte("[Unit]\n"), 0644); err != nil {
					t.Fatal(err)
				}
			} else {
				runner.on("systemctl --user disable cloudflared-tunnel-demo.service", "", 1, "not loaded")
			}

			err := reg.Disable(context.Background(), testUnit(home))
			if tt.wantErr != (err != nil) {
				t.Fatalf("Disable error = %v", err)
			}
			if _, statErr := os.Stat(reg.UnitPath("demo")); !os.IsNotExist(statErr) {
				t.Error("Unit file should be gone")
			}
			if !runner.ran("systemctl --user daemon-reload") {
				t.Error("Expected daemon-reload")
			}
		})
	}
}

// TestSystemdStatus tests the enabled and active queries
func TestSystemdStatus(t *testing.T) {
	runner := newFakeRunner().on("systemctl --user is-active cloudflared-tunnel-demo.service", "inactive", 3, "")
	reg := NewSystemdRegistrar(runner, t.TempDir())
	unit := testUnit(t.TempDir())

	report := reg.Status(context.Background(), unit, false)
	if !report.Registered || report.ActiveKnown {
		t.Errorf("Unexpected brief status %+v", report)
	}
	if runner.ran("systemctl --user is-active cloudflared-tunnel-demo.service") {
		t.Error("Brief status should not query activity")
	}

	report = reg.Status(context.Background(), unit, true)
	if !report.ActiveKnown || report.Active {
		t.Errorf("Unexpected verbose status %+v", report)
	}
}

// TestCronEnable tests the start script and the crontab update
func TestCronEnable(t *testing.T) {
	tests := []struct {
		name          string
		existing      string
		existingExit  int
		expectedTable string
		expectWrite   bool
	}{
		{
			name:          "No crontab yet",
			existingExit:  1,
			expectedTable: "@reboot SCRIPT\n",
			expectWrite:   true,
		},
		{
			name:          "Existing entries are kept",
			existing:      "0 * * * * backup",
			expectedTable: "0 * * * * backup\n@reboot SCRIPT\n",
			expectWrite:   true,
		},
		{
			name:     "Already registered",
			existing: "@reboot SCRIPT\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			runner := newFakeRunner()
			reg := NewCronRegistrar(runner, NewProcessManager(runner, WithGOOS("linux")), home)
			script := reg.ScriptPath("demo")
			runner.on("crontab -l", strings.ReplaceAll(tt.existing, "SCRIPT", script), tt.existingExit, "no crontab for alice")

			unit := testUnit(filepath.Join(home, ".cloudflared"))
			if err := reg.Enable(context.Background(), unit); err != nil {
				t.Fatalf("Enable failed: %v", err)
			}

			if script != filepath.Join(home, ".local", "bin", "start-tunnel-demo.sh") {
				t.Errorf("Unexpected script path %s", script)
			}
			info, err := os.Stat(script)
			if err != nil {
				t.Fatalf("Script not written: %v", err)
			}
			if info.Mode().Perm()&0100 == 0 {
				t.Error("Script should be executable")
			}
			data, _ := os.ReadFile(script)
			for _, want := range []string{"#!/bin/sh", "nohup /usr/local/bin/cloudflared tunnel --config", ">/dev/null 2>&1 &"} {
				if !strings.Contains(string(data), want) {
					t.Errorf("Script missing %q:\n%s", want, data)
				}
			}

			if runner.ran("crontab -") != tt.expectWrite {
				t.Fatalf("crontab write = %v, expected %v", runner.ran("crontab -"), tt.expectWrite)
			}
			if tt.expectWrite {
				expected := strings.ReplaceAll(tt.expectedTable, "SCRIPT", script)
				if got := runner.stdinOf("crontab -"); got != expected {
					t.Errorf("Expected crontab %q, got %q", expected, got)
				}
			}
			if !runner.ran(script) {
				t.Error("Script should be run once registered")
			}
		})
	}
}

// TestCronEnableRollback tests that a failing first start removes the cron entry and script
func TestCronEnableRollback(t *testing.T) {
	home := t.TempDir()
	runner := newFakeRunner()
	reg := NewCronRegistrar(runner, NewProcessManager(runner, WithGOOS("linux")), home)
	script := reg.ScriptPath("demo")

	runner.on("crontab -l", "0 * * * * backup\n", 0, "")
	runner.on("crontab -l", "0 * * * * backup\n@reboot "+script+"\n", 0, "")
	runner.on(script, "", 1, "cloudflared: not found")

	err := reg.Enable(context.Background(), testUnit(filepath.Join(home, ".cloudflared")))
	if err == nil {
		t.Fatal("Enable should fail when the script cannot start the tunnel")
	}

	if got := runner.count("crontab -"); got != 2 {
		t.Fatalf("Expected the crontab to be written twice, got %d", got)
	}
	if got := runner.stdinOf("crontab -"); got != "0 * * * * backup\n" {
		t.Errorf("Cron entry should be removed, crontab is %q", got)
	}
	if _, err := os.Stat(script); !os.IsNotExist(err) {
		t.Errorf("Script should be removed, stat: %v", err)
	}
}

// TestCronDisable tests that only the tunnel's entry is removed
func TestCronDisable(t *testing.T) {
	home := t.TempDir()
	runner := newFakeRunner()
	reg := NewCronRegistrar(runner, NewProcessManager(runner, WithGOOS("linux")), home)
	script := reg.ScriptPath("demo")
	if err := writeArtifact(script, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(home, ".local", "bin", "start-tunnel-other.sh")
	runner.on("crontab -l", "0 * * * * backup\n@reboot "+script+"\n@reboot "+other+"\n", 0, "")

	if err := reg.Disable(context.Background(), testUnit(home)); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	expected := "0 * * * * backup\n@reboot " + other + "\n"
	if got := runner.stdinOf("crontab -"); got != expected {
		t.Errorf("Expected crontab %q, got %q", expected, got)
	}
	if _, err := os.Stat(script); !os.IsNotExist(err) {
		t.Error("Script should be removed")
	}
	if !runner.ran("pkill -f " + TunnelPattern("demo")) {
		t.Errorf("Expected tunnel processes to be stopped, ran %v", runner.commands())
	}
}

// TestLaunchdEnable tests the launch agent and launchctl calls
func TestLaunchdEnable(t *testing.T) {
	home := t.TempDir()
	runner := newFakeRunner()
	reg := NewLaunchdRegistrar(runner, home)
	unit := testUnit(filepath.Join(home, ".cloudflared"))
	unit.Tunnel = "a&b"

	if err := reg.Enable(context.Background(), unit); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	path := filepath.Join(home, "Library", "LaunchAgents", "com.user.cloudflare.tunnel.a&b.plist")
	if reg.PlistPath("a&b") != path {
		t.Errorf("Unexpected plist path %s", reg.PlistPath("a&b"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Plist not written: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"<string>com.user.cloudflare.tunnel.a&amp;b</string>",
		"<string>/usr/local/bin/cloudflared</string>",
		"<key>RunAtLoad</key>",
		"cloudflared-tunnel-a&amp;b.error.log",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("Plist missing %q:\n%s", want, content)
		}
	}

	expected := []string{"launchctl load " + path, "launchctl start com.user.cloudflare.tunnel.a&b"}
	if got := runner.commands(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected commands %v, got %v", expected, got)
	}
}

// TestLaunchdStatus tests registration and activity parsing from launchctl output
func TestLaunchdStatus(t *testing.T) {
	runner := newFakeRunner().
		on("launchctl list", "PID\tStatus\tLabel\n812\t0\tcom.user.cloudflare.tunnel.demo\n", 0, "").
		on("launchctl list com.user.cloudflare.tunnel.demo", "{\n\t\"PID\" = 812;\n};\n", 0, "")
	reg := NewLaunchdRegistrar(runner, t.TempDir())

	report := reg.Status(context.Background(), testUnit(t.TempDir()), true)
	if !report.Registered || !report.ActiveKnown || !report.Active {
		t.Errorf("Unexpected status %+v", report)
	}
}

// TestSchtasksEnable tests the batch file and the scheduled task arguments
func TestSchtasksEnable(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner()
	reg := NewSchtasksRegistrar(runner)
	unit := testUnit(dir)

	if err := reg.Enable(context.Background(), unit); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	batch := filepath.Join(dir, "tunnel-demo.bat")
	data, err := os.ReadFile(batch)
	if err != nil {
		t.Fatalf("Batch file not written: %v", err)
	}
	expectedBatch := "@echo off\r\n\"/usr/local/bin/cloudflared\" tunnel --config \"" + unit.ConfigPath + "\" run demo\r\n"
	if string(data) != expectedBatch {
		t.Errorf("Expected batch %q, got %q", expectedBatch, data)
	}

	expected := []string{
		`schtasks /create /tn CloudflaredTunnel-demo /tr "` + batch + `" /sc onlogon /rl limited /f`,
		"schtasks /run /tn CloudflaredTunnel-demo",
	}
	if got := runner.commands(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected commands %v, got %v", expected, got)
	}
}

// TestSchtasksDisable tests that a missing task is not deleted
func TestSchtasksDisable(t *testing.T) {
	runner := newFakeRunner().on("schtasks /query /tn CloudflaredTunnel-demo", "", 1, "ERROR: The system cannot find the file specified.")
	reg := NewSchtasksRegistrar(runner)

	if err := reg.Disable(context.Background(), testUnit(t.TempDir())); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if runner.ran("schtasks /delete /tn CloudflaredTunnel-demo /f") {
		t.Error("A missing task should not be deleted")
	}
	if report := reg.Status(context.Background(), testUnit(t.TempDir()), false); report.Registered {
		t.Error("Missing task should not be registered")
	}
}

// TestShellQuote tests quoting of script arguments
func TestShellQuote(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "/usr/bin/cloudflared", expected: "/usr/bin/cloudflared"},
		{input: "/home/my user/.cloudflared", expected: "'/home/my user/.cloudflared'"},
		{input: "it's", expected: `'it'\''s'`},
		{input: "", expected: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := shellQuote(tt.input); got != tt.expected {
				t.Errorf("shellQuote(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}
