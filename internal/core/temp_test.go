package core

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/takaaki-s/cftunnel/internal/store"
)

// newTempFixture builds a supervisor whose provider binary is a shell script
func newTempFixture(t *testing.T, script string, timeout time.Duration) (*TempSupervisor, *store.StateStore) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	states, err := store.NewStateStore(dir)
	if err != nil {
		t.Fatalf("Failed to create state store: %v", err)
	}

	binary := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("Failed to write fake binary: %v", err)
	}

	runner := NewExecRunner()
	ts := NewTempSupervisor(states, NewProcessManager(runner), NewProvider(runner, binary, 0), timeout)
	ts.poll = 10 * time.Millisecond
	return ts, states
}

// TestExtractTempURL tests URL detection on cloudflared output lines
func TestExtractTempURL(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{
			name:     "Quick tunnel banner",
			line:     "2026-10-19T10:00:00Z INF |  https://quiet-river-1234.trycloudflare.com                                |",
			expected: "https://quiet-river-1234.trycloudflare.com",
		},
		{
			name:     "Terms of service link is skipped",
			line:     "INF Thank you for trying Cloudflare Tunnel. ... https://www.cloudflare.com/website-terms/",
			expected: "",
		},
		{
			name:     "Other https URL",
			line:     "INF Your tunnel is available at https://demo.example.net",
			expected: "https://demo.example.net",
		},
		{
			name:     "No URL",
			line:     "INF Starting metrics server on 127.0.0.1:43215/metrics",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractTempURL(tt.line); got != tt.expected {
				t.Errorf("ExtractTempURL() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

// TestCreateTempSuccess tests URL discovery, registration and stopping
func TestCreateTempSuccess(t *testing.T) {
	ts, states := newTempFixture(t, `
echo "INF Requesting new quick Tunnel on trycloudflare.com..." >&2
echo "INF Thank you for trying Cloudflare Tunnel. https://www.cloudflare.com/website-terms/" >&2
printf 'INF |  https://quiet-river-1234.trycloudflare.com  |\n' >&2
exec sleep 30
`, 5*time.Second)

	temp, err := ts.Create(context.Background(), 8080, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { ts.Stop("") })

	if temp.URL != "https://quiet-river-1234.trycloudflare.com" {
		t.Errorf("Unexpected URL %q", temp.URL)
	}
	if !strings.HasPrefix(temp.Name, "temp-") {
		t.Errorf("Unexpected name %q", temp.Name)
	}

	rec, ok := states.Get(temp.Name)
	if !ok {
		t.Fatal("Temporary tunnel should be registered")
	}
	if !rec.TempTunnel || rec.AutoStart || rec.TempPort != 8080 || rec.TempProcessID != temp.PID || rec.TempURL != temp.URL {
		t.Errorf("Unexpected record %+v", rec)
	}

	listed := ts.List()
	if len(listed) != 1 || listed[0].URL != temp.URL {
		t.Errorf("Expected the tunnel to be listed, got %+v", listed)
	}

	stopped, err := ts.Stop(temp.URL)
	if err != nil || stopped != 1 {
		t.Fatalf("Stop = %d, %v", stopped, err)
	}
	if !ts.procs.Wait(temp.PID, 5*time.Second) {
		t.Error("Process should exit after stop")
	}
	if _, ok := states.Get(temp.Name); ok {
		t.Error("Record should be removed after stop")
	}
}

// TestReserveTempName tests that names taken by a record or a log file are skipped
func TestReserveTempName(t *testing.T) {
	ts, states := newTempFixture(t, "exit 0\n", time.Second)
	ts.now = func() time.Time { return time.Unix(1790000000, 0) }

	states.Mutate(func(state *store.ManagerState) bool {
		state.Tunnels["temp-1790000000"] = &store.TunnelRecord{Name: "temp-1790000000", TempTunnel: true}
		return true
	})
	if err := os.WriteFile(ts.logPath("temp-1790000000-2"), nil, 0600); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}

	name, err := ts.reserveName()
	if err != nil {
		t.Fatalf("reserveName failed: %v", err)
	}
	if name != "temp-1790000000-3" {
		t.Errorf("Expected temp-1790000000-3, got %q", name)
	}
	if _, err := os.Stat(ts.logPath(name)); err != nil {
		t.Errorf("Reserved log file should exist: %v", err)
	}

	next, err := ts.reserveName()
	if err != nil || next != "temp-1790000000-4" {
		t.Errorf("Second reservation = %q, %v", next, err)
	}
}

// TestCreateTempSameSecond tests that quick tunnels started within one second are tracked separately
func TestCreateTempSameSecond(t *testing.T) {
	ts, states := newTempFixture(t, `
printf 'INF |  https://quiet-river-1234.trycloudflare.com  |\n' >&2
exec sleep 30
`, 5*time.Second)
	ts.now = func() time.Time { return time.Unix(1790000000, 0) }
	t.Cleanup(func() { ts.Stop("") })

	first, err := ts.Create(context.Background(), 8080, "")
	if err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	second, err := ts.Create(context.Background(), 8081, "")
	if err != nil {
		t.Fatalf("Second create failed: %v", err)
	}

	if first.Name == second.Name {
		t.Fatalf("Both tunnels are named %q", first.Name)
	}
	for _, temp := range []*TempTunnel{first, second} {
		rec, ok := states.Get(temp.Name)
		if !ok || rec.TempProcessID != temp.PID {
			t.Errorf("Tunnel %s should be recorded with PID %d, got %+v", temp.Name, temp.PID, rec)
		}
	}

	stopped, err := ts.Stop("")
	if err != nil || stopped != 2 {
		t.Fatalf("Stop all = %d, %v", stopped, err)
	}
	for _, temp := range []*TempTunnel{first, second} {
		if !ts.procs.Wait(temp.PID, 5*time.Second) {
			t.Errorf("Process %d should exit after stop", temp.PID)
		}
	}
}

// TestCreateTempTimeout tests that a silent process is killed and nothing is recorded
func TestCreateTempTimeout(t *testing.T) {
	ts, states := newTempFixture(t, `
echo "INF Requesting new quick Tunnel on trycloudflare.com..." >&2
exec sleep 30
`, 300*time.Millisecond)

	start := time.Now()
	temp, err := ts.Create(context.Background(), 8080, "")
	if temp != nil {
		t.Fatalf("Expected no tunnel, got %+v", temp)
	}
	if !errors.Is(err, ErrTempURLTimeout) {
		t.Fatalf("Expected ErrTempURLTimeout, got %v", err)
	}
	var tempErr *TempTunnelError
	if !errors.As(err, &tempErr) || !strings.Contains(tempErr.Output, "Requesting new quick Tunnel") {
		t.Errorf("Expected captured output, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Create took too long: %s", elapsed)
	}

	if len(states.Load().Tunnels) != 0 {
		t.Error("No record should be registered after a timeout")
	}
}

// TestCreateTempEarlyExit tests a process that exits before printing a URL
func TestCreateTempEarlyExit(t *testing.T) {
	ts, states := newTempFixture(t, `
echo "ERR failed to request quick Tunnel: connection refused" >&2
exit 1
`, 5*time.Second)

	_, err := ts.Create(context.Background(), 8080, "")
	if !errors.Is(err, ErrTempExited) {
		t.Fatalf("Expected ErrTempExited, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error should include the output: %v", err)
	}
	if len(states.Load().Tunnels) != 0 {
		t.Error("No record should be registered after an early exit")
	}
}

// TestCreateTempCancel tests that cancellation kills the child
func TestCreateTempCancel(t *testing.T) {
	ts, states := newTempFixture(t, "exec sleep 30\n", 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := ts.Create(ctx, 8080, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline, got %v", err)
	}
	if len(states.Load().Tunnels) != 0 {
		t.Error("No record should be registered after cancellation")
	}
}

// TestCreateTempInvalidPort tests port validation
func TestCreateTempInvalidPort(t *testing.T) {
	ts, _ := newTempFixture(t, "exit 0\n", time.Second)
	if _, err := ts.Create(context.Background(), 0, ""); err == nil {
		t.Error("Expected an error for port 0")
	}
}

// TestListTempReapsDeadProcess tests that records of exited processes are removed
func TestListTempReapsDeadProcess(t *testing.T) {
	ts, states := newTempFixture(t, "exit 0\n", time.Second)

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}

	states.Mutate(func(state *store.ManagerState) bool {
		state.Tunnels["temp-1"] = &store.TunnelRecord{
			Name:          "temp-1",
			TempTunnel:    true,
			TempURL:       "https://gone.trycloudflare.com",
			TempPort:      3000,
			TempProcessID: cmd.Process.Pid,
		}
		state.Tunnels["demo"] = &store.TunnelRecord{Name: "demo"}
		return true
	})

	if listed := ts.List(); len(listed) != 0 {
		t.Errorf("Dead tunnel should not be listed, got %+v", listed)
	}
	if _, ok := states.Get("temp-1"); ok {
		t.Error("Dead tunnel should be reaped")
	}
	if _, ok := states.Get("demo"); !ok {
		t.Error("Named tunnels should be left alone")
	}
}

// TestStopTemp tests stopping by URL and stopping everything
func TestStopTemp(t *testing.T) {
	ts, states := newTempFixture(t, "exit 0\n", time.Second)

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}

	states.Mutate(func(state *store.ManagerState) bool {
		for _, name := range []string{"temp-1", "temp-2"} {
			state.Tunnels[name] = &store.TunnelRecord{
				Name:          name,
				TempTunnel:    true,
				TempURL:       "https://" + name + ".trycloudflare.com",
				TempProcessID: cmd.Process.Pid,
			}
		}
		return true
	})

	if _, err := ts.Stop("https://unknown.trycloudflare.com"); !errors.Is(err, ErrTempNotFound) {
		t.Errorf("Expected ErrTempNotFound, got %v", err)
	}

	stopped, err := ts.Stop("https://temp-1.trycloudflare.com")
	if err != nil || stopped != 1 {
		t.Fatalf("Stop by URL = %d, %v", stopped, err)
	}
	if _, ok := states.Get("temp-2"); !ok {
		t.Error("Other temporary tunnels should be kept")
	}

	stopped, err = ts.Stop("")
	if err != nil || stopped != 1 {
		t.Fatalf("Stop all = %d, %v", stopped, err)
	}
	if len(states.Load().Tunnels) != 0 {
		t.Error("All temporary tunnels should be removed")
	}

	if stopped, err := ts.Stop(""); err != nil || stopped != 0 {
		t.Errorf("Stopping with nothing running = %d, %v", stopped, err)
	}
}

// TestFollowLogPartialLines tests that lines written in pieces are joined
func TestFollowLogPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	exited := make(chan struct{})
	lines := followLog(context.Background(), path, exited, 5*time.Millisecond)

	f.WriteString("first ")
	time.Sleep(30 * time.Millisecond)
	f.WriteString("line\nsecond")
	time.Sleep(30 * time.Millisecond)
	close(exited)

	var got []string
	for line := range lines {
		got = append(got, line)
	}

	if len(got) != 2 || got[0] != "first line" || got[1] != "second" {
		t.Errorf("Unexpected lines %q", got)
	}
}
