package core

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessManager controls cloudflared processes that run outside any service manager
type ProcessManager struct {
	// Debug mode flag for verbose logging
	debug bool

	runner Runner
	goos   string

	// Processes started by this instance
	mu        sync.RWMutex
	processes map[int]*ProcessInfo
}

// ProcessInfo contains information about a process started by this instance
type ProcessInfo struct {
	PID       int
	Tunnel    string
	Args      []string
	StartedAt time.Time

	done chan struct{}
	err  error
}

// Done is closed once the process has exited
func (p *ProcessInfo) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the wait error; valid after Done is closed
func (p *ProcessInfo) ExitErr() error {
	return p.err
}

// ProcessManagerOption is a functional option for ProcessManager
type ProcessManagerOption func(*ProcessManager)

// WithDebug enables debug mode for the process manager
func WithDebug(debug bool) ProcessManagerOption {
	return func(pm *ProcessManager) {
		pm.debug = debug
	}
}

// WithGOOS overrides the operating system used to pick process tools
func WithGOOS(goos string) ProcessManagerOption {
	return func(pm *ProcessManager) {
		pm.goos = goos
	}
}

// NewProcessManager creates a new process manager instance
func NewProcessManager(runner Runner, opts ...ProcessManagerOption) *ProcessManager {
	pm := &ProcessManager{
		runner:    runner,
		goos:      runtime.GOOS,
		processes: make(map[int]*ProcessInfo),
	}

	for _, opt := range opts {
		opt(pm)
	}

	return pm
}

// TunnelPattern returns the command-line pattern matching every cloudflared process serving the tunnel.
// The name must be the whole run argument so "demo" never matches "demo2". POSIX classes keep the
// pattern valid for pgrep/pkill and PowerShell -match alike.
func TunnelPattern(tunnelName string) string {
	return fmt.Sprintf(`cloudflared.*tunnel.*run[[:space:]]+"?%s"?([[:space:]]|$)`, regexp.QuoteMeta(tunnelName))
}

// Launch starts a detached process and tracks it until it exits
func (pm *ProcessManager) Launch(tunnelName string, name string, args []string, outputPath string) (*ProcessInfo, error) {
	info := &ProcessInfo{
		Tunnel:    tunnelName,
		Args:      append([]string{name}, args...),
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	pid, err := pm.runner.Start(StartSpec{
		Name:       name,
		Args:       args,
		OutputPath: outputPath,
		OnExit: func(err error) {
			info.err = err
			close(info.done)
			pm.monitorProcess(info)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	pm.mu.Lock()
	info.PID = pid
	select {
	case <-info.done:
	default:
		pm.processes[pid] = info
	}
	pm.mu.Unlock()

	if pm.debug {
		Debug("Process started for tunnel %s (PID: %d)", tunnelName, pid)
	}

	return info, nil
}

// monitorProcess drops bookkeeping for an exited process
func (pm *ProcessManager) monitorProcess(info *ProcessInfo) {
	if pm.debug {
		if info.err != nil {
			Debug("Process for tunnel %s exited with error: %v", info.Tunnel, info.err)
		} else {
			Debug("Process for tunnel %s exited normally", info.Tunnel)
		}
	}

	pm.mu.Lock()
	delete(pm.processes, info.PID)
	pm.mu.Unlock()
}

// GetProcessInfo returns information about a process started by this instance
func (pm *ProcessManager) GetProcessInfo(pid int) (*ProcessInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	info, exists := pm.processes[pid]
	return info, exists
}

// FindTunnelProcesses returns the pids of processes whose command line matches the tunnel pattern
func (pm *ProcessManager) FindTunnelProcesses(ctx context.Context, tunnelName string) ([]int, error) {
	name, args := pm.findCommand(TunnelPattern(tunnelName))
	result, err := pm.runner.Run(ctx, nil, name, args...)
	if err != nil {
		// pgrep exits 1 when nothing matched
		if exitCode(err) == 1 {
			return nil, nil
		}
		return nil, err
	}

	var pids []int
	for _, field := range strings.Fields(result.Stdout) {
		pid, err := strconv.Atoi(field)
		if err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// IsTunnelRunning reports whether any manual process serves the tunnel
func (pm *ProcessManager) IsTunnelRunning(ctx context.Context, tunnelName string) bool {
	pids, err := pm.FindTunnelProcesses(ctx, tunnelName)
	if err != nil {
		Debug("process lookup for %s failed: %v", tunnelName, err)
		return false
	}
	return len(pids) > 0
}

// KillTunnel terminates every process matching the tunnel pattern. Finding nothing is not an error.
func (pm *ProcessManager) KillTunnel(ctx context.Context, tunnelName string, force bool) error {
	name, args := pm.killCommand(TunnelPattern(tunnelName), force)
	if _, err := pm.runner.Run(ctx, nil, name, args...); err != nil {
		if exitCode(err) == 1 {
			return nil
		}
		return fmt.Errorf("failed to stop processes for tunnel %s: %w", tunnelName, err)
	}

	if pm.debug {
		Debug("Killed processes for tunnel %s (force=%v)", tunnelName, force)
	}
	return nil
}

// IsProcessRunning checks if a process is still running
func (pm *ProcessManager) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if info, ok := pm.GetProcessInfo(pid); ok {
		select {
		case <-info.done:
			return false
		default:
			return true
		}
	}
	return processAlive(pid)
}

// TerminateProcess asks a process to exit. A process that is already gone is not an error.
func (pm *ProcessManager) TerminateProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if err := terminatePID(pid); err != nil {
		return fmt.Errorf("failed to terminate process %d: %w", pid, err)
	}
	return nil
}

// Wait blocks until a tracked process exits or the timeout elapses
func (pm *ProcessManager) Wait(pid int, timeout time.Duration) bool {
	info, ok := pm.GetProcessInfo(pid)
	if !ok {
		return !processAlive(pid)
	}
	select {
	case <-info.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (pm *ProcessManager) findCommand(pattern string) (string, []string) {
	if pm.goos == "windows" {
		script := fmt.Sprintf(
			"Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -match '%s' } | ForEach-Object { $_.ProcessId }",
			pattern)
		return "powershell", []string{"-NoProfile", "-Command", script}
	}
	return "pgrep", []string{"-f", pattern}
}

func (pm *ProcessManager) killCommand(pattern string, force bool) (string, []string) {
	if pm.goos == "windows" {
		stop := "Stop-Process -Id $_.ProcessId"
		if force {
			stop += " -Force"
		}
		script := fmt.Sprintf(
			"Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -match '%s' } | ForEach-Object { %s }",
			pattern, stop)
		return "powershell", []string{"-NoProfile", "-Command", script}
	}
	if force {
		return "pkill", []string{"-9", "-f", pattern}
	}
	return "pkill", []string{"-f", pattern}
}
