package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fakeCall records one command seen by fakeRunner
type fakeCall struct {
	Name  string
	Args  []string
	Stdin string
}

func (c fakeCall) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type fakeResponse struct {
	stdout string
	stderr string
	exit   int
}

// fakeRunner scripts command results. Responses are keyed by the full command line; the last
// response for a key repeats. Commands without a response succeed with no output unless a
// handler for the binary is installed.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []fakeCall
	responses map[string][]fakeResponse
	handlers  map[string]func(call fakeCall) (CommandResult, error)
	starts    []StartSpec
	nextPID   int
	paths     map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string][]fakeResponse),
		handlers:  make(map[string]func(call fakeCall) (CommandResult, error)),
		nextPID:   40000,
		paths:     make(map[string]string),
	}
}

// on scripts the result of a command line
func (f *fakeRunner) on(cmdline string, stdout string, exit int, stderr string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], fakeResponse{stdout: stdout, stderr: stderr, exit: exit})
	return f
}

// handle routes every command of a binary to fn
func (f *fakeRunner) handle(name string, fn func(call fakeCall) (CommandResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
}

func (f *fakeRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (CommandResult, error) {
	call := fakeCall{Name: name, Args: append([]string(nil), args...)}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		call.Stdin = string(data)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	queue, scripted := f.responses[call.String()]
	var resp fakeResponse
	if scripted {
		resp = queue[0]
		if len(queue) > 1 {
			f.responses[call.String()] = queue[1:]
		}
	}
	handler := f.handlers[name]
	f.mu.Unlock()

	if !scripted {
		if handler != nil {
			return handler(call)
		}
		return CommandResult{}, nil
	}

	result := CommandResult{Stdout: resp.stdout, Stderr: resp.stderr, ExitCode: resp.exit}
	if resp.exit != 0 {
		return result, &CommandError{Name: name, Args: args, ExitCode: resp.exit, Stderr: resp.stderr, Err: fmt.Errorf("exit status %d", resp.exit)}
	}
	return result, nil
}

func (f *fakeRunner) Start(spec StartSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, spec)
	f.nextPID++
	return f.nextPID, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path, ok := f.paths[name]; ok {
		return path, nil
	}
	return "", fmt.Errorf("executable file not found in $PATH: %s", name)
}

// commands returns every command line run so far
func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, call := range f.calls {
		out[i] = call.String()
	}
	return out
}

func (f *fakeRunner) ran(cmdline string) bool {
	return f.count(cmdline) > 0
}

func (f *fakeRunner) count(cmdline string) int {
	n := 0
	for _, c := range f.commands() {
		if c == cmdline {
			n++
		}
	}
	return n
}

func (f *fakeRunner) stdinOf(cmdline string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].String() == cmdline {
			return f.calls[i].Stdin
		}
	}
	return ""
}

func (f *fakeRunner) startedSpecs() []StartSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StartSpec(nil), f.starts...)
}

// fakeRegistry emulates the cloudflared tunnel registry for the lifecycle controller
type fakeRegistry struct {
	mu      sync.Mutex
	dir     string
	tunnels []ProviderTunnel

	// activeConnections makes that many delete calls fail; negative fails forever
	activeConnections int
	deleteCalls       int
	dnsFails          bool
	listFails         bool
}

func newFakeRegistry(dir string, names ...string) *fakeRegistry {
	r := &fakeRegistry{dir: dir}
	for _, name := range names {
		r.add(name)
	}
	return r
}

func (r *fakeRegistry) add(name string) ProviderTunnel {
	t := ProviderTunnel{
		ID:        fmt.Sprintf("%08x-1111-2222-3333-444455556666", len(r.tunnels)+1),
		Name:      name,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339),
	}
	r.tunnels = append(r.tunnels, t)
	return t
}

func (r *fakeRegistry) lookup(name string) (ProviderTunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tunnels {
		if t.Name == name {
			return t, true
		}
	}
	return ProviderTunnel{}, false
}

func (r *fakeRegistry) fail(call fakeCall, exit int, stderr string) (CommandResult, error) {
	return CommandResult{Stderr: stderr, ExitCode: exit}, &CommandError{
		Name: call.Name, Args: call.Args, ExitCode: exit, Stderr: stderr, Err: fmt.Errorf("exit status %d", exit),
	}
}

func (r *fakeRegistry) handle(call fakeCall) (CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	args := call.Args
	if len(args) < 2 || args[0] != "tunnel" {
		return CommandResult{}, nil
	}
	name := args[len(args)-1]

	switch args[1] {
	case "list":
		if r.listFails {
			return r.fail(call, 1, "failed to reach API")
		}
		data, _ := json.Marshal(r.tunnels)
		return CommandResult{Stdout: string(data)}, nil

	case "create":
		for _, t := range r.tunnels {
			if t.Name == name {
				return r.fail(call, 1, "tunnel with name already exists")
			}
		}
		t := r.add(name)
		creds := filepath.Join(r.dir, t.ID+".json")
		os.WriteFile(creds, []byte(`{"TunnelID":"`+t.ID+`"}`), 0600)
		return CommandResult{Stderr: "Created tunnel " + name + " with id " + t.ID}, nil

	case "delete":
		r.deleteCalls++
		if r.activeConnections != 0 {
			if r.activeConnections > 0 {
				r.activeConnections--
			}
			return r.fail(call, 1, "Cannot delete tunnel because it has active connections")
		}
		for i, t := range r.tunnels {
			if t.Name == name {
				r.tunnels = append(r.tunnels[:i], r.tunnels[i+1:]...)
				return CommandResult{}, nil
			}
		}
		return r.fail(call, 1, "tunnel not found")

	case "route":
		if r.dnsFails {
			return r.fail(call, 1, "record already exists")
		}
		return CommandResult{}, nil
	}

	return CommandResult{}, nil
}

// fakeRegistrar records autostart calls without touching the host
type fakeRegistrar struct {
	mu        sync.Mutex
	enabled   map[string]bool
	active    map[string]bool
	calls     []string
	enableErr error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		enabled: make(map[string]bool),
		active:  make(map[string]bool),
	}
}

func (r *fakeRegistrar) record(op string, unit Unit) {
	r.calls = append(r.calls, op+" "+unit.Tunnel)
}

func (r *fakeRegistrar) Kind() AutostartKind { return KindSystemd }

func (r *fakeRegistrar) Enable(ctx context.Context, unit Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("enable", unit)
	if r.enableErr != nil {
		return r.enableErr
	}
	r.enabled[unit.Tunnel] = true
	r.active[unit.Tunnel] = true
	return nil
}

func (r *fakeRegistrar) Disable(ctx context.Context, unit Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("disable", unit)
	delete(r.enabled, unit.Tunnel)
	delete(r.active, unit.Tunnel)
	return nil
}

func (r *fakeRegistrar) Status(ctx context.Context, unit Unit, verbose bool) StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StatusReport{
		Kind:        KindSystemd,
		Registered:  r.enabled[unit.Tunnel],
		Active:      verbose && r.active[unit.Tunnel],
		ActiveKnown: verbose,
	}
}

func (r *fakeRegistrar) Restart(ctx context.Context, unit Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("restart", unit)
	r.active[unit.Tunnel] = true
	return nil
}

func (r *fakeRegistrar) Stop(ctx context.Context, unit Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop", unit)
	r.active[unit.Tunnel] = false
	return nil
}

func (r *fakeRegistrar) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
