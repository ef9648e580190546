package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/takaaki-s/cftunnel/internal/store"
)

const (
	defaultTempTimeout = 30 * time.Second
	tempPollInterval   = 100 * time.Millisecond
	tempStopWait       = 5 * time.Second
	maxTempNameTries   = 100
)

var (
	quickTunnelURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.trycloudflare\.com`)
	anyURLPattern         = regexp.MustCompile(`https://[^\s|]+`)
)

// TempTunnel is a running quick tunnel
type TempTunnel struct {
	Name string
	URL  string
	Port int
	PID  int
}

// TempSupervisor runs quick tunnels: ephemeral cloudflared processes exposing one local port on a
// generated URL. They are tracked as transient records in the state store.
type TempSupervisor struct {
	states   *store.StateStore
	procs    *ProcessManager
	provider *Provider
	timeout  time.Duration
	poll     time.Duration
	now      func() time.Time
}

// NewTempSupervisor creates a supervisor; a non-positive timeout uses the 30s default
func NewTempSupervisor(states *store.StateStore, procs *ProcessManager, provider *Provider, timeout time.Duration) *TempSupervisor {
	if timeout <= 0 {
		timeout = defaultTempTimeout
	}
	return &TempSupervisor{
		states:   states,
		procs:    procs,
		provider: provider,
		timeout:  timeout,
		poll:     tempPollInterval,
		now:      time.Now,
	}
}

// ExtractTempURL returns the public URL announced on an output line, or ""
func ExtractTempURL(line string) string {
	if !strings.Contains(line, "https://") && !strings.Contains(line, "trycloudflare.com") {
		return ""
	}
	if match := quickTunnelURLPattern.FindString(line); match != "" {
		return match
	}
	for _, match := range anyURLPattern.FindAllString(line, -1) {
		u, err := url.Parse(match)
		if err != nil || u.Host == "" {
			continue
		}
		// cloudflared's banner links to its own documentation and terms
		host := strings.ToLower(u.Hostname())
		if host == "cloudflare.com" || strings.HasSuffix(host, ".cloudflare.com") {
			continue
		}
		return match
	}
	return ""
}

func (ts *TempSupervisor) logPath(name string) string {
	return filepath.Join(ts.states.Dir(), name+".log")
}

// Create starts a quick tunnel for the local port and waits for its URL. On timeout, early exit
// or cancellation the process is terminated and nothing is recorded.
func (ts *TempSupervisor) Create(ctx context.Context, port int, subdomain string) (*TempTunnel, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}

	name, err := ts.reserveName()
	if err != nil {
		return nil, err
	}
	logPath := ts.logPath(name)

	Info("Creating temporary tunnel for localhost:%d...", port)
	info, err := ts.procs.Launch(name, ts.provider.Binary(), ts.provider.QuickTunnelArgs(port, subdomain), logPath)
	if err != nil {
		removeArtifact(logPath)
		return nil, err
	}

	followCtx, stopFollowing := context.WithCancel(ctx)
	defer stopFollowing()
	lines := followLog(followCtx, logPath, info.Done(), ts.poll)

	timer := time.NewTimer(ts.timeout)
	defer timer.Stop()

	var output strings.Builder
	fail := func(err error) (*TempTunnel, error) {
		stopFollowing()
		ts.kill(info)
		removeArtifact(logPath)
		return nil, &TempTunnelError{Err: err, Output: output.String()}
	}

	Info("Waiting for tunnel URL...")
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-timer.C:
			return fail(ErrTempURLTimeout)
		case line, ok := <-lines:
			if !ok {
				if err := info.ExitErr(); err != nil {
					return fail(fmt.Errorf("%w: %v", ErrTempExited, err))
				}
				return fail(ErrTempExited)
			}
			output.WriteString(line)
			output.WriteByte('\n')

			publicURL := ExtractTempURL(line)
			if publicURL == "" {
				continue
			}

			temp := &TempTunnel{Name: name, URL: publicURL, Port: port, PID: info.PID}
			if err := ts.register(temp); err != nil {
				return fail(err)
			}
			Info("Temporary tunnel created: %s -> localhost:%d (PID: %d)", publicURL, port, info.PID)
			return temp, nil
		}
	}
}

// reserveName picks temp-<unix seconds>, suffixed -2, -3... when a record or log file already
// uses it. Creating the log file exclusively claims the name against concurrent creates.
func (ts *TempSupervisor) reserveName() (string, error) {
	base := fmt.Sprintf("temp-%d", ts.now().Unix())
	state := ts.states.Load()

	for i := 1; i <= maxTempNameTries; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		if _, taken := state.Tunnels[name]; taken {
			continue
		}

		f, err := os.OpenFile(ts.logPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create temporary tunnel log: %w", err)
		}
		f.Close()
		return name, nil
	}
	return "", fmt.Errorf("no free temporary tunnel name for %s", base)
}

func (ts *TempSupervisor) register(temp *TempTunnel) error {
	now := ts.now().UTC()
	err := ts.states.Mutate(func(state *store.ManagerState) bool {
		state.Tunnels[temp.Name] = &store.TunnelRecord{
			Name:          temp.Name,
			CreatedAt:     now,
			Routes:        []store.Route{},
			AutoStart:     false,
			TempTunnel:    true,
			TempURL:       temp.URL,
			TempPort:      temp.Port,
			TempProcessID: temp.PID,
		}
		state.CurrentTunnel = temp.Name
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to record temporary tunnel: %w", err)
	}
	return nil
}

func (ts *TempSupervisor) kill(info *ProcessInfo) {
	if err := ts.procs.TerminateProcess(info.PID); err != nil {
		Debug("%v", err)
	}
	select {
	case <-info.Done():
	case <-time.After(tempStopWait):
		Warn("Temporary tunnel process %d did not exit", info.PID)
	}
}

// Stop terminates the quick tunnel serving publicURL, or every quick tunnel when publicURL is
// empty, and returns how many were stopped. Processes that are already gone are tolerated.
func (ts *TempSupervisor) Stop(publicURL string) (int, error) {
	state := ts.states.Load()

	stopped := 0
	for _, name := range state.Names() {
		rec := state.Tunnels[name]
		if !rec.TempTunnel || (publicURL != "" && rec.TempURL != publicURL) {
			continue
		}

		if rec.TempProcessID > 0 {
			if ts.procs.IsProcessRunning(rec.TempProcessID) {
				if err := ts.procs.TerminateProcess(rec.TempProcessID); err != nil {
					Warn("%v", err)
				}
				Info("Stopped temporary tunnel: %s", rec.TempURL)
			} else {
				Info("Process %d not found (may have already stopped)", rec.TempProcessID)
			}
		}

		if err := ts.states.Unregister(name); err != nil {
			return stopped, fmt.Errorf("failed to update state: %w", err)
		}
		removeArtifact(ts.logPath(name))
		stopped++
	}

	if stopped == 0 && publicURL != "" {
		return 0, fmt.Errorf("%w: %s", ErrTempNotFound, publicURL)
	}
	return stopped, nil
}

// List returns live quick tunnels and reaps records whose process has exited
func (ts *TempSupervisor) List() []TempTunnel {
	state := ts.states.Load()

	temps := []TempTunnel{}
	for _, name := range state.Names() {
		rec := state.Tunnels[name]
		if !rec.TempTunnel {
			continue
		}
		if rec.TempProcessID <= 0 || !ts.procs.IsProcessRunning(rec.TempProcessID) {
			ts.reap(rec)
			continue
		}
		temps = append(temps, TempTunnel{
			Name: name,
			URL:  rec.TempURL,
			Port: rec.TempPort,
			PID:  rec.TempProcessID,
		})
	}
	return temps
}

func (ts *TempSupervisor) reap(rec *store.TunnelRecord) {
	Debug("Reaping temporary tunnel %s (PID %d exited)", rec.Name, rec.TempProcessID)
	if err := ts.states.Unregister(rec.Name); err != nil {
		Warn("Failed to remove temporary tunnel %s: %v", rec.Name, err)
		return
	}
	removeArtifact(ts.logPath(rec.Name))
}

// CreateTemp starts a quick tunnel for the local port
func (tm *TunnelManager) CreateTemp(ctx context.Context, port int, subdomain string) (*TempTunnel, error) {
	return tm.temp.Create(ctx, port, subdomain)
}

// StopTemp stops the quick tunnel serving publicURL, or all of them when it is empty
func (tm *TunnelManager) StopTemp(publicURL string) (int, error) {
	return tm.temp.Stop(publicURL)
}

// ListTemp returns the live quick tunnels
func (tm *TunnelManager) ListTemp() []TempTunnel {
	return tm.temp.List()
}

// followLog tails a file written by a running process as a finite sequence of lines. The
// channel is closed once the process has exited and everything it wrote has been read.
func followLog(ctx context.Context, path string, exited <-chan struct{}, poll time.Duration) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		var (
			file    *os.File
			reader  *bufio.Reader
			partial string
		)
		defer func() {
			if file != nil {
				file.Close()
			}
		}()

		emit := func(line string) bool {
			select {
			case lines <- strings.TrimRight(line, "\r\n"):
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			finished := false
			select {
			case <-exited:
				finished = true
			default:
			}

			if file == nil {
				if f, err := os.Open(path); err == nil {
					file = f
					reader = bufio.NewReader(f)
				}
			}

			if reader != nil {
				for {
					chunk, err := reader.ReadString('\n')
					partial += chunk
					if err != nil {
						break
					}
					if !emit(partial) {
						return
					}
					partial = ""
				}
			}

			if finished {
				if partial != "" {
					emit(partial)
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-exited:
			case <-time.After(poll):
			}
		}
	}()

	return lines
}
