package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/takaaki-s/cftunnel/internal/store"
)

const (
	// maxDeleteAttempts bounds provider deletion while connections drain
	maxDeleteAttempts = 3

	defaultDeleteBackoff   = 5 * time.Second
	defaultSettleDelay     = 3 * time.Second
	defaultRestartDelay    = 2 * time.Second
	defaultRegistryTimeout = 60 * time.Second
)

// LoginFunc runs the interactive provider login
type LoginFunc func(ctx context.Context) error

// TunnelManager orchestrates named tunnels across local state, the provider registry,
// ingress files and autostart registrations
type TunnelManager struct {
	states   *store.StateStore
	ingress  *store.IngressStore
	provider *Provider
	procs    *ProcessManager
	runner   Runner
	probe    *Probe
	temp     *TempSupervisor

	registrarOnce sync.Once
	registrar     Registrar

	binary          string
	home            string
	login           LoginFunc
	registryTimeout time.Duration
	tempTimeout     time.Duration

	autoStartOnCreate bool
	deleteBackoff     time.Duration
	settleDelay       time.Duration
	restartDelay      time.Duration
	sleep             func(ctx context.Context, d time.Duration) error

	// Debug mode flag
	debug bool
}

// TunnelManagerOption is a functional option for TunnelManager
type TunnelManagerOption func(*TunnelManager)

// WithDebugMode enables debug mode for the tunnel manager
func WithDebugMode(debug bool) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.debug = debug
	}
}

// WithRunner replaces the command runner used for every external command
func WithRunner(runner Runner) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.runner = runner
	}
}

// WithRegistrar fixes the autostart strategy instead of probing the host
func WithRegistrar(registrar Registrar) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.registrar = registrar
	}
}

// WithProbe replaces the environment probe
func WithProbe(probe *Probe) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.probe = probe
	}
}

// WithBinary sets the cloudflared binary (preferably an absolute path)
func WithBinary(binary string) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.binary = binary
	}
}

// WithHomeDir sets the directory autostart artifacts are placed under
func WithHomeDir(home string) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.home = home
	}
}

// WithAutoStartOnCreate registers autostart once a new tunnel has a configuration
func WithAutoStartOnCreate(enabled bool) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.autoStartOnCreate = enabled
	}
}

// WithDeleteBackoff sets the delay between delete attempts
func WithDeleteBackoff(d time.Duration) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.deleteBackoff = d
	}
}

// WithSettleDelay sets how long delete waits for stopped processes to unregister
func WithSettleDelay(d time.Duration) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.settleDelay = d
	}
}

// WithRestartDelay sets the pause between killing and relaunching a manual tunnel
func WithRestartDelay(d time.Duration) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.restartDelay = d
	}
}

// WithRegistryTimeout bounds provider registry commands; zero disables the bound
func WithRegistryTimeout(d time.Duration) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.registryTimeout = d
	}
}

// WithTempTimeout sets the quick tunnel URL discovery budget
func WithTempTimeout(d time.Duration) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.tempTimeout = d
	}
}

// WithLogin replaces the provider login
func WithLogin(login LoginFunc) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.login = login
	}
}

// WithSleep replaces the delay function used between lifecycle steps
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) TunnelManagerOption {
	return func(tm *TunnelManager) {
		tm.sleep = sleep
	}
}

// NewTunnelManager creates a new tunnel manager instance
func NewTunnelManager(states *store.StateStore, opts ...TunnelManagerOption) *TunnelManager {
	tm := &TunnelManager{
		states:            states,
		ingress:           store.NewIngressStore(states.Dir()),
		binary:            DefaultBinary,
		registryTimeout:   defaultRegistryTimeout,
		tempTimeout:       defaultTempTimeout,
		autoStartOnCreate: true,
		deleteBackoff:     defaultDeleteBackoff,
		settleDelay:       defaultSettleDelay,
		restartDelay:      defaultRestartDelay,
		sleep:             sleepContext,
	}

	// Apply options
	for _, opt := range opts {
		opt(tm)
	}

	if tm.runner == nil {
		tm.runner = NewExecRunner()
	}
	if tm.probe == nil {
		tm.probe = NewProbe(tm.runner)
	}
	if tm.home == "" {
		tm.home, _ = os.UserHomeDir()
	}

	tm.provider = NewProvider(tm.runner, tm.binary, tm.registryTimeout)
	tm.procs = NewProcessManager(tm.runner, WithDebug(tm.debug), WithGOOS(tm.probe.GOOS()))
	tm.temp = NewTempSupervisor(states, tm.procs, tm.provider, tm.tempTimeout)

	if tm.login == nil {
		tm.login = tm.runLogin
	}

	return tm
}

// States returns the state store
func (tm *TunnelManager) States() *store.StateStore {
	return tm.states
}

// Probe returns the environment probe
func (tm *TunnelManager) Probe() *Probe {
	return tm.probe
}

// Temp returns the quick tunnel supervisor
func (tm *TunnelManager) Temp() *TempSupervisor {
	return tm.temp
}

// Registrar returns the autostart strategy for this host, probing it on first use
func (tm *TunnelManager) Registrar(ctx context.Context) Registrar {
	tm.registrarOnce.Do(func() {
		if tm.registrar == nil {
			tm.registrar = SelectRegistrar(ctx, tm.probe, tm.runner, tm.procs, tm.home)
		}
		if tm.debug {
			Debug("Autostart strategy: %s", tm.registrar.Kind())
		}
	})
	return tm.registrar
}

// ResolveName returns name, or the current tunnel when name is empty
func (tm *TunnelManager) ResolveName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if current := tm.states.Current(); current != "" {
		return current, nil
	}
	return "", ErrNoTunnelSelected
}

func (tm *TunnelManager) unit(name string) Unit {
	return Unit{
		Tunnel:     name,
		ConfigPath: tm.ingress.Path(name),
		ConfigDir:  tm.states.Dir(),
		Binary:     tm.binary,
	}
}

func (tm *TunnelManager) manualLogPath(name string) string {
	return filepath.Join(tm.states.Dir(), fmt.Sprintf("tunnel-%s.log", name))
}

// Use makes name the current tunnel. A tunnel only known to the provider is registered locally.
func (tm *TunnelManager) Use(ctx context.Context, name string) error {
	if err := ValidateTunnelName(name); err != nil {
		return err
	}

	found, err := tm.states.SetCurrent(name)
	if err != nil {
		return fmt.Errorf("failed to select tunnel: %w", err)
	}
	if found {
		Info("Now managing tunnel: %s", name)
		return nil
	}

	if _, err := tm.provider.Lookup(ctx, name); err != nil {
		return err
	}
	if err := tm.states.Register(name); err != nil {
		return fmt.Errorf("failed to register tunnel: %w", err)
	}
	Info("Now managing tunnel: %s", name)
	return nil
}

// Create registers the name as current and creates the tunnel in the provider registry
// unless it already exists there
func (tm *TunnelManager) Create(ctx context.Context, name string) error {
	name, err := tm.ResolveName(name)
	if err != nil {
		return err
	}
	if err := ValidateTunnelName(name); err != nil {
		return err
	}

	if err := tm.states.Register(name); err != nil {
		return fmt.Errorf("failed to register tunnel: %w", err)
	}

	existing, err := tm.provider.Lookup(ctx, name)
	switch {
	case err == nil:
		Info("Tunnel %s already exists (ID: %s)", name, existing.ID)
		return nil
	case !errors.Is(err, ErrTunnelNotFound):
		Warn("Could not list tunnels, attempting to create %s anyway: %v", name, err)
	}

	Info("Creating tunnel %s...", name)
	if err := tm.provider.Create(ctx, name); err != nil {
		return fmt.Errorf("failed to create tunnel %s: %w", name, err)
	}
	Info("Tunnel %s created", name)

	if tm.autoStartOnCreate && tm.ingress.Exists(name) {
		if err := tm.EnableAutostart(ctx, name); err != nil {
			Warn("Auto-start setup failed: %v", err)
		}
	}
	return nil
}

// Adopt brings a tunnel that exists only in the provider registry under management,
// importing its ingress file and routes when one can be found
func (tm *TunnelManager) Adopt(ctx context.Context, name string) error {
	if err := ValidateTunnelName(name); err != nil {
		return err
	}

	if _, err := tm.provider.Lookup(ctx, name); err != nil {
		return err
	}

	if err := tm.states.Register(name); err != nil {
		return fmt.Errorf("failed to register tunnel: %w", err)
	}

	source := ""
	for _, candidate := range tm.ingress.Candidates(name) {
		if fileExists(candidate) {
			source = candidate
			break
		}
	}
	if source == "" {
		Info("Adopted tunnel %s (no config found)", name)
		return nil
	}

	if err := tm.ingress.Import(name, source); err != nil {
		return fmt.Errorf("failed to import config: %w", err)
	}

	config, err := tm.ingress.Load(name)
	if err != nil {
		return err
	}
	routes := config.Routes()
	if err := tm.states.Update(name, func(rec *store.TunnelRecord) {
		rec.Routes = routes
	}); err != nil {
		return fmt.Errorf("failed to save routes: %w", err)
	}

	Info("Adopted tunnel %s with %d routes", name, len(routes))
	return nil
}

// AddRoute routes domain to serviceHost:port through the tunnel, creating the tunnel if needed.
// DNS and restart problems are reported as warnings, not failures.
func (tm *TunnelManager) AddRoute(ctx context.Context, name, domain string, port int, serviceHost string) (*RouteResult, error) {
	name, err := tm.ResolveName(name)
	if err != nil {
		return nil, err
	}
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if err := ValidatePort(port); err != nil {
		return nil, err
	}

	if tm.states.Current() != name {
		if _, err := tm.states.SetCurrent(name); err != nil {
			return nil, fmt.Errorf("failed to select tunnel: %w", err)
		}
	}

	if err := tm.Create(ctx, name); err != nil {
		return nil, err
	}

	tunnel, err := tm.provider.Lookup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tunnel ID: %w", err)
	}

	config, err := tm.ingress.Load(name)
	if err != nil {
		return nil, err
	}
	firstRoute := len(config.Routes()) == 0

	service := ServiceURL(serviceHost, port)
	config.Tunnel = tunnel.ID
	if creds := tm.ingress.FindCredentials(tunnel.ID); creds != "" {
		config.CredentialsFile = creds
	} else {
		Warn("No credentials file found for tunnel %s", tunnel.ID)
	}
	config.AddRoute(domain, service)

	if err := tm.ingress.Save(name, config); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	route := store.Route{Domain: domain, Service: service}
	if err := tm.states.Update(name, func(rec *store.TunnelRecord) {
		rec.UpsertRoute(route)
	}); err != nil {
		return nil, fmt.Errorf("failed to save route: %w", err)
	}

	result := &RouteResult{Tunnel: name, Domain: domain, Service: service}

	Info("Creating DNS record for %s...", domain)
	if err := tm.provider.RouteDNS(ctx, name, domain); err != nil {
		msg := fmt.Sprintf("failed to create DNS record for %s, create a CNAME to %s.cfargotunnel.com manually", domain, tunnel.ID)
		Warn("%s: %v", msg, err)
		result.Warnings = append(result.Warnings, msg)
	} else {
		Info("DNS record created for %s", domain)
	}

	if firstRoute && tm.autoStartOnCreate && !tm.Registrar(ctx).Status(ctx, tm.unit(name), false).Registered {
		err := tm.EnableAutostart(ctx, name)
		if err == nil {
			Info("Route added: %s -> %s", domain, service)
			return result, nil
		}
		Warn("Auto-start setup failed: %v", err)
	}

	if err := tm.restart(ctx, name); err != nil {
		msg := fmt.Sprintf("route saved but the tunnel could not be restarted: %v", err)
		Warn("%s", msg)
		result.Warnings = append(result.Warnings, msg)
	}

	Info("Route added: %s -> %s", domain, service)
	return result, nil
}

// RemoveRoute drops the route for domain from the ingress file and the tunnel record.
// DNS records are left in place; the provider CLI cannot delete them.
func (tm *TunnelManager) RemoveRoute(ctx context.Context, name, domain string) (*RouteResult, error) {
	name, err := tm.ResolveName(name)
	if err != nil {
		return nil, err
	}
	if !tm.ingress.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}

	config, err := tm.ingress.Load(name)
	if err != nil {
		return nil, err
	}
	if !config.RemoveRoute(domain) {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, domain)
	}
	if err := tm.ingress.Save(name, config); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	if err := tm.states.Update(name, func(rec *store.TunnelRecord) {
		rec.DropRoute(domain)
	}); err != nil {
		return nil, fmt.Errorf("failed to save routes: %w", err)
	}

	result := &RouteResult{
		Tunnel: name,
		Domain: domain,
		Warnings: []string{
			fmt.Sprintf("the DNS record for %s still exists; delete its CNAME at dash.cloudflare.com > DNS > Records", domain),
		},
	}
	Info("Route removed: %s", domain)
	Warn("%s", result.Warnings[0])

	if err := tm.restart(ctx, name); err != nil {
		msg := fmt.Sprintf("route removed but the tunnel could not be restarted: %v", err)
		Warn("%s", msg)
		result.Warnings = append(result.Warnings, msg)
	}
	return result, nil
}

// ListRoutes returns the routes recorded for the tunnel, falling back to its ingress file
func (tm *TunnelManager) ListRoutes(name string) ([]store.Route, error) {
	name, err := tm.ResolveName(name)
	if err != nil {
		return nil, err
	}

	if rec, ok := tm.states.Get(name); ok {
		return rec.Routes, nil
	}

	config, err := tm.ingress.Load(name)
	if err != nil {
		return nil, err
	}
	return config.Routes(), nil
}

// restart applies a changed ingress file: through the service when autostart is registered,
// otherwise by replacing the manual process
func (tm *TunnelManager) restart(ctx context.Context, name string) error {
	unit := tm.unit(name)
	if rec, ok := tm.states.Get(name); ok && rec.AutoStart {
		registrar := tm.Registrar(ctx)
		if registrar.Status(ctx, unit, false).Registered {
			Info("Restarting %s service...", registrar.Kind())
			err := registrar.Restart(ctx, unit)
			if err == nil {
				return nil
			}
			Warn("Service restart failed, restarting manually: %v", err)
		}
	}

	if err := tm.procs.KillTunnel(ctx, name, true); err != nil {
		return err
	}
	if err := tm.sleep(ctx, tm.restartDelay); err != nil {
		return err
	}
	return tm.launch(name)
}

func (tm *TunnelManager) launch(name string) error {
	info, err := tm.procs.Launch(name, tm.binary, tm.provider.RunArgs(tm.ingress.Path(name), name), tm.manualLogPath(name))
	if err != nil {
		return err
	}
	Info("Tunnel %s started (PID: %d)", name, info.PID)
	return nil
}

// Start runs the tunnel as a detached process. The tunnel needs an ingress file.
func (tm *TunnelManager) Start(ctx context.Context, name string) error {
	name, err := tm.ResolveName(name)
	if err != nil {
		return err
	}
	if !tm.ingress.Exists(name) {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}

	if status := tm.TunnelStatus(ctx, name); status.IsRunning() {
		Info("Tunnel %s is already %s", name, status)
		return nil
	}

	Info("Starting tunnel %s...", name)
	if err := tm.launch(name); err != nil {
		return err
	}
	tm.states.Touch(name)
	return nil
}

// Stop stops the tunnel through its autostart mechanism, or kills its manual processes
func (tm *TunnelManager) Stop(ctx context.Context, name string) error {
	name, err := tm.ResolveName(name)
	if err != nil {
		return err
	}

	Info("Stopping tunnel %s...", name)
	if rec, ok := tm.states.Get(name); ok && rec.AutoStart {
		if err := tm.Registrar(ctx).Stop(ctx, tm.unit(name)); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		Info("Tunnel stopped")
		return nil
	}

	if err := tm.procs.KillTunnel(ctx, name, false); err != nil {
		return err
	}
	Info("Tunnel stopped")
	return nil
}

// Delete stops the tunnel, removes it from the provider registry and then removes every
// local artifact. Local files are kept when the provider refuses deletion.
func (tm *TunnelManager) Delete(ctx context.Context, name string, force bool) error {
	name, err := tm.ResolveName(name)
	if err != nil {
		return err
	}

	rec, managed := tm.states.Get(name)

	// Credentials are named after the id, so it is resolved before the registry forgets it
	inRegistry := true
	tunnelID := ""
	tunnel, err := tm.provider.Lookup(ctx, name)
	switch {
	case err == nil:
		tunnelID = tunnel.ID
	case errors.Is(err, ErrTunnelNotFound):
		if !managed {
			return err
		}
		inRegistry = false
		Warn("Tunnel %s is not in the registry, removing local records only", name)
	default:
		Warn("Could not list tunnels: %v", err)
	}
	if tunnelID == "" {
		if config, err := tm.ingress.Load(name); err == nil {
			tunnelID = config.Tunnel
		}
	}

	Info("Stopping tunnel %s...", name)
	unit := tm.unit(name)
	registrar := tm.Registrar(ctx)
	autostart := (managed && rec.AutoStart) || registrar.Status(ctx, unit, false).Registered
	if autostart {
		if err := registrar.Stop(ctx, unit); err != nil {
			Debug("service stop for %s: %v", name, err)
		}
	}
	if err := tm.procs.KillTunnel(ctx, name, false); err != nil {
		Warn("%v", err)
	}

	if !force {
		if err := tm.sleep(ctx, tm.settleDelay); err != nil {
			return err
		}
	}

	if inRegistry {
		if err := tm.provider.Cleanup(ctx, name); err != nil {
			Debug("cleanup for %s: %v", name, err)
		}
	}

	if autostart {
		if err := tm.DisableAutostart(ctx, name); err != nil {
			Warn("Failed to remove auto-start: %v", err)
		}
	}

	if inRegistry {
		if err := tm.deleteFromRegistry(ctx, name, force); err != nil {
			return err
		}
	}

	if _, err := tm.ingress.Remove(name); err != nil {
		Warn("%v", err)
	}
	for _, creds := range tm.ingress.CredentialFiles(tunnelID) {
		if err := os.Remove(creds); err != nil && !errors.Is(err, os.ErrNotExist) {
			Warn("Failed to remove %s: %v", creds, err)
		}
	}
	removeArtifact(tm.manualLogPath(name))

	if err := tm.states.Unregister(name); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	Info("Tunnel %s deleted", name)
	return nil
}

func (tm *TunnelManager) deleteFromRegistry(ctx context.Context, name string, force bool) error {
	var lastErr error
	for attempt := 1; attempt <= maxDeleteAttempts; attempt++ {
		lastErr = tm.provider.Delete(ctx, name, force)
		if lastErr == nil {
			return nil
		}
		if !IsActiveConnections(lastErr) {
			return fmt.Errorf("failed to delete tunnel %s: %w", name, lastErr)
		}
		if attempt == maxDeleteAttempts {
			break
		}

		Warn("Tunnel %s still has active connections, retrying in %s (%d/%d)", name, tm.deleteBackoff, attempt, maxDeleteAttempts)
		if err := tm.sleep(ctx, tm.deleteBackoff); err != nil {
			return err
		}
		if err := tm.procs.KillTunnel(ctx, name, true); err != nil {
			Debug("force kill for %s: %v", name, err)
		}
		if err := tm.provider.Cleanup(ctx, name); err != nil {
			Debug("cleanup for %s: %v", name, err)
		}
	}

	activeErr := &ActiveConnectionsError{Tunnel: name, Attempts: maxDeleteAttempts, Err: lastErr}
	Error("%v", activeErr)
	for _, step := range activeErr.Remediation() {
		Error("  %s", step)
	}
	return activeErr
}

// TunnelStatus observes how the tunnel currently runs. A dead quick tunnel is reaped.
func (tm *TunnelManager) TunnelStatus(ctx context.Context, name string) TunnelStatus {
	rec, ok := tm.states.Get(name)

	if ok && rec.AutoStart {
		report := tm.Registrar(ctx).Status(ctx, tm.unit(name), true)
		if report.Active {
			return StatusRunningService
		}
	}

	if tm.procs.IsTunnelRunning(ctx, name) {
		return StatusRunningManual
	}

	if ok && rec.TempProcessID > 0 {
		if tm.procs.IsProcessRunning(rec.TempProcessID) {
			return StatusRunningTemp
		}
		tm.temp.reap(rec)
	}

	return StatusStopped
}

// ListAll returns managed tunnels annotated with registry presence and status,
// plus registry tunnels nobody manages yet
func (tm *TunnelManager) ListAll(ctx context.Context) (*Inventory, error) {
	state := tm.states.Load()
	inventory := &Inventory{}

	registry := map[string]ProviderTunnel{}
	tunnels, err := tm.provider.List(ctx)
	if err != nil {
		Warn("Could not list provider tunnels: %v", err)
		inventory.RegistryErr = err
	}
	for _, t := range tunnels {
		registry[t.Name] = t
	}

	for _, name := range state.Names() {
		summary := TunnelSummary{
			Name:    name,
			Managed: true,
			Record:  state.Tunnels[name].Clone(),
		}
		if t, ok := registry[name]; ok {
			summary.Exists = true
			summary.ID = t.ID
		}
		summary.Status = tm.TunnelStatus(ctx, name)
		if summary.Status == StatusStopped && summary.Record.TempTunnel {
			// reaped while computing status
			continue
		}
		inventory.Managed = append(inventory.Managed, summary)
	}

	for _, t := range tunnels {
		if _, managed := state.Tunnels[t.Name]; managed {
			continue
		}
		inventory.Unmanaged = append(inventory.Unmanaged, TunnelSummary{
			Name:   t.Name,
			ID:     t.ID,
			Exists: true,
			Status: StatusStopped,
		})
	}
	sort.Slice(inventory.Unmanaged, func(i, j int) bool {
		return inventory.Unmanaged[i].Name < inventory.Unmanaged[j].Name
	})

	return inventory, nil
}

// Status reports everything known about one tunnel
func (tm *TunnelManager) Status(ctx context.Context, name string) (*TunnelReport, error) {
	name, err := tm.ResolveName(name)
	if err != nil {
		return nil, err
	}

	tunnel, err := tm.provider.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	routes, err := tm.ListRoutes(name)
	if err != nil {
		return nil, err
	}

	report := &TunnelReport{
		Name:         name,
		ID:           tunnel.ID,
		Environment:  tm.probe.Environment(ctx),
		ConfigPath:   tm.ingress.Path(name),
		ConfigExists: tm.ingress.Exists(name),
		Routes:       routes,
		Autostart:    tm.Registrar(ctx).Status(ctx, tm.unit(name), true),
		Status:       tm.TunnelStatus(ctx, name),
	}
	if rec, ok := tm.states.Get(name); ok {
		report.Record = rec
	}
	return report, nil
}

// EnableAutostart registers the tunnel with the host's autostart mechanism and starts it
func (tm *TunnelManager) EnableAutostart(ctx context.Context, name string) error {
	name, err := tm.ResolveName(name)
	if err != nil {
		return err
	}
	if _, ok := tm.states.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrTunnelNotFound, name)
	}
	if !tm.ingress.Exists(name) {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}

	// A manual instance would run alongside the service
	if err := tm.procs.KillTunnel(ctx, name, false); err != nil {
		Debug("kill before autostart for %s: %v", name, err)
	}

	registrar := tm.Registrar(ctx)
	if err := registrar.Enable(ctx, tm.unit(name)); err != nil {
		return err
	}

	if err := tm.states.Update(name, func(rec *store.TunnelRecord) {
		rec.AutoStart = true
	}); err != nil {
		return fmt.Errorf("failed to save auto-start flag: %w", err)
	}

	Info("Auto-start enabled for %s (%s)", name, registrar.Kind())
	return nil
}

// DisableAutostart removes the autostart registration for the tunnel
func (tm *TunnelManager) DisableAutostart(ctx context.Context, name string) error {
	name, err := tm.ResolveName(name)
	if err != nil {
		return err
	}

	registrar := tm.Registrar(ctx)
	if err := registrar.Disable(ctx, tm.unit(name)); err != nil {
		return err
	}

	if err := tm.states.Update(name, func(rec *store.TunnelRecord) {
		rec.AutoStart = false
	}); err != nil {
		return fmt.Errorf("failed to save auto-start flag: %w", err)
	}

	Info("Auto-start disabled for %s", name)
	return nil
}

// AutostartStatus queries the autostart registration for the tunnel
func (tm *TunnelManager) AutostartStatus(ctx context.Context, name string, verbose bool) (StatusReport, error) {
	name, err := tm.ResolveName(name)
	if err != nil {
		return StatusReport{}, err
	}
	return tm.Registrar(ctx).Status(ctx, tm.unit(name), verbose), nil
}

// LoggedIn reports whether the provider origin certificate is present
func (tm *TunnelManager) LoggedIn() bool {
	return fileExists(filepath.Join(tm.states.Dir(), store.CertFileName))
}

// Login runs the provider's browser login
func (tm *TunnelManager) Login(ctx context.Context) error {
	Info("Logging in to Cloudflare, a browser window will open for authentication")
	if err := tm.login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	Info("Login successful")
	return nil
}

func (tm *TunnelManager) runLogin(ctx context.Context) error {
	result, err := tm.runner.Run(ctx, os.Stdin, tm.binary, tm.provider.LoginArgs()...)
	if out := result.Stdout + result.Stderr; out != "" {
		Debug("%s", out)
	}
	return err
}

// QuickSetup logs in when needed, creates the tunnel and optionally enables autostart
func (tm *TunnelManager) QuickSetup(ctx context.Context, name string, autostart bool) error {
	if err := ValidateTunnelName(name); err != nil {
		return err
	}

	Info("Environment: %s", tm.probe.Environment(ctx))

	if tm.LoggedIn() {
		Info("Already logged in to Cloudflare")
	} else if err := tm.Login(ctx); err != nil {
		return err
	}

	if err := tm.Create(ctx, name); err != nil {
		return err
	}

	if !autostart {
		return nil
	}
	if !tm.ingress.Exists(name) {
		Info("Add a route, then run `cftunnel autostart enable %s` to start it automatically", name)
		return nil
	}
	return tm.EnableAutostart(ctx, name)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
