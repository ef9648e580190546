// Package main provides the entry point for cftunnel, a Cloudflare tunnel manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/takaaki-s/cftunnel/internal/core"
	"github.com/takaaki-s/cftunnel/internal/login"
	"github.com/takaaki-s/cftunnel/internal/store"
)

// version information, set at build time
var (
	version = "1.0.0"
	commit  = "none"
	date    = "unknown"
)

// app carries what every command needs once flags are parsed
type app struct {
	cfgFile  string
	debug    bool
	settings *store.Settings
	states   *store.StateStore
	runner   core.Runner
	binary   string
	session  *login.Session
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		port      int
		subdomain string
	)

	rootCmd := &cobra.Command{
		Use:           "cftunnel",
		Short:         "Manage Cloudflare tunnels, routes and autostart",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				return cmd.Help()
			}
			return a.runTemp(cmd, port, subdomain)
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("cftunnel %s (commit: %s, built: %s)\n", version, commit, date))
	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "settings file (default is ~/.config/cftunnel/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "create a temporary tunnel for localhost:port")
	rootCmd.Flags().StringVar(&subdomain, "subdomain", "", "custom subdomain for the temporary tunnel")

	rootCmd.AddCommand(newTunnelCmd(a))
	rootCmd.AddCommand(newRouteCmd(a))
	rootCmd.AddCommand(newAutostartCmd(a))
	rootCmd.AddCommand(newTempCmd(a))
	rootCmd.AddCommand(newLoginCmd(a))
	rootCmd.AddCommand(newUICmd(a))

	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	v := viper.New()
	if flag := cmd.Flags().Lookup("debug"); flag != nil {
		if err := v.BindPFlag("debug", flag); err != nil {
			return err
		}
	}

	settings, err := store.LoadSettings(v, a.cfgFile)
	if err != nil {
		return err
	}
	a.settings = settings

	core.InitLogger(settings.Debug)

	a.states, err = store.NewStateStore(settings.ConfigDir)
	if err != nil {
		return err
	}

	a.runner = core.NewExecRunner()
	a.binary, err = core.ResolveBinary(a.runner, runtime.GOOS, settings.Cloudflared)
	if err != nil {
		core.Warn("%v", err)
		a.binary = settings.Cloudflared
	}
	core.Debug("Using %s", a.binary)

	a.session = login.NewSession(settings.LoginStatusFile, settings.LoginLogFile, cmd.OutOrStdout())
	return nil
}

// manager builds a tunnel manager from the loaded settings; opts override them
func (a *app) manager(opts ...core.TunnelManagerOption) *core.TunnelManager {
	base := []core.TunnelManagerOption{
		core.WithDebugMode(a.settings.Debug),
		core.WithRunner(a.runner),
		core.WithBinary(a.binary),
		core.WithAutoStartOnCreate(a.settings.AutostartOnCreate),
		core.WithTempTimeout(a.settings.TempTimeout),
		core.WithRegistryTimeout(a.settings.RegistryTimeout),
		core.WithDeleteBackoff(a.settings.DeleteBackoff),
		core.WithLogin(a.login),
	}
	return core.NewTunnelManager(a.states, append(base, opts...)...)
}

func (a *app) login(ctx context.Context) error {
	_, err := a.session.Run(ctx, a.binary, "tunnel", "login")
	return err
}

// runTemp keeps a temporary tunnel up until the process is interrupted
func (a *app) runTemp(cmd *cobra.Command, port int, subdomain string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tm := a.manager()
	temp, err := tm.CreateTemp(ctx, port, subdomain)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Temporary tunnel active: %s\n", temp.URL)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Fprintln(out, "\nStopping temporary tunnel...")
	if _, err := tm.StopTemp(temp.URL); err != nil && !errors.Is(err, core.ErrTempNotFound) {
		return err
	}
	return nil
}
