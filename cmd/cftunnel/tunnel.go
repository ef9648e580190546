package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/takaaki-s/cftunnel/internal/core"
	"golang.org/x/term"
)

func newTunnelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Tunnel management commands",
	}

	cmd.AddCommand(
		newTunnelCreateCmd(a),
		newTunnelDeleteCmd(a),
		newTunnelAdoptCmd(a),
		newTunnelStartCmd(a),
		newTunnelStopCmd(a),
		newTunnelListCmd(a),
		newTunnelStatusCmd(a),
		newTunnelUseCmd(a),
		newTunnelSetupCmd(a),
	)
	return cmd
}

// optionalName returns the first argument, or "" for the current tunnel
func optionalName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func newTunnelCreateCmd(a *app) *cobra.Command {
	var noAutostart bool

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []core.TunnelManagerOption{}
			if noAutostart {
				opts = append(opts, core.WithAutoStartOnCreate(false))
			}
			tm := a.manager(opts...)

			if err := tm.Create(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tunnel '%s' created successfully!\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "skip setting up auto-start")
	return cmd
}

func newTunnelDeleteCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a tunnel and everything generated for it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager()
			name, err := tm.ResolveName(optionalName(args))
			if err != nil {
				return err
			}

			if !force && !confirm(cmd, fmt.Sprintf("Delete tunnel '%s'?", name)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}

			err = tm.Delete(cmd.Context(), name, force)
			var active *core.ActiveConnectionsError
			if errors.As(err, &active) {
				fmt.Fprintln(cmd.ErrOrStderr(), "The tunnel still has active connections. Try manually:")
				for _, line := range active.Remediation() {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", line)
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tunnel '%s' deleted successfully\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt and settle delay")
	return cmd
}

// confirm asks a yes/no question when stdin is a terminal; otherwise it proceeds
func confirm(cmd *cobra.Command, question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newTunnelAdoptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "adopt <name>",
		Short: "Adopt an existing unmanaged tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.manager().Adopt(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully adopted tunnel '%s'\n", args[0])
			return nil
		},
	}
}

func newTunnelStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start [name]",
		Short: "Start a tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager()
			name, err := tm.ResolveName(optionalName(args))
			if err != nil {
				return err
			}
			if err := tm.Start(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started tunnel '%s'\n", name)
			return nil
		},
	}
}

func newTunnelStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager()
			name, err := tm.ResolveName(optionalName(args))
			if err != nil {
				return err
			}
			if err := tm.Stop(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped tunnel '%s'\n", name)
			return nil
		},
	}
}

func newTunnelListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed and unmanaged tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager()
			inventory, err := tm.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			printInventory(cmd.OutOrStdout(), inventory, tm.States().Current())
			return nil
		},
	}
}

func printInventory(out io.Writer, inventory *core.Inventory, current string) {
	if inventory.RegistryErr != nil {
		fmt.Fprintf(out, "Warning: could not query Cloudflare (%v)\n\n", inventory.RegistryErr)
	}

	if len(inventory.Managed) == 0 {
		fmt.Fprintln(out, "No managed tunnels")
	} else {
		fmt.Fprintln(out, "Managed tunnels:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  \tNAME\tSTATUS\tROUTES\tAUTOSTART\tCLOUDFLARE")
		for _, s := range inventory.Managed {
			marker := ""
			if s.Name == current {
				marker = "*"
			}
			routes := fmt.Sprintf("%d", len(s.Record.Routes))
			if s.Record.TempTunnel {
				routes = s.Record.TempURL
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
				marker, s.Name, s.Status, routes, yesNo(s.Record.AutoStart), existsLabel(s, inventory.RegistryErr))
		}
		w.Flush()
	}

	if len(inventory.Unmanaged) > 0 {
		fmt.Fprintln(out, "\nUnmanaged tunnels (use 'cftunnel tunnel adopt <name>'):")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, s := range inventory.Unmanaged {
			fmt.Fprintf(w, "  %s\t%s\n", s.Name, s.ID)
		}
		w.Flush()
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func existsLabel(s core.TunnelSummary, registryErr error) string {
	switch {
	case registryErr != nil:
		return "unknown"
	case s.Record != nil && s.Record.TempTunnel:
		return "-"
	case s.Exists:
		return "yes"
	default:
		return "missing"
	}
}

func newTunnelStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show tunnel status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager()
			report, err := tm.Status(cmd.Context(), optionalName(args))
			if errors.Is(err, core.ErrNoTunnelSelected) {
				fmt.Fprintln(cmd.OutOrStdout(), "No tunnel specified and no current tunnel selected")
				inventory, listErr := tm.ListAll(cmd.Context())
				if listErr != nil {
					return listErr
				}
				printInventory(cmd.OutOrStdout(), inventory, "")
				return nil
			}
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func printReport(out io.Writer, report *core.TunnelReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Tunnel:\t%s\n", report.Name)
	fmt.Fprintf(w, "ID:\t%s\n", report.ID)
	fmt.Fprintf(w, "Status:\t%s\n", report.Status)
	fmt.Fprintf(w, "Environment:\t%s\n", report.Environment)
	if report.ConfigExists {
		fmt.Fprintf(w, "Config:\t%s\n", report.ConfigPath)
	} else {
		fmt.Fprintf(w, "Config:\t%s (not created yet)\n", report.ConfigPath)
	}
	fmt.Fprintf(w, "Autostart:\t%s\n", autostartLabel(report.Autostart))
	if report.Record != nil && !report.Record.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:\t%s\n", report.Record.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	printRoutes(out, report.Routes)
}

func autostartLabel(report core.StatusReport) string {
	if report.Kind == core.KindUnsupported {
		return "unsupported on this platform"
	}
	if !report.Registered {
		return fmt.Sprintf("disabled (%s)", report.Kind)
	}
	label := fmt.Sprintf("enabled (%s)", report.Kind)
	if report.ActiveKnown {
		if report.Active {
			label += ", active"
		} else {
			label += ", inactive"
		}
	}
	return label
}

func newTunnelUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Switch the current tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.manager().Use(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Now using tunnel: %s\n", args[0])
			return nil
		},
	}
}

func newTunnelSetupCmd(a *app) *cobra.Command {
	var noAutostart bool

	cmd := &cobra.Command{
		Use:   "setup <name>",
		Short: "Log in if needed, create the tunnel and enable auto-start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager(core.WithAutoStartOnCreate(false))
			if err := tm.QuickSetup(cmd.Context(), args[0], !noAutostart); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tunnel '%s' is ready. Add a route with: cftunnel route add <domain> <port> -t %s\n", args[0], args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "skip setting up auto-start")
	return cmd
}
