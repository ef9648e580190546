package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/takaaki-s/cftunnel/internal/store"
)

func newRouteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route management commands",
	}

	var tunnel string
	cmd.PersistentFlags().StringVarP(&tunnel, "tunnel", "t", "", "tunnel name (uses current if not specified)")

	cmd.AddCommand(
		newRouteAddCmd(a, &tunnel),
		newRouteRemoveCmd(a, &tunnel),
		newRouteListCmd(a, &tunnel),
	)
	return cmd
}

func newRouteAddCmd(a *app, tunnel *string) *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "add <domain> <port>",
		Short: "Route a domain to a local port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}

			result, err := a.manager().AddRoute(cmd.Context(), *tunnel, args[0], port, service)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Route added: %s -> %s\n", result.Domain, result.Service)
			printWarnings(cmd.ErrOrStderr(), result.Warnings)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "localhost", "host of the local service")
	return cmd
}

func newRouteRemoveCmd(a *app, tunnel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <domain>",
		Short: "Remove the route for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.manager().RemoveRoute(cmd.Context(), *tunnel, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Route removed: %s\n", result.Domain)
			printWarnings(cmd.ErrOrStderr(), result.Warnings)
			return nil
		},
	}
}

func newRouteListCmd(a *app, tunnel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List routes of a tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := a.manager()
			name, err := tm.ResolveName(*tunnel)
			if err != nil {
				return err
			}
			routes, err := tm.ListRoutes(name)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tunnel: %s\n", name)
			printRoutes(cmd.OutOrStdout(), routes)
			return nil
		},
	}
}

func printRoutes(out io.Writer, routes []store.Route) {
	if len(routes) == 0 {
		fmt.Fprintln(out, "No routes configured")
		return
	}
	fmt.Fprintln(out, "Routes:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range routes {
		fmt.Fprintf(w, "  %s\t->\t%s\n", r.Domain, r.Service)
	}
	w.Flush()
}

func printWarnings(out io.Writer, warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
}
