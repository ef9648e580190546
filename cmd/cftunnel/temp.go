package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTempCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "temp",
		Short: "Temporary tunnel commands",
	}

	var subdomain string
	create := &cobra.Command{
		Use:   "create <port>",
		Short: "Expose localhost:port on a generated trycloudflare.com URL until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}
			return a.runTemp(cmd, port, subdomain)
		},
	}
	create.Flags().StringVar(&subdomain, "subdomain", "", "custom subdomain")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active temporary tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			temps := a.manager().ListTemp()
			if len(temps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active temporary tunnels")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tPORT\tPID")
			for _, t := range temps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", t.Name, t.URL, t.Port, t.PID)
			}
			return w.Flush()
		},
	}

	stop := &cobra.Command{
		Use:   "stop [url]",
		Short: "Stop one temporary tunnel, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := optionalName(args)
			stopped, err := a.manager().StopTemp(url)
			if err != nil {
				return err
			}
			if url != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped temporary tunnel: %s\n", url)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d temporary tunnel(s)\n", stopped)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list, stop)
	return cmd
}
