package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAutostartCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Manage starting tunnels at boot or login",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable [name]",
			Short: "Register the tunnel with the system's autostart mechanism",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tm := a.manager()
				name, err := tm.ResolveName(optionalName(args))
				if err != nil {
					return err
				}
				if err := tm.EnableAutostart(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Auto-start enabled for tunnel '%s'\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "disable [name]",
			Short: "Remove the autostart registration",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tm := a.manager()
				name, err := tm.ResolveName(optionalName(args))
				if err != nil {
					return err
				}
				if err := tm.DisableAutostart(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Auto-start disabled for tunnel '%s'\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status [name]",
			Short: "Show the autostart registration",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tm := a.manager()
				name, err := tm.ResolveName(optionalName(args))
				if err != nil {
					return err
				}
				report, err := tm.AutostartStatus(cmd.Context(), name, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, autostartLabel(report))
				if report.Artifact != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Definition: %s\n", report.Artifact)
				}
				return nil
			},
		},
	)
	return cmd
}
