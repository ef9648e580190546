package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize cloudflared with your Cloudflare account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if status {
				current := a.session.Current()
				if current == nil {
					fmt.Fprintln(out, "No login has been recorded")
					return nil
				}
				fmt.Fprintf(out, "Status: %s\nUpdated: %s\n", current.Status, current.LastUpdated)
				if current.URL != "" {
					fmt.Fprintf(out, "URL: %s\n", current.URL)
				}
				return nil
			}

			tm := a.manager()
			if tm.LoggedIn() {
				fmt.Fprintln(out, "Already logged in (cert.pem present)")
				return nil
			}
			if err := tm.Login(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(out, "Login completed successfully!")
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "show the progress of the last login")
	return cmd
}
