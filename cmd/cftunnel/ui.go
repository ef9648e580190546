package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/takaaki-s/cftunnel/internal/core"
	"github.com/takaaki-s/cftunnel/internal/tui"
	"golang.org/x/term"
)

func newUICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Open the interactive dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("the dashboard needs an interactive terminal")
			}

			// Logs would corrupt the screen
			logPath := filepath.Join(a.settings.ConfigDir, "cftunnel-ui.log")
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", logPath, err)
			}
			defer logFile.Close()
			core.DefaultLogger.SetPrefix("ui")
			core.DefaultLogger.SetOutput(logFile)
			defer func() {
				core.DefaultLogger.SetPrefix("")
				core.DefaultLogger.SetOutput(os.Stderr)
			}()

			return tui.NewApp(cmd.Context(), a.manager()).Run()
		},
	}
}
