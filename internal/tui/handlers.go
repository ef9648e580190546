package tui

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/takaaki-s/cftunnel/internal/core"
)

// Modal pages that should block list and global shortcuts
var modalPages = []string{"add-route", "remove-route", "delete-confirm", "error", "filter", "confirm"}

func (a *App) modalActive() bool {
	for _, page := range modalPages {
		if a.pages.HasPage(page) {
			return true
		}
	}
	return false
}

// handleGlobalKeys handles global keyboard shortcuts
func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if a.modalActive() {
		return event
	}

	if a.searchMode != nil && a.searchMode.active {
		return event
	}

	switch event.Key() {
	case tcell.KeyCtrlC:
		a.shutdown()
		return nil

	case tcell.KeyCtrlR:
		a.updateStatusBar("Refreshing...")
		a.reload()
		return nil

	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			a.confirmQuit()
			return nil

		case '?':
			a.showHelp()
			return nil

		case '/':
			a.startSearch()
			return nil

		case 'f', 'F':
			a.showFilterMenu()
			return nil
		}
	}

	return event
}

// handleListKeys handles keyboard input for the tunnel list
func (a *App) handleListKeys(event *tcell.EventKey) *tcell.EventKey {
	if a.modalActive() {
		return event
	}

	tunnel := a.selected()

	switch event.Key() {
	case tcell.KeyEnter:
		if tunnel != nil {
			a.toggleTunnel(tunnel)
		}
		return nil

	case tcell.KeyUp:
		row, col := a.tunnelList.GetSelection()
		if row > 1 {
			a.tunnelList.Select(row-1, col)
		}
		return nil

	case tcell.KeyDown:
		row, col := a.tunnelList.GetSelection()
		if row < a.tunnelList.GetRowCount()-1 {
			a.tunnelList.Select(row+1, col)
		}
		return nil

	case tcell.KeyRune:
		switch event.Rune() {
		case 'j':
			row, col := a.tunnelList.GetSelection()
			if row < a.tunnelList.GetRowCount()-1 {
				a.tunnelList.Select(row+1, col)
			}
			return nil

		case 'k':
			row, col := a.tunnelList.GetSelection()
			if row > 1 {
				a.tunnelList.Select(row-1, col)
			}
			return nil
		}

		if tunnel == nil {
			return event
		}

		switch event.Rune() {
		case 'u', 'U':
			if !tunnel.Status.IsRunning() {
				a.startTunnel(tunnel)
			}
			return nil

		case 'd', 'D':
			if tunnel.Status.IsRunning() {
				a.stopTunnel(tunnel)
			}
			return nil

		case 'r', 'R':
			a.showDeleteConfirmation(tunnel)
			return nil

		case 'a':
			a.toggleAutostart(tunnel)
			return nil

		case 'n':
			a.showAddRouteForm(tunnel)
			return nil

		case 'x':
			a.showRemoveRouteForm(tunnel)
			return nil

		case 'o':
			a.adoptTunnel(tunnel)
			return nil
		}
	}

	return event
}

// runAction runs a manager operation off the UI goroutine and refreshes afterwards
func (a *App) runAction(progress, done, failTitle string, fn func(ctx context.Context) error) {
	a.updateStatusBar(progress)

	go func() {
		err := fn(a.ctx)
		if a.ctx.Err() != nil {
			return
		}
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				core.Warn("%s: %v", failTitle, err)
				a.showErrorModal(failTitle, err.Error())
				return
			}
			a.updateStatusBar("✓ " + done)
		})
		a.reload()
	}()
}

// toggleTunnel starts or stops the selected tunnel
func (a *App) toggleTunnel(tunnel *core.TunnelSummary) {
	if tunnel.Status.IsRunning() {
		a.stopTunnel(tunnel)
	} else {
		a.startTunnel(tunnel)
	}
}

// startTunnel starts the selected tunnel
func (a *App) startTunnel(tunnel *core.TunnelSummary) {
	if !tunnel.Managed {
		a.showErrorModal("Start Failed", fmt.Sprintf("'%s' is not managed, adopt it first with o", tunnel.Name))
		return
	}
	if tunnel.Record != nil && tunnel.Record.TempTunnel {
		a.showErrorModal("Start Failed", "Temporary tunnels cannot be restarted, create a new one")
		return
	}

	name := tunnel.Name
	a.runAction(
		fmt.Sprintf("Starting tunnel '%s'...", name),
		fmt.Sprintf("Tunnel '%s' started", name),
		"Start Failed",
		func(ctx context.Context) error {
			return a.manager.Start(ctx, name)
		},
	)
}

// stopTunnel stops the selected tunnel
func (a *App) stopTunnel(tunnel *core.TunnelSummary) {
	name := tunnel.Name

	if tunnel.Record != nil && tunnel.Record.TempTunnel {
		url := tunnel.Record.TempURL
		a.runAction(
			fmt.Sprintf("Stopping temporary tunnel %s...", url),
			"Temporary tunnel stopped",
			"Stop Failed",
			func(ctx context.Context) error {
				_, err := a.manager.StopTemp(url)
				return err
			},
		)
		return
	}

	a.runAction(
		fmt.Sprintf("Stopping tunnel '%s'...", name),
		fmt.Sprintf("Tunnel '%s' stopped", name),
		"Stop Failed",
		func(ctx context.Context) error {
			return a.manager.Stop(ctx, name)
		},
	)
}

// toggleAutostart flips the autostart registration of the selected tunnel
func (a *App) toggleAutostart(tunnel *core.TunnelSummary) {
	if tunnel.Record == nil || tunnel.Record.TempTunnel {
		a.updateStatusBar("⚠ Auto-start only applies to managed named tunnels")
		return
	}

	name := tunnel.Name
	if tunnel.Record.AutoStart {
		a.runAction(
			fmt.Sprintf("Disabling auto-start for '%s'...", name),
			"Auto-start disabled",
			"Auto-start Failed",
			func(ctx context.Context) error {
				return a.manager.DisableAutostart(ctx, name)
			},
		)
		return
	}

	a.runAction(
		fmt.Sprintf("Enabling auto-start for '%s'...", name),
		"Auto-start enabled",
		"Auto-start Failed",
		func(ctx context.Context) error {
			return a.manager.EnableAutostart(ctx, name)
		},
	)
}

// adoptTunnel takes ownership of an existing registry tunnel
func (a *App) adoptTunnel(tunnel *core.TunnelSummary) {
	if tunnel.Managed {
		a.updateStatusBar(fmt.Sprintf("⚠ '%s' is already managed", tunnel.Name))
		return
	}

	name := tunnel.Name
	a.runAction(
		fmt.Sprintf("Adopting tunnel '%s'...", name),
		fmt.Sprintf("Tunnel '%s' adopted", name),
		"Adopt Failed",
		func(ctx context.Context) error {
			return a.manager.Adopt(ctx, name)
		},
	)
}

// showFilterMenu shows the filter menu
func (a *App) showFilterMenu() {
	filterOptions := []string{
		"All Tunnels",
		"Running",
		"Stopped",
		"Auto-start",
		"Temporary",
		"Unmanaged",
	}
	filters := []string{"", filterRunning, filterStopped, filterAutostart, filterTemp, filterUnmanaged}

	modal := tview.NewModal().
		SetText("Select filter:").
		AddButtons(filterOptions).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			if buttonIndex >= 0 && buttonIndex < len(filters) {
				a.FilterTunnels(filters[buttonIndex])
			}
			a.pages.RemovePage("filter")
			a.app.SetFocus(a.tunnelList)
		})

	a.pages.AddPage("filter", modal, true, true)
	a.app.SetFocus(modal)
}

// showHelp displays the help modal
func (a *App) showHelp() {
	a.pages.ShowPage("help")
	a.app.SetFocus(a.helpView)
}

// confirmQuit shows confirmation dialog for application exit
func (a *App) confirmQuit() {
	runningCount := 0
	for _, t := range a.tunnels {
		if t.Managed && t.Status.IsRunning() {
			runningCount++
		}
	}

	message := "Are you sure you want to quit?"
	if runningCount > 0 {
		message = fmt.Sprintf("%d tunnel(s) will keep running.\n%s", runningCount, message)
	}

	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"Quit", "Cancel"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			if buttonLabel == "Quit" {
				a.shutdown()
			} else {
				a.pages.RemovePage("confirm")
				a.app.SetFocus(a.tunnelList)
			}
		})

	a.pages.AddPage("confirm", modal, true, true)
	a.app.SetFocus(modal)
}

// shutdown leaves tunnels running and exits the dashboard
func (a *App) shutdown() {
	a.Stop()
}
