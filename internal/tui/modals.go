package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/takaaki-s/cftunnel/internal/core"
)

// showDeleteConfirmation shows a confirmation modal for deletion
func (a *App) showDeleteConfirmation(tunnel *core.TunnelSummary) {
	if tunnel == nil {
		return
	}

	name := tunnel.Name
	temp := tunnel.Record != nil && tunnel.Record.TempTunnel
	tempURL := ""
	detail := "Removes it from Cloudflare along with its local config"
	if temp {
		tempURL = tunnel.Record.TempURL
		detail = tempURL
	}

	text := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf(
			"[yellow]⚠ Delete Confirmation[::-]\n\n"+
				"Are you sure you want to delete tunnel:\n\n"+
				"[white]%s[::-]\n"+
				"[dim](%s)[::-]\n\n"+
				"This action cannot be undone.",
			tunnel.GetDisplayName(),
			detail,
		))

	closeModal := func() {
		a.pages.RemovePage("delete-confirm")
		a.app.SetFocus(a.tunnelList)
	}

	doDelete := func() {
		closeModal()
		if temp {
			a.runAction(
				fmt.Sprintf("Stopping temporary tunnel %s...", tempURL),
				"Temporary tunnel removed",
				"Delete Failed",
				func(ctx context.Context) error {
					_, err := a.manager.StopTemp(tempURL)
					return err
				},
			)
			return
		}
		a.runAction(
			fmt.Sprintf("Deleting tunnel '%s'...", name),
			fmt.Sprintf("Tunnel '%s' deleted", name),
			"Delete Failed",
			func(ctx context.Context) error {
				return a.manager.Delete(ctx, name, false)
			},
		)
	}

	deleteBtn := tview.NewButton("Delete (D)").
		SetSelectedFunc(doDelete)
	deleteBtn.SetBackgroundColor(tcell.ColorRed)

	cancelBtn := tview.NewButton("Cancel (C)").
		SetSelectedFunc(closeModal)
	cancelBtn.SetBackgroundColor(tcell.ColorBlue)

	buttons := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(nil, 0, 1, false).
		AddItem(deleteBtn, 14, 0, true).
		AddItem(nil, 2, 0, false).
		AddItem(cancelBtn, 14, 0, false).
		AddItem(nil, 0, 1, false)

	// 0 = delete, 1 = cancel
	currentFocus := 1
	focus := func(index int) {
		currentFocus = index
		if currentFocus == 0 {
			a.app.SetFocus(deleteBtn)
		} else {
			a.app.SetFocus(cancelBtn)
		}
	}

	container := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(text, 0, 1, false).
		AddItem(buttons, 3, 0, true)

	container.SetBorder(true).
		SetTitle(" Delete Tunnel ").
		SetTitleAlign(tview.AlignCenter).
		SetBorderColor(tcell.ColorRed)

	container.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			closeModal()
			return nil
		case tcell.KeyTab:
			focus((currentFocus + 1) % 2)
			return nil
		case tcell.KeyBacktab:
			focus((currentFocus + 1) % 2)
			return nil
		case tcell.KeyLeft:
			focus(0)
			return nil
		case tcell.KeyRight:
			focus(1)
			return nil
		}

		switch event.Rune() {
		case 'd', 'D':
			doDelete()
			return nil
		case 'c', 'C':
			closeModal()
			return nil
		}

		return event
	})

	modal := a.createModalOverlay(container, 56, 15)
	a.pages.AddPage("delete-confirm", modal, true, true)
	// Cancel is focused first
	focus(1)
}

// showAddRouteForm shows the form for routing a hostname to a local port
func (a *App) showAddRouteForm(tunnel *core.TunnelSummary) {
	if tunnel.Record == nil || tunnel.Record.TempTunnel {
		a.updateStatusBar("⚠ Routes can only be added to managed named tunnels")
		return
	}

	name := tunnel.Name
	form := tview.NewForm()
	form.SetBorder(true).
		SetTitle(fmt.Sprintf(" ✚ New Route for %s ", name)).
		SetTitleAlign(tview.AlignCenter).
		SetBorderColor(tcell.ColorGreen)

	form.AddInputField("Domain", "", 40, nil, nil)
	form.AddInputField("Port", "", 10, func(textToCheck string, lastChar rune) bool {
		if textToCheck == "" {
			return true
		}
		_, err := strconv.Atoi(textToCheck)
		return err == nil
	}, nil)
	form.AddInputField("Service host", "localhost", 40, nil, nil)
	form.SetFieldBackgroundColor(tcell.ColorBlack)

	closeForm := func() {
		a.pages.RemovePage("add-route")
		a.app.SetFocus(a.tunnelList)
	}

	form.AddButton("Save", func() {
		domain := strings.TrimSpace(inputText(form, "Domain"))
		host := strings.TrimSpace(inputText(form, "Service host"))
		port, err := strconv.Atoi(inputText(form, "Port"))
		if domain == "" || err != nil {
			a.showErrorModal("Invalid Route", "Domain and port are required")
			return
		}
		closeForm()

		a.runAction(
			fmt.Sprintf("Adding route %s...", domain),
			fmt.Sprintf("Route %s added", domain),
			"Add Route Failed",
			func(ctx context.Context) error {
				result, err := a.manager.AddRoute(ctx, name, domain, port, host)
				if err != nil {
					return err
				}
				for _, warning := range result.Warnings {
					core.Warn("%s", warning)
				}
				return nil
			},
		)
	})
	form.AddButton("Cancel", closeForm)

	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			closeForm()
			return nil
		}
		return event
	})

	modal := a.createModalOverlay(form, 60, 13)
	a.pages.AddPage("add-route", modal, true, true)
	a.app.SetFocus(form)
}

// showRemoveRouteForm lets the user pick one of the tunnel's routes to remove
func (a *App) showRemoveRouteForm(tunnel *core.TunnelSummary) {
	if tunnel.Record == nil || len(tunnel.Record.Routes) == 0 {
		a.updateStatusBar("⚠ No routes to remove")
		return
	}

	name := tunnel.Name
	domains := make([]string, 0, len(tunnel.Record.Routes))
	for _, route := range tunnel.Record.Routes {
		domains = append(domains, route.Domain)
	}

	form := tview.NewForm()
	form.SetBorder(true).
		SetTitle(fmt.Sprintf(" Remove Route from %s ", name)).
		SetTitleAlign(tview.AlignCenter).
		SetBorderColor(tcell.ColorRed)

	form.AddDropDown("Domain", domains, 0, nil)
	form.SetFieldBackgroundColor(tcell.ColorBlack)

	closeForm := func() {
		a.pages.RemovePage("remove-route")
		a.app.SetFocus(a.tunnelList)
	}

	form.AddButton("Remove", func() {
		dropDown, ok := form.GetFormItemByLabel("Domain").(*tview.DropDown)
		if !ok {
			closeForm()
			return
		}
		_, domain := dropDown.GetCurrentOption()
		closeForm()

		a.runAction(
			fmt.Sprintf("Removing route %s...", domain),
			fmt.Sprintf("Route %s removed", domain),
			"Remove Route Failed",
			func(ctx context.Context) error {
				result, err := a.manager.RemoveRoute(ctx, name, domain)
				if err != nil {
					return err
				}
				for _, warning := range result.Warnings {
					core.Warn("%s", warning)
				}
				return nil
			},
		)
	})
	form.AddButton("Cancel", closeForm)

	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			closeForm()
			return nil
		}
		return event
	})

	modal := a.createModalOverlay(form, 60, 9)
	a.pages.AddPage("remove-route", modal, true, true)
	a.app.SetFocus(form)
}

// showErrorModal displays an error modal dialog
func (a *App) showErrorModal(title, message string) {
	text := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf(
			"[red]✗ %s[::-]\n\n%s",
			title,
			tview.Escape(message),
		))

	button := a.createButton("OK", func() {
		a.pages.RemovePage("error")
		a.app.SetFocus(a.tunnelList)
	})

	buttonContainer := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(nil, 0, 1, false).
		AddItem(button, 10, 0, true).
		AddItem(nil, 0, 1, false)

	container := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(text, 0, 1, false).
		AddItem(buttonContainer, 3, 0, true)

	container.SetBorder(true).
		SetTitle(" Error ").
		SetTitleAlign(tview.AlignCenter).
		SetBorderColor(tcell.ColorRed)

	a.pages.RemovePage("error")
	modal := a.createModalOverlay(container, 60, 14)
	a.pages.AddPage("error", modal, true, true)
	a.app.SetFocus(button)
}

// createButton creates a styled button
func (a *App) createButton(label string, handler func()) *tview.Button {
	button := tview.NewButton(label).
		SetSelectedFunc(handler)

	button.SetBackgroundColor(tcell.ColorBlue)

	return button
}

// createModalOverlay centers content over the main page
func (a *App) createModalOverlay(content tview.Primitive, width, height int) *tview.Flex {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			SetDirection(tview.FlexColumn).
			AddItem(nil, 0, 1, false).
			AddItem(content, width, 1, true).
			AddItem(nil, 0, 1, false), height, 1, true).
		AddItem(nil, 0, 1, false)
}

func inputText(form *tview.Form, label string) string {
	if field, ok := form.GetFormItemByLabel(label).(*tview.InputField); ok {
		return field.GetText()
	}
	return ""
}
