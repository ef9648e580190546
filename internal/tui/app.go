// Package tui provides the terminal dashboard for cftunnel.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/takaaki-s/cftunnel/internal/core"
)

// App represents the TUI application
type App struct {
	app     *tview.Application
	manager *core.TunnelManager
	ctx     context.Context
	cancel  context.CancelFunc

	// UI components
	pages      *tview.Pages
	headerBar  *tview.TextView
	tunnelList *tview.Table
	statusBar  *tview.TextView
	detailView *tview.TextView
	helpView   *tview.TextView
	footerBar  *tview.TextView

	// State, only touched on the UI goroutine
	tunnels      []core.TunnelSummary
	environment  core.Environment
	current      string
	registryErr  error
	selectedName string
	lastUpdate   time.Time
	filter       string
	searchMode   *SearchMode

	reloading atomic.Bool
	dirty     atomic.Bool
}

// NewApp creates a new TUI application
func NewApp(ctx context.Context, manager *core.TunnelManager) *App {
	ctx, cancel := context.WithCancel(ctx)
	return &App{
		app:     tview.NewApplication(),
		manager: manager,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run starts the TUI application and blocks until it exits. Tunnels keep running.
func (a *App) Run() error {
	defer a.cancel()

	a.initUI()

	go a.watchState(a.ctx)
	a.reload()

	return a.app.Run()
}

// Stop stops the TUI application without stopping tunnels
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

// initUI initializes the user interface
func (a *App) initUI() {
	a.initSearchMode()

	a.createHeaderBar()
	a.createTunnelList()
	a.createDetailView()
	a.createStatusBar()
	a.createFooterBar()
	a.createHelpView()

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.headerBar, 3, 0, false).
		AddItem(a.createMainContent(), 0, 1, true).
		AddItem(a.statusBar, 1, 0, false).
		AddItem(a.footerBar, 2, 0, false)

	a.pages = tview.NewPages().
		AddPage("main", mainFlex, true, true).
		AddPage("help", a.createHelpModal(), true, false)

	a.app.SetRoot(a.pages, true).
		SetFocus(a.tunnelList).
		SetInputCapture(a.handleGlobalKeys)

	a.updateTunnelList()
}

// createMainContent creates the main content area
func (a *App) createMainContent() *tview.Flex {
	return tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.tunnelList, 0, 2, true).
		AddItem(a.detailView, 0, 1, false)
}

// createHeaderBar creates the application header bar
func (a *App) createHeaderBar() {
	a.headerBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.updateHeaderBar()
	a.headerBar.SetBorder(true).
		SetBorderColor(tcell.ColorOrange)
}

// createFooterBar creates the footer bar with shortcuts
func (a *App) createFooterBar() {
	a.footerBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	shortcuts := []string{
		"[yellow]u/d[::-] Start/Stop",
		"[yellow]a[::-] Autostart",
		"[yellow]n/x[::-] Add/Remove route",
		"[yellow]r[::-] Delete",
		"[yellow]o[::-] Adopt",
		"[yellow]f[::-] Filter",
		"[yellow]/[::-] Search",
	}
	a.footerBar.SetText(" " + strings.Join(shortcuts, " | "))
	a.footerBar.SetBorder(false).
		SetBackgroundColor(tcell.ColorBlack)
}

// createTunnelList creates the tunnel list table
func (a *App) createTunnelList() {
	a.tunnelList = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetSeparator(' ')

	a.tunnelList.SetSelectionChangedFunc(a.onTunnelSelected)
	a.tunnelList.SetInputCapture(a.handleListKeys)

	a.tunnelList.SetBorder(true).
		SetTitle(" Tunnels ").
		SetTitleAlign(tview.AlignLeft)
}

// createDetailView creates the tunnel detail view
func (a *App) createDetailView() {
	a.detailView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)

	a.detailView.SetBorder(true).
		SetTitle(" Details ").
		SetTitleAlign(tview.AlignLeft)
}

// createStatusBar creates the status bar
func (a *App) createStatusBar() {
	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	a.updateStatusBar("Loading tunnels...")
}

// createHelpView creates the help view
func (a *App) createHelpView() {
	helpText := `[::b]Keyboard Shortcuts[::-]

[yellow]Navigation:[::-]
  ↑/k     Move up
  ↓/j     Move down
  /       Search tunnels
  f       Filter view

[yellow]Tunnel Operations:[::-]
  Enter   Start/Stop tunnel
  u       Start tunnel
  d       Stop tunnel (or temporary tunnel)
  r       Delete tunnel
  a       Toggle auto-start
  n       Add route
  x       Remove route
  o       Adopt unmanaged tunnel
  Ctrl+R  Refresh

[yellow]Application:[::-]
  ?       Show this help
  q       Quit (tunnels keep running)
  Ctrl+C  Force quit

[yellow]Status:[::-]
  [green]●[::-] service   [aqua]●[::-] manual   [purple]●[::-] temporary
  ○ stopped   [gray]◌[::-] not managed

Press any key to close this help.`

	a.helpView = tview.NewTextView().
		SetDynamicColors(true).
		SetText(helpText).
		SetScrollable(true)
}

// createHelpModal creates the help modal dialog
func (a *App) createHelpModal() *tview.Flex {
	a.helpView.SetBorder(true).
		SetTitle(" Help ").
		SetTitleAlign(tview.AlignCenter)

	a.helpView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		a.pages.HidePage("help")
		a.app.SetFocus(a.tunnelList)
		return nil
	})

	return a.createModalOverlay(a.helpView, 60, 30)
}

// reload refreshes the inventory off the UI goroutine; provider queries can be slow
func (a *App) reload() {
	a.dirty.Store(true)
	if !a.reloading.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer a.reloading.Store(false)
		for a.dirty.Swap(false) {
			inventory, err := a.manager.ListAll(a.ctx)
			if a.ctx.Err() != nil {
				return
			}
			env := a.manager.Probe().Environment(a.ctx)
			current := a.manager.States().Current()

			a.app.QueueUpdateDraw(func() {
				a.applyInventory(inventory, err, env, current)
			})
		}
	}()
}

// applyInventory replaces the displayed tunnels
func (a *App) applyInventory(inventory *core.Inventory, err error, env core.Environment, current string) {
	if err != nil {
		a.updateStatusBar(fmt.Sprintf("[red]Refresh failed: %v[::-]", err))
		return
	}

	a.tunnels = append(append([]core.TunnelSummary{}, inventory.Managed...), inventory.Unmanaged...)
	a.registryErr = inventory.RegistryErr
	a.environment = env
	a.current = current
	a.lastUpdate = time.Now()

	a.updateTunnelList()
	a.updateHeaderBar()
	if a.searchMode != nil && a.searchMode.active {
		a.highlightSearchResults()
		return
	}
	a.updateStatusBar("")
}

// statusIcon returns the list marker for a tunnel
func statusIcon(t core.TunnelSummary) (string, tcell.Color) {
	if !t.Managed {
		return "◌", tcell.ColorGray
	}
	switch t.Status {
	case core.StatusRunningService:
		return "●", tcell.ColorGreen
	case core.StatusRunningManual:
		return "●", tcell.ColorAqua
	case core.StatusRunningTemp:
		return "●", tcell.ColorPurple
	default:
		return "○", tcell.ColorSilver
	}
}

// updateTunnelList updates the tunnel list display
func (a *App) updateTunnelList() {
	a.tunnelList.Clear()

	headers := []string{"St", "Name", "Routes", "Autostart", "Cloudflare", "Status"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetTextColor(tcell.ColorYellow).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false).
			SetAlign(tview.AlignCenter)
		a.tunnelList.SetCell(0, col, cell)
	}

	for i := range a.tunnels {
		tunnel := &a.tunnels[i]
		if !matchesFilter(*tunnel, a.filter) {
			continue
		}
		rowNum := a.tunnelList.GetRowCount()

		icon, iconColor := statusIcon(*tunnel)

		name := tunnel.Name
		if tunnel.Name == a.current {
			name = "*" + name
		}

		routes, autostart, cloudflare := "-", "-", "yes"
		status := string(tunnel.Status)
		if tunnel.Record != nil {
			routes = fmt.Sprintf("%d", len(tunnel.Record.Routes))
			autostart = "off"
			if tunnel.Record.AutoStart {
				autostart = "on"
			}
			switch {
			case tunnel.Record.TempTunnel:
				routes = fmt.Sprintf(":%d", tunnel.Record.TempPort)
				cloudflare = "-"
			case a.registryErr != nil:
				cloudflare = "?"
			case !tunnel.Exists:
				cloudflare = "missing"
			}
		} else {
			status = "not managed"
		}

		cloudflareColor := tcell.ColorWhite
		if cloudflare == "missing" {
			cloudflareColor = tcell.ColorRed
		}

		cells := []struct {
			text  string
			color tcell.Color
			align int
		}{
			{icon, iconColor, tview.AlignCenter},
			{name, tcell.ColorWhite, tview.AlignLeft},
			{routes, tcell.ColorWhite, tview.AlignRight},
			{autostart, tcell.ColorWhite, tview.AlignCenter},
			{cloudflare, cloudflareColor, tview.AlignCenter},
			{status, iconColor, tview.AlignLeft},
		}

		for col, cell := range cells {
			tableCell := tview.NewTableCell(cell.text).
				SetTextColor(cell.color).
				SetReference(tunnel).
				SetAlign(cell.align)

			a.tunnelList.SetCell(rowNum, col, tableCell)
		}
	}

	// Restore selection if possible
	if a.selectedName != "" && a.selectTunnelByName(a.selectedName) {
		return
	}
	if a.tunnelList.GetRowCount() > 1 {
		a.tunnelList.Select(1, 1)
		a.onTunnelSelected(1, 1)
	} else {
		a.selectedName = ""
		a.updateDetailView(nil)
	}
}

// selected returns the summary of the selected row
func (a *App) selected() *core.TunnelSummary {
	row, _ := a.tunnelList.GetSelection()
	if row <= 0 || row >= a.tunnelList.GetRowCount() {
		return nil
	}
	if cell := a.tunnelList.GetCell(row, 1); cell != nil {
		if t, ok := cell.GetReference().(*core.TunnelSummary); ok {
			return t
		}
	}
	return nil
}

// onTunnelSelected handles tunnel selection
func (a *App) onTunnelSelected(row, column int) {
	if row == 0 || row >= a.tunnelList.GetRowCount() {
		return
	}

	cell := a.tunnelList.GetCell(row, 1)
	if cell == nil {
		return
	}

	if tunnel, ok := cell.GetReference().(*core.TunnelSummary); ok {
		a.selectedName = tunnel.Name
		a.updateDetailView(tunnel)
	}
}

// updateDetailView updates the detail view for a tunnel
func (a *App) updateDetailView(tunnel *core.TunnelSummary) {
	if tunnel == nil {
		a.detailView.Clear()
		return
	}

	details := strings.Builder{}
	details.WriteString(fmt.Sprintf("[::b]%s[::-]\n\n", tunnel.Name))

	if tunnel.ID != "" {
		details.WriteString(fmt.Sprintf("  ID: %s\n", tunnel.ID))
	}
	icon, color := statusIcon(*tunnel)
	details.WriteString(fmt.Sprintf("  State: [%s]%s %s[::-]\n\n", getColorName(color), icon, tunnel.Status))

	rec := tunnel.Record
	if rec == nil {
		details.WriteString("[yellow]Not managed[::-]\n")
		details.WriteString("  Press [yellow]o[::-] to adopt this tunnel\n")
		a.detailView.SetText(details.String())
		return
	}

	if rec.TempTunnel {
		details.WriteString("[yellow]Temporary tunnel:[::-]\n")
		details.WriteString(fmt.Sprintf("  URL: %s\n", rec.TempURL))
		details.WriteString(fmt.Sprintf("  Local: localhost:%d\n", rec.TempPort))
		details.WriteString(fmt.Sprintf("  PID: %d\n", rec.TempProcessID))
		a.detailView.SetText(details.String())
		return
	}

	details.WriteString("[yellow]Routes:[::-]\n")
	if len(rec.Routes) == 0 {
		details.WriteString("  [gray]none, press n to add one[::-]\n")
	}
	for _, route := range rec.Routes {
		details.WriteString(fmt.Sprintf("  %s\n    → %s\n", route.Domain, route.Service))
	}
	details.WriteString("\n")

	details.WriteString("[yellow]Options:[::-]\n")
	details.WriteString(fmt.Sprintf("  Auto-start: %v\n", rec.AutoStart))
	if rec.ConfigFile != "" {
		details.WriteString(fmt.Sprintf("  Config: %s\n", rec.ConfigFile))
	}
	if !rec.CreatedAt.IsZero() {
		details.WriteString(fmt.Sprintf("  Created: %s ago\n", formatDuration(time.Since(rec.CreatedAt))))
	}
	if !tunnel.Exists && a.registryErr == nil {
		details.WriteString("\n[red]Not found in Cloudflare[::-]\n")
	}

	a.detailView.SetText(details.String())
}

// updateHeaderBar updates the header bar
func (a *App) updateHeaderBar() {
	running, managed, unmanaged := 0, 0, 0
	for _, t := range a.tunnels {
		if !t.Managed {
			unmanaged++
			continue
		}
		managed++
		if t.Status.IsRunning() {
			running++
		}
	}

	env := string(a.environment)
	if env == "" {
		env = "-"
	}

	headerText := fmt.Sprintf(
		"[::b]CFTUNNEL[::-] | Env: [yellow]%s[::-] | Running: [green]%d/%d[::-] | Unmanaged: %d | [gray]? Help | / Search | q Quit[::-]",
		env,
		running,
		managed,
		unmanaged,
	)
	a.headerBar.SetText(headerText)
}

// updateStatusBar updates the status bar
func (a *App) updateStatusBar(message string) {
	if message != "" {
		a.statusBar.SetText(fmt.Sprintf(" %s", message))
		return
	}

	status := fmt.Sprintf(" Ready | %d tunnel(s)", len(a.tunnels))
	if a.filter != "" {
		status += fmt.Sprintf(" | filter: %s", a.filter)
	}
	if !a.lastUpdate.IsZero() {
		status += fmt.Sprintf(" | updated %s", a.lastUpdate.Format("15:04:05"))
	}
	if a.registryErr != nil {
		status += " | [red]Cloudflare unreachable[::-]"
	}
	a.statusBar.SetText(status)
}

// Helper functions

func getColorName(color tcell.Color) string {
	switch color {
	case tcell.ColorGreen:
		return "green"
	case tcell.ColorAqua:
		return "aqua"
	case tcell.ColorPurple:
		return "purple"
	case tcell.ColorRed:
		return "red"
	case tcell.ColorYellow:
		return "yellow"
	case tcell.ColorSilver, tcell.ColorGray:
		return "gray"
	default:
		return "white"
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
