package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/takaaki-s/cftunnel/internal/core"
)

// Filters offered by the filter menu
const (
	filterRunning   = "running"
	filterStopped   = "stopped"
	filterAutostart = "autostart"
	filterTemp      = "temp"
	filterUnmanaged = "unmanaged"
)

// SearchMode represents the search state
type SearchMode struct {
	active       bool
	query        string
	results      []string
	currentIndex int
	inputField   *tview.InputField
}

// initSearchMode initializes the search mode
func (a *App) initSearchMode() {
	a.searchMode = &SearchMode{}
}

// startSearch initiates the search mode
func (a *App) startSearch() {
	if a.searchMode == nil {
		a.initSearchMode()
	}

	a.searchMode.active = true
	a.searchMode.query = ""
	a.searchMode.results = nil
	a.searchMode.currentIndex = 0

	searchInput := tview.NewInputField().
		SetLabel("/").
		SetFieldWidth(30).
		SetFieldBackgroundColor(tcell.ColorBlack).
		SetLabelColor(tcell.ColorYellow).
		SetFieldTextColor(tcell.ColorWhite).
		SetDoneFunc(func(key tcell.Key) {
			switch key {
			case tcell.KeyEnter:
				a.selectSearchResult()
				a.exitSearch()
			case tcell.KeyEscape:
				a.exitSearch()
			case tcell.KeyTab:
				a.nextSearchResult()
			}
		}).
		SetChangedFunc(func(text string) {
			a.searchMode.query = text
			a.performSearch()
		})

	a.searchMode.inputField = searchInput

	searchBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(searchInput, 35, 0, true).
		AddItem(tview.NewTextView().
			SetDynamicColors(true).
			SetText("[dim]ESC: cancel | TAB: next | Enter: select[::-]"), 0, 1, false)

	searchBar.SetBorder(true).
		SetTitle(" Search ").
		SetTitleAlign(tview.AlignLeft).
		SetBorderColor(tcell.ColorYellow)

	// Bottom of the screen
	searchOverlay := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			SetDirection(tview.FlexColumn).
			AddItem(nil, 2, 0, false).
			AddItem(searchBar, 0, 1, true).
			AddItem(nil, 2, 0, false), 3, 0, true)

	a.pages.AddPage("search", searchOverlay, true, true)
	a.app.SetFocus(searchInput)

	a.performSearch()
}

// performSearch executes the search and highlights results
func (a *App) performSearch() {
	query := strings.ToLower(strings.TrimSpace(a.searchMode.query))
	a.searchMode.results = nil
	a.searchMode.currentIndex = 0

	// Clear previous highlights
	a.updateTunnelList()

	if query == "" {
		return
	}

	for _, tunnel := range a.tunnels {
		if matchesFilter(tunnel, a.filter) && matchesTunnel(tunnel, query) {
			a.searchMode.results = append(a.searchMode.results, tunnel.Name)
		}
	}

	a.highlightSearchResults()

	if len(a.searchMode.results) > 0 {
		a.updateStatusBar(fmt.Sprintf("Search: %d result(s) for '%s'", len(a.searchMode.results), query))
		a.selectTunnelByName(a.searchMode.results[0])
	} else {
		a.updateStatusBar(fmt.Sprintf("Search: No results for '%s'", query))
	}
}

// matchesTunnel checks if a tunnel matches a lowercase search query
func matchesTunnel(tunnel core.TunnelSummary, query string) bool {
	searchFields := []string{
		tunnel.Name,
		tunnel.ID,
		string(tunnel.Status),
	}
	if rec := tunnel.Record; rec != nil {
		for _, route := range rec.Routes {
			searchFields = append(searchFields, route.Domain, route.Service)
		}
		if rec.TempTunnel {
			searchFields = append(searchFields, rec.TempURL, fmt.Sprintf("%d", rec.TempPort))
		}
	}

	for _, field := range searchFields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}

	return false
}

// matchesFilter reports whether a tunnel is visible under the filter; "" shows everything
func matchesFilter(tunnel core.TunnelSummary, filter string) bool {
	switch filter {
	case filterRunning:
		return tunnel.Status.IsRunning()
	case filterStopped:
		return tunnel.Managed && !tunnel.Status.IsRunning()
	case filterAutostart:
		return tunnel.Record != nil && tunnel.Record.AutoStart
	case filterTemp:
		return tunnel.Record != nil && tunnel.Record.TempTunnel
	case filterUnmanaged:
		return !tunnel.Managed
	default:
		return true
	}
}

// highlightSearchResults highlights matching tunnels in the list
func (a *App) highlightSearchResults() {
	if a.searchMode == nil || len(a.searchMode.results) == 0 {
		return
	}

	resultMap := make(map[string]bool)
	for _, name := range a.searchMode.results {
		resultMap[name] = true
	}

	for row := 1; row < a.tunnelList.GetRowCount(); row++ {
		cell := a.tunnelList.GetCell(row, 1)
		if cell == nil {
			continue
		}

		if tunnel, ok := cell.GetReference().(*core.TunnelSummary); ok && resultMap[tunnel.Name] {
			for col := 0; col < a.tunnelList.GetColumnCount(); col++ {
				if c := a.tunnelList.GetCell(row, col); c != nil {
					c.SetBackgroundColor(tcell.ColorDarkBlue)
				}
			}
		}
	}
}

// nextSearchResult moves to the next search result
func (a *App) nextSearchResult() {
	if len(a.searchMode.results) == 0 {
		return
	}

	a.searchMode.currentIndex = (a.searchMode.currentIndex + 1) % len(a.searchMode.results)
	a.selectTunnelByName(a.searchMode.results[a.searchMode.currentIndex])
	a.updateStatusBar(fmt.Sprintf("Search result %d of %d", a.searchMode.currentIndex+1, len(a.searchMode.results)))
}

// selectSearchResult selects the current search result
func (a *App) selectSearchResult() {
	if len(a.searchMode.results) == 0 {
		return
	}

	a.selectedName = a.searchMode.results[a.searchMode.currentIndex]
}

// selectTunnelByName selects a tunnel in the list, reporting whether it is shown
func (a *App) selectTunnelByName(name string) bool {
	for row := 1; row < a.tunnelList.GetRowCount(); row++ {
		cell := a.tunnelList.GetCell(row, 1)
		if cell == nil {
			continue
		}

		if tunnel, ok := cell.GetReference().(*core.TunnelSummary); ok && tunnel.Name == name {
			a.tunnelList.Select(row, 1)
			a.selectedName = tunnel.Name
			a.updateDetailView(tunnel)
			return true
		}
	}
	return false
}

// exitSearch exits the search mode
func (a *App) exitSearch() {
	a.searchMode.active = false
	a.searchMode.query = ""
	a.searchMode.results = nil
	a.searchMode.currentIndex = 0

	a.pages.RemovePage("search")
	a.app.SetFocus(a.tunnelList)

	// Clear highlights
	a.updateTunnelList()
	a.updateStatusBar("")
}

// FilterTunnels limits the list to tunnels matching the filter; "" clears it
func (a *App) FilterTunnels(filterType string) {
	a.filter = filterType
	a.updateTunnelList()

	if filterType == "" {
		a.updateStatusBar("")
		return
	}

	shown := a.tunnelList.GetRowCount() - 1
	a.updateStatusBar(fmt.Sprintf("Filter: %s (%d tunnels)", filterType, shown))
}
