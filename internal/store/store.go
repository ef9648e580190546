// Package store provides persistent storage for managed tunnels, their ingress files and tool settings.
package store

import (
	"sort"
	"time"
)

// Route maps a public hostname to a local service URL
type Route struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
}

// TunnelRecord represents a tunnel owned by this tool
type TunnelRecord struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	ConfigFile string    `json:"config_file"`
	Routes     []Route   `json:"routes"`
	AutoStart  bool      `json:"auto_start"`

	// Status is recomputed on every query; the stored value is only the last observation
	Status string `json:"status,omitempty"`

	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	// Quick tunnel bookkeeping
	TempTunnel    bool   `json:"temp_tunnel,omitempty"`
	TempURL       string `json:"temp_url,omitempty"`
	TempPort      int    `json:"temp_port,omitempty"`
	TempProcessID int    `json:"temp_process_id,omitempty"`
}

// ManagerState is the whole persisted document
type ManagerState struct {
	Tunnels       map[string]*TunnelRecord `json:"tunnels"`
	CurrentTunnel string                   `json:"current_tunnel,omitempty"`
	LastUpdated   time.Time                `json:"last_updated"`
}

// NewManagerState returns an empty state
func NewManagerState() *ManagerState {
	return &ManagerState{
		Tunnels: make(map[string]*TunnelRecord),
	}
}

// Names returns the tunnel names in sorted order
func (s *ManagerState) Names() []string {
	names := make([]string, 0, len(s.Tunnels))
	for name := range s.Tunnels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalize repairs invariants that a hand-edited or partially written document may violate
func (s *ManagerState) normalize() {
	if s.Tunnels == nil {
		s.Tunnels = make(map[string]*TunnelRecord)
	}
	for name, rec := range s.Tunnels {
		if rec == nil {
			delete(s.Tunnels, name)
			continue
		}
		rec.Name = name
		if rec.Routes == nil {
			rec.Routes = []Route{}
		}
	}
	if _, ok := s.Tunnels[s.CurrentTunnel]; !ok {
		s.CurrentTunnel = ""
	}
}

// Clone creates a deep copy of the record
func (r *TunnelRecord) Clone() *TunnelRecord {
	clone := *r
	clone.Routes = make([]Route, len(r.Routes))
	copy(clone.Routes, r.Routes)
	if r.LastAccessed != nil {
		accessed := *r.LastAccessed
		clone.LastAccessed = &accessed
	}
	return &clone
}

// UpsertRoute replaces the route for the same domain or appends a new one
func (r *TunnelRecord) UpsertRoute(route Route) {
	routes := make([]Route, 0, len(r.Routes)+1)
	for _, existing := range r.Routes {
		if existing.Domain != route.Domain {
			routes = append(routes, existing)
		}
	}
	r.Routes = append(routes, route)
}

// DropRoute removes the route for domain and reports whether one was present
func (r *TunnelRecord) DropRoute(domain string) bool {
	routes := make([]Route, 0, len(r.Routes))
	for _, existing := range r.Routes {
		if existing.Domain != domain {
			routes = append(routes, existing)
		}
	}
	removed := len(routes) != len(r.Routes)
	r.Routes = routes
	return removed
}
