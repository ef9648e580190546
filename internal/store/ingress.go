package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatchAllService is the terminal rule every ingress list ends with
const CatchAllService = "http_status:404"

// IngressRule maps a hostname to a local service. A rule without hostname or path matches everything.
type IngressRule struct {
	Hostname      string                 `yaml:"hostname,omitempty"`
	Path          string                 `yaml:"path,omitempty"`
	Service       string                 `yaml:"service"`
	OriginRequest map[string]interface{} `yaml:"originRequest,omitempty"`
}

// IngressConfig is the per-tunnel file consumed by `cloudflared tunnel run`
type IngressConfig struct {
	Tunnel          string        `yaml:"tunnel,omitempty"`
	CredentialsFile string        `yaml:"credentials-file,omitempty"`
	Ingress         []IngressRule `yaml:"ingress,omitempty"`

	// Keys this tool does not manage are carried through rewrites untouched
	Extra map[string]interface{} `yaml:",inline"`
}

// IsCatchAll reports whether the rule matches any request
func (r IngressRule) IsCatchAll() bool {
	return r.Hostname == "" && r.Path == ""
}

// AddRoute installs a hostname rule for domain, replacing any previous rule for it,
// and keeps exactly one catch-all at the end of the list
func (c *IngressConfig) AddRoute(domain, service string) {
	rules := make([]IngressRule, 0, len(c.Ingress)+2)
	for _, rule := range c.Ingress {
		if rule.IsCatchAll() || rule.Hostname == domain {
			continue
		}
		rules = append(rules, rule)
	}
	rules = append(rules,
		IngressRule{Hostname: domain, Service: service},
		IngressRule{Service: CatchAllService},
	)
	c.Ingress = rules
}

// RemoveRoute drops the hostname rule for domain and reports whether it existed
func (c *IngressConfig) RemoveRoute(domain string) bool {
	rules := make([]IngressRule, 0, len(c.Ingress))
	for _, rule := range c.Ingress {
		if !rule.IsCatchAll() && rule.Hostname == domain {
			continue
		}
		rules = append(rules, rule)
	}
	if len(rules) == len(c.Ingress) {
		return false
	}
	c.Ingress = rules
	return true
}

// Routes lists hostname rules in file order. Path-only rules have no domain to route and are left out.
func (c *IngressConfig) Routes() []Route {
	routes := []Route{}
	for _, rule := range c.Ingress {
		if rule.Hostname == "" {
			continue
		}
		routes = append(routes, Route{Domain: rule.Hostname, Service: rule.Service})
	}
	return routes
}

// IngressStore reads and writes ingress files and credentials in the provider config directory
type IngressStore struct {
	dir string
}

// NewIngressStore creates an ingress store rooted at dir
func NewIngressStore(dir string) *IngressStore {
	return &IngressStore{dir: dir}
}

// Path returns the canonical ingress file path for a tunnel
func (is *IngressStore) Path(tunnelName string) string {
	return filepath.Join(is.dir, ConfigFileName(tunnelName))
}

// Exists reports whether the tunnel has an ingress file
func (is *IngressStore) Exists(tunnelName string) bool {
	_, err := os.Stat(is.Path(tunnelName))
	return err == nil
}

// Load reads the ingress file; a missing file yields an empty config
func (is *IngressStore) Load(tunnelName string) (*IngressConfig, error) {
	return loadIngressFile(is.Path(tunnelName))
}

// Save writes the ingress file
func (is *IngressStore) Save(tunnelName string, config *IngressConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal ingress config: %w", err)
	}

	if err := os.MkdirAll(is.dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeFileAtomic(is.Path(tunnelName), data, 0644)
}

// Remove deletes the ingress file; a missing file is not an error
func (is *IngressStore) Remove(tunnelName string) (bool, error) {
	err := os.Remove(is.Path(tunnelName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove ingress config: %w", err)
	}
	return true, nil
}

// Candidates returns the paths an existing ingress file for tunnelName may live at, in lookup order
func (is *IngressStore) Candidates(tunnelName string) []string {
	return []string{
		filepath.Join(is.dir, "config.yml"),
		is.Path(tunnelName),
		filepath.Join(is.dir, tunnelName+".yml"),
	}
}

// Import copies an existing ingress file into the canonical location for tunnelName
func (is *IngressStore) Import(tunnelName, src string) error {
	dst := is.Path(tunnelName)
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy ingress config: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// FindCredentials returns the first credentials file named after the provider tunnel id
func (is *IngressStore) FindCredentials(tunnelID string) string {
	files := is.CredentialFiles(tunnelID)
	if len(files) == 0 {
		return ""
	}
	return files[0]
}

// CredentialFiles lists every credentials file named after the provider tunnel id
func (is *IngressStore) CredentialFiles(tunnelID string) []string {
	if tunnelID == "" {
		return nil
	}

	entries, err := os.ReadDir(is.dir)
	if err != nil {
		return nil
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, tunnelID) || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(is.dir, name))
	}
	return files
}

func loadIngressFile(path string) (*IngressConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &IngressConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read ingress config: %w", err)
	}

	var config IngressConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse ingress config %s: %w", filepath.Base(path), err)
	}

	return &config, nil
}
