package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// TestProbeEnvironment tests execution context detection from marker files and metadata
func TestProbeEnvironment(t *testing.T) {
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("i-0123456789abcdef0"))
	}))
	defer metadata.Close()

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer empty.Close()

	tests := []struct {
		name     string
		files    map[string]string
		metadata string
		expected Environment
	}{
		{
			name:     "Docker marker file",
			files:    map[string]string{".dockerenv": ""},
			expected: EnvDocker,
		},
		{
			name:     "Docker cgroup",
			files:    map[string]string{"proc/self/cgroup": "0::/docker/3f2a\n"},
			expected: EnvDocker,
		},
		{
			name:     "Instance metadata",
			metadata: metadata.URL,
			expected: EnvEC2,
		},
		{
			name:     "Metadata endpoint without an instance",
			metadata: empty.URL,
			expected: EnvLocal,
		},
		{
			name:     "WSL kernel",
			files:    map[string]string{"proc/version": "Linux version 5.15.90.1-microsoft-standard-WSL2"},
			expected: EnvWSL,
		},
		{
			name:     "AWS kernel",
			files:    map[string]string{"proc/version": "Linux version 6.1.0-1019-aws"},
			expected: EnvEC2,
		},
		{
			name:     "Plain host",
			files:    map[string]string{"proc/version": "Linux version 6.8.0-generic"},
			expected: EnvLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for rel, content := range tt.files {
				path := filepath.Join(root, rel)
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(path, []byte(content), 0644); err != nil {
					t.Fatal(err)
				}
			}

			probe := NewProbe(newFakeRunner(), WithProbeRoot(root), WithMetadataURL(tt.metadata))
			if env := probe.Environment(context.Background()); env != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, env)
			}
		})
	}
}

// TestHasSystemdUser tests the user service manager check
func TestHasSystemdUser(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		versionExit int
		statusExit  int
		expected    bool
		calls       int
	}{
		{
			name:     "Available",
			goos:     "linux",
			expected: true,
			calls:    2,
		},
		{
			name:        "No systemctl",
			goos:        "linux",
			versionExit: 127,
			calls:       1,
		},
		{
			name:       "No user session bus",
			goos:       "linux",
			statusExit: 1,
			calls:      2,
		},
		{
			name:  "Not linux",
			goos:  "darwin",
			calls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner().
				on("systemctl --version", "systemd 255", tt.versionExit, "").
				on("systemctl --user status", "", tt.statusExit, "")
			probe := NewProbe(runner, WithProbeGOOS(tt.goos), WithMetadataURL(""))

			if got := probe.HasSystemdUser(context.Background()); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
			// The answer is cached
			probe.HasSystemdUser(context.Background())
			if calls := len(runner.commands()); calls != tt.calls {
				t.Errorf("Expected %d commands, got %v", tt.calls, runner.commands())
			}
		})
	}
}
