package store

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// StateFileName is the name of the state document inside the provider config directory
	StateFileName = "tunnel_manager_state.json"
	// LockFileName guards read-modify-write cycles on the state document
	LockFileName = "tunnel_manager.lock"
	// CertFileName is written by a successful provider login
	CertFileName = "cert.pem"

	appName = "cftunnel"
)

// DefaultConfigDir returns the directory cloudflared itself uses for credentials and configs
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cloudflared"), nil
}

// SettingsDir returns the tool's own settings directory based on XDG Base Directory Specification
func SettingsDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		// Windows: Use %AppData%
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = os.Getenv("USERPROFILE")
			if appData == "" {
				return "", fmt.Errorf("cannot determine Windows config directory")
			}
			appData = filepath.Join(appData, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, appName)

	default:
		// Unix-like (Linux, macOS, BSD): Use XDG_CONFIG_HOME
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			xdgConfigHome = filepath.Join(homeDir, ".config")
		}
		configDir = filepath.Join(xdgConfigHome, appName)
	}

	return configDir, nil
}

// ConfigFileName returns the ingress file name for a tunnel
func ConfigFileName(tunnelName string) string {
	return fmt.Sprintf("config-%s.yml", tunnelName)
}

// writeFileAtomic writes data to a temporary file and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	return nil
}
