package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings configures the tool itself (not the tunnels it manages)
type Settings struct {
	// Directory holding cloudflared credentials, ingress files and the state document
	ConfigDir string `mapstructure:"config_dir"`

	// Path or name of the cloudflared binary
	Cloudflared string `mapstructure:"cloudflared"`

	Debug bool `mapstructure:"debug"`

	// Whether `tunnel create` registers autostart after creating the tunnel
	AutostartOnCreate bool `mapstructure:"autostart_on_create"`

	// Budget for quick tunnel URL discovery
	TempTimeout time.Duration `mapstructure:"temp_timeout"`

	// Timeout applied to provider registry queries; zero waits forever
	RegistryTimeout time.Duration `mapstructure:"registry_timeout"`

	// Delay between tunnel delete attempts while connections drain
	DeleteBackoff time.Duration `mapstructure:"delete_backoff"`

	LoginStatusFile string `mapstructure:"login_status_file"`
	LoginLogFile    string `mapstructure:"login_log_file"`
}

// SetSettingsDefaults registers default values on v
func SetSettingsDefaults(v *viper.Viper) {
	configDir, err := DefaultConfigDir()
	if err != nil {
		configDir = ".cloudflared"
	}

	v.SetDefault("config_dir", configDir)
	v.SetDefault("cloudflared", "cloudflared")
	v.SetDefault("debug", false)
	v.SetDefault("autostart_on_create", true)
	v.SetDefault("temp_timeout", 30*time.Second)
	v.SetDefault("registry_timeout", 60*time.Second)
	v.SetDefault("delete_backoff", 5*time.Second)
	v.SetDefault("login_status_file", "")
	v.SetDefault("login_log_file", "")
}

// LoadSettings reads settings from an explicit file, or config.yaml in the XDG settings
// directory, overlaid with CFTUNNEL_* environment variables and any flags bound to v
func LoadSettings(v *viper.Viper, settingsFile string) (*Settings, error) {
	SetSettingsDefaults(v)

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
	} else {
		v.SetConfigName("config")
		if dir, err := SettingsDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("CFTUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if settingsFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	if settings.ConfigDir == "" {
		return nil, fmt.Errorf("config_dir cannot be empty")
	}
	if settings.LoginStatusFile == "" {
		settings.LoginStatusFile = filepath.Join(settings.ConfigDir, "login_status.json")
	}
	if settings.LoginLogFile == "" {
		settings.LoginLogFile = filepath.Join(settings.ConfigDir, "login_output.log")
	}

	return &settings, nil
}
