package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ConfigBaseDir returns $XDG_CONFIG_HOME/appruntime or ~/.config/appruntime.
func ConfigBaseDir() (string, error) {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, appName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

func RuntimeConfigPath() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}
