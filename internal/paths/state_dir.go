package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "appruntime"

// StateBaseDir resolves the default base directory for appruntime state.
// Preference order:
// 1. $XDG_STATE_HOME/appruntime
// 2. ~/.local/state/appruntime
// 3. $XDG_RUNTIME_DIR/appruntime
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, appName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, appName), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", appName), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

func JournalDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "launches.db"), nil
}
