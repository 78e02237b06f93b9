package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/buildkite/appruntime/internal/paths"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the runtime settings file location.
const EnvConfigPath = "APPRUNTIME_CONFIG"

const DefaultShutdownSeconds = 5

type Config struct {
	LogLevel        string        `yaml:"log_level"`
	HostEnv         HostEnvConfig `yaml:"host_env"`
	Sandbox         SandboxConfig `yaml:"sandbox"`
	Journal         JournalConfig `yaml:"journal"`
	ShutdownSeconds int64         `yaml:"shutdown_seconds"`
}

type HostEnvConfig struct {
	PrivateIPPath string `yaml:"private_ip_path"`
	LoginIPPath   string `yaml:"login_ip_path"`
}

type SandboxConfig struct {
	// PolicyPath is a YAML sandbox policy. Empty means the builtin policy.
	PolicyPath string `yaml:"policy_path"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Path() (string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvConfigPath)); override != "" {
		return override, nil
	}
	return paths.RuntimeConfigPath()
}

// Load reads the runtime settings. A missing file yields the zero Config.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.ShutdownSeconds < 0 {
		return Config{}, path, fmt.Errorf("parse %s: shutdown_seconds must not be negative", path)
	}

	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.HostEnv.PrivateIPPath = strings.TrimSpace(cfg.HostEnv.PrivateIPPath)
	cfg.HostEnv.LoginIPPath = strings.TrimSpace(cfg.HostEnv.LoginIPPath)
	cfg.Sandbox.PolicyPath = strings.TrimSpace(cfg.Sandbox.PolicyPath)
	cfg.Journal.Path = strings.TrimSpace(cfg.Journal.Path)
	return cfg, path, nil
}

func (c Config) ShutdownTimeout() time.Duration {
	if c.ShutdownSeconds <= 0 {
		return DefaultShutdownSeconds * time.Second
	}
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// JournalPath returns the configured journal database or the default one
// under the state directory.
func (c Config) JournalPath() (string, error) {
	if c.Journal.Path != "" {
		return c.Journal.Path, nil
	}
	return paths.JournalDBPath()
}
