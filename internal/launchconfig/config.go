// Package launchconfig decodes the base64 launch config read from stdin.
package launchconfig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildkite/appruntime/internal/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultEntrypoint is the hosted application script loaded when the launch
// config does not name one.
const DefaultEntrypoint = "main.lua"

const (
	fieldAppID           protowire.Number = 1
	fieldVersionID       protowire.Number = 2
	fieldApplicationRoot protowire.Number = 3
	fieldAPIPort         protowire.Number = 4
	fieldInstanceID      protowire.Number = 5
	fieldDatacenter      protowire.Number = 6
	fieldAuthDomain      protowire.Number = 7
	fieldEnviron         protowire.Number = 8
	fieldScriptConfig    protowire.Number = 9
	fieldCloudSQLConfig  protowire.Number = 10
)

const (
	fieldEnvKey   protowire.Number = 1
	fieldEnvValue protowire.Number = 2
)

const (
	fieldStartupScript protowire.Number = 1
	fieldEntrypoint    protowire.Number = 2
)

const (
	fieldMySQLHost     protowire.Number = 1
	fieldMySQLPort     protowire.Number = 2
	fieldMySQLUser     protowire.Number = 3
	fieldMySQLPassword protowire.Number = 4
	fieldMySQLSocket   protowire.Number = 5
)

// Config is the per-launch configuration handed to the runtime by its parent.
// It is decoded once at startup and must be treated as read-only afterwards.
type Config struct {
	AppID           string          `yaml:"app_id"`
	VersionID       string          `yaml:"version_id"`
	ApplicationRoot string          `yaml:"application_root"`
	APIPort         int             `yaml:"api_port"`
	InstanceID      string          `yaml:"instance_id"`
	Datacenter      string          `yaml:"datacenter"`
	AuthDomain      string          `yaml:"auth_domain"`
	Environ         []EnvEntry      `yaml:"environ"`
	Script          *ScriptConfig   `yaml:"script_config"`
	CloudSQL        *CloudSQLConfig `yaml:"cloud_sql_config"`
}

type EnvEntry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type ScriptConfig struct {
	StartupScript string `yaml:"startup_script"`
	Entrypoint    string `yaml:"entrypoint"`
}

type CloudSQLConfig struct {
	MySQLHost     string `yaml:"mysql_host"`
	MySQLPort     int    `yaml:"mysql_port"`
	MySQLUser     string `yaml:"mysql_user"`
	MySQLPassword string `yaml:"mysql_password"`
	MySQLSocket   string `yaml:"mysql_socket"`
}

// Read consumes r until EOF and decodes the base64-wrapped config it carries.
func Read(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read launch config: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode launch config base64: %w", err)
	}
	cfg, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode launch config: %w", err)
	}
	return cfg, nil
}

// Decode parses the binary wire form of a Config. Unknown fields are ignored.
func Decode(b []byte) (*Config, error) {
	cfg := &Config{}
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldAppID:
			cfg.AppID, err = f.String()
		case fieldVersionID:
			cfg.VersionID, err = f.String()
		case fieldApplicationRoot:
			cfg.ApplicationRoot, err = f.String()
		case fieldAPIPort:
			var port int64
			port, err = f.Int()
			cfg.APIPort = int(port)
		case fieldInstanceID:
			cfg.InstanceID, err = f.String()
		case fieldDatacenter:
			cfg.Datacenter, err = f.String()
		case fieldAuthDomain:
			cfg.AuthDomain, err = f.String()
		case fieldEnviron:
			var entry EnvEntry
			entry, err = decodeEnvEntry(f)
			cfg.Environ = append(cfg.Environ, entry)
		case fieldScriptConfig:
			cfg.Script, err = decodeScriptConfig(f)
		case fieldCloudSQLConfig:
			cfg.CloudSQL, err = decodeCloudSQLConfig(f)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeEnvEntry(f wire.Field) (EnvEntry, error) {
	raw, err := f.Raw()
	if err != nil {
		return EnvEntry{}, err
	}
	entry := EnvEntry{}
	err = wire.Walk(raw, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldEnvKey:
			entry.Key, err = f.String()
		case fieldEnvValue:
			entry.Value, err = f.String()
		}
		return err
	})
	return entry, err
}

func decodeScriptConfig(f wire.Field) (*ScriptConfig, error) {
	raw, err := f.Raw()
	if err != nil {
		return nil, err
	}
	sc := &ScriptConfig{}
	err = wire.Walk(raw, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldStartupScript:
			sc.StartupScript, err = f.String()
		case fieldEntrypoint:
			sc.Entrypoint, err = f.String()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("script_config: %w", err)
	}
	return sc, nil
}

func decodeCloudSQLConfig(f wire.Field) (*CloudSQLConfig, error) {
	raw, err := f.Raw()
	if err != nil {
		return nil, err
	}
	sql := &CloudSQLConfig{}
	err = wire.Walk(raw, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldMySQLHost:
			sql.MySQLHost, err = f.String()
		case fieldMySQLPort:
			var port int64
			port, err = f.Int()
			sql.MySQLPort = int(port)
		case fieldMySQLUser:
			sql.MySQLUser, err = f.String()
		case fieldMySQLPassword:
			sql.MySQLPassword, err = f.String()
		case fieldMySQLSocket:
			sql.MySQLSocket, err = f.String()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cloud_sql_config: %w", err)
	}
	return sql, nil
}

// Encode returns the binary wire form of c.
func (c *Config) Encode() []byte {
	var b []byte
	b = wire.AppendString(b, fieldAppID, c.AppID)
	b = wire.AppendString(b, fieldVersionID, c.VersionID)
	b = wire.AppendString(b, fieldApplicationRoot, c.ApplicationRoot)
	b = wire.AppendVarint(b, fieldAPIPort, int64(c.APIPort))
	b = wire.AppendString(b, fieldInstanceID, c.InstanceID)
	b = wire.AppendString(b, fieldDatacenter, c.Datacenter)
	b = wire.AppendString(b, fieldAuthDomain, c.AuthDomain)
	for _, entry := range c.Environ {
		var e []byte
		e = wire.AppendString(e, fieldEnvKey, entry.Key)
		e = wire.AppendString(e, fieldEnvValue, entry.Value)
		b = wire.AppendMessage(b, fieldEnviron, e)
	}
	if c.Script != nil {
		var s []byte
		s = wire.AppendString(s, fieldStartupScript, c.Script.StartupScript)
		s = wire.AppendString(s, fieldEntrypoint, c.Script.Entrypoint)
		b = wire.AppendMessage(b, fieldScriptConfig, s)
	}
	if c.CloudSQL != nil {
		var s []byte
		s = wire.AppendString(s, fieldMySQLHost, c.CloudSQL.MySQLHost)
		s = wire.AppendVarint(s, fieldMySQLPort, int64(c.CloudSQL.MySQLPort))
		s = wire.AppendString(s, fieldMySQLUser, c.CloudSQL.MySQLUser)
		s = wire.AppendString(s, fieldMySQLPassword, c.CloudSQL.MySQLPassword)
		s = wire.AppendString(s, fieldMySQLSocket, c.CloudSQL.MySQLSocket)
		b = wire.AppendMessage(b, fieldCloudSQLConfig, s)
	}
	return b
}

// EncodeBase64 returns the form the launcher expects on its input stream.
func (c *Config) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(c.Encode())
}

// Validate reports configs a launcher cannot start from.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return errors.New("launch config missing app_id")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("launch config has invalid api_port %d", c.APIPort)
	}
	return nil
}

// StartupScript returns the configured startup script resolved against the
// application root, or "" when none is configured.
func (c *Config) StartupScript() string {
	if c.Script == nil || strings.TrimSpace(c.Script.StartupScript) == "" {
		return ""
	}
	return c.resolve(c.Script.StartupScript)
}

// Entrypoint returns the hosted application script path.
func (c *Config) Entrypoint() string {
	name := DefaultEntrypoint
	if c.Script != nil && strings.TrimSpace(c.Script.Entrypoint) != "" {
		name = c.Script.Entrypoint
	}
	return c.resolve(name)
}

func (c *Config) resolve(path string) string {
	path = strings.TrimSpace(path)
	if filepath.IsAbs(path) || c.ApplicationRoot == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(c.ApplicationRoot, path)
}

// HasCloudSQL reports whether a relational database block was supplied.
func (c *Config) HasCloudSQL() bool {
	return c.CloudSQL != nil
}

// String renders the config in a protobuf-text-like form. The database
// password is redacted.
func (c *Config) String() string {
	var sb strings.Builder
	writeString(&sb, "", "app_id", c.AppID)
	writeString(&sb, "", "version_id", c.VersionID)
	writeString(&sb, "", "application_root", c.ApplicationRoot)
	writeInt(&sb, "", "api_port", c.APIPort)
	writeString(&sb, "", "instance_id", c.InstanceID)
	writeString(&sb, "", "datacenter", c.Datacenter)
	writeString(&sb, "", "auth_domain", c.AuthDomain)
	for _, entry := range c.Environ {
		sb.WriteString("environ {\n")
		writeString(&sb, "  ", "key", entry.Key)
		writeString(&sb, "  ", "value", entry.Value)
		sb.WriteString("}\n")
	}
	if c.Script != nil {
		sb.WriteString("script_config {\n")
		writeString(&sb, "  ", "startup_script", c.Script.StartupScript)
		writeString(&sb, "  ", "entrypoint", c.Script.Entrypoint)
		sb.WriteString("}\n")
	}
	if c.CloudSQL != nil {
		sb.WriteString("cloud_sql_config {\n")
		writeString(&sb, "  ", "mysql_host", c.CloudSQL.MySQLHost)
		writeInt(&sb, "  ", "mysql_port", c.CloudSQL.MySQLPort)
		writeString(&sb, "  ", "mysql_user", c.CloudSQL.MySQLUser)
		if c.CloudSQL.MySQLPassword != "" {
			writeString(&sb, "  ", "mysql_password", "<redacted>")
		}
		writeString(&sb, "  ", "mysql_socket", c.CloudSQL.MySQLSocket)
		sb.WriteString("}\n")
	}
	return sb.String()
}

func writeString(sb *strings.Builder, indent, name, value string) {
	if value == "" {
		return
	}
	sb.WriteString(indent + name + ": " + strconv.Quote(value) + "\n")
}

func writeInt(sb *strings.Builder, indent, name string, value int) {
	if value == 0 {
		return
	}
	sb.WriteString(indent + name + ": " + strconv.Itoa(value) + "\n")
}
