// Package policy loads and compiles sandbox policy documents.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuiltinSource names the policy used when no policy file is configured.
const BuiltinSource = "builtin"

type Loader struct{}

type rawPolicy struct {
	Version int `yaml:"version"`
	Sandbox struct {
		Filesystem struct {
			Allow []string `yaml:"allow"`
		} `yaml:"filesystem"`
		Modules struct {
			Allow []string `yaml:"allow"`
		} `yaml:"modules"`
		Network struct {
			Default string         `yaml:"default"`
			Allow   []rawAllowRule `yaml:"allow"`
		} `yaml:"network"`
	} `yaml:"sandbox"`
}

type rawAllowRule struct {
	Host  string `yaml:"host"`
	Ports []int  `yaml:"ports"`
}

// CompiledPolicy is the normalised sandbox allow-list.
type CompiledPolicy struct {
	Version        int         `json:"version"`
	Filesystem     []string    `json:"filesystem"`
	Modules        []string    `json:"modules"`
	NetworkDefault string      `json:"network_default"`
	Allow          []AllowRule `json:"allow"`
	Hash           string      `json:"hash"`
}

type AllowRule struct {
	Host  string `json:"host"`
	Ports []int  `json:"ports"`
}

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*(\.\*)?$`)

// LoadAndCompile reads the policy at path. An empty path yields the builtin
// policy, which allows nothing beyond the application root.
func (l Loader) LoadAndCompile(path string) (*CompiledPolicy, string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		compiled, err := Default()
		return compiled, BuiltinSource, err
	}

	raw, err := l.Load(path)
	if err != nil {
		return nil, "", err
	}
	compiled, err := Compile(raw)
	if err != nil {
		return nil, path, err
	}
	return compiled, path, nil
}

func (l Loader) Load(path string) (rawPolicy, error) {
	found, err := exists(path)
	if err != nil {
		return rawPolicy{}, fmt.Errorf("check policy %s: %w", path, err)
	}
	if !found {
		return rawPolicy{}, fmt.Errorf("policy not found: %s", path)
	}
	return readPolicy(path)
}

// Parse compiles a policy from its yaml form.
func Parse(b []byte) (*CompiledPolicy, error) {
	var raw rawPolicy
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return Compile(raw)
}

// Default compiles the builtin policy.
func Default() (*CompiledPolicy, error) {
	raw := rawPolicy{Version: 1}
	raw.Sandbox.Network.Default = "deny"
	return Compile(raw)
}

func Compile(raw rawPolicy) (*CompiledPolicy, error) {
	if raw.Version == 0 {
		return nil, errors.New("policy missing required field: version")
	}
	if raw.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version %d", raw.Version)
	}

	filesystem, err := compileFilesystem(raw.Sandbox.Filesystem.Allow)
	if err != nil {
		return nil, err
	}
	modules, err := compileModules(raw.Sandbox.Modules.Allow)
	if err != nil {
		return nil, err
	}

	networkDefault := strings.TrimSpace(strings.ToLower(raw.Sandbox.Network.Default))
	if networkDefault == "" {
		networkDefault = "deny"
	}
	if networkDefault != "deny" {
		return nil, fmt.Errorf("unsupported sandbox.network.default %q: the sandbox requires deny-by-default", networkDefault)
	}

	allow := make([]AllowRule, 0, len(raw.Sandbox.Network.Allow))
	for _, rule := range raw.Sandbox.Network.Allow {
		host := strings.TrimSpace(strings.ToLower(rule.Host))
		if host == "" {
			return nil, errors.New("allow rule host cannot be empty")
		}
		if len(rule.Ports) == 0 {
			return nil, fmt.Errorf("allow rule for host %q must include at least one port", host)
		}

		ports := make([]int, 0, len(rule.Ports))
		seen := map[int]struct{}{}
		for _, port := range rule.Ports {
			if port < 1 || port > 65535 {
				return nil, fmt.Errorf("allow rule for host %q contains invalid port %d", host, port)
			}
			if _, ok := seen[port]; ok {
				continue
			}
			seen[port] = struct{}{}
			ports = append(ports, port)
		}
		sort.Ints(ports)
		allow = append(allow, AllowRule{Host: host, Ports: ports})
	}

	sort.Slice(allow, func(i, j int) bool {
		return allow[i].Host < allow[j].Host
	})

	compiled := &CompiledPolicy{
		Version:        raw.Version,
		Filesystem:     filesystem,
		Modules:        modules,
		NetworkDefault: networkDefault,
		Allow:          allow,
	}

	hash, err := hashPolicy(compiled)
	if err != nil {
		return nil, err
	}
	compiled.Hash = hash

	return compiled, nil
}

func compileFilesystem(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	seen := map[string]struct{}{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, errors.New("filesystem allow entry cannot be empty")
		}
		if !filepath.IsAbs(entry) {
			return nil, fmt.Errorf("filesystem allow entry %q must be absolute", entry)
		}
		entry = filepath.Clean(entry)
		if entry == string(filepath.Separator) {
			return nil, errors.New("filesystem allow entry cannot be the filesystem root")
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	sort.Strings(out)
	return out, nil
}

func compileModules(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	seen := map[string]struct{}{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if !moduleNamePattern.MatchString(entry) {
			return nil, fmt.Errorf("invalid module allow entry %q", entry)
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	sort.Strings(out)
	return out, nil
}

func (p *CompiledPolicy) Allows(host string, port int) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	for _, rule := range p.Allow {
		if rule.Host != host {
			continue
		}
		for _, candidate := range rule.Ports {
			if candidate == port {
				return true
			}
		}
	}
	return false
}

// AllowsModule reports whether name matches a module entry. "pkg.*" matches
// every module below pkg but not pkg itself.
func (p *CompiledPolicy) AllowsModule(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, entry := range p.Modules {
		if prefix, ok := strings.CutSuffix(entry, ".*"); ok {
			if strings.HasPrefix(name, prefix+".") {
				return true
			}
			continue
		}
		if entry == name {
			return true
		}
	}
	return false
}

func readPolicy(path string) (rawPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return rawPolicy{}, err
	}

	var raw rawPolicy
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return rawPolicy{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return raw, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func hashPolicy(p *CompiledPolicy) (string, error) {
	clone := *p
	clone.Hash = ""

	payload, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
