// Package sandbox restricts what the hosted application can reach.
//
// A State is activated exactly once. Activation compiles the allow-list into a
// Token and applies process-level restrictions that cannot be undone. The
// hosted application chain can only be built from a Token, so nothing that
// depends on the restrictions can be constructed before they are in place.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/buildkite/appruntime/internal/policy"
)

var (
	ErrAlreadyActive = errors.New("sandbox already active")
	ErrPathDenied    = errors.New("path is outside the sandbox allow-list")
)

// State is the process-wide sandbox. The zero value is inactive.
type State struct {
	mu    sync.Mutex
	token *Token
}

// Activate applies the sandbox and returns the capability required to build
// the hosted application. A second call returns ErrAlreadyActive and leaves
// the existing allow-list as it was.
func (s *State) Activate(p *policy.CompiledPolicy, appRoot string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil {
		return nil, ErrAlreadyActive
	}
	if p == nil {
		return nil, errors.New("sandbox policy is required")
	}

	root, err := resolveRoot(appRoot)
	if err != nil {
		return nil, err
	}
	roots := []string{root}
	for _, entry := range p.Filesystem {
		resolved, err := filepath.EvalSymlinks(entry)
		if err != nil {
			// Entries that do not exist yet still restrict by their literal path.
			resolved = entry
		}
		roots = append(roots, resolved)
	}

	if err := applyProcessRestrictions(); err != nil {
		return nil, fmt.Errorf("apply process restrictions: %w", err)
	}

	s.token = &Token{
		appRoot: root,
		roots:   roots,
		policy:  p,
	}
	return s.token, nil
}

// Active reports whether Activate has succeeded.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil
}

func resolveRoot(appRoot string) (string, error) {
	appRoot = strings.TrimSpace(appRoot)
	if appRoot == "" {
		return "", errors.New("application root is required")
	}
	abs, err := filepath.Abs(appRoot)
	if err != nil {
		return "", fmt.Errorf("resolve application root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve application root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat application root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("application root %s is not a directory", resolved)
	}
	return resolved, nil
}

// Token is proof that the sandbox is active. It carries the restricted
// facilities the hosted application is allowed to use.
type Token struct {
	appRoot string
	roots   []string
	policy  *policy.CompiledPolicy
}

func (t *Token) AppRoot() string {
	return t.appRoot
}

func (t *Token) Policy() *policy.CompiledPolicy {
	return t.policy
}

// AllowedRoots returns the directories readable through the token, the
// application root first.
func (t *Token) AllowedRoots() []string {
	return append([]string(nil), t.roots...)
}

// ReadFile reads a file inside the allow-list. Relative paths are resolved
// against the application root. Symlinks are followed before the check.
func (t *Token) ReadFile(path string) ([]byte, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// PathAllowed reports whether ReadFile would accept path.
func (t *Token) PathAllowed(path string) bool {
	_, err := t.resolve(path)
	return err == nil
}

func (t *Token) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathDenied)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.appRoot, path)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	for _, root := range t.roots {
		if within(root, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathDenied, path)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (t *Token) ModuleAllowed(name string) bool {
	return t.policy.AllowsModule(name)
}

func (t *Token) NetworkAllowed(host string, port int) bool {
	return t.policy.Allows(host, port)
}

// ExpandUser is the inert home-directory expansion handed to sandboxed code.
// It returns its input unchanged.
func (t *Token) ExpandUser(path string) string {
	return path
}

// PathResolver expands a user-relative path.
type PathResolver func(string) string

// ExpandUser is the unrestricted expansion of a leading "~" to the current
// user's home directory. Paths it cannot expand are returned unchanged.
func ExpandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
