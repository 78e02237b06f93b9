// Package hostenv reads the host addresses the hosted application needs to
// know about.
package hostenv

import (
	"fmt"
	"os"
	"strings"
)

const (
	DefaultPrivateIPPath = "/etc/appscale/my_private_ip"
	DefaultLoginIPPath   = "/etc/appscale/login_ip"

	EnvMyIPAddress = "MY_IP_ADDRESS"
	EnvNginxHost   = "NGINX_HOST"
)

type Paths struct {
	PrivateIP string
	LoginIP   string
}

func DefaultPaths() Paths {
	return Paths{PrivateIP: DefaultPrivateIPPath, LoginIP: DefaultLoginIPPath}
}

// WithDefaults fills empty paths from DefaultPaths.
func (p Paths) WithDefaults() Paths {
	if strings.TrimSpace(p.PrivateIP) == "" {
		p.PrivateIP = DefaultPrivateIPPath
	}
	if strings.TrimSpace(p.LoginIP) == "" {
		p.LoginIP = DefaultLoginIPPath
	}
	return p
}

type Env struct {
	MyIPAddress string
	NginxHost   string
}

// Read loads both files. The private IP file is read whole and trimmed; the
// login IP file may list several addresses, one per line, and only the first
// is used. Missing files are an error.
func Read(paths Paths) (Env, error) {
	paths = paths.WithDefaults()

	private, err := os.ReadFile(paths.PrivateIP)
	if err != nil {
		return Env{}, fmt.Errorf("read private ip: %w", err)
	}
	login, err := os.ReadFile(paths.LoginIP)
	if err != nil {
		return Env{}, fmt.Errorf("read login ip: %w", err)
	}

	first, _, _ := strings.Cut(string(login), "\n")
	return Env{
		MyIPAddress: strings.TrimSpace(string(private)),
		NginxHost:   strings.TrimSpace(first),
	}, nil
}

// Map returns the environment variables the values are published as.
func (e Env) Map() map[string]string {
	return map[string]string{
		EnvMyIPAddress: e.MyIPAddress,
		EnvNginxHost:   e.NginxHost,
	}
}

// Export sets the values in the process environment.
func (e Env) Export() error {
	for key, value := range e.Map() {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
