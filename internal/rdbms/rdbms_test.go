package rdbms

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func newBoundBinding(t *testing.T, params ConnectParams, opts ...Option) (*Binding, *bytes.Buffer) {
	t.Helper()

	var logs bytes.Buffer
	b := NewBinding(log.New(&logs), opts...)
	if err := b.Install(DriverMySQL); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	if err := b.SetConnectParams(params); err != nil {
		t.Fatalf("SetConnectParams returned error: %v", err)
	}
	return b, &logs
}

func TestConnectConfigUsesResolvedSocketForLocalhost(t *testing.T) {
	t.Parallel()

	b, _ := newBoundBinding(t, ConnectParams{Host: "localhost", Port: 3306, User: "root"},
		WithGOOS("linux"),
		WithSocketLookup(func() string { return "/var/run/mysqld/mysqld.sock" }),
	)

	cfg, err := b.ConnectConfig()
	if err != nil {
		t.Fatalf("ConnectConfig returned error: %v", err)
	}
	if cfg.Net != "unix" || cfg.Addr != "/var/run/mysqld/mysqld.sock" {
		t.Fatalf("expected unix socket connection, got net=%q addr=%q", cfg.Net, cfg.Addr)
	}
	if cfg.User != "root" {
		t.Fatalf("unexpected user %q", cfg.User)
	}
}

func TestConnectConfigWarnsOnceWhenSocketLookupFails(t *testing.T) {
	t.Parallel()

	lookups := 0
	b, logs := newBoundBinding(t, ConnectParams{Host: "localhost", Port: 3307},
		WithGOOS("linux"),
		WithSocketLookup(func() string {
			lookups++
			return ""
		}),
	)

	for i := 0; i < 5; i++ {
		cfg, err := b.ConnectConfig()
		if err != nil {
			t.Fatalf("ConnectConfig returned error: %v", err)
		}
		if cfg.Net != "tcp" || cfg.Addr != "localhost:3307" {
			t.Fatalf("expected tcp fallback, got net=%q addr=%q", cfg.Net, cfg.Addr)
		}
	}
	if lookups != 5 {
		t.Fatalf("expected a lookup per connection attempt, got %d", lookups)
	}
	if got := strings.Count(logs.String(), "no default mysql unix socket found"); got != 1 {
		t.Fatalf("expected exactly one socket warning, got %d:\n%s", got, logs.String())
	}
}

func TestConnectConfigPrefersExplicitSocket(t *testing.T) {
	t.Parallel()

	b, _ := newBoundBinding(t, ConnectParams{Host: "localhost", UnixSocket: "/run/custom.sock"},
		WithGOOS("linux"),
		WithSocketLookup(func() string {
			t.Fatal("socket lookup should not run when a socket is configured")
			return ""
		}),
	)
	cfg, err := b.ConnectConfig()
	if err != nil {
		t.Fatalf("ConnectConfig returned error: %v", err)
	}
	if cfg.Net != "unix" || cfg.Addr != "/run/custom.sock" {
		t.Fatalf("unexpected address net=%q addr=%q", cfg.Net, cfg.Addr)
	}
}

func TestConnectConfigSkipsSocketRuleOffPOSIX(t *testing.T) {
	t.Parallel()

	b, _ := newBoundBinding(t, ConnectParams{Host: "localhost"},
		WithGOOS("windows"),
		WithSocketLookup(func() string { return "/tmp/mysql.sock" }),
	)
	cfg, err := b.ConnectConfig()
	if err != nil {
		t.Fatalf("ConnectConfig returned error: %v", err)
	}
	if cfg.Net != "tcp" || cfg.Addr != "localhost:3306" {
		t.Fatalf("expected default tcp address, got net=%q addr=%q", cfg.Net, cfg.Addr)
	}
}

func TestRemoteHostUsesTCP(t *testing.T) {
	t.Parallel()

	b, _ := newBoundBinding(t, ConnectParams{Host: "10.0.0.5", Port: 3310, User: "app", Password: "secret"},
		WithGOOS("linux"),
	)
	cfg, err := b.ConnectConfig()
	if err != nil {
		t.Fatalf("ConnectConfig returned error: %v", err)
	}
	if cfg.Net != "tcp" || cfg.Addr != "10.0.0.5:3310" || cfg.Passwd != "secret" {
		t.Fatalf("unexpected config: %#v", cfg)
	}
}

func TestUnboundBindingReportsNotConfigured(t *testing.T) {
	t.Parallel()

	b := NewBinding(nil)
	if b.Configured() {
		t.Fatal("expected new binding to be unconfigured")
	}
	if _, err := b.ConnectConfig(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := b.Query(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured from Query, got %v", err)
	}
}

func TestSetConnectParamsValidation(t *testing.T) {
	t.Parallel()

	b := NewBinding(nil)
	if err := b.SetConnectParams(ConnectParams{Host: "localhost"}); err == nil {
		t.Fatal("expected error before driver install")
	}
	if err := b.Install("postgres"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if err := b.Install(DriverMySQL); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	if err := b.SetConnectParams(ConnectParams{}); err == nil {
		t.Fatal("expected error for missing host and socket")
	}
	if err := b.SetConnectParams(ConnectParams{Host: "db", Port: 70000}); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestIsPOSIX(t *testing.T) {
	t.Parallel()

	for goos, want := range map[string]bool{
		"linux":   true,
		"darwin":  true,
		"freebsd": true,
		"windows": false,
	} {
		if got := isPOSIX(goos); got != want {
			t.Errorf("isPOSIX(%q) = %v, want %v", goos, got, want)
		}
	}
}
