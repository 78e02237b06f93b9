package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/appruntime/internal/journal"
	"github.com/buildkite/appruntime/internal/policy"
	"github.com/buildkite/appruntime/internal/runtimeconfig"
)

func stdinFile(t *testing.T, content string) *os.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stdin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open stdin: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

type failingLoader struct{}

func (failingLoader) LoadAndCompile(string) (*policy.CompiledPolicy, string, error) {
	return nil, "", errors.New("policy unavailable")
}

func TestLaunchIsDefaultCommand(t *testing.T) {
	c := &CLI{}
	parser, err := newParser(c, "test")
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}

	ctx, err := parser.Parse([]string{"--log-level", "debug"})
	if err != nil {
		t.Fatalf("parse with no command returned error: %v", err)
	}
	if got, want := ctx.Command(), "launch"; got != want {
		t.Fatalf("unexpected default command: got %q want %q", got, want)
	}
	if got, want := c.Launch.LogLevel, "debug"; got != want {
		t.Fatalf("unexpected log level: got %q want %q", got, want)
	}
}

func TestConfigEncodeRequiresFile(t *testing.T) {
	c := &CLI{}
	parser, err := newParser(c, "test")
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}

	if _, err := parser.Parse([]string{"config", "encode"}); err == nil {
		t.Fatal("expected parse error for missing --file")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(exitCodeError{code: 2}); got != 2 {
		t.Fatalf("unexpected exit code: got %d want 2", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("unexpected default exit code: got %d want 1", got)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := newLogger("chatty", "test"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	if _, err := newLogger(" WARN ", "test"); err != nil {
		t.Fatalf("expected level to be normalised, got %v", err)
	}
}

func TestConfigEncodeThenShow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "launch.yaml")
	content := `app_id: guestbook
version_id: v1
application_root: /srv/apps/guestbook
api_port: 8080
script_config:
  startup_script: setup.lua
cloud_sql_config:
  mysql_host: localhost
  mysql_user: root
  mysql_password: hunter2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write launch config: %v", err)
	}

	var encoded bytes.Buffer
	if err := (&ConfigEncodeCommand{File: path}).Run(&runtimeContext{Stdout: &encoded}); err != nil {
		t.Fatalf("ConfigEncodeCommand.Run returned error: %v", err)
	}
	if lines := strings.Count(encoded.String(), "\n"); lines != 1 {
		t.Fatalf("expected one encoded line, got %d: %q", lines, encoded.String())
	}

	var shown bytes.Buffer
	err := (&ConfigShowCommand{}).Run(&runtimeContext{
		Stdin:  stdinFile(t, encoded.String()),
		Stdout: &shown,
	})
	if err != nil {
		t.Fatalf("ConfigShowCommand.Run returned error: %v", err)
	}
	out := shown.String()
	for _, want := range []string{`app_id: "guestbook"`, "api_port: 8080", `startup_script: "setup.lua"`, "<redacted>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked into output:\n%s", out)
	}
}

func TestConfigEncodeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "launch.yaml")
	if err := os.WriteFile(path, []byte("app_id: guestbook\n"), 0o644); err != nil {
		t.Fatalf("write launch config: %v", err)
	}
	var out bytes.Buffer
	if err := (&ConfigEncodeCommand{File: path}).Run(&runtimeContext{Stdout: &out}); err == nil {
		t.Fatal("expected error for config without api_port")
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestPolicyValidateBuiltin(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := (&PolicyValidateCommand{}).Run(&runtimeContext{Stdout: &out, Loader: policy.Loader{}})
	if err != nil {
		t.Fatalf("PolicyValidateCommand.Run returned error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "policy valid: builtin\npolicy hash: ") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestPolicyValidateJSONFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `version: 1
sandbox:
  modules:
    allow:
      - json
  network:
    default: deny
    allow:
      - host: api.example.com
        ports: [443]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	var out bytes.Buffer
	err := (&PolicyValidateCommand{File: path, JSON: true}).Run(&runtimeContext{Stdout: &out, Loader: policy.Loader{}})
	if err != nil {
		t.Fatalf("PolicyValidateCommand.Run returned error: %v", err)
	}
	var payload struct {
		Source string                 `json:"source"`
		Policy *policy.CompiledPolicy `json:"policy"`
	}
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("parse json output: %v\n%s", err, out.String())
	}
	if payload.Source != path {
		t.Fatalf("unexpected source: got %q want %q", payload.Source, path)
	}
	if payload.Policy == nil || !payload.Policy.Allows("api.example.com", 443) {
		t.Fatalf("expected compiled allow rule in output: %s", out.String())
	}
}

func TestDoctorCommandJSONReportsFailures(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	prev := findUnixSocket
	findUnixSocket = func() string { return "" }
	t.Cleanup(func() { findUnixSocket = prev })

	dir := t.TempDir()
	privateIP := filepath.Join(dir, "my_private_ip")
	if err := os.WriteFile(privateIP, []byte("10.0.0.4\n"), 0o644); err != nil {
		t.Fatalf("write private ip: %v", err)
	}

	cfg := runtimeconfig.Config{}
	cfg.HostEnv.PrivateIPPath = privateIP
	cfg.HostEnv.LoginIPPath = filepath.Join(dir, "missing")
	cfg.Journal.Enabled = true

	var out bytes.Buffer
	err := (&DoctorCommand{JSON: true}).Run(&runtimeContext{
		Stdout:     &out,
		Loader:     failingLoader{},
		Config:     cfg,
		ConfigPath: filepath.Join(dir, "config.yaml"),
	})
	if got := ExitCode(err); err == nil || got != 2 {
		t.Fatalf("expected exit code 2, got err=%v code=%d", err, got)
	}

	var payload struct {
		Checks []doctorCheck `json:"checks"`
	}
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("parse json output: %v\n%s", err, out.String())
	}
	statuses := map[string]string{}
	for _, check := range payload.Checks {
		statuses[check.Name] = check.Status
	}
	want := map[string]string{
		"runtime_config":  "pass",
		"host_private_ip": "pass",
		"host_login_ip":   "fail",
		"sandbox_policy":  "fail",
		"mysql_socket":    "warn",
		"launch_journal":  "pass",
	}
	for name, status := range want {
		if got := statuses[name]; got != status {
			t.Fatalf("unexpected status for %s: got %q want %q (%v)", name, got, status, statuses)
		}
	}
	if _, ok := statuses["sandbox_restrictions"]; !ok {
		t.Fatalf("expected sandbox_restrictions check, got %v", statuses)
	}
}

func TestDoctorCommandTextReport(t *testing.T) {
	prev := findUnixSocket
	findUnixSocket = func() string { return "/var/run/mysqld/mysqld.sock" }
	t.Cleanup(func() { findUnixSocket = prev })

	dir := t.TempDir()
	cfg := runtimeconfig.Config{}
	cfg.HostEnv.PrivateIPPath = filepath.Join(dir, "my_private_ip")
	cfg.HostEnv.LoginIPPath = filepath.Join(dir, "login_ip")
	for _, path := range []string{cfg.HostEnv.PrivateIPPath, cfg.HostEnv.LoginIPPath} {
		if err := os.WriteFile(path, []byte("10.0.0.4\n"), 0o644); err != nil {
			t.Fatalf("write host file: %v", err)
		}
	}

	var out bytes.Buffer
	err := (&DoctorCommand{}).Run(&runtimeContext{
		Stdout:     &out,
		Loader:     policy.Loader{},
		Config:     cfg,
		ConfigPath: filepath.Join(dir, "config.yaml"),
	})
	if err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"appruntime doctor\n",
		"database\n  ✓ pass mysql_socket found /var/run/mysqld/mysqld.sock\n",
		"journal\n  ✓ pass launch_journal disabled\n",
		" fail\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in report:\n%s", want, text)
		}
	}
}

func TestStatusCommandWithoutJournal(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	var out bytes.Buffer
	if err := (&StatusCommand{Limit: 20}).Run(&runtimeContext{Stdout: &out}); err != nil {
		t.Fatalf("StatusCommand.Run returned error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "no launches recorded") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestStatusCommandListsLaunches(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "launches.db")
	j, err := journal.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	id, err := j.Start(context.Background(), "guestbook", "v1", "starting")
	if err != nil {
		t.Fatalf("start launch: %v", err)
	}
	if err := j.Transition(context.Background(), id, "failed", 0, "boom"); err != nil {
		t.Fatalf("transition launch: %v", err)
	}

	cfg := runtimeconfig.Config{}
	cfg.Journal.Path = path
	var out bytes.Buffer
	if err := (&StatusCommand{Limit: 5}).Run(&runtimeContext{Stdout: &out, Config: cfg}); err != nil {
		t.Fatalf("StatusCommand.Run returned error: %v", err)
	}
	text := out.String()
	for _, want := range []string{id, "guestbook/v1", "state=failed", `failure="boom"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestLaunchRefusesTerminalStdin(t *testing.T) {
	prev := isTerminal
	isTerminal = func(*os.File) bool { return true }
	t.Cleanup(func() { isTerminal = prev })

	err := (&LaunchCommand{}).Run(&runtimeContext{Stdin: stdinFile(t, ""), Loader: policy.Loader{}})
	if err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("expected terminal refusal, got %v", err)
	}
}

func TestLaunchFailsBeforeHandshakeOnBadConfig(t *testing.T) {
	prev := isTerminal
	isTerminal = func(*os.File) bool { return false }
	t.Cleanup(func() { isTerminal = prev })

	err := (&LaunchCommand{}).Run(&runtimeContext{Stdin: stdinFile(t, "not base64!!"), Loader: policy.Loader{}})
	if err == nil || !strings.Contains(err.Error(), "read launch config") {
		t.Fatalf("expected launch config error, got %v", err)
	}
}

func TestLaunchRejectsBadPolicy(t *testing.T) {
	prev := isTerminal
	isTerminal = func(*os.File) bool { return false }
	t.Cleanup(func() { isTerminal = prev })

	err := (&LaunchCommand{}).Run(&runtimeContext{Stdin: stdinFile(t, ""), Loader: failingLoader{}})
	if err == nil || !strings.Contains(err.Error(), "load sandbox policy") {
		t.Fatalf("expected policy error, got %v", err)
	}
}
