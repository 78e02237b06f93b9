// Package cli implements the appruntime command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buildkite/appruntime/internal/hostenv"
	"github.com/buildkite/appruntime/internal/journal"
	"github.com/buildkite/appruntime/internal/launchconfig"
	"github.com/buildkite/appruntime/internal/launcher"
	"github.com/buildkite/appruntime/internal/policy"
	"github.com/buildkite/appruntime/internal/rdbms"
	"github.com/buildkite/appruntime/internal/runtimeconfig"
	"github.com/buildkite/appruntime/internal/sandbox"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type policyLoader interface {
	LoadAndCompile(path string) (*policy.CompiledPolicy, string, error)
}

type runtimeContext struct {
	Stdin      *os.File
	Stdout     io.Writer
	Stderr     *os.File
	Loader     policyLoader
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Launch LaunchCommand `cmd:"" default:"withargs" help:"Launch an application from the config on stdin (default)"`
	Config ConfigCommand `cmd:"" help:"Launch config commands"`
	Policy PolicyCommand `cmd:"" help:"Sandbox policy commands"`
	Doctor DoctorCommand `cmd:"" help:"Run host environment diagnostics"`
	Status StatusCommand `cmd:"" help:"List recent launches from the journal"`
}

type LaunchCommand struct {
	LogLevel        string `help:"Log level (debug|info|warn|error)"`
	Policy          string `help:"Sandbox policy file (defaults to runtime config or the builtin policy)"`
	ShutdownSeconds int64  `help:"Seconds in-flight requests may drain on shutdown"`
}

type ConfigCommand struct {
	Encode ConfigEncodeCommand `cmd:"" help:"Encode a YAML launch config as the base64 stdin payload"`
	Show   ConfigShowCommand   `cmd:"" help:"Decode a base64 launch config from stdin and print it"`
}

type ConfigEncodeCommand struct {
	File string `short:"f" required:"" type:"existingfile" help:"YAML launch config"`
}

type ConfigShowCommand struct{}

type PolicyCommand struct {
	Validate PolicyValidateCommand `cmd:"" help:"Validate the sandbox policy"`
}

type PolicyValidateCommand struct {
	File string `short:"f" help:"Policy file (defaults to runtime config or the builtin policy)"`
	JSON bool   `help:"Print compiled policy as JSON"`
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type StatusCommand struct {
	Limit int `default:"20" help:"Number of launches to show (0 for all)"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	notifyContext = func(parent context.Context, sig ...os.Signal) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, sig...)
	}
	isTerminal = func(f *os.File) bool {
		return f != nil && term.IsTerminal(int(f.Fd()))
	}
	findUnixSocket = rdbms.FindUnixSocket
)

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Loader:     policy.Loader{},
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("appruntime"),
		kong.Description("Per-application runtime launcher"),
		kong.Vars{"version": version},
	)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (c *LaunchCommand) Run(ctx *runtimeContext) error {
	if isTerminal(ctx.Stdin) {
		return errors.New("refusing to read a launch config from a terminal; pipe the base64 config on stdin")
	}

	level := c.LogLevel
	if level == "" {
		level = ctx.Config.LogLevel
	}
	logger, err := newLogger(level, "launcher")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	applyLoggerStyles(logger, color)

	policyPath := c.Policy
	if policyPath == "" {
		policyPath = ctx.Config.Sandbox.PolicyPath
	}
	compiled, source, err := ctx.Loader.LoadAndCompile(policyPath)
	if err != nil {
		return fmt.Errorf("load sandbox policy: %w", err)
	}

	timeout := ctx.Config.ShutdownTimeout()
	if c.ShutdownSeconds > 0 {
		timeout = time.Duration(c.ShutdownSeconds) * time.Second
	}

	var recorder launcher.Recorder
	journalDisplay := "disabled"
	if ctx.Config.Journal.Enabled {
		if j, err := openJournal(context.Background(), ctx.Config); err != nil {
			logger.Warn("launch journal disabled", "error", err)
		} else {
			recorder = j
			journalDisplay = j.Path()
		}
	}

	hostPaths := hostenv.Paths{
		PrivateIP: ctx.Config.HostEnv.PrivateIPPath,
		LoginIP:   ctx.Config.HostEnv.LoginIPPath,
	}
	interactive := isTerminal(ctx.Stderr)
	if interactive {
		defaults := hostPaths.WithDefaults()
		_, _ = io.WriteString(ctx.Stderr, renderLaunchHeader(launchHeader{
			Policy:     source,
			PolicyHash: compiled.Hash,
			Journal:    journalDisplay,
			Shutdown:   timeout.String(),
			LogLevel:   effectiveLogLevel(level),
			HostFiles:  []string{defaults.PrivateIP, defaults.LoginIP},
		}, color))
	}
	logger.Debug("sandbox policy loaded", "source", source, "hash", compiled.Hash)

	runCtx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var l *launcher.Launcher
	l = launcher.New(launcher.Options{
		Stdin:           ctx.Stdin,
		HostEnv:         hostPaths,
		Policy:          compiled,
		Journal:         recorder,
		Logger:          logger,
		ShutdownTimeout: timeout,
		OnState: func(s launcher.State) {
			if !interactive || s != launcher.StateHandshakeSent {
				return
			}
			cfg := l.Config()
			_, _ = io.WriteString(ctx.Stderr, renderServingLine(cfg.AppID, cfg.VersionID, l.Port(), color))
		},
	})
	return l.Run(runCtx)
}

func (c *ConfigEncodeCommand) Run(ctx *runtimeContext) error {
	b, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.File, err)
	}
	cfg := launchconfig.Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", c.File, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, cfg.EncodeBase64())
	return err
}

func (c *ConfigShowCommand) Run(ctx *runtimeContext) error {
	cfg, err := launchconfig.Read(ctx.Stdin)
	if err != nil {
		return err
	}
	_, err = io.WriteString(ctx.Stdout, cfg.String())
	return err
}

func (c *PolicyValidateCommand) Run(ctx *runtimeContext) error {
	path := c.File
	if path == "" {
		path = ctx.Config.Sandbox.PolicyPath
	}
	compiled, source, err := ctx.Loader.LoadAndCompile(path)
	if err != nil {
		return err
	}

	if c.JSON {
		payload := map[string]any{
			"source": source,
			"policy": compiled,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	_, err = fmt.Fprintf(ctx.Stdout, "policy valid: %s\npolicy hash: %s\n", source, compiled.Hash)
	return err
}

type doctorCheck struct {
	Group   string `json:"group"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := []doctorCheck{
		{Group: groupRuntime, Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
	}

	paths := hostenv.Paths{
		PrivateIP: ctx.Config.HostEnv.PrivateIPPath,
		LoginIP:   ctx.Config.HostEnv.LoginIPPath,
	}.WithDefaults()
	checks = append(checks,
		hostFileCheck("host_private_ip", paths.PrivateIP),
		hostFileCheck("host_login_ip", paths.LoginIP),
	)

	compiled, source, err := ctx.Loader.LoadAndCompile(ctx.Config.Sandbox.PolicyPath)
	if err != nil {
		checks = append(checks, doctorCheck{
			Group:   groupSandbox,
			Name:    "sandbox_policy",
			Status:  "fail",
			Message: err.Error(),
		})
	} else {
		checks = append(checks, doctorCheck{
			Group:   groupSandbox,
			Name:    "sandbox_policy",
			Status:  "pass",
			Message: fmt.Sprintf("policy loaded from %s (hash %s)", source, compiled.Hash),
		})
	}

	if sandbox.RestrictionsSupported() {
		checks = append(checks, doctorCheck{Group: groupSandbox, Name: "sandbox_restrictions", Status: "pass", Message: "process restrictions supported"})
	} else {
		checks = append(checks, doctorCheck{Group: groupSandbox, Name: "sandbox_restrictions", Status: "warn", Message: "process restrictions unsupported on this platform; only the in-process sandbox applies"})
	}

	if socket := findUnixSocket(); socket != "" {
		checks = append(checks, doctorCheck{Group: groupDatabase, Name: "mysql_socket", Status: "pass", Message: fmt.Sprintf("found %s", socket)})
	} else {
		checks = append(checks, doctorCheck{Group: groupDatabase, Name: "mysql_socket", Status: "warn", Message: "no default MySQL socket found; localhost connections need an explicit socket or TCP"})
	}

	if !ctx.Config.Journal.Enabled {
		checks = append(checks, doctorCheck{Group: groupJournal, Name: "launch_journal", Status: "pass", Message: "disabled"})
	} else if j, err := openJournal(context.Background(), ctx.Config); err != nil {
		checks = append(checks, doctorCheck{Group: groupJournal, Name: "launch_journal", Status: "fail", Message: err.Error()})
	} else {
		checks = append(checks, doctorCheck{Group: groupJournal, Name: "launch_journal", Status: "pass", Message: fmt.Sprintf("writable at %s", j.Path())})
	}

	if d.JSON {
		payload := map[string]any{
			"checks": checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else if _, err := io.WriteString(ctx.Stdout, renderDoctorReport(checks, shouldUseANSI(ctx.Stderr))); err != nil {
		return err
	}

	for _, check := range checks {
		if check.Status == "fail" {
			return exitCodeError{code: 2}
		}
	}
	return nil
}

func hostFileCheck(name, path string) doctorCheck {
	b, err := os.ReadFile(path)
	if err != nil {
		return doctorCheck{Group: groupHost, Name: name, Status: "fail", Message: err.Error()}
	}
	if strings.TrimSpace(string(b)) == "" {
		return doctorCheck{Group: groupHost, Name: name, Status: "warn", Message: fmt.Sprintf("%s is empty", path)}
	}
	return doctorCheck{Group: groupHost, Name: name, Status: "pass", Message: fmt.Sprintf("read %s", path)}
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	path, err := ctx.Config.JournalPath()
	if err != nil {
		return fmt.Errorf("resolve launch journal path: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_, werr := fmt.Fprintf(ctx.Stdout, "no launches recorded (%s does not exist)\n", path)
			return werr
		}
		return err
	}

	j, err := journal.Open(context.Background(), path)
	if err != nil {
		return err
	}
	records, err := j.List(context.Background(), s.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintf(ctx.Stdout, "no launches recorded in %s\n", path)
		return err
	}

	if _, err := fmt.Fprintf(ctx.Stdout, "launches in %s:\n", path); err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("- %s %s/%s state=%s", r.ID, r.AppID, r.VersionID, r.State)
		if r.Port > 0 {
			line += fmt.Sprintf(" port=%d", r.Port)
		}
		line += " started=" + r.StartedAt.Format(time.RFC3339)
		if r.Failure != "" {
			line += fmt.Sprintf(" failure=%q", r.Failure)
		}
		if _, err := fmt.Fprintln(ctx.Stdout, line); err != nil {
			return err
		}
	}
	return nil
}

func openJournal(ctx context.Context, cfg runtimeconfig.Config) (*journal.Journal, error) {
	path, err := cfg.JournalPath()
	if err != nil {
		return nil, fmt.Errorf("resolve launch journal path: %w", err)
	}
	return journal.Open(ctx, path)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
