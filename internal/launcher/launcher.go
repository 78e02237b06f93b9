// Package launcher drives one application launch from the config on stdin to
// shutdown.
package launcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/buildkite/appruntime/internal/apphost"
	"github.com/buildkite/appruntime/internal/failureapp"
	"github.com/buildkite/appruntime/internal/handshake"
	"github.com/buildkite/appruntime/internal/hostenv"
	"github.com/buildkite/appruntime/internal/launchconfig"
	"github.com/buildkite/appruntime/internal/policy"
	"github.com/buildkite/appruntime/internal/rewriter"
	"github.com/buildkite/appruntime/internal/runtimeserver"
	"github.com/buildkite/appruntime/internal/sandbox"
	"github.com/buildkite/appruntime/internal/startup"
	"github.com/buildkite/appruntime/internal/stubs"
	"github.com/charmbracelet/log"
)

type State string

const (
	StateStarting              State = "starting"
	StateAwaitingStartupScript State = "awaiting_startup_script"
	StateFailed                State = "failed"
	StateServingFailure        State = "serving_failure"
	StateStubsWired            State = "stubs_wired"
	StateSandboxed             State = "sandboxed"
	StateServingReal           State = "serving_real"
	StateHandshakeSent         State = "handshake_sent"
	StateIdle                  State = "idle"
	StateShuttingDown          State = "shutting_down"
	StateTerminated            State = "terminated"
)

// DefaultShutdownTimeout bounds how long in-flight requests may drain.
const DefaultShutdownTimeout = 5 * time.Second

// Recorder persists launch state transitions. journal.Journal implements it.
type Recorder interface {
	Start(ctx context.Context, appID, versionID, state string) (string, error)
	Transition(ctx context.Context, id, state string, port int, failure string) error
}

type Options struct {
	// Stdin carries the base64 launch config. Defaults to os.Stdin.
	Stdin io.Reader
	// Handshake announces the port. Defaults to handshake.ForProcess().
	Handshake *handshake.Handshake
	HostEnv   hostenv.Paths
	// Policy restricts the hosted application. Defaults to policy.Default().
	Policy *policy.CompiledPolicy
	// Sandbox is the process sandbox state. A launch activates it.
	Sandbox *sandbox.State
	Journal Recorder
	Logger  *log.Logger

	ListenAddr      string
	ShutdownTimeout time.Duration
	Tick            time.Duration
	// OnState is called after every transition.
	OnState func(State)
	Stubs   stubs.Options
}

type Launcher struct {
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	state    State
	launchID string
	port     int
	cfg      *launchconfig.Config
}

func New(opts Options) *Launcher {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Handshake == nil {
		opts.Handshake = handshake.ForProcess()
	}
	if opts.Sandbox == nil {
		opts.Sandbox = &sandbox.State{}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	opts.HostEnv = opts.HostEnv.WithDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Launcher{opts: opts, logger: logger}
}

// State returns the current state.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Config returns the decoded launch config, or nil before it has been read.
func (l *Launcher) Config() *launchconfig.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Port returns the bound port, or zero before the server starts.
func (l *Launcher) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Run performs the launch and blocks until ctx is cancelled. Errors returned
// before the handshake mean nothing was announced.
func (l *Launcher) Run(ctx context.Context) (err error) {
	l.transition(ctx, StateStarting, 0, "")
	defer func() {
		if err != nil {
			l.record(ctx, StateTerminated, 0, err.Error())
		}
	}()

	cfg, err := launchconfig.Read(l.opts.Stdin)
	if err != nil {
		return fmt.Errorf("read launch config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid launch config: %w", err)
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.logger = l.logger.With("app_id", cfg.AppID, "version_id", cfg.VersionID)
	l.startJournal(ctx, cfg)

	if cfg.StartupScript() != "" {
		l.transition(ctx, StateAwaitingStartupScript, 0, "")
	}
	failure := startup.Run(ctx, cfg, l.logger.With("subsystem", "startup"))

	env, err := hostenv.Read(l.opts.HostEnv)
	if err != nil {
		return err
	}

	var (
		handler      http.Handler
		canonicalise bool
	)
	if failure != nil {
		l.logger.Error("startup script failed", "error", failure.Message)
		l.transition(ctx, StateFailed, 0, failure.Message)
		app, err := failureapp.New(failure)
		if err != nil {
			return err
		}
		handler = app
		l.transition(ctx, StateServingFailure, 0, "")
	} else {
		app, closeApp, err := l.buildApplication(ctx, cfg, env)
		if err != nil {
			return err
		}
		defer closeApp()
		handler = rewriter.Middleware(app)
		canonicalise = true
		l.transition(ctx, StateServingReal, 0, "")
	}

	srv, err := runtimeserver.NewServer(runtimeserver.Config{
		ListenAddr:        l.opts.ListenAddr,
		Handler:           handler,
		Logger:            l.logger.With("subsystem", "server"),
		CanonicalisePaths: canonicalise,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	l.mu.Lock()
	l.port = srv.Port()
	l.mu.Unlock()

	sink, err := l.opts.Handshake.Announce(srv.Port())
	if err != nil {
		_ = l.shutdown(srv)
		return fmt.Errorf("announce port: %w", err)
	}
	l.logger.SetOutput(sink)
	l.transition(ctx, StateHandshakeSent, srv.Port(), "")

	l.transition(ctx, StateIdle, 0, "")
	handshake.Supervisor{Tick: l.opts.Tick}.Wait(ctx)

	l.transition(context.Background(), StateShuttingDown, 0, "")
	shutdownErr := l.shutdown(srv)
	l.transition(context.Background(), StateTerminated, 0, "")
	if shutdownErr != nil {
		l.logger.Warn("server shutdown incomplete", "error", shutdownErr)
	}
	return nil
}

// buildApplication wires the backend stubs, activates the sandbox and builds
// the hosted application on the resulting token, in that order.
func (l *Launcher) buildApplication(ctx context.Context, cfg *launchconfig.Config, env hostenv.Env) (http.Handler, func(), error) {
	st, err := stubs.Wire(cfg, l.logger.With("subsystem", "stubs"), l.opts.Stubs)
	if err != nil {
		return nil, nil, err
	}
	l.transition(ctx, StateStubsWired, 0, "")

	p := l.opts.Policy
	if p == nil {
		p, err = policy.Default()
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
	}
	token, err := l.opts.Sandbox.Activate(p, cfg.ApplicationRoot)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("activate sandbox: %w", err)
	}
	l.transition(ctx, StateSandboxed, 0, "")

	if err := env.Export(); err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	app, err := apphost.Build(token, apphost.Options{
		Config:  cfg,
		Backend: st.Backend,
		RDBMS:   st.RDBMS,
		HostEnv: env,
		Logger:  l.logger.With("subsystem", "app"),
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return app, func() {
		app.Close()
		if err := st.Close(); err != nil {
			l.logger.Warn("close backend stubs", "error", err)
		}
	}, nil
}

func (l *Launcher) shutdown(srv *runtimeserver.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (l *Launcher) transition(ctx context.Context, state State, port int, failure string) {
	l.mu.Lock()
	from := l.state
	l.state = state
	l.mu.Unlock()

	l.logger.Debug("launch state", "from", from, "to", state)
	l.record(ctx, state, port, failure)
	if l.opts.OnState != nil {
		l.opts.OnState(state)
	}
}

func (l *Launcher) startJournal(ctx context.Context, cfg *launchconfig.Config) {
	if l.opts.Journal == nil {
		return
	}
	id, err := l.opts.Journal.Start(ctx, cfg.AppID, cfg.VersionID, string(l.State()))
	if err != nil {
		l.logger.Warn("launch journal unavailable", "error", err)
		return
	}
	l.mu.Lock()
	l.launchID = id
	l.mu.Unlock()
	l.logger.Debug("launch recorded", "launch_id", id)
}

func (l *Launcher) record(ctx context.Context, state State, port int, failure string) {
	l.mu.Lock()
	id := l.launchID
	l.mu.Unlock()
	if l.opts.Journal == nil || id == "" {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := l.opts.Journal.Transition(ctx, id, string(state), port, failure); err != nil {
		l.logger.Warn("record launch state", "state", state, "error", err)
	}
}
