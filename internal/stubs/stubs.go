// Package stubs wires the backend services a hosted application talks to.
package stubs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/buildkite/appruntime/internal/launchconfig"
	"github.com/buildkite/appruntime/internal/rdbms"
	"github.com/buildkite/appruntime/internal/remoteapi"
	"github.com/charmbracelet/log"
)

// Stubs are the backend handles built for one launch. Both are created once
// and shared read-only by every request.
type Stubs struct {
	Backend *remoteapi.Stub
	RDBMS   *rdbms.Binding
}

// Options customise Wire. The zero value is what the launcher uses.
type Options struct {
	RDBMSOptions []rdbms.Option
	// Backend overrides the remote api options. AsyncCalls and UseLocalState
	// are always forced to the launcher's values.
	Backend remoteapi.Options
}

// Wire builds the backend stub for localhost:<api_port> and, when the config
// carries a cloud sql block, binds the relational database to MySQL.
func Wire(cfg *launchconfig.Config, logger *log.Logger, opts Options) (*Stubs, error) {
	if cfg == nil {
		return nil, errors.New("launch config is required")
	}
	if cfg.APIPort < 1 || cfg.APIPort > 65535 {
		return nil, fmt.Errorf("invalid api_port %d", cfg.APIPort)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	backendOpts := opts.Backend
	backendOpts.AsyncCalls = true
	backendOpts.UseLocalState = false
	backend, err := remoteapi.New(net.JoinHostPort("localhost", strconv.Itoa(cfg.APIPort)), backendOpts)
	if err != nil {
		return nil, fmt.Errorf("configure remote api: %w", err)
	}

	binding := rdbms.NewBinding(logger.With("subsystem", "rdbms"), opts.RDBMSOptions...)
	if cfg.HasCloudSQL() {
		if err := binding.Install(rdbms.DriverMySQL); err != nil {
			return nil, err
		}
		sql := cfg.CloudSQL
		if err := binding.SetConnectParams(rdbms.ConnectParams{
			Host:       sql.MySQLHost,
			Port:       sql.MySQLPort,
			User:       sql.MySQLUser,
			Password:   sql.MySQLPassword,
			UnixSocket: sql.MySQLSocket,
		}); err != nil {
			return nil, fmt.Errorf("configure relational database: %w", err)
		}
	}

	logger.Debug("backend stubs wired",
		"backend", backend.Address(),
		"rdbms", binding.Configured(),
	)
	return &Stubs{Backend: backend, RDBMS: binding}, nil
}

// Close releases any open database connections.
func (s *Stubs) Close() error {
	if s == nil || s.RDBMS == nil {
		return nil
	}
	return s.RDBMS.Close()
}
