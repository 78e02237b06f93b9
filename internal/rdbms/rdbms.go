// Package rdbms binds the hosted application's relational database API to a
// MySQL server.
//
// A Binding starts unbound. The launcher installs MySQL as the backing driver
// and sets connection parameters once, before the sandbox is activated. The
// connector resolves its address on every connection attempt, so a default
// unix socket that appears after startup is still picked up.
package rdbms

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-sql-driver/mysql"
)

// DriverMySQL is the only driver a Binding can be bound to.
const DriverMySQL = "mysql"

const defaultMySQLPort = 3306

var ErrNotConfigured = errors.New("relational database is not configured for this application")

// ConnectParams are the connection settings taken from the launch config.
type ConnectParams struct {
	Host       string
	Port       int
	User       string
	Password   string
	UnixSocket string
}

// Binding is the process-wide handle the hosted application uses to reach its
// database.
type Binding struct {
	logger     *log.Logger
	findSocket func() string
	goos       string

	mu     sync.Mutex
	driver string
	params *ConnectParams
	db     *sql.DB

	socketWarning sync.Once
}

// Option customises a Binding.
type Option func(*Binding)

// WithSocketLookup replaces FindUnixSocket.
func WithSocketLookup(fn func() string) Option {
	return func(b *Binding) {
		b.findSocket = fn
	}
}

// WithGOOS overrides the operating system used to decide whether the
// localhost-means-socket rule applies.
func WithGOOS(goos string) Option {
	return func(b *Binding) {
		b.goos = goos
	}
}

// NewBinding returns an unbound Binding.
func NewBinding(logger *log.Logger, opts ...Option) *Binding {
	b := &Binding{
		logger:     logger,
		findSocket: FindUnixSocket,
		goos:       runtime.GOOS,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Install binds the database API to the named driver.
func (b *Binding) Install(driverName string) error {
	if driverName != DriverMySQL {
		return fmt.Errorf("unsupported relational database driver %q", driverName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.driver = driverName
	return nil
}

// SetConnectParams validates and stores the connection parameters. The
// binding must already be installed.
func (b *Binding) SetConnectParams(params ConnectParams) error {
	params.Host = strings.TrimSpace(params.Host)
	params.UnixSocket = strings.TrimSpace(params.UnixSocket)
	if params.Host == "" && params.UnixSocket == "" {
		return errors.New("malformed cloud sql config: mysql_host or mysql_socket is required")
	}
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("malformed cloud sql config: invalid mysql_port %d", params.Port)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.driver == "" {
		return errors.New("relational database driver not installed")
	}
	b.params = &params
	if b.db != nil {
		_ = b.db.Close()
		b.db = nil
	}
	return nil
}

// Configured reports whether the binding can open connections.
func (b *Binding) Configured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.driver != "" && b.params != nil
}

// ConnectConfig resolves the driver configuration for one connection attempt.
func (b *Binding) ConnectConfig() (*mysql.Config, error) {
	b.mu.Lock()
	if b.driver == "" || b.params == nil {
		b.mu.Unlock()
		return nil, ErrNotConfigured
	}
	params := *b.params
	b.mu.Unlock()

	cfg := mysql.NewConfig()
	cfg.User = params.User
	cfg.Passwd = params.Password

	socket := params.UnixSocket
	if socket == "" && params.Host == "localhost" && isPOSIX(b.goos) {
		// MySQL clients treat "localhost" as the local unix socket even when
		// a port is given.
		socket = b.findSocket()
		if socket == "" {
			b.socketWarning.Do(func() {
				if b.logger != nil {
					b.logger.Warn("no default mysql unix socket found; connecting to localhost over tcp")
				}
			})
		}
	}

	if socket != "" {
		cfg.Net = "unix"
		cfg.Addr = socket
		return cfg, nil
	}

	port := params.Port
	if port == 0 {
		port = defaultMySQLPort
	}
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(params.Host, strconv.Itoa(port))
	return cfg, nil
}

// DB returns the shared connection pool, creating it on first use.
func (b *Binding) DB() (*sql.DB, error) {
	if !b.Configured() {
		return nil, ErrNotConfigured
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		b.db = sql.OpenDB(connector{binding: b})
	}
	return b.db, nil
}

// Close releases the connection pool, if one was opened.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Result is a fully materialised query result.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Query runs a statement and reads every row. Byte slices are returned as
// strings.
func (b *Binding) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	db, err := b.DB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

type connector struct {
	binding *Binding
}

func (c connector) Connect(ctx context.Context) (driver.Conn, error) {
	cfg, err := c.binding.ConnectConfig()
	if err != nil {
		return nil, err
	}
	inner, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return inner.Connect(ctx)
}

func (c connector) Driver() driver.Driver {
	return &mysql.MySQLDriver{}
}

var potentialSocketLocations = []string{
	"/tmp/mysql.sock",
	"/var/run/mysqld/mysqld.sock",
	"/var/lib/mysql/mysql.sock",
	"/var/run/mysql/mysql.sock",
	"/var/mysql/mysql.sock",
}

// FindUnixSocket returns the first well-known MySQL socket path that exists,
// or "" when none does.
func FindUnixSocket() string {
	for _, path := range potentialSocketLocations {
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return path
		}
	}
	return ""
}

func isPOSIX(goos string) bool {
	switch goos {
	case "windows", "plan9", "js", "wasip1":
		return false
	default:
		return true
	}
}
