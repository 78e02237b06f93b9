// Package startup runs an application's optional startup script before the
// sandbox is active.
package startup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/buildkite/appruntime/internal/launchconfig"
	"github.com/charmbracelet/log"
	lua "github.com/yuin/gopher-lua"
)

// FailureRecord captures a startup script failure for the diagnostic page.
type FailureRecord struct {
	Message string
	Trace   string
	Config  *launchconfig.Config
}

func (f *FailureRecord) Error() string {
	return f.Message
}

// Run executes the configured startup script in a fresh Lua state with every
// standard library available and a global "config" table describing the
// launch. It returns nil when no script is configured or the script
// succeeds. Any failure, including a missing file or syntax error, is
// returned as a FailureRecord rather than an error.
func Run(ctx context.Context, cfg *launchconfig.Config, logger *log.Logger) (record *FailureRecord) {
	script := cfg.StartupScript()
	if script == "" {
		return nil
	}
	if logger != nil {
		logger.Info("running startup script", "path", script)
	}

	defer func() {
		if rcv := recover(); rcv != nil {
			record = &FailureRecord{
				Message: fmt.Sprint(rcv),
				Trace:   string(debug.Stack()),
				Config:  cfg,
			}
		}
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	L.SetGlobal("config", configTable(L, cfg))
	L.SetGlobal("print", L.NewFunction(printTo(logger)))
	L.PreloadModule("runtime", loadRuntime)
	out := &scriptOutput{logger: logger}
	defer out.Flush()
	if err := redirectOutput(ctx, L, out); err != nil {
		return &FailureRecord{Message: err.Error(), Trace: err.Error(), Config: cfg}
	}

	if err := L.DoFile(script); err != nil {
		message, trace := describe(err)
		return &FailureRecord{Message: message, Trace: trace, Config: cfg}
	}
	return nil
}

func describe(err error) (string, string) {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err.Error(), err.Error()
	}
	message := apiErr.Object.String()
	if apiErr.StackTrace != "" {
		return message, apiErr.StackTrace
	}

	// Syntax and file errors carry no Lua stack; fall back to the Go chain.
	var lines []string
	for cause := apiErr.Cause; cause != nil; cause = errors.Unwrap(cause) {
		lines = append(lines, cause.Error())
	}
	if len(lines) == 0 {
		return message, message
	}
	return message, strings.Join(lines, "\n")
}

func printTo(logger *log.Logger) lua.LGFunction {
	return func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		if logger != nil {
			logger.Info(strings.Join(parts, "\t"), "source", "startup_script")
		}
		return 0
	}
}

func configTable(L *lua.LState, cfg *launchconfig.Config) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("app_id", lua.LString(cfg.AppID))
	tbl.RawSetString("version_id", lua.LString(cfg.VersionID))
	tbl.RawSetString("application_root", lua.LString(cfg.ApplicationRoot))
	tbl.RawSetString("api_port", lua.LNumber(cfg.APIPort))
	tbl.RawSetString("instance_id", lua.LString(cfg.InstanceID))
	tbl.RawSetString("datacenter", lua.LString(cfg.Datacenter))
	tbl.RawSetString("auth_domain", lua.LString(cfg.AuthDomain))

	environ := L.NewTable()
	for _, entry := range cfg.Environ {
		environ.RawSetString(entry.Key, lua.LString(entry.Value))
	}
	tbl.RawSetString("environ", environ)

	if cfg.Script != nil {
		script := L.NewTable()
		script.RawSetString("startup_script", lua.LString(cfg.Script.StartupScript))
		script.RawSetString("entrypoint", lua.LString(cfg.Script.Entrypoint))
		tbl.RawSetString("script_config", script)
	}
	if cfg.CloudSQL != nil {
		sql := L.NewTable()
		sql.RawSetString("mysql_host", lua.LString(cfg.CloudSQL.MySQLHost))
		sql.RawSetString("mysql_port", lua.LNumber(cfg.CloudSQL.MySQLPort))
		sql.RawSetString("mysql_user", lua.LString(cfg.CloudSQL.MySQLUser))
		sql.RawSetString("mysql_password", lua.LString(cfg.CloudSQL.MySQLPassword))
		sql.RawSetString("mysql_socket", lua.LString(cfg.CloudSQL.MySQLSocket))
		tbl.RawSetString("cloud_sql_config", sql)
	}
	return tbl
}
