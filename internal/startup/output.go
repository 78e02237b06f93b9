package startup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/buildkite/appruntime/internal/sandbox"
	"github.com/charmbracelet/log"
	lua "github.com/yuin/gopher-lua"
)

// scriptOutput collects anything the script writes to standard output and
// logs it line by line. Stdout belongs to the port handshake.
type scriptOutput struct {
	logger *log.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *scriptOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf.Write(p)
	for {
		line, err := o.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			o.buf.Reset()
			o.buf.WriteString(line)
			return len(p), nil
		}
		o.log(strings.TrimSuffix(line, "\n"))
	}
}

// Flush logs any trailing partial line.
func (o *scriptOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf.Len() > 0 {
		o.log(o.buf.String())
		o.buf.Reset()
	}
}

func (o *scriptOutput) log(line string) {
	if o.logger != nil {
		o.logger.Info(line, "source", "startup_script")
	}
}

// redirectOutput rebinds the io library's standard output and os.execute so
// the script cannot reach file descriptor 1.
func redirectOutput(ctx context.Context, L *lua.LState, out *scriptOutput) error {
	ioTbl, ok := L.GetGlobal(lua.IoLibName).(*lua.LTable)
	if !ok {
		return fmt.Errorf("%s library not loaded", lua.IoLibName)
	}
	// The default output file starts as the real stdout.
	err := L.CallByParam(lua.P{Fn: ioTbl.RawGetString("output"), NRet: 0, Protect: true}, ioTbl.RawGetString("stderr"))
	if err != nil {
		return fmt.Errorf("redirect default output: %w", err)
	}

	stdout := L.NewTable()
	stdout.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		writeValues(L, out, 2)
		L.Push(L.Get(1))
		return 1
	}))
	stdout.RawSetString("flush", L.NewFunction(func(L *lua.LState) int {
		out.Flush()
		return 0
	}))
	stdout.RawSetString("close", L.NewFunction(func(L *lua.LState) int { return 0 }))
	stdout.RawSetString("setvbuf", L.NewFunction(func(L *lua.LState) int { return 0 }))
	ioTbl.RawSetString("stdout", stdout)
	ioTbl.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		writeValues(L, out, 1)
		L.Push(stdout)
		return 1
	}))

	if osTbl, ok := L.GetGlobal(lua.OsLibName).(*lua.LTable); ok {
		osTbl.RawSetString("execute", L.NewFunction(execute(ctx, out)))
	}
	return nil
}

// writeValues writes the string or number arguments from index first onward.
func writeValues(L *lua.LState, out *scriptOutput, first int) {
	for i := first; i <= L.GetTop(); i++ {
		v := L.Get(i)
		switch v.Type() {
		case lua.LTString, lua.LTNumber:
			_, _ = out.Write([]byte(v.String()))
		default:
			L.ArgError(i, "string or number expected, got "+v.Type().String())
		}
	}
}

// execute runs a shell command with its stdout sent to the script log. It
// returns 0 on success and 1 otherwise.
func execute(ctx context.Context, out *scriptOutput) lua.LGFunction {
	return func(L *lua.LState) int {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", L.CheckString(1))
		cmd.Stdin = os.Stdin
		cmd.Stdout = out
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			L.Push(lua.LNumber(1))
			return 1
		}
		out.Flush()
		L.Push(lua.LNumber(0))
		return 1
	}
}

// loadRuntime exposes the unrestricted helpers the startup script may use.
func loadRuntime(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"expand_user": func(L *lua.LState) int {
			L.Push(lua.LString(sandbox.ExpandUser(L.CheckString(1))))
			return 1
		},
	})
	L.Push(mod)
	return 1
}
