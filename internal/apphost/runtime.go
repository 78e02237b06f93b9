package apphost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/appruntime/internal/remoteapi"
	"github.com/buildkite/appruntime/internal/sandbox"
	lua "github.com/yuin/gopher-lua"
)

// RuntimeModule is the name the application requires to reach runtime
// services.
const RuntimeModule = "runtime"

var (
	ErrModuleDenied  = errors.New("module is not allowed in the sandbox")
	ErrNetworkDenied = errors.New("network destination is not allowed in the sandbox")
)

var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Base functions that reach the filesystem without going through the token.
var removedGlobals = []string{"dofile", "loadfile", "module"}

const maxFetchBody = 10 << 20

func (h *host) newVM() (*vm, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range sandboxLibs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua library %q: %w", lib.name, err)
		}
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(h.print))
	L.SetGlobal("require", L.NewFunction(h.require(map[string]lua.LValue{})))

	L.Push(L.NewFunctionFromProto(h.entrypoint))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("load application: %w", err)
	}
	L.SetTop(0)

	handle, ok := L.GetGlobal("handle").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, errors.New("application does not define a handle(request) function")
	}
	return &vm{L: L, handle: handle}, nil
}

func (h *host) print(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	h.logger.Info(strings.Join(parts, "\t"), "source", "app")
	return 0
}

// require resolves dotted module names to .lua files under the allowed
// roots, application root first. Results are cached per state.
func (h *host) require(loaded map[string]lua.LValue) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if mod, ok := loaded[name]; ok {
			L.Push(mod)
			return 1
		}
		if name == RuntimeModule {
			mod := h.runtimeModule(L)
			loaded[name] = mod
			L.Push(mod)
			return 1
		}
		if !h.token.ModuleAllowed(name) {
			L.RaiseError("%v: %s", ErrModuleDenied, name)
			return 0
		}

		rel := filepath.FromSlash(strings.ReplaceAll(name, ".", "/")) + ".lua"
		var (
			src []byte
			err error
		)
		for _, root := range h.token.AllowedRoots() {
			src, err = h.token.ReadFile(filepath.Join(root, rel))
			if err == nil {
				break
			}
		}
		if err != nil {
			L.RaiseError("module %s not found: %v", name, err)
			return 0
		}

		fn, err := L.Load(bytes.NewReader(src), name)
		if err != nil {
			L.RaiseError("load module %s: %v", name, err)
			return 0
		}
		L.Push(fn)
		L.Call(0, 1)
		mod := L.Get(-1)
		L.Pop(1)
		if mod == lua.LNil {
			mod = lua.LTrue
		}
		loaded[name] = mod
		L.Push(mod)
		return 1
	}
}

const apiCallClass = "runtime.api_call"

func (h *host) runtimeModule(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(apiCallClass)
	mt.RawSetString("__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"wait": luaCallWait,
		"done": luaCallDone,
	}))
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"read_file":      h.luaReadFile,
		"expand_user":    h.luaExpandUser,
		"getenv":         h.luaGetenv,
		"api_call":       h.luaAPICall,
		"api_call_async": h.luaAPICallAsync,
		"db_query":       h.luaDBQuery,
		"fetch":          h.luaFetch,
	})
}

func contextOf(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (h *host) luaReadFile(L *lua.LState) int {
	path := L.CheckString(1)
	b, err := h.token.ReadFile(path)
	if err != nil {
		L.RaiseError("read_file %s: %v", path, err)
		return 0
	}
	L.Push(lua.LString(b))
	return 1
}

func (h *host) luaExpandUser(L *lua.LState) int {
	L.Push(lua.LString(h.expandUser(L.CheckString(1))))
	return 1
}

func (h *host) luaGetenv(L *lua.LState) int {
	value, ok := h.env[L.CheckString(1)]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(value))
	return 1
}

func (h *host) luaAPICall(L *lua.LState) int {
	service := L.CheckString(1)
	method := L.CheckString(2)
	payload := L.OptString(3, "")
	if h.backend == nil {
		L.RaiseError("api_call %s.%s: backend is not configured", service, method)
		return 0
	}
	out, err := h.backend.MakeCall(contextOf(L), service, method, []byte(payload))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(out))
	return 1
}

// luaAPICallAsync starts a backend call and returns a handle whose wait
// method yields the response.
func (h *host) luaAPICallAsync(L *lua.LState) int {
	service := L.CheckString(1)
	method := L.CheckString(2)
	payload := L.OptString(3, "")
	if h.backend == nil {
		L.RaiseError("api_call_async %s.%s: backend is not configured", service, method)
		return 0
	}
	call, err := h.backend.MakeCallAsync(contextOf(L), service, method, []byte(payload))
	if err != nil {
		L.RaiseError("api_call_async %s.%s: %v", service, method, err)
		return 0
	}
	ud := L.NewUserData()
	ud.Value = call
	L.SetMetatable(ud, L.GetTypeMetatable(apiCallClass))
	L.Push(ud)
	return 1
}

func checkCall(L *lua.LState) *remoteapi.Call {
	ud := L.CheckUserData(1)
	call, ok := ud.Value.(*remoteapi.Call)
	if !ok {
		L.ArgError(1, "api call expected")
		return nil
	}
	return call
}

func luaCallWait(L *lua.LState) int {
	call := checkCall(L)
	out, err := call.Wait(contextOf(L))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(out))
	return 1
}

func luaCallDone(L *lua.LState) int {
	call := checkCall(L)
	select {
	case <-call.Done():
		L.Push(lua.LTrue)
	default:
		L.Push(lua.LFalse)
	}
	return 1
}

func (h *host) luaDBQuery(L *lua.LState) int {
	query := L.CheckString(1)
	if h.db == nil {
		L.RaiseError("db_query: relational database is not configured")
		return 0
	}
	args := make([]any, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, fromLua(L.Get(i)))
	}

	result, err := h.db.Query(contextOf(L), query, args...)
	if err != nil {
		L.RaiseError("db_query: %v", err)
		return 0
	}

	columns := L.CreateTable(len(result.Columns), 0)
	for _, name := range result.Columns {
		columns.Append(lua.LString(name))
	}
	rows := L.CreateTable(len(result.Rows), 0)
	for _, row := range result.Rows {
		tbl := L.CreateTable(0, len(row))
		for i, value := range row {
			tbl.RawSetString(result.Columns[i], toLua(value))
		}
		rows.Append(tbl)
	}
	out := L.NewTable()
	out.RawSetString("columns", columns)
	out.RawSetString("rows", rows)
	L.Push(out)
	return 1
}

// luaFetch implements runtime.fetch(url [, method [, body]]) and returns the
// status code and body.
func (h *host) luaFetch(L *lua.LState) int {
	raw := L.CheckString(1)
	method := strings.ToUpper(L.OptString(2, http.MethodGet))
	body := L.OptString(3, "")

	u, err := url.Parse(raw)
	if err != nil {
		L.RaiseError("fetch: invalid url %q: %v", raw, err)
		return 0
	}
	if err := checkDestination(h.token, u); err != nil {
		L.RaiseError("fetch: %v", err)
		return 0
	}

	req, err := http.NewRequestWithContext(contextOf(L), method, u.String(), strings.NewReader(body))
	if err != nil {
		L.RaiseError("fetch: %v", err)
		return 0
	}
	resp, err := h.fetch.Do(req)
	if err != nil {
		L.RaiseError("fetch: %v", err)
		return 0
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		L.RaiseError("fetch: read body: %v", err)
		return 0
	}
	L.Push(lua.LNumber(resp.StatusCode))
	L.Push(lua.LString(b))
	return 2
}

func newFetchClient(token *sandbox.Token, base *http.Client) *http.Client {
	client := &http.Client{Timeout: 30 * time.Second}
	if base != nil {
		clone := *base
		client = &clone
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return checkDestination(token, req.URL)
	}
	return client
}

func checkDestination(token *sandbox.Token, u *url.URL) error {
	var defaultPort int
	switch u.Scheme {
	case "http":
		defaultPort = 80
	case "https":
		defaultPort = 443
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port %q", p)
		}
		port = n
	}
	if !token.NetworkAllowed(u.Hostname(), port) {
		return fmt.Errorf("%w: %s:%d", ErrNetworkDenied, u.Hostname(), port)
	}
	return nil
}

func fromLua(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	default:
		return nil
	}
}

func toLua(v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int64:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case time.Time:
		return lua.LString(v.UTC().Format(time.RFC3339Nano))
	default:
		return lua.LString(fmt.Sprint(v))
	}
}
