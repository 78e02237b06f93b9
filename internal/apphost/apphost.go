// Package apphost builds the request-handling chain for a sandboxed Lua
// application.
//
// The application's entrypoint must define a global function
//
//	function handle(request) ... end
//
// which returns either a string body or a table {status=, headers=, body=}.
// Each concurrent request runs in its own Lua state taken from a bounded pool.
package apphost

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/buildkite/appruntime/internal/hostenv"
	"github.com/buildkite/appruntime/internal/launchconfig"
	"github.com/buildkite/appruntime/internal/rdbms"
	"github.com/buildkite/appruntime/internal/remoteapi"
	"github.com/buildkite/appruntime/internal/sandbox"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// HealthPath is answered by the runtime itself, not the application.
const HealthPath = "/_ah/health"

const maxRequestBody = 32 << 20

type Options struct {
	Config  *launchconfig.Config
	Backend *remoteapi.Stub
	RDBMS   *rdbms.Binding
	HostEnv hostenv.Env
	Logger  *log.Logger

	// ExpandUser is handed to the application as runtime.expand_user. It
	// defaults to the token's inert expansion.
	ExpandUser sandbox.PathResolver
	// PoolSize bounds concurrent Lua states. Zero means GOMAXPROCS*2.
	PoolSize int
	// HTTPClient is used by runtime.fetch.
	HTTPClient *http.Client
}

// Handler serves the hosted application. Close releases its Lua states.
type Handler struct {
	http.Handler

	host *host
}

type host struct {
	token      *sandbox.Token
	cfg        *launchconfig.Config
	backend    *remoteapi.Stub
	db         *rdbms.Binding
	env        map[string]string
	logger     *log.Logger
	expandUser sandbox.PathResolver
	fetch      *http.Client
	entrypoint *lua.FunctionProto
	pool       *statePool
}

// Build compiles the application's entrypoint and returns its handler. The
// token proves the sandbox is active; Build cannot run without it.
func Build(token *sandbox.Token, opts Options) (*Handler, error) {
	if token == nil {
		return nil, errors.New("sandbox token is required to build the application")
	}
	if opts.Config == nil {
		return nil, errors.New("launch config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	h := &host{
		token:      token,
		cfg:        opts.Config,
		backend:    opts.Backend,
		db:         opts.RDBMS,
		env:        environment(opts.Config, opts.HostEnv),
		logger:     logger,
		expandUser: opts.ExpandUser,
	}
	if h.expandUser == nil {
		h.expandUser = token.ExpandUser
	}
	h.fetch = newFetchClient(token, opts.HTTPClient)

	entrypoint := opts.Config.Entrypoint()
	if !filepath.IsAbs(entrypoint) {
		entrypoint = filepath.Join(token.AppRoot(), entrypoint)
	}
	src, err := token.ReadFile(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("read application entrypoint: %w", err)
	}
	chunk, err := parse.Parse(bytes.NewReader(src), filepath.Base(entrypoint))
	if err != nil {
		return nil, fmt.Errorf("parse application entrypoint: %w", err)
	}
	h.entrypoint, err = lua.Compile(chunk, filepath.Base(entrypoint))
	if err != nil {
		return nil, fmt.Errorf("compile application entrypoint: %w", err)
	}

	size := opts.PoolSize
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) * 2
	}
	h.pool = newStatePool(size, h.newVM)

	// Load one state up front so a broken application fails the launch
	// instead of the first request.
	vm, err := h.newVM()
	if err != nil {
		return nil, err
	}
	h.pool.seed(vm)

	r := chi.NewRouter()
	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/*", http.HandlerFunc(h.serve))

	return &Handler{Handler: r, host: h}, nil
}

func (h *Handler) Close() {
	h.host.pool.close()
}

func environment(cfg *launchconfig.Config, env hostenv.Env) map[string]string {
	out := make(map[string]string, len(cfg.Environ)+2)
	for _, entry := range cfg.Environ {
		out[entry.Key] = entry.Value
	}
	for key, value := range env.Map() {
		out[key] = value
	}
	return out
}

func (h *host) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	vm, err := h.pool.get(r.Context())
	if err != nil {
		http.Error(w, "application unavailable", http.StatusServiceUnavailable)
		return
	}

	resp, err := vm.call(r, body)
	if err != nil {
		h.pool.discard(vm)
		h.logger.Error("application error", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.pool.put(vm)

	for name, value := range resp.headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

type response struct {
	status  int
	headers map[string]string
	body    []byte
}

func requestTable(L *lua.LState, r *http.Request, body []byte) *lua.LTable {
	req := L.NewTable()
	req.RawSetString("method", lua.LString(r.Method))
	req.RawSetString("path", lua.LString(r.URL.Path))
	req.RawSetString("query", lua.LString(r.URL.RawQuery))
	req.RawSetString("host", lua.LString(r.Host))
	req.RawSetString("remote_addr", lua.LString(r.RemoteAddr))
	req.RawSetString("body", lua.LString(body))

	headers := L.NewTable()
	for name, values := range r.Header {
		headers.RawSetString(strings.ToLower(name), lua.LString(strings.Join(values, ", ")))
	}
	req.RawSetString("headers", headers)
	return req
}

func toResponse(v lua.LValue) (response, error) {
	resp := response{status: http.StatusOK, headers: map[string]string{}}
	switch v := v.(type) {
	case lua.LString:
		resp.body = []byte(v)
		return resp, nil
	case *lua.LTable:
		if status := v.RawGetString("status"); status != lua.LNil {
			n, ok := status.(lua.LNumber)
			if !ok || int(n) < 100 || int(n) > 999 {
				return response{}, fmt.Errorf("invalid response status %s", status.String())
			}
			resp.status = int(n)
		}
		if headers, ok := v.RawGetString("headers").(*lua.LTable); ok {
			headers.ForEach(func(k, val lua.LValue) {
				resp.headers[k.String()] = val.String()
			})
		}
		switch body := v.RawGetString("body").(type) {
		case lua.LString:
			resp.body = []byte(body)
		case lua.LNumber:
			resp.body = []byte(strconv.FormatFloat(float64(body), 'f', -1, 64))
		}
		return resp, nil
	default:
		return response{}, fmt.Errorf("handle returned %s, want string or table", v.Type().String())
	}
}
