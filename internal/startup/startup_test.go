package startup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/appruntime/internal/launchconfig"
	"github.com/charmbracelet/log"
)

func configWithScript(t *testing.T, script string) *launchconfig.Config {
	t.Helper()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "setup.lua"), []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return &launchconfig.Config{
		AppID:           "demo",
		APIPort:         8080,
		ApplicationRoot: root,
		Script:          &launchconfig.ScriptConfig{StartupScript: "setup.lua"},
	}
}

func TestRunWithoutScript(t *testing.T) {
	t.Parallel()

	if got := Run(context.Background(), &launchconfig.Config{AppID: "demo"}, nil); got != nil {
		t.Fatalf("expected nil failure, got %#v", got)
	}
	blank := &launchconfig.Config{AppID: "demo", Script: &launchconfig.ScriptConfig{StartupScript: "  "}}
	if got := Run(context.Background(), blank, nil); got != nil {
		t.Fatalf("expected blank script to be ignored, got %#v", got)
	}
}

func TestRunSuccessfulScriptSeesConfig(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	cfg := configWithScript(t, `
assert(config.app_id == "demo", "unexpected app id")
assert(config.api_port == 8080, "unexpected api port")
print("setup", config.app_id)
`)
	if got := Run(context.Background(), cfg, log.New(&logs)); got != nil {
		t.Fatalf("expected success, got %q\n%s", got.Message, got.Trace)
	}
	if out := logs.String(); !strings.Contains(out, "setup") || !strings.Contains(out, "demo") {
		t.Fatalf("expected print output in logs, got %q", logs.String())
	}
}

func TestRunCapturesRuntimeError(t *testing.T) {
	t.Parallel()

	cfg := configWithScript(t, `
local function explode()
  error("boom")
end
explode()
`)
	got := Run(context.Background(), cfg, nil)
	if got == nil {
		t.Fatal("expected failure record")
	}
	if !strings.Contains(got.Message, "boom") {
		t.Fatalf("expected message to contain boom, got %q", got.Message)
	}
	if got.Trace == "" {
		t.Fatal("expected stack trace")
	}
	if got.Config != cfg {
		t.Fatal("expected failure record to carry the launch config")
	}
}

func TestRunCapturesSyntaxError(t *testing.T) {
	t.Parallel()

	got := Run(context.Background(), configWithScript(t, "local = = 1"), nil)
	if got == nil {
		t.Fatal("expected failure record for syntax error")
	}
	if got.Message == "" || got.Trace == "" {
		t.Fatalf("expected message and trace, got %#v", got)
	}
}

func TestRunCapturesMissingScript(t *testing.T) {
	t.Parallel()

	cfg := &launchconfig.Config{
		AppID:           "demo",
		ApplicationRoot: t.TempDir(),
		Script:          &launchconfig.ScriptConfig{StartupScript: "missing.lua"},
	}
	got := Run(context.Background(), cfg, nil)
	if got == nil {
		t.Fatal("expected failure record for missing script")
	}
	if !strings.Contains(got.Message, "missing.lua") {
		t.Fatalf("expected message to name the script, got %q", got.Message)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := Run(ctx, configWithScript(t, "while true do end"), nil); got == nil {
		t.Fatal("expected cancelled script to fail")
	}
}

func TestRunKeepsScriptOutputOffStdout(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	prev := os.Stdout
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = prev })

	var logs bytes.Buffer
	cfg := configWithScript(t, `
io.write("not-a-port\n")
io.stdout:write("also", "\n"):write("chained")
io.output():write("")
assert(os.execute("echo from-shell") == 0, "shell command failed")
`)
	got := Run(context.Background(), cfg, log.New(&logs))
	os.Stdout = prev
	_ = w.Close()
	if got != nil {
		t.Fatalf("expected success, got %q\n%s", got.Message, got.Trace)
	}

	leaked, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stdout pipe: %v", err)
	}
	if len(leaked) != 0 {
		t.Fatalf("startup script wrote %q to stdout", leaked)
	}
	for _, want := range []string{"not-a-port", "also", "chained", "from-shell"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("expected %q in logs, got %q", want, logs.String())
		}
	}
}

func TestRunProvidesExpandUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := configWithScript(t, `
local runtime = require("runtime")
assert(runtime.expand_user("~/data") == "`+filepath.Join(home, "data")+`", "unexpected expansion")
assert(runtime.expand_user("/abs") == "/abs", "absolute path changed")
`)
	if got := Run(context.Background(), cfg, nil); got != nil {
		t.Fatalf("expected success, got %q\n%s", got.Message, got.Trace)
	}
}
