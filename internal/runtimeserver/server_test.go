package runtimeserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func pathEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	})
}

func TestStartBindsEphemeralLoopbackPort(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Handler: pathEcho()})
	port := srv.Port()
	if port == 0 {
		t.Fatal("expected a bound port")
	}
	host, portText, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	if host != "127.0.0.1" || portText != strconv.Itoa(port) {
		t.Fatalf("unexpected addr %q for port %d", srv.Addr(), port)
	}

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/hello", port))
	if err != nil {
		t.Fatalf("GET returned error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if got, want := string(body), "/hello"; got != want {
		t.Fatalf("unexpected body: got %q want %q", got, want)
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Handler: pathEcho()})
	if err := srv.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestNewServerRequiresHandler(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error without handler")
	}
}

func TestServesH2C(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	})})

	client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	resp, err := client.Get("http://" + srv.Addr() + "/")
	if err != nil {
		t.Fatalf("h2c GET returned error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if got, want := string(body), "HTTP/2.0"; got != want {
		t.Fatalf("unexpected protocol: got %q want %q", got, want)
	}
}

func TestShutdownReleasesPort(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{Handler: pathEcho()})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	addr := srv.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		_ = conn.Close()
		t.Fatal("expected connections to be refused after shutdown")
	}
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		t.Fatalf("expected port to be released: %v", err)
	}
	_ = ln.Close()
}

func TestCanonicalisePathsMiddleware(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{Handler: pathEcho(), CanonicalisePaths: true})
	base := "http://" + srv.Addr()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/a//b", wantStatus: http.StatusOK, wantBody: "/a/b"},
		{path: "/a/%2e%2e/secret", wantStatus: http.StatusBadRequest},
		{path: "/a/%00", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(http.MethodGet, base+tt.path, nil)
		if err != nil {
			t.Fatalf("new request %s: %v", tt.path, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantStatus {
			t.Fatalf("GET %s: unexpected status: got %d want %d", tt.path, resp.StatusCode, tt.wantStatus)
		}
		if tt.wantBody != "" && string(body) != tt.wantBody {
			t.Fatalf("GET %s: unexpected body: got %q want %q", tt.path, body, tt.wantBody)
		}
	}
}
