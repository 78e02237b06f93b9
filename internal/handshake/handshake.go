// Package handshake implements the stdio protocol between the runtime and the
// process that spawned it.
//
// The parent reads exactly one line from the runtime's stdout: the decimal
// port the application is served on. After that line the runtime never
// writes to stdout again; everything else goes to the returned sink.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

var ErrAlreadyAnnounced = errors.New("port already announced")

// Handshake owns the primary output stream until the port is announced.
type Handshake struct {
	mu        sync.Mutex
	out       io.WriteCloser
	sink      io.Writer
	redirect  func(out io.WriteCloser) error
	announced bool
}

// New returns a handshake that writes to out and hands back sink.
func New(out io.WriteCloser, sink io.Writer) *Handshake {
	return &Handshake{out: out, sink: sink}
}

// ForProcess returns the handshake for the current process. Announce rebinds
// file descriptor 1 and os.Stdout to stderr in place of closing stdout.
func ForProcess() *Handshake {
	h := New(os.Stdout, os.Stderr)
	h.redirect = redirectStdout
	return h
}

// Announce writes "<port>\n", closes or redirects the primary output and
// returns the sink every later write must go to. It succeeds at most once.
func (h *Handshake) Announce(port int) (io.Writer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.announced {
		return nil, ErrAlreadyAnnounced
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	h.announced = true

	if _, err := io.WriteString(h.out, strconv.Itoa(port)+"\n"); err != nil {
		return nil, fmt.Errorf("write port: %w", err)
	}
	if h.redirect != nil {
		// The redirect replaces the primary output without a window in which
		// its descriptor is free.
		if err := h.redirect(h.out); err != nil {
			return nil, fmt.Errorf("redirect stdout: %w", err)
		}
		return h.sink, nil
	}
	if err := h.out.Close(); err != nil {
		return nil, fmt.Errorf("close primary output: %w", err)
	}
	return h.sink, nil
}

// Announced reports whether Announce has been called.
func (h *Handshake) Announced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.announced
}

// DefaultTick is the supervisor's idle poll interval.
const DefaultTick = time.Second

// Supervisor idles until its context is cancelled.
type Supervisor struct {
	Tick time.Duration
	// OnTick is called on every tick. It may be nil.
	OnTick func()
}

// Wait blocks until ctx is done. It never returns on its own.
func (s Supervisor) Wait(ctx context.Context) {
	tick := s.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.OnTick != nil {
				s.OnTick()
			}
		}
	}
}
