// Package rewriter normalises requests into, and responses out of, the hosted
// application.
package rewriter

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

// NeverExpires is the Expires value sent with uncacheable responses.
const NeverExpires = "Fri, 01 Jan 1990 00:00:00 GMT"

var hopByHopRequestHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers the application may not set. The server owns them.
var ignoredResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Server",
	"Date",
	"Content-Encoding",
}

// Middleware buffers the wrapped handler's response and rewrites its headers
// before anything reaches the client.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stripHopByHop(r.Header)

		buf := &bufferedResponse{header: make(http.Header)}
		next.ServeHTTP(buf, r)
		buf.flushTo(w, r)
	})
}

func stripHopByHop(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopRequestHeaders {
		h.Del(name)
	}
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter, r *http.Request) {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}

	header := b.header
	for _, name := range ignoredResponseHeaders {
		header.Del(name)
	}

	noBody := !bodyAllowed(status)
	if header.Get("Content-Type") == "" && !noBody {
		header.Set("Content-Type", "text/html")
	}
	if header.Get("Cache-Control") == "" && header.Get("Expires") == "" {
		header.Set("Cache-Control", "no-cache")
		header.Set("Expires", NeverExpires)
	}
	if noBody {
		header.Del("Content-Length")
	} else {
		header.Set("Content-Length", strconv.Itoa(b.body.Len()))
	}

	dst := w.Header()
	for name, values := range header {
		dst[name] = values
	}
	w.WriteHeader(status)
	if noBody || r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(b.body.Bytes())
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
