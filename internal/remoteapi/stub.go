package remoteapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"go.jetify.com/typeid"
	"golang.org/x/net/http2"
)

// Procedure is the single RPC every API call is multiplexed over.
const Procedure = "/apphosting.RemoteApi/MakeCall"

var (
	ErrAsyncDisabled         = errors.New("asynchronous calls are disabled for this stub")
	ErrLocalStateUnsupported = errors.New("remote api stub does not support locally cached backend state")
)

// Options are the capability flags the stub is configured with.
type Options struct {
	// AsyncCalls enables MakeCallAsync.
	AsyncCalls bool
	// UseLocalState would let the stub answer from locally cached backend
	// state. Only the remote-only mode is implemented.
	UseLocalState bool
	// CallTimeout bounds a single call when the caller's context has no
	// deadline. Zero means no bound.
	CallTimeout time.Duration
	// HTTPClient overrides the default h2c client.
	HTTPClient connect.HTTPClient
}

// Stub forwards API calls to the backend at Address.
type Stub struct {
	address string
	opts    Options
	client  *connect.Client[Request, Response]
}

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New builds a stub bound to address (host:port). It does not dial; the first
// call does.
func New(address string, opts Options) (*Stub, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("remote api address is empty")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid remote api address %q: %w", address, err)
	}
	if opts.UseLocalState {
		return nil, ErrLocalStateUnsupported
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newH2CClient()
	}
	return &Stub{
		address: address,
		opts:    opts,
		client: connect.NewClient[Request, Response](
			httpClient,
			"http://"+address+Procedure,
			connect.WithCodec(Codec{}),
		),
	}, nil
}

func newH2CClient() *http.Client {
	dialer := &net.Dialer{}
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// Address returns the backend host:port the stub is bound to.
func (s *Stub) Address() string {
	return s.address
}

// Options returns the capability flags the stub was built with.
func (s *Stub) Options() Options {
	return s.opts
}

// MakeCall performs one round trip to the backend.
func (s *Stub) MakeCall(ctx context.Context, service, method string, payload []byte) ([]byte, error) {
	if s.opts.CallTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
			defer cancel()
		}
	}

	requestID, err := generateTypeID("call")
	if err != nil {
		requestID = fmt.Sprintf("call-%d", time.Now().UTC().UnixNano())
	}
	resp, err := s.client.CallUnary(ctx, connect.NewRequest(&Request{
		ServiceName: service,
		Method:      method,
		Request:     payload,
		RequestID:   requestID,
	}))
	if err != nil {
		return nil, fmt.Errorf("remote api call %s.%s: %w", service, method, err)
	}
	msg := resp.Msg
	if msg.ApplicationError != nil {
		return nil, msg.ApplicationError
	}
	if len(msg.Exception) > 0 {
		return nil, fmt.Errorf("remote api call %s.%s raised: %s", service, method, msg.Exception)
	}
	return msg.Response, nil
}

// Call is an in-flight asynchronous API call.
type Call struct {
	done     chan struct{}
	response []byte
	err      error
}

// MakeCallAsync starts a call and returns immediately.
func (s *Stub) MakeCallAsync(ctx context.Context, service, method string, payload []byte) (*Call, error) {
	if !s.opts.AsyncCalls {
		return nil, ErrAsyncDisabled
	}
	call := &Call{done: make(chan struct{})}
	go func() {
		defer close(call.done)
		call.response, call.err = s.MakeCall(ctx, service, method, payload)
	}()
	return call, nil
}

// Wait blocks until the call finishes or ctx is done.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the call has a result.
func (c *Call) Done() <-chan struct{} {
	return c.done
}
