package apphost

import (
	"context"
	"errors"
	"net/http"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// vm is one loaded copy of the application.
type vm struct {
	L      *lua.LState
	handle *lua.LFunction
}

func (v *vm) call(r *http.Request, body []byte) (response, error) {
	v.L.SetContext(r.Context())
	defer v.L.RemoveContext()

	err := v.L.CallByParam(lua.P{Fn: v.handle, NRet: 1, Protect: true}, requestTable(v.L, r, body))
	if err != nil {
		return response{}, err
	}
	ret := v.L.Get(-1)
	v.L.Pop(1)
	return toResponse(ret)
}

type statePool struct {
	idle    chan *vm
	slots   chan struct{}
	newVM   func() (*vm, error)
	closeMu sync.Mutex
	closed  bool
}

func newStatePool(size int, newVM func() (*vm, error)) *statePool {
	return &statePool{
		idle:  make(chan *vm, size),
		slots: make(chan struct{}, size),
		newVM: newVM,
	}
}

func (p *statePool) seed(v *vm) {
	select {
	case p.idle <- v:
	default:
		v.L.Close()
	}
}

// get blocks until a slot is free, then reuses an idle state or loads a new
// one.
func (p *statePool) get(ctx context.Context) (*vm, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		<-p.slots
		return nil, errors.New("application pool closed")
	}

	select {
	case v := <-p.idle:
		return v, nil
	default:
	}
	v, err := p.newVM()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return v, nil
}

func (p *statePool) put(v *vm) {
	p.closeMu.Lock()
	if p.closed {
		v.L.Close()
	} else {
		p.seed(v)
	}
	p.closeMu.Unlock()
	<-p.slots
}

// discard drops a state that may be in an inconsistent condition.
func (p *statePool) discard(v *vm) {
	v.L.Close()
	<-p.slots
}

func (p *statePool) close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	p.closed = true
	for {
		select {
		case v := <-p.idle:
			v.L.Close()
		default:
			return
		}
	}
}
