package remoteapi

import (
	"fmt"

	"github.com/buildkite/appruntime/internal/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldServiceName protowire.Number = 2
	fieldMethod      protowire.Number = 3
	fieldRequest     protowire.Number = 4
	fieldRequestID   protowire.Number = 5
)

const (
	fieldResponse         protowire.Number = 1
	fieldException        protowire.Number = 2
	fieldApplicationError protowire.Number = 3
)

const (
	fieldErrorCode   protowire.Number = 1
	fieldErrorDetail protowire.Number = 2
)

// Request is the envelope sent for every API call.
type Request struct {
	ServiceName string
	Method      string
	Request     []byte
	RequestID   string
}

// Response is the envelope returned by the backend.
type Response struct {
	Response         []byte
	Exception        []byte
	ApplicationError *ApplicationError
}

// ApplicationError is an error raised by the backend service itself, as
// opposed to a transport failure.
type ApplicationError struct {
	Code   int32
	Detail string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error %d: %s", e.Code, e.Detail)
}

func (r *Request) appendWire(b []byte) []byte {
	b = wire.AppendString(b, fieldServiceName, r.ServiceName)
	b = wire.AppendString(b, fieldMethod, r.Method)
	b = wire.AppendBytes(b, fieldRequest, r.Request)
	b = wire.AppendString(b, fieldRequestID, r.RequestID)
	return b
}

func (r *Request) decodeWire(b []byte) error {
	*r = Request{}
	return wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldServiceName:
			r.ServiceName, err = f.String()
		case fieldMethod:
			r.Method, err = f.String()
		case fieldRequest:
			var raw []byte
			raw, err = f.Raw()
			r.Request = append([]byte(nil), raw...)
		case fieldRequestID:
			r.RequestID, err = f.String()
		}
		return err
	})
}

func (r *Response) appendWire(b []byte) []byte {
	b = wire.AppendBytes(b, fieldResponse, r.Response)
	b = wire.AppendBytes(b, fieldException, r.Exception)
	if r.ApplicationError != nil {
		var e []byte
		e = wire.AppendVarint(e, fieldErrorCode, int64(r.ApplicationError.Code))
		e = wire.AppendString(e, fieldErrorDetail, r.ApplicationError.Detail)
		b = wire.AppendMessage(b, fieldApplicationError, e)
	}
	return b
}

func (r *Response) decodeWire(b []byte) error {
	*r = Response{}
	return wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case fieldResponse:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			r.Response = append([]byte(nil), raw...)
		case fieldException:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			r.Exception = append([]byte(nil), raw...)
		case fieldApplicationError:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			appErr := &ApplicationError{}
			err = wire.Walk(raw, func(f wire.Field) error {
				var err error
				switch f.Num {
				case fieldErrorCode:
					var code int64
					code, err = f.Int()
					appErr.Code = int32(code)
				case fieldErrorDetail:
					appErr.Detail, err = f.String()
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("application_error: %w", err)
			}
			r.ApplicationError = appErr
		}
		return nil
	})
}

type wireMarshaler interface {
	appendWire([]byte) []byte
}

type wireUnmarshaler interface {
	decodeWire([]byte) error
}

// Codec carries the envelopes over connect. It registers under the "proto"
// name so the content type matches what the backend expects.
type Codec struct{}

func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMarshaler)
	if !ok {
		return nil, fmt.Errorf("remoteapi codec cannot marshal %T", v)
	}
	return m.appendWire(nil), nil
}

func (Codec) Unmarshal(b []byte, v any) error {
	m, ok := v.(wireUnmarshaler)
	if !ok {
		return fmt.Errorf("remoteapi codec cannot unmarshal into %T", v)
	}
	return m.decodeWire(b)
}
