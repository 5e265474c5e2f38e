package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"connectrpc.com/connect"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/artifact"
	"github.com/chazu/confvm/gateway"
	"github.com/chazu/confvm/service"
)

// frame is an already-encoded message. Transports move frames and leave
// decoding to the service, which knows the schema of every method.
type frame struct {
	data []byte
	enc  api.Encoding
}

// rawCodec passes frames through unchanged and stamps incoming frames
// with the encoding its name stands for. It satisfies both connect.Codec
// and the grpc encoding.Codec.
type rawCodec struct {
	name string
	enc  api.Encoding
}

var (
	protoCodec = rawCodec{name: "proto", enc: api.Binary}
	jsonCodec  = rawCodec{name: "json", enc: api.Text}
)

func (c rawCodec) Name() string { return c.name }

func (c rawCodec) Marshal(msg any) ([]byte, error) {
	f, ok := msg.(*frame)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", c.name, msg)
	}
	return f.data, nil
}

func (c rawCodec) Unmarshal(data []byte, msg any) error {
	f, ok := msg.(*frame)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", c.name, msg)
	}
	f.data = append([]byte(nil), data...)
	f.enc = c.enc
	return nil
}

// call dispatches one request. A compile-only diagnostic escapes Dispatch
// as a panic and comes back here as a *gateway.RawFault.
func call(ctx context.Context, svc *service.Service, method string, payload []byte, enc api.Encoding) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &gateway.RawFault{Msg: fmt.Sprint(r)}
		}
	}()
	return svc.Dispatch(ctx, method, payload, enc)
}

// errorCode maps a dispatch error to a status code. Connect codes share
// their numbering with gRPC codes.
func errorCode(err error) connect.Code {
	switch service.Classify(err) {
	case service.ClassRouting:
		if errors.Is(err, service.ErrUnknownMethod) {
			return connect.CodeUnimplemented
		}
		return connect.CodeInvalidArgument
	case service.ClassProgram:
		return connect.CodeInvalidArgument
	case service.ClassResource:
		if errors.Is(err, artifact.ErrNotBuilt) || errors.Is(err, fs.ErrNotExist) {
			return connect.CodeNotFound
		}
		return connect.CodeFailedPrecondition
	default:
		return connect.CodeInternal
	}
}
