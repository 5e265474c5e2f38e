// Package gateway is the binary call surface a host process drives across
// a foreign-function boundary.
//
// Two calling conventions are offered. CallWithLength carries binary
// payloads of explicit length in both directions. Call carries text
// payloads that the host delimits with a NUL terminator, so neither the
// request nor the response may contain one. Every call yields either a
// complete response or an error, never both.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/service"
)

var log = commonlog.GetLogger("confvm.gateway")

// ErrTerminatorInPayload is returned by Call for a payload holding a NUL
// byte.
var ErrTerminatorInPayload = errors.New("payload contains a NUL terminator")

// RawFault is a fault that reached the gateway unrecovered. Its text is
// the raw fault message, with no response envelope around it.
type RawFault struct {
	Msg string
}

func (f *RawFault) Error() string { return f.Msg }

// Status is the outcome code reported across the C boundary.
type Status int

const (
	StatusOK       Status = 0
	StatusError    Status = 1
	StatusRawFault Status = 2
)

// StatusOf maps a call error to its status code.
func StatusOf(err error) Status {
	var raw *RawFault
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &raw):
		return StatusRawFault
	default:
		return StatusError
	}
}

// Gateway calls one service.
type Gateway struct {
	svc *service.Service
}

// New creates a Gateway over svc.
func New(svc *service.Service) *Gateway {
	return &Gateway{svc: svc}
}

// CallWithLength calls method with a binary payload.
func (g *Gateway) CallWithLength(method string, payload []byte) ([]byte, error) {
	return g.call(method, payload, api.Binary)
}

// Call calls method with a text payload. The payload must not contain a
// NUL byte; the response never does.
func (g *Gateway) Call(method string, payload []byte) ([]byte, error) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return nil, fmt.Errorf("%w at offset %d", ErrTerminatorInPayload, i)
	}
	return g.call(method, payload, api.Text)
}

func (g *Gateway) call(method string, payload []byte, enc api.Encoding) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &RawFault{Msg: fmt.Sprint(r)}
		}
	}()
	out, err = g.svc.Dispatch(context.Background(), method, payload, enc)
	if err != nil {
		log.Debugf("%s failed (%s): %v", method, service.Classify(err), err)
		return nil, err
	}
	return out, nil
}
