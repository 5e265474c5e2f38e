// Package server exposes the service over the network and to editors:
// Connect and gRPC over HTTP, a plain gRPC server, and an LSP server on
// stdio. Every transport drives the same *service.Service.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"go.uber.org/multierr"
	"google.golang.org/grpc"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/service"
)

var log = commonlog.GetLogger("confvm.server")

// ConfvmServer serves the service over HTTP. Every method is reachable at
// /confvm.v1.ConfvmService/<Method> with the Connect, gRPC and gRPC-Web
// protocols; the "proto" codec carries binary payloads and the "json"
// codec text payloads.
type ConfvmServer struct {
	svc *service.Service
	mux *http.ServeMux

	mu      sync.Mutex
	http    *http.Server
	grpc    *grpc.Server
	stopped bool
}

// ServerOption configures a ConfvmServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	interceptors []connect.Interceptor
	logging      bool
}

// WithInterceptors adds Connect interceptors, run in order after the
// built-in request logging.
func WithInterceptors(interceptors ...connect.Interceptor) ServerOption {
	return func(c *serverConfig) { c.interceptors = append(c.interceptors, interceptors...) }
}

// WithoutLogging disables per-request logging.
func WithoutLogging() ServerOption {
	return func(c *serverConfig) { c.logging = false }
}

// New creates a ConfvmServer over svc.
func New(svc *service.Service, opts ...ServerOption) *ConfvmServer {
	cfg := &serverConfig{logging: true}
	for _, opt := range opts {
		opt(cfg)
	}

	var interceptors []connect.Interceptor
	if cfg.logging {
		interceptors = append(interceptors, loggingInterceptor())
	}
	interceptors = append(interceptors, cfg.interceptors...)

	s := &ConfvmServer{
		svc: svc,
		mux: http.NewServeMux(),
	}
	for _, m := range api.Methods() {
		s.mux.Handle(m.Procedure, connect.NewUnaryHandler(
			m.Procedure,
			s.unary(m),
			connect.WithCodec(protoCodec),
			connect.WithCodec(jsonCodec),
			connect.WithInterceptors(interceptors...),
		))
	}
	return s
}

func (s *ConfvmServer) unary(m *api.Method) func(context.Context, *connect.Request[frame]) (*connect.Response[frame], error) {
	return func(ctx context.Context, req *connect.Request[frame]) (*connect.Response[frame], error) {
		out, err := call(ctx, s.svc, m.Name, req.Msg.data, req.Msg.enc)
		if err != nil {
			return nil, connect.NewError(errorCode(err), err)
		}
		return connect.NewResponse(&frame{data: out, enc: req.Msg.enc}), nil
	}
}

func loggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				log.Infof("%s %s failed after %s: %v", req.Peer().Protocol, req.Spec().Procedure, time.Since(start), err)
			} else {
				log.Debugf("%s %s in %s", req.Peer().Protocol, req.Spec().Procedure, time.Since(start))
			}
			return res, err
		}
	}
}

// Handler returns the HTTP handler serving every procedure.
func (s *ConfvmServer) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves HTTP/1.1 and cleartext HTTP/2 on addr, so gRPC
// clients can connect without TLS. It blocks until Stop is called.
func (s *ConfvmServer) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve is ListenAndServe on an existing listener.
func (s *ConfvmServer) Serve(lis net.Listener) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	srv := &http.Server{
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return lis.Close()
	}
	s.http = srv
	s.mu.Unlock()

	log.Noticef("listening on %s (Connect, gRPC, gRPC-Web)", lis.Addr())
	if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeGRPC serves plain gRPC on lis with a grpc-go server. It blocks
// until Stop is called.
func (s *ConfvmServer) ServeGRPC(lis net.Listener) error {
	g := NewGRPCServer(s.svc)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return lis.Close()
	}
	s.grpc = g
	s.mu.Unlock()

	log.Noticef("listening on %s (gRPC)", lis.Addr())
	return g.Serve(lis)
}

// Stop shuts down every listener the server started, waiting for in-flight
// calls until ctx is done. Serve calls made after Stop return at once.
func (s *ConfvmServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, g := s.http, s.grpc
	s.stopped = true
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	if g != nil {
		done := make(chan struct{})
		go func() {
			g.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			g.Stop()
			err = multierr.Append(err, ctx.Err())
		}
	}
	return err
}
