package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chazu/confvm/api"
	"github.com/chazu/confvm/service"
)

// NewGRPCServer returns a grpc-go server that answers every procedure of
// the service. Payloads are binary and are passed to the service without
// a registered service descriptor.
func NewGRPCServer(svc *service.Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(protoCodec),
		grpc.UnknownServiceHandler(unknownServiceHandler(svc)),
	}, opts...)
	return grpc.NewServer(opts...)
}

func unknownServiceHandler(svc *service.Service) grpc.StreamHandler {
	return func(_ any, stream grpc.ServerStream) error {
		method, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return status.Error(codes.Internal, "no method in stream")
		}
		in := new(frame)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := call(stream.Context(), svc, method, in.data, api.Binary)
		if err != nil {
			log.Infof("grpc %s failed: %v", method, err)
			return status.Error(codes.Code(errorCode(err)), err.Error())
		}
		return stream.SendMsg(&frame{data: out, enc: api.Binary})
	}
}
