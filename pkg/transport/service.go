package transport

import (
	"context"

	"concord/pkg/federation"

	"google.golang.org/grpc"
)

const serviceName = "concord.federation.Federation"

// Full method names.
const (
	methodSend     = "/" + serviceName + "/Send"
	methodBackfill = "/" + serviceName + "/Backfill"
	methodState    = "/" + serviceName + "/State"
)

// FederationServer is the server side of the federation service.
type FederationServer interface {
	Send(context.Context, *federation.Transaction) (*federation.SendResponse, error)
	Backfill(context.Context, *federation.BackfillRequest) (*federation.BackfillResponse, error)
	State(context.Context, *federation.StateRequest) (*federation.StateResponse, error)
}

// RegisterFederationServer registers srv with s.
func RegisterFederationServer(s grpc.ServiceRegistrar, srv FederationServer) {
	s.RegisterService(&federationServiceDesc, srv)
}

var federationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FederationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Backfill", Handler: backfillHandler},
		{MethodName: "State", Handler: stateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "concord/federation",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(federation.Transaction)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederationServer).Send(ctx, req.(*federation.Transaction))
	}
	return interceptor(ctx, in, info, handler)
}

func backfillHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(federation.BackfillRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).Backfill(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBackfill}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederationServer).Backfill(ctx, req.(*federation.BackfillRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func stateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(federation.StateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).State(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodState}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederationServer).State(ctx, req.(*federation.StateRequest))
	}
	return interceptor(ctx, in, info, handler)
}
