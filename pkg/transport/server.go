package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"concord/pkg/federation"
	"concord/pkg/room"
	"concord/pkg/store"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// DefaultMaxMessageSize bounds inbound messages unless opts override it.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// Server exposes a federation.API as the gRPC federation service.
type Server struct {
	api    *federation.API
	server *grpc.Server
	logger *zap.Logger
}

var _ FederationServer = (*Server)(nil)

// NewServer creates a server. With a non-nil tlsConfig every caller must
// present a trusted certificate. opts are applied after the defaults.
func NewServer(api *federation.API, tlsConfig *tls.Config, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{api: api, logger: logger}

	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(DefaultMaxMessageSize),
		grpc.UnaryInterceptor(s.logCalls),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		logger.Info("TLS enabled for federation server")
	}
	s.server = grpc.NewServer(append(serverOpts, opts...)...)
	RegisterFederationServer(s.server, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Federation server starting", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop waits for in-flight calls and stops the server.
func (s *Server) Stop() {
	s.server.GracefulStop()
}

// Send implements FederationServer.
func (s *Server) Send(ctx context.Context, txn *federation.Transaction) (*federation.SendResponse, error) {
	if err := verifyOrigin(ctx, txn.Origin); err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	resp, err := s.api.OnTransaction(ctx, txn)
	return resp, toStatus(err)
}

// Backfill implements FederationServer.
func (s *Server) Backfill(ctx context.Context, req *federation.BackfillRequest) (*federation.BackfillResponse, error) {
	resp, err := s.api.OnBackfill(ctx, *req)
	return resp, toStatus(err)
}

// State implements FederationServer.
func (s *Server) State(ctx context.Context, req *federation.StateRequest) (*federation.StateResponse, error) {
	resp, err := s.api.OnState(ctx, *req)
	return resp, toStatus(err)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Stringer("code", code),
		zap.Duration("duration", time.Since(start)),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if code == codes.Internal {
		s.logger.Error("Federation call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("Federation call", fields...)
	}
	return resp, err
}

// toStatus maps API errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, federation.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, room.ErrUnknownRoom), errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
