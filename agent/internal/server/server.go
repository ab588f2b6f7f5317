// Package server runs the agent's own gRPC server, reachable by the
// central server's Broker. Unlike the teacher, where the agent only ever
// dials out, the wire direction here is reversed (spec §6): the agent
// listens and the server connects to it.
package server

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// Server wraps a grpc.Server exposing the Job, Updates, and SystemInfo
// services.
type Server struct {
	grpcSrv *grpc.Server
	logger  *zap.Logger
}

// New creates a Server with job, updates, and sysinfo registered as the
// three service implementations.
func New(job rpc.JobServer, updates rpc.UpdatesServer, sysinfo rpc.SystemInfoServer, logger *zap.Logger) *Server {
	grpcSrv := grpc.NewServer()
	rpc.RegisterJobServer(grpcSrv, job)
	rpc.RegisterUpdatesServer(grpcSrv, updates)
	rpc.RegisterSystemInfoServer(grpcSrv, sysinfo)

	return &Server{grpcSrv: grpcSrv, logger: logger.Named("server")}
}

// ListenAndServe binds addr and serves until ctx is cancelled, at which
// point it performs a graceful stop.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent rpc server listening", zap.String("addr", addr))
		errCh <- s.grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("stopping agent rpc server")
		s.grpcSrv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
