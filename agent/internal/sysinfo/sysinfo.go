// Package sysinfo implements the agent's SystemInfo RPC service, reporting
// host CPU and RAM totals to the server's scheduler for bin-packing.
package sysinfo

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// Server implements rpc.SystemInfoServer against the local host.
type Server struct {
	logger *zap.Logger
}

// New creates a sysinfo Server.
func New(logger *zap.Logger) *Server {
	return &Server{logger: logger.Named("sysinfo")}
}

// Get returns the host's logical CPU count and total physical RAM in bytes.
func (s *Server) Get(ctx context.Context, _ *rpc.Empty) (*rpc.SysInfo, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		s.logger.Warn("failed to read cpu count, falling back to 1", zap.Error(err))
		cpus = 1
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	var ram uint64
	if err != nil {
		s.logger.Warn("failed to read memory info, reporting 0 ram", zap.Error(err))
	} else {
		ram = vm.Total
	}

	return &rpc.SysInfo{
		Cpus: uint64(cpus),
		Ram:  ram,
	}, nil
}
