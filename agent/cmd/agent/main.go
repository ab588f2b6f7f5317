// Package main is the entry point for the fuzzctl-agent binary.
// It wires all internal packages together and starts the agent's own RPC
// server.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Connect to Docker (fatal if unavailable — the agent has no useful
//     work to do without it)
//  4. Build the updates fan-out, crash syncer, sysinfo server, and runner
//  5. Start the agent's gRPC server (Job/Updates/SystemInfo)
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/agent/internal/crashsync"
	"github.com/fuzzctl/fuzzctl/agent/internal/docker"
	"github.com/fuzzctl/fuzzctl/agent/internal/runner"
	"github.com/fuzzctl/fuzzctl/agent/internal/server"
	"github.com/fuzzctl/fuzzctl/agent/internal/sysinfo"
	"github.com/fuzzctl/fuzzctl/agent/internal/updates"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr   string
	nfsDir       string
	dockerSocket string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fuzzctl-agent",
		Short: "fuzzctl agent — fuzzing worker for the fuzzctl control plane",
		Long: `fuzzctl agent runs on each fuzzing worker host. It listens for
sub-job assignments from the central server's Broker, runs each as a Docker
container, and streams status and crash updates back over its own RPC
server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("FUZZCTL_AGENT_LISTEN_ADDR", "[::1]:50051"), "Address the agent's RPC server listens on")
	root.PersistentFlags().StringVar(&cfg.nfsDir, "nfs-dir", envOrDefault("FUZZCTL_AGENT_NFS_DIR", "/mnt/fuzzctl"), "Shared filesystem root containing jobs/<job_guid> directories")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("FUZZCTL_AGENT_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FUZZCTL_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fuzzctl-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fuzzctl agent",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("nfs_dir", cfg.nfsDir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Docker client ---
	dockerClient, err := docker.NewClient(cfg.dockerSocket)
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	if err := dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("Docker daemon unreachable: %w", err)
	}
	defer dockerClient.Close()
	logger.Info("Docker daemon reachable")

	// --- Updates fan-out ---
	fanout := updates.New(logger)

	// --- Crash syncer ---
	syncer, err := crashsync.New(fanout, logger)
	if err != nil {
		return fmt.Errorf("failed to start crash syncer: %w", err)
	}
	defer syncer.Shutdown() //nolint:errcheck

	// --- Runner ---
	jobRunner := runner.New(dockerClient, cfg.nfsDir, fanout, syncer, logger)

	// --- SystemInfo ---
	sysInfoSrv := sysinfo.New(logger)

	// --- RPC server ---
	srv := server.New(jobRunner, fanout, sysInfoSrv, logger)
	if err := srv.ListenAndServe(ctx, cfg.listenAddr); err != nil {
		return fmt.Errorf("agent rpc server error: %w", err)
	}

	logger.Info("fuzzctl agent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
