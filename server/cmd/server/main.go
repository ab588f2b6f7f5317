package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuzzctl/fuzzctl/server/internal/api"
	"github.com/fuzzctl/fuzzctl/server/internal/auth"
	"github.com/fuzzctl/fuzzctl/server/internal/broker"
	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/fuzzctl/fuzzctl/server/internal/dispatcher"
	"github.com/fuzzctl/fuzzctl/server/internal/notification"
	"github.com/fuzzctl/fuzzctl/server/internal/reconciler"
	"github.com/fuzzctl/fuzzctl/server/internal/scheduler"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/server/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	nfsDir        string
	secureCookies bool
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
		Use:   "fuzzctl-server",
		Short: "fuzzctl server — distributed fuzzing control plane",
		Long: `fuzzctl server is the central component of the fuzzctl distributed
fuzzing system. It schedules fuzz jobs across connected agents, dispatches
them over gRPC, tracks crashes, and exposes a REST API for the GUI.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FUZZCTL_HTTP_ADDR", ":8080"), "HTTP API and GUI listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FUZZCTL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FUZZCTL_DB_DSN", "./fuzzctl.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FUZZCTL_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FUZZCTL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("FUZZCTL_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.nfsDir, "nfs-dir", envOrDefault("FUZZCTL_NFS_DIR", ""), "Shared filesystem root mounted on every agent, under which job/crash files live (required)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("FUZZCTL_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fuzzctl-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or FUZZCTL_SECRET_KEY")
	}
	if cfg.nfsDir == "" {
		return fmt.Errorf("nfs directory is required — set --nfs-dir or FUZZCTL_NFS_DIR")
	}

	logger.Info("starting fuzzctl server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The secret key is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	st := store.New(gormDB, logger)

	// --- 3. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(st, jwtManager)
	authService := auth.NewAuthService(localProvider, st, jwtManager)

	// --- 4. WebSocket hub ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 5. Notification service ---
	notifier := notification.NewService(notification.Config{
		Store:  st,
		Hub:    hub,
		Logger: logger,
	})

	// --- 6. Reconciler ---
	recon := reconciler.New(st, logger)

	// --- 7. Dispatcher + Broker ---
	// The Dispatcher owns the guid -> per-agent event channel routing and
	// calls back into the Broker factory's Spawn on every NewAgent event; the
	// Broker session in turn reports back to the Dispatcher on teardown. This
	// makes the two mutually referential, so the Dispatcher is given a thin
	// closure that forwards to brokerFactory, which is only assigned once
	// both sides exist.
	var brokerFactory *broker.Factory
	disp := dispatcher.New(func(ctx context.Context, guid uuid.UUID, inbox <-chan *dispatcher.AgentRequest) {
		brokerFactory.Spawn(ctx, guid, inbox)
	}, logger)
	brokerFactory = broker.NewFactory(st, hub, disp, recon, notifier, cfg.nfsDir, logger)

	go disp.Run(ctx)

	agents, err := st.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents for dispatcher preload: %w", err)
	}
	guids := make([]uuid.UUID, 0, len(agents))
	for _, a := range agents {
		guids = append(guids, a.Guid)
	}
	disp.Preload(guids)

	// --- 8. Scheduler ---
	sched := scheduler.New(st, disp, logger)

	// --- 9. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Scheduler:   sched,
		Store:       st,
		Hub:         hub,
		Logger:      logger,
		Secure:      cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down fuzzctl server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fuzzctl server stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "fuzzctl-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("fuzzctl-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
