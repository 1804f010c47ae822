package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SkynetNext/grid-gateway/internal/config"
	"github.com/SkynetNext/grid-gateway/internal/gateway"
	"github.com/SkynetNext/grid-gateway/internal/logger"
	"github.com/SkynetNext/grid-gateway/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var serveArgs struct {
	configPath     string
	reloadInterval time.Duration
}

var rootCmd = &cobra.Command{
	Use:          "grid-gateway",
	Short:        "Multiplexed gRPC proxy gateway for the cache grid",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the gateway until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "grid-gateway %s (commit %s, built %s)\n", version, gitCommit, buildTime)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveArgs.configPath, "config", "config/config.yaml", "Configuration file path")
	serveCmd.Flags().DurationVar(&serveArgs.reloadInterval, "reload-interval", 10*time.Second, "Configuration file poll interval (0 disables hot reload)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(serveArgs.configPath)
	if err != nil {
		logger.L.Error("Failed to load configuration", zap.Error(err))
		return err
	}

	// Get Pod name (K8s environment)
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		// Fallback: use hostname
		hostname, _ := os.Hostname()
		podName = hostname
		logger.L.Info("POD_NAME not found, using hostname",
			zap.String("hostname", podName),
		)
	}

	// Initialize tracing; OTEL_ENDPOINT overrides the configured endpoint
	endpoint := cfg.Tracing.Endpoint
	if env := os.Getenv("OTEL_ENDPOINT"); env != "" {
		endpoint = env
	}
	if err := tracing.Init("grid-gateway", version, endpoint, cfg.Tracing.SampleRatio); err != nil {
		logger.L.Warn("Failed to initialize tracing", zap.Error(err))
	} else if endpoint != "" {
		logger.L.Info("Tracing initialized", zap.String("endpoint", endpoint))
	}

	gw, err := gateway.New(cfg, podName, version)
	if err != nil {
		logger.L.Error("Failed to create gateway", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		logger.L.Error("Failed to start gateway", zap.Error(err))
		shutdown(gw, cfg.GracefulShutdownTimeout)
		return err
	}

	if serveArgs.reloadInterval > 0 {
		go func() {
			err := gw.WatchConfig(ctx, serveArgs.configPath, serveArgs.reloadInterval)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("Grid Gateway started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("pod", podName),
		zap.Stringer("addr", gw.Addr()),
	)

	// Wait for interrupt signal
	<-ctx.Done()
	logger.L.Info("Received stop signal, starting graceful shutdown...")

	shutdown(gw, gw.GetConfig().GracefulShutdownTimeout)
	logger.L.Info("Grid Gateway closed")
	return nil
}

func shutdown(gw *gateway.Gateway, timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during gateway shutdown", zap.Error(err))
	}

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}
}
