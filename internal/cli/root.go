package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/chainindexer/internal/control"
	"github.com/vietddude/chainindexer/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Schema-driven blockchain indexer",
	Long: `Indexer compiles GraphQL schemas into relational tables and runs sandboxed
or native handler modules over block batches, committing each batch and its
cursor atomically.`,
	Run: runIndexer,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start every configured indexer",
	Run:   runIndexer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// setup loads .env and the config file and installs the logger.
func setup() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

// openService connects the service for one-shot commands.
func openService(ctx context.Context) *control.Service {
	cfg := setup()
	svc, err := control.Open(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize indexer service", "error", err)
		os.Exit(1)
	}
	return svc
}

func closeService(svc *control.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
}

// parseUID splits "namespace.identifier".
func parseUID(arg string) (string, string, error) {
	ns, id, ok := strings.Cut(arg, ".")
	if !ok || ns == "" || id == "" {
		return "", "", fmt.Errorf("expected namespace.identifier, got %q", arg)
	}
	return ns, id, nil
}

func runIndexer(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := openService(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := svc.StartAll(ctx); err != nil {
		slog.Error("Failed to start indexers", "error", err)
		closeService(svc)
		os.Exit(1)
	}

	slog.Info("Indexer started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
