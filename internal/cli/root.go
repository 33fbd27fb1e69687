package cli

import (
	"context"
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

	"github.com/vietddude/wlantunnel/internal/control"
	"github.com/vietddude/wlantunnel/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "wlantunnel",
	Short: "IWLAN tunnel error policy and lifecycle engine",
	Long: `wlantunnel decides when IWLAN tunnels to the ePDG may be retried after a failure
and drives each tunnel through bring-up, teardown and unsolicited drops, one event
loop per modem slot.`,
	Run: runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// initLogging installs the process logger.
func initLogging(level string) {
	slogLevel := slog.LevelInfo
	if err := slogLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		slogLevel = slog.LevelInfo
	}
	if isDebug {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}

func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogging(cfg.Logging.Level)
	return cfg
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	// Transform config
	controlCfg := control.Config{
		Port:              cfg.Server.Port,
		GRPCPort:          cfg.Server.GRPCPort,
		Slots:             cfg.Slots,
		DefaultPolicyFile: cfg.Policy.DefaultFile,
		Redis:             cfg.Redis,
		Database:          cfg.Database,
		History:           cfg.History,
	}

	app, err := control.NewService(controlCfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start service", "error", err)
		os.Exit(1)
	}

	slog.Info("wlantunnel started", "config", cfgPath, "slots", cfg.SlotIndexes())

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
