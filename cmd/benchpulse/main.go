package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/benchpulse/benchpulse/internal/app"
	"github.com/benchpulse/benchpulse/internal/config"
	"github.com/benchpulse/benchpulse/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	configPath := pflag.String("config", "", "path to YAML configuration file (overrides BP_CONFIG_FILE)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	if *showVersion {
		fmt.Println("benchpulse " + version.Current().String())
		return
	}

	// A .env next to the binary is optional.
	_ = godotenv.Load()

	if *configPath != "" {
		os.Setenv("BP_CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}
