// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benchpulse/benchpulse/internal/config"
	"github.com/benchpulse/benchpulse/internal/cputrack"
	"github.com/benchpulse/benchpulse/internal/disktrack"
	"github.com/benchpulse/benchpulse/internal/frametime"
	"github.com/benchpulse/benchpulse/internal/gputrack"
	"github.com/benchpulse/benchpulse/internal/httpserver"
	"github.com/benchpulse/benchpulse/internal/resultstore"
	"github.com/benchpulse/benchpulse/internal/session"
	"github.com/benchpulse/benchpulse/internal/sysinfo"
	"github.com/benchpulse/benchpulse/internal/version"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle: providers, orchestrator,
// result archive, HTTP surface. Provider failures degrade the sample
// to sentinels instead of aborting startup.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	runInfo := sysinfo.Collect(cfg.ProcRoot, baseLogger.With("component", "sysinfo"))
	runInfo.AppVersion = version.Current().Version

	frames := frametime.NewCache(cfg.Session.FrameStaleAfter)
	detector := session.NewManualDetector()
	hub := httpserver.NewHub()

	var engine httpserver.Engine
	orchCfg := session.Config{
		TickInterval: cfg.TickInterval,
		BatchSize:    cfg.Session.BatchSize,
		Detector:     detector,
		Frame:        frames,
		Live:         hub,
		RunInfo:      runInfo,
		Logger:       baseLogger,
	}

	cpuTracker, err := cputrack.New(cputrack.Config{
		TracefsRoot: cfg.TracefsRoot,
		ProcRoot:    cfg.ProcRoot,
		Interval:    cfg.TickInterval,
		Logger:      baseLogger,
	})
	if err != nil {
		appLogger.Warn("cpu tracker unavailable", "err", err)
	} else if err := cpuTracker.Start(); err != nil {
		appLogger.Warn("cpu tracker failed to start", "err", err)
	} else {
		defer stopTracker(appLogger, "cpu tracker", cpuTracker.Stop)
		orchCfg.CPU = cpuTracker
		engine.CPU = cpuTracker
	}

	diskTracker, err := disktrack.New(disktrack.Config{
		TracefsRoot: cfg.TracefsRoot,
		Interval:    cfg.TickInterval,
		Logger:      baseLogger,
	})
	if err != nil {
		appLogger.Warn("disk tracker unavailable", "err", err)
	} else if err := diskTracker.Start(); err != nil {
		appLogger.Warn("disk tracker failed to start", "err", err)
	} else {
		defer stopTracker(appLogger, "disk tracker", diskTracker.Stop)
		orchCfg.Disk = diskTracker
		engine.Disk = diskTracker
	}

	gpuCollector := gputrack.New(gputrack.Config{
		SysfsRoot:        cfg.SysfsRoot,
		DebugfsRoot:      cfg.DebugfsRoot,
		Card:             cfg.GPU.Card,
		PollInterval:     cfg.GPU.PollInterval,
		MediumRefresh:    cfg.GPU.MediumRefresh,
		MediumStaleAfter: cfg.GPU.MediumStaleAfter,
		FailureThreshold: cfg.GPU.FailureThreshold,
		RecoveryCooldown: cfg.GPU.RecoveryCooldown,
		Logger:           baseLogger,
	})
	if err := gpuCollector.Start(); err != nil {
		appLogger.Warn("gpu collector failed to start", "err", err)
	} else {
		defer stopTracker(appLogger, "gpu collector", gpuCollector.Stop)
		orchCfg.GPU = gpuCollector
		engine.GPU = gpuCollector
	}

	if cfg.EnableResults {
		writer, err := resultstore.NewWriter(cfg.ResultDir, baseLogger)
		if err != nil {
			return fmt.Errorf("init result archive: %w", err)
		}
		defer func() {
			if err := writer.Close(); err != nil {
				appLogger.Warn("result archive close", "err", err)
			}
		}()
		orchCfg.Results = writer
		appLogger.Info("result archive open", "path", writer.Path())
	}

	orchestrator, err := session.New(orchCfg)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	orchCtx, orchCancel := context.WithCancel(ctx)
	defer orchCancel()

	orchErrCh := make(chan error, 1)
	go func() {
		orchErrCh <- orchestrator.Run(orchCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), hub, detector, frames, engine)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			orchCancel()
			if err != nil {
				return err
			}
			if orchErrCh != nil {
				if orchErr := <-orchErrCh; orchErr != nil && !errors.Is(orchErr, context.Canceled) {
					return orchErr
				}
			}
			return nil
		case err := <-orchErrCh:
			orchErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			orchCancel()
			if orchErrCh != nil {
				if orchErr := <-orchErrCh; orchErr != nil && !errors.Is(orchErr, context.Canceled) {
					return orchErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

func stopTracker(logger *slog.Logger, name string, stop func() error) {
	if err := stop(); err != nil {
		logger.Warn("provider stop failed", "provider", name, "err", err)
	}
}
