// tracemerge merges a guest Perfetto trace into a host Perfetto trace, shifting
// guest timestamps onto the host clock.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/tracemerge/internal/combine"
	"github.com/mrzor/tracemerge/internal/config"
	"github.com/mrzor/tracemerge/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(otelCfg *config.OTELConfig, versionInfo string, logger *slog.Logger) (trace.Tracer, func(), error) {
	tp, err := otel.InitProvider(otelCfg, versionInfo, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(tp, shutdownCtx); err != nil {
			logger.Warn("error shutting down OTEL provider", "error", err)
		}
	}

	return tp.Tracer("tracemerge"), cleanup, nil
}

func run() error {
	settings, err := config.ParseSettings()
	if err != nil {
		return err
	}
	logger := config.BuildLogger(settings)

	cfg, err := config.ParseArgs(os.Args, settings)
	if errors.Is(err, config.ErrHelp) {
		fmt.Println(config.Usage(os.Args[0]))
		return nil
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, config.Usage(os.Args[0]))
		return err
	}
	if err := config.ValidateInputs(*cfg); err != nil {
		return err
	}

	logger.Info("starting tracemerge", "version", version, "commit", commit, "built", date)
	logger.Info("configuration",
		"guest", cfg.GuestFile,
		"host", cfg.HostFile,
		"combined", cfg.CombinedFile,
		"mode", cfg.Mode(),
		"guest_clock_boot_time_ns", cfg.GuestClockBootTimeNs,
		"guest_time_diff_ns", cfg.GuestTimeDiffNs,
	)

	versionInfo := fmt.Sprintf("%s (%s)", version, commit)
	tracer, cleanupOTEL, err := setupOTEL(&settings.OTEL, versionInfo, logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := combine.Run(ctx, *cfg, combine.Options{
		Tracer:     tracer,
		Logger:     logger,
		SerialRead: settings.SerialRead,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Combined %d host and %d guest events into %s (guest offset %d ns, %s)\n",
		res.HostEvents, res.GuestEvents, cfg.CombinedFile, int64(res.Offset), res.Strategy)
	return nil
}
