// Command sysmoni samples host telemetry and shows it as a terminal
// dashboard, a JSON stream, or a one-shot JSON document.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/sysmoni/internal/config"
	"github.com/Dicklesworthstone/sysmoni/internal/counters"
	"github.com/Dicklesworthstone/sysmoni/internal/export"
	"github.com/Dicklesworthstone/sysmoni/internal/logging"
	"github.com/Dicklesworthstone/sysmoni/internal/sampler"
	"github.com/Dicklesworthstone/sysmoni/internal/sensor"
	"github.com/Dicklesworthstone/sysmoni/internal/server"
	"github.com/Dicklesworthstone/sysmoni/internal/ui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sysmoni: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	notes, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dashboard := !cfg.JSON && !cfg.JSONStream && term.IsTerminal(int(os.Stdout.Fd()))

	logOut := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	} else if dashboard {
		logOut = io.Discard
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	for _, note := range notes {
		logger.Warn("configuration", "note", note)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver := sensor.ForPlatform(ctx, sensor.Options{
		ProbeTimeout:        cfg.ProbeTimeout,
		CommandTimeout:      cfg.CommandTimeout,
		EnableGPU:           cfg.EnableGPU,
		GPUTemperatureProxy: cfg.GPUTempProxy,
		ThermalRoot:         cfg.ThermalRoot,
		HelperPath:          cfg.LHMPath,
		ChainBudget:         cfg.ChainBudget(),
		Logger:              logger,
	})
	for metric, worst := range resolver.Overruns(cfg.Interval) {
		logger.Warn("probe chain can outlast the interval", "metric", metric, "worst_case", worst, "interval", cfg.Interval)
	}
	assembler := sampler.NewAssembler(counters.NewGopsutil(logger), resolver, logger)
	assembler.GPU = cfg.EnableGPU
	assembler.SectionTimeout = min(cfg.CommandTimeout, cfg.ChainBudget())

	if cfg.JSON {
		defer resolver.Close()
		return oneShot(ctx, cfg, assembler)
	}

	loop := sampler.New(assembler, cfg.Interval, logger)
	loop.OnStop(resolver)
	if cfg.Output != "" {
		loop.AddSink(export.NewFile(cfg.Output))
	}

	var feed *sampler.Channel
	if dashboard {
		feed = sampler.NewChannel(1)
		loop.AddSink(feed)
	} else {
		loop.AddSink(export.NewStream(os.Stdout))
	}

	logger.Info("sampling started",
		"interval", cfg.Interval,
		"mode", mode(dashboard),
		"cpu_temperature_chain", resolver.Chain(sensor.CPUTemperature),
		"gpu_chain", resolver.Chain(sensor.GPU),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	if cfg.Listen != "" {
		srv := server.NewServer(loop, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Listen) })
	}
	if feed != nil {
		g.Go(func() error {
			defer cancel()
			return ui.Run(feed.C(), cancel)
		})
	}
	return g.Wait()
}

// oneShot prints a single snapshot. Rates are null since there is no
// previous sample to difference against.
func oneShot(ctx context.Context, cfg config.Config, assembler *sampler.Assembler) error {
	if err := assembler.Check(ctx); err != nil {
		return fmt.Errorf("counter check: %w", err)
	}
	snap := assembler.Assemble(ctx, nil)
	if cfg.Output != "" {
		if err := export.NewFile(cfg.Output).Publish(ctx, &snap); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func mode(dashboard bool) string {
	if dashboard {
		return "dashboard"
	}
	return "ndjson"
}
