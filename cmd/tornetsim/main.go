// Command tornetsim replays an archived span of network consensuses against
// a simulated client population and records every circuit and stream the
// population builds. The resulting trace file feeds tracestats, which turns
// it into adversary-exposure reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/anonmetrics/tornet-simulator/archive"
	"github.com/anonmetrics/tornet-simulator/internal/config"
	"github.com/anonmetrics/tornet-simulator/internal/logging"
	"github.com/anonmetrics/tornet-simulator/internal/observability"
	"github.com/anonmetrics/tornet-simulator/internal/sim"
	"github.com/anonmetrics/tornet-simulator/internal/trace"
	"github.com/anonmetrics/tornet-simulator/internal/traffic"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := flags.Load()
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

// run wires the archive, traffic models, trace sink, and metrics together
// and executes the replay. It is the whole of the binary behind flag
// parsing, so tests can drive it directly.
func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	log = log.With(logging.String("run_id", uuid.New().String()))

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSimCollector(nil)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	arch, err := archive.Open(cfg.ArchiveDir)
	if err != nil {
		return err
	}
	log.Info(ctx, "opened consensus archive",
		logging.String("dir", cfg.ArchiveDir),
		logging.Int("consensuses", arch.Len()),
	)

	streams, err := traffic.LoadStreamModel(cfg.StreamModelPath, cfg.TargetPorts)
	if err != nil {
		return err
	}
	packets, err := traffic.LoadPacketModel(cfg.PacketModelPath)
	if err != nil {
		return err
	}

	sink, err := trace.Open(cfg.TracePath)
	if err != nil {
		return err
	}

	s := sim.New(cfg, sim.ArchiveSource{Archive: arch},
		sim.WithLogger(log),
		sim.WithMetrics(collector),
		sim.WithTraceSink(sink),
		sim.WithStreamModel(streams),
		sim.WithPacketModel(packets),
	)
	if err := s.Run(ctx); err != nil {
		return err
	}

	if cfg.TracePath != "" {
		log.Info(ctx, "trace written",
			logging.String("path", cfg.TracePath),
			logging.Uint64("records", uint64(sink.Total())),
		)
	}
	return nil
}

// serveMetrics exposes the collector on addr and returns the server so the
// caller can shut it down. An empty addr or nil collector disables the
// endpoint.
func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
