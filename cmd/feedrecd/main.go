// feedrecd is the market data feed recorder daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/feedrec/internal/clock"
	"github.com/xtxerr/feedrec/internal/codec"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/loader"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/metrics"
	"github.com/xtxerr/feedrec/internal/pipeline"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage"
	storageconfig "github.com/xtxerr/feedrec/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("feedrecd")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "feedrec.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON (overrides config)")
	statsEvery := flag.Duration("stats-interval", time.Minute, "period of the stats log line, 0 disables")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("feedrecd", Version)
		return
	}

	if err := run(*cfgPath, *logLevel, *logJSON, *statsEvery); err != nil {
		log.Error("feedrecd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath, logLevel string, logJSON bool, statsEvery time.Duration) error {
	// Load config
	cfg, err := loader.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		log.Warn("no config file found, using defaults", "path", cfgPath)
		cfg = loader.DefaultConfig()
	}

	// CLI overrides
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.JSON = true
	}

	if err := loader.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := cfg.Logging.SlogLevel()
	logFile := logging.InitWithFile(level, cfg.Logging.JSON, cfg.Logging.File)
	defer logFile.Close()

	log.Info("feedrecd starting", "version", Version, "config", cfgPath)

	channels, rejected := loader.Channels(cfg)
	for _, r := range rejected {
		log.Error("channel entry skipped", "index", r.Index, "channel", r.Name, "error", r.Err)
	}
	if len(channels) == 0 {
		return fmt.Errorf("no valid channel entries")
	}

	// =========================================================================
	// Clock
	// =========================================================================

	clk := clock.New(cfg.Clock.Options())
	if err := clk.Init(cfg.Clock.Warmup.Duration(), cfg.Clock.CalibrationInterval.Duration()); err != nil {
		return fmt.Errorf("init clock: %w", err)
	}
	if err := clk.Start(); err != nil {
		return fmt.Errorf("start clock: %w", err)
	}
	defer clk.Stop()

	// =========================================================================
	// Storage
	// =========================================================================

	p := pipeline.New(clk, pipeline.TransportPollers(cfg.Pipeline.TransportOptions()), cfg.Pipeline.Options())

	svc, err := startStorage(cfg.Storage, p.ID())
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Shutdown(); err != nil {
			log.Error("storage shutdown", "error", err)
		}
	}()

	// =========================================================================
	// Pipeline
	// =========================================================================

	if err := registerRoutes(p, svc); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := p.Bind(channels)
	if err != nil {
		return fmt.Errorf("bind channels: %w", err)
	}
	log.Info("channels bound", "bound", report.Bound(), "failed", len(report.Failed()))

	// =========================================================================
	// Metrics
	// =========================================================================

	var metricsSrv *metrics.Server
	if cfg.Metrics.Listen != "" {
		metricsSrv, err = metrics.NewServer(cfg.Metrics, metrics.NewCollector(metrics.Sources{
			Clock:    clk,
			Pipeline: p,
			Storage:  svc,
		}))
		if err == nil {
			err = metricsSrv.Start()
		}
		if err != nil {
			p.Shutdown()
			return fmt.Errorf("start metrics: %w", err)
		}
		defer metricsSrv.Shutdown()
	}

	if err := p.Start(); err != nil {
		p.Shutdown()
		return fmt.Errorf("start pipeline: %w", err)
	}

	// =========================================================================
	// Run until signaled
	// =========================================================================

	var tick <-chan time.Time
	if statsEvery > 0 {
		t := time.NewTicker(statsEvery)
		defer t.Stop()
		tick = t.C
	}

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-tick:
			logStats(p, svc)
		}
	}

	log.Info("shutting down")

	// Stop receiving first, then flush storage via the deferred shutdown.
	if err := p.Shutdown(); err != nil {
		log.Warn("pipeline shutdown", "error", err)
	}
	logStats(p, svc)
	return nil
}

// startStorage creates and starts the storage service. It does not see
// the signal context: archive and upload work is drained by Shutdown once
// the pipeline has stopped.
func startStorage(cfg *storageconfig.Config, runID string) (*storage.Service, error) {
	svc, err := storage.New(context.Background(), cfg, runID)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}
	if err := svc.Start(); err != nil {
		svc.Shutdown()
		return nil, fmt.Errorf("start storage: %w", err)
	}
	return svc, nil
}

func registerRoutes(p *pipeline.Pipeline, svc *storage.Service) error {
	if err := pipeline.Handle[record.Depth](p, record.KindDepth, codec.DepthCodec{}, svc.Depth()); err != nil {
		return fmt.Errorf("route depth: %w", err)
	}
	if err := pipeline.Handle[record.Trade](p, record.KindTrade, codec.TradeCodec{}, svc.Trades()); err != nil {
		return fmt.Errorf("route trades: %w", err)
	}
	if err := pipeline.Handle[record.Generic](p, record.KindGeneric, codec.GenericCodec{}, svc.Generic()); err != nil {
		return fmt.Errorf("route generic: %w", err)
	}
	return nil
}

func logStats(p *pipeline.Pipeline, svc *storage.Service) {
	ps := p.Stats()
	ss := svc.Stats()
	log.Info("stats",
		"datagrams", ps.Datagrams,
		"stored", ps.Stored,
		"decode_errors", ps.DecodeErrors,
		"storage_errors", ps.StorageErrors,
		"truncated", ps.Truncated,
		"unknown_tag", ps.UnknownTag,
		"open_files", ss.OpenFiles,
		"rows", ss.Depth.RowsWritten+ss.Trades.RowsWritten+ss.Generic.RowsWritten)
	for _, g := range ps.Groups {
		log.Info("group latency",
			"group", g.Name,
			"count", g.Latency.Count,
			"p50_ns", g.Latency.P50,
			"p99_ns", g.Latency.P99,
			"p999_ns", g.Latency.P999)
	}
}
