package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"QuoteLake/internal/api"
	"QuoteLake/internal/archive"
	"QuoteLake/internal/clock"
	"QuoteLake/internal/collector"
	"QuoteLake/internal/config"
	"QuoteLake/internal/logger"
	"QuoteLake/internal/metrics"
	"QuoteLake/internal/recorder"
	"QuoteLake/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		*cfgPath = v
	}

	cfg, err := config.LoadAndValidate(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if err := cfg.CheckArchiveWritable(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	log, logCloser, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	loc, err := cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("config")
		return 1
	}
	schedule, err := cfg.TickSchedule()
	if err != nil {
		log.Error().Err(err).Msg("config")
		return 1
	}
	if dst, _ := cfg.TimezoneObservesDST(); dst {
		log.Warn().
			Str("timezone", loc.String()).
			Msg("archive timezone observes DST; ticks in the repeated autumn hour reuse file names and are dropped as conflicts, prefer UTC or a fixed offset")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(cfg)
	if err != nil {
		log.Error().Err(err).Msg("init provider")
		return 1
	}

	clk := clock.Real{}
	col := collector.NewCollector(provider, collector.Options{
		Concurrency: cfg.Fetch.Concurrency,
		Timeout:     cfg.Fetch.Timeout,
		MaxRetries:  cfg.Fetch.MaxRetries,
		Backoff:     cfg.Fetch.Backoff,
		MaxBackoff:  cfg.Fetch.MaxBackoff,
	}, clk, log)

	writer := archive.NewWriter(cfg.ArchiveRoot(), archive.NewResolver(loc, cfg.Archive.Basename), log)
	if n, err := writer.Recover(cfg.Archive.StaleTempAfter); err != nil {
		log.Warn().Err(err).Msg("sweep stale temp files")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("removed stale temp files")
	}

	rec := openRecorder(cfg.Database.SQLitePath, log)
	defer rec.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	sched, err := scheduler.NewScheduler(scheduler.Config{
		Symbols:  cfg.Instruments,
		Schedule: schedule,
	}, col, writer, rec, m, clk, log)
	if err != nil {
		log.Error().Err(err).Msg("init scheduler")
		return 1
	}

	var srv *api.Server
	if cfg.Metrics.Addr != "" {
		health := api.NewHealthHandler(func() map[string]interface{} {
			status := map[string]interface{}{
				"state":  sched.State().String(),
				"cycles": sched.Cycles(),
			}
			if last := sched.LastResult(); last != nil {
				status["last_tick"] = last.Tick
				status["last_status"] = last.Status
			}
			return status
		})
		srv = api.NewServer(cfg.Metrics.Addr, prometheus.DefaultGatherer, log, health)
		go func() {
			if err := <-srv.Start(); err != nil {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	log.Info().
		Str("provider", provider.Name()).
		Strs("instruments", cfg.Instruments).
		Str("archive", cfg.ArchiveRoot()).
		Str("timezone", loc.String()).
		Msg("QuoteLake ingestor starting")

	if err := sched.Run(ctx); err != nil {
		log.Error().Err(err).Msg("scheduler stopped")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("stop metrics server")
		}
	}
	log.Info().Int64("cycles", sched.Cycles()).Msg("QuoteLake ingestor stopped")
	return 0
}

func newProvider(cfg *config.Config) (collector.Provider, error) {
	switch cfg.Provider.Type {
	case "rest":
		return collector.NewRESTProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Proxy)
	default:
		return collector.NewYahooProvider(cfg.Provider.Proxy)
	}
}

func openRecorder(path string, log zerolog.Logger) recorder.Recorder {
	if path == "" {
		return recorder.NewNoopRecorder()
	}
	sr, err := recorder.NewSQLiteRecorder(path, log)
	if err != nil {
		log.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
		return recorder.NewNoopRecorder()
	}
	return sr
}
