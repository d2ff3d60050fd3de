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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"QuoteLake/internal/api"
	"QuoteLake/internal/archive"
	"QuoteLake/internal/config"
	"QuoteLake/internal/logger"
	"QuoteLake/internal/recorder"
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

	cfg, err := config.LoadForQueryAPI(*cfgPath)
	if err != nil {
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

	reader := archive.NewReader(cfg.ArchiveRoot(), loc, log)

	// The ledger is optional; without it /api/cycles answers 404.
	var ledger api.CycleLister
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.OpenSQLiteReadOnly(cfg.Database.SQLitePath, log)
		if err != nil {
			log.Warn().Err(err).Msg("cycle ledger unavailable")
		} else {
			defer sr.Close()
			ledger = sr
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := api.NewServer(cfg.API.Addr, reg, log,
		api.NewQuotesHandler(reader, ledger, loc, log),
		api.NewHealthHandler(func() map[string]interface{} {
			return map[string]interface{}{"archive": cfg.ArchiveRoot()}
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := srv.Start()
	log.Info().Str("addr", cfg.API.Addr).Str("archive", cfg.ArchiveRoot()).Msg("QuoteLake archive API starting")

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			log.Error().Err(err).Msg("http server")
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("stop http server")
	}
	log.Info().Msg("QuoteLake archive API stopped")
	return 0
}
