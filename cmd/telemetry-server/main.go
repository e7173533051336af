// Command telemetry-server accepts batched sample uploads from edge
// agents and serves realtime and historical rollup reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"invertertelemetry/internal/server/api"
	"invertertelemetry/internal/server/auth"
	"invertertelemetry/internal/server/cache"
	"invertertelemetry/internal/server/config"
	"invertertelemetry/internal/server/store"
)

const helpText = `telemetry-server accepts inverter telemetry uploads and serves reads.

Recognized environment variables:
  DATABASE_URL              postgres/timescaledb DSN (required)
  DEVICE_TOKENS              comma-separated token:device_id pairs (required)
  CACHE_URL                 redis URL (default redis://localhost:6379/0)
  CACHE_TTL_S               realtime cache TTL in seconds (default 5)
  MAX_SAMPLES_PER_REQUEST   max samples accepted per ingest batch (default 1000)
  MAX_REQUEST_BYTES         max ingest request body size (default 1048576)
  LISTEN_ADDR               HTTP listen address (default :8080)
`

func main() {
	help := flag.Bool("help", false, "print recognized environment variables and exit")
	flag.Parse()
	if *help {
		fmt.Print(helpText)
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry-server: configuration invalid")
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry-server: store open failed")
	}
	defer st.Close()

	ca, err := cache.New(cfg.CacheURL, cfg.CacheTTL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry-server: cache client build failed")
	}
	defer ca.Close()

	router := api.NewRouter(api.Options{
		Store:                st,
		Cache:                ca,
		Auth:                 auth.New(cfg.DeviceTokens),
		MaxSamplesPerRequest: cfg.MaxSamplesPerRequest,
		MaxRequestBytes:      cfg.MaxRequestBytes,
		Log:                  log,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("telemetry-server: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("telemetry-server: serve failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("telemetry-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("telemetry-server: graceful shutdown failed")
	}
}
