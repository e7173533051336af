// Command edge-agent polls a single inverter over Modbus/TCP, spools
// samples locally, and uploads them to a telemetry server in batches.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"invertertelemetry/internal/edge/config"
	"invertertelemetry/internal/edge/modbusclient"
	"invertertelemetry/internal/edge/registermap"
	"invertertelemetry/internal/edge/spool"
	"invertertelemetry/internal/edge/supervisor"
	"invertertelemetry/internal/edge/uploader"
)

const helpText = `edge-agent polls an inverter over Modbus/TCP and uploads readings.

Recognized environment variables:
  EDGE_DEVICE_ID          device identifier sent with every sample (default EDGE_MODBUS_ADDR)
  EDGE_MODBUS_ADDR        modbus TCP address, host:port (required)
  EDGE_MODBUS_SLAVE_ID    modbus slave/unit id (default 1)
  EDGE_SERVER_BASE_URL    https base URL of the telemetry server (required)
  EDGE_DEVICE_TOKEN       bearer token for the ingest endpoint (required)
  EDGE_POLL_INTERVAL      duration between polls (default 5s, minimum 5s)
  EDGE_UPLOAD_INTERVAL    duration between upload attempts (default 10s, minimum 1s)
  EDGE_INTERGROUP_DELAY   delay between Modbus group reads (default 20ms)
  EDGE_SPOOL_PATH         local spool database path (default /data/spool.db)
  EDGE_HEARTBEAT_PATH     local heartbeat file path (default /data/health.json)
  EDGE_MAX_BATCH_SIZE     max samples per upload batch (default 30, 1-1000)
  EDGE_BACKOFF_MAX_DELAY  cap on upload retry backoff (default 5m)
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
		log.Fatal().Err(err).Msg("edge-agent: configuration invalid")
	}

	fmt.Println("========================================")
	fmt.Println(" edge-agent starting")
	fmt.Println("========================================")
	fmt.Println(cfg.Redacted())
	fmt.Println("========================================")

	regMap := registermap.Default()
	if err := regMap.Validate(); err != nil {
		log.Fatal().Err(err).Msg("edge-agent: register map invalid")
	}

	mbClient := modbusclient.New(cfg.ModbusAddr, cfg.ModbusSlaveID, 10*time.Second, cfg.InterGroupDelay, 60*time.Second)
	if err := mbClient.Connect(); err != nil {
		log.Fatal().Err(err).Msg("edge-agent: initial modbus connect failed")
	}
	defer mbClient.Close()

	sp, err := spool.Open(cfg.SpoolPath)
	if err != nil {
		log.Fatal().Err(err).Msg("edge-agent: spool open failed")
	}
	defer sp.Close()

	up := uploader.New(cfg.ServerBaseURL, cfg.DeviceToken, cfg.BackoffMaxDelay, log)

	sup := supervisor.New(supervisor.Options{
		DeviceID:       cfg.DeviceID,
		PollInterval:   cfg.PollInterval,
		UploadInterval: cfg.UploadInterval,
		MaxBatchSize:   cfg.MaxBatchSize,
		HeartbeatPath:  cfg.HeartbeatPath,
		RegisterMap:    regMap,
		ModbusClient:   mbClient,
		Spool:          sp,
		Uploader:       up,
		Log:            log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("edge-agent: running")
	sup.Run(ctx)
	log.Info().Msg("edge-agent: stopped")
}
