// Package config loads the edge agent's configuration from the
// environment. All settings are scalar and flat, so a plain envOr/envInt
// reader is used rather than a structured config file loader.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the edge agent's immutable runtime configuration.
type Config struct {
	DeviceID        string
	ModbusAddr      string
	ModbusSlaveID   byte
	InterGroupDelay time.Duration
	PollInterval    time.Duration
	UploadInterval  time.Duration
	ServerBaseURL   string
	DeviceToken     string
	SpoolPath       string
	HeartbeatPath   string
	MaxBatchSize    int
	BackoffMaxDelay time.Duration
}

// envOr returns the value of key if set, otherwise def.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt parses key as an int, returning def if unset or unparsable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration parses key as a Go duration string, returning def if unset
// or unparsable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load builds a Config from the environment, failing fast with a single
// aggregate error on the first set of violations rather than silently
// substituting defaults for required fields.
func Load() (Config, error) {
	var errs []error

	modbusAddr := envOr("EDGE_MODBUS_ADDR", "")
	if modbusAddr == "" {
		errs = append(errs, errors.New("EDGE_MODBUS_ADDR is required"))
	}

	// device id defaults to the inverter address when unset.
	deviceID := envOr("EDGE_DEVICE_ID", modbusAddr)
	if deviceID == "" {
		errs = append(errs, errors.New("EDGE_DEVICE_ID is required"))
	}

	slaveID := envInt("EDGE_MODBUS_SLAVE_ID", 1)
	if slaveID < 1 || slaveID > 247 {
		errs = append(errs, fmt.Errorf("EDGE_MODBUS_SLAVE_ID %d out of range [1,247]", slaveID))
	}

	pollInterval := envDuration("EDGE_POLL_INTERVAL", 5*time.Second)
	if pollInterval < 5*time.Second {
		errs = append(errs, fmt.Errorf("EDGE_POLL_INTERVAL %s must be >= 5s", pollInterval))
	}

	uploadInterval := envDuration("EDGE_UPLOAD_INTERVAL", 10*time.Second)
	if uploadInterval < 1*time.Second {
		errs = append(errs, fmt.Errorf("EDGE_UPLOAD_INTERVAL %s must be >= 1s", uploadInterval))
	}

	interGroupDelay := envDuration("EDGE_INTERGROUP_DELAY", 20*time.Millisecond)
	if interGroupDelay < 0 {
		errs = append(errs, errors.New("EDGE_INTERGROUP_DELAY must be >= 0"))
	}

	batchSize := envInt("EDGE_MAX_BATCH_SIZE", 30)
	if batchSize < 1 || batchSize > 1000 {
		errs = append(errs, fmt.Errorf("EDGE_MAX_BATCH_SIZE %d out of range [1,1000]", batchSize))
	}

	baseURL := envOr("EDGE_SERVER_BASE_URL", "")
	if baseURL == "" {
		errs = append(errs, errors.New("EDGE_SERVER_BASE_URL is required"))
	} else if u, err := url.Parse(baseURL); err != nil || u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("EDGE_SERVER_BASE_URL must be an https:// URL, got %q", baseURL))
	}

	token := envOr("EDGE_DEVICE_TOKEN", "")
	if token == "" {
		errs = append(errs, errors.New("EDGE_DEVICE_TOKEN is required"))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	return Config{
		DeviceID:        deviceID,
		ModbusAddr:      modbusAddr,
		ModbusSlaveID:   byte(slaveID),
		InterGroupDelay: interGroupDelay,
		PollInterval:    pollInterval,
		UploadInterval:  uploadInterval,
		ServerBaseURL:   baseURL,
		DeviceToken:     token,
		SpoolPath:       envOr("EDGE_SPOOL_PATH", "/data/spool.db"),
		HeartbeatPath:   envOr("EDGE_HEARTBEAT_PATH", "/data/health.json"),
		MaxBatchSize:    batchSize,
		BackoffMaxDelay: envDuration("EDGE_BACKOFF_MAX_DELAY", 5*time.Minute),
	}, nil
}

// Redacted formats the config for startup-banner logging. The device
// token is never included.
func (c Config) Redacted() string {
	return fmt.Sprintf(
		"device_id=%s modbus_addr=%s slave_id=%d poll_interval=%s upload_interval=%s server_base_url=%s spool_path=%s max_batch_size=%d",
		c.DeviceID, c.ModbusAddr, c.ModbusSlaveID, c.PollInterval, c.UploadInterval, c.ServerBaseURL, c.SpoolPath, c.MaxBatchSize,
	)
}
