// Package telemetry holds the wire types shared by the edge agent and the
// telemetry server.
package telemetry

import (
	"fmt"
	"math"
	"time"
)

// Sample is one normalized reading from an inverter at a point in time.
type Sample struct {
	DeviceID      string    `json:"device_id"`
	Ts            time.Time `json:"ts"`
	PVPowerW      float64   `json:"pv_power_w"`
	PVDailyKWh    float64   `json:"pv_daily_kwh"`
	BatteryPowerW float64   `json:"battery_power_w"`
	BatterySOCPct float64   `json:"battery_soc_pct"`
	BatteryTempC  float64   `json:"battery_temp_c"`
	LoadPowerW    float64   `json:"load_power_w"`
	ExportPowerW  float64   `json:"export_power_w"`
	SampleCount   uint32    `json:"sample_count"`
}

// ApplyDefaults fills in the field defaults the wire contract documents:
// sample_count defaults to 1 when absent/zero. Callers that accept a
// Sample from an external source (ingest requests) must call this
// before Validate; the edge normalizer already sets sample_count
// explicitly and never needs it.
func (s *Sample) ApplyDefaults() {
	if s.SampleCount == 0 {
		s.SampleCount = 1
	}
}

// Validate checks the invariants a Sample must hold before it is queued,
// uploaded, or stored.
func (s Sample) Validate() error {
	if s.DeviceID == "" {
		return fmt.Errorf("sample: device_id is empty")
	}
	if s.Ts.IsZero() {
		return fmt.Errorf("sample: ts is zero")
	}
	for name, v := range map[string]float64{
		"pv_power_w":      s.PVPowerW,
		"pv_daily_kwh":    s.PVDailyKWh,
		"battery_power_w": s.BatteryPowerW,
		"battery_soc_pct": s.BatterySOCPct,
		"battery_temp_c":  s.BatteryTempC,
		"load_power_w":    s.LoadPowerW,
		"export_power_w":  s.ExportPowerW,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("sample: %s is not finite", name)
		}
	}
	if s.PVPowerW < 0 || s.PVDailyKWh < 0 || s.LoadPowerW < 0 {
		return fmt.Errorf("sample: power/energy fields must be non-negative")
	}
	if s.BatterySOCPct < 0 || s.BatterySOCPct > 100 {
		return fmt.Errorf("sample: battery_soc_pct %v out of range [0,100]", s.BatterySOCPct)
	}
	if s.SampleCount < 1 {
		return fmt.Errorf("sample: sample_count must be >= 1")
	}
	return nil
}

// IngestRequest is the body of POST /v1/ingest.
type IngestRequest struct {
	Samples []Sample `json:"samples"`
}

// IngestResponse is the body returned from a successful ingest.
type IngestResponse struct {
	Inserted int `json:"inserted"`
}

// ErrorResponse is the body shape of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// SeriesPoint is one rollup bucket of an aggregated GET /v1/series
// response, field-for-field the BucketOut shape of the wire protocol.
type SeriesPoint struct {
	Bucket           time.Time `json:"bucket"`
	AvgPVPowerW      float64   `json:"avg_pv_power_w"`
	MaxPVPowerW      float64   `json:"max_pv_power_w"`
	AvgBatteryPowerW float64   `json:"avg_battery_power_w"`
	AvgBatterySOCPct float64   `json:"avg_battery_soc_pct"`
	AvgLoadPowerW    float64   `json:"avg_load_power_w"`
	AvgExportPowerW  float64   `json:"avg_export_power_w"`
	SampleCount      uint64    `json:"sample_count"`
}

// SeriesResponse is the body of GET /v1/series.
type SeriesResponse struct {
	DeviceID string        `json:"device_id"`
	Frame    string        `json:"frame"`
	Series   []SeriesPoint `json:"series"`
}

// Frame enumerates the supported GET /v1/series rollup frames.
type Frame string

const (
	FrameDay   Frame = "day"
	FrameMonth Frame = "month"
	FrameYear  Frame = "year"
	FrameAll   Frame = "all"
)

// ParseFrame validates a frame query parameter.
func ParseFrame(s string) (Frame, error) {
	switch Frame(s) {
	case FrameDay, FrameMonth, FrameYear, FrameAll:
		return Frame(s), nil
	default:
		return "", fmt.Errorf("telemetry: unknown frame %q", s)
	}
}
