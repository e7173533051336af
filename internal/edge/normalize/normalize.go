// Package normalize turns raw decoded register groups into a
// telemetry.Sample. It is a pure transform: no clock, no I/O, no
// package-level state.
package normalize

import (
	"time"

	"github.com/rs/zerolog"

	"invertertelemetry/internal/edge/modbusclient"
	"invertertelemetry/internal/edge/registermap"
	"invertertelemetry/internal/telemetry"
)

// decodeField reads one field's raw value out of its group's bytes and
// returns it scaled to float64.
func decodeField(data []byte, f registermap.Field) float64 {
	switch f.Kind {
	case registermap.KindU16:
		return float64(modbusclient.DecodeU16(data, f.Offset)) / f.Scale
	case registermap.KindS16:
		return float64(modbusclient.DecodeS16(data, f.Offset)) / f.Scale
	case registermap.KindU32:
		return float64(modbusclient.DecodeU32(data, f.Offset)) / f.Scale
	case registermap.KindS32:
		return float64(modbusclient.DecodeS32(data, f.Offset)) / f.Scale
	default:
		return 0
	}
}

// Normalize builds a Sample from raw=group-name->bytes (as produced by
// modbusclient.Client.Poll) for the given device at time ts, using m to
// interpret the raw words. It reports false if the resulting sample
// fails validation, in which case the rejection is logged via log and
// the sample must not be enqueued.
func Normalize(deviceID string, ts time.Time, raw map[string][]byte, m registermap.Map, log zerolog.Logger) (telemetry.Sample, bool) {
	values := make(map[string]float64)
	for _, g := range m.Groups {
		data, ok := raw[g.Name]
		if !ok {
			log.Warn().Str("group", g.Name).Msg("normalize: missing group in raw poll result")
			return telemetry.Sample{}, false
		}
		for _, f := range g.Fields {
			if f.Name == "_reserved" {
				continue
			}
			v := decodeField(data, f)
			if v < f.Min || v > f.Max {
				log.Warn().Str("field", f.Name).Float64("raw_value", v).
					Float64("min", f.Min).Float64("max", f.Max).
					Msg("normalize: rejected sample, field out of declared range")
				return telemetry.Sample{}, false
			}
			values[f.Name] = v
		}
	}

	s := telemetry.Sample{
		DeviceID:      deviceID,
		Ts:            ts,
		PVPowerW:      values["pv_power_w"],
		PVDailyKWh:    values["pv_daily_kwh"],
		BatteryPowerW: values["battery_power_w"],
		BatterySOCPct: values["battery_soc_pct"],
		BatteryTempC:  values["battery_temp_c"],
		LoadPowerW:    values["load_power_w"],
		ExportPowerW:  values["export_power_w"],
		SampleCount:   uint32(values["sample_count"]),
	}

	if err := s.Validate(); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("normalize: rejected sample")
		return telemetry.Sample{}, false
	}
	return s, true
}
