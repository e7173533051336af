package normalize

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"invertertelemetry/internal/edge/registermap"
)

func u32Bytes(n []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(n[off*2:off*2+4], v)
}

func u16Bytes(n []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(n[off*2:off*2+2], v)
}

func TestNormalizeHappyPath(t *testing.T) {
	m := registermap.Default()

	powerFlow := make([]byte, 20) // 10 words
	u32Bytes(powerFlow, 0, 3450)  // pv_power_w
	u32Bytes(powerFlow, 2, 1240)  // pv_daily_kwh /100 = 12.4
	u32Bytes(powerFlow, 4, 900)   // load_power_w
	u32Bytes(powerFlow, 6, 2350)  // export_power_w
	u16Bytes(powerFlow, 8, 1)     // sample_count

	battery := make([]byte, 8) // 4 words
	u32Bytes(battery, 0, ^uint32(200)+1) // -200 as two's complement s32
	u16Bytes(battery, 2, 875)            // soc /10 = 87.5
	u16Bytes(battery, 3, 281)            // temp /10 = 28.1

	raw := map[string][]byte{
		"power_flow": powerFlow,
		"battery":    battery,
	}

	s, ok := Normalize("inv-01", time.Unix(1700000000, 0), raw, m, zerolog.Nop())
	require.True(t, ok)
	require.Equal(t, "inv-01", s.DeviceID)
	require.InDelta(t, 3450.0, s.PVPowerW, 0.001)
	require.InDelta(t, 12.4, s.PVDailyKWh, 0.001)
	require.InDelta(t, -200.0, s.BatteryPowerW, 0.001)
	require.InDelta(t, 87.5, s.BatterySOCPct, 0.001)
	require.InDelta(t, 28.1, s.BatteryTempC, 0.001)
	require.EqualValues(t, 1, s.SampleCount)
}

func TestNormalizeRejectsMissingGroup(t *testing.T) {
	m := registermap.Default()
	raw := map[string][]byte{"power_flow": make([]byte, 20)}
	_, ok := Normalize("inv-01", time.Now(), raw, m, zerolog.Nop())
	require.False(t, ok)
}

func TestNormalizeRejectsInvalidSample(t *testing.T) {
	m := registermap.Default()
	powerFlow := make([]byte, 20)
	u16Bytes(powerFlow, 8, 1) // sample_count, so soc is the only out-of-range field
	battery := make([]byte, 8)
	u16Bytes(battery, 2, 2000) // soc = 200.0, out of range
	raw := map[string][]byte{"power_flow": powerFlow, "battery": battery}
	_, ok := Normalize("inv-01", time.Now(), raw, m, zerolog.Nop())
	require.False(t, ok)
}
