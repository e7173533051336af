// Package registermap describes the Modbus input-register layout of the
// inverter being polled: which register groups exist, where they live,
// and how to decode each field out of the raw 16-bit words.
package registermap

import "fmt"

// Kind is the wire encoding of a register field.
type Kind int

const (
	KindU16 Kind = iota
	KindS16
	KindU32
	KindS32
)

// Field describes one named value within a register group: its word
// offset, wire kind, engineering-unit scale, display unit, and the
// inclusive range of engineering values the normalizer accepts.
type Field struct {
	Name   string
	Offset int // word offset within the group, 0-based
	Kind   Kind
	Scale  float64 // raw value is divided by Scale to produce the field's unit
	Unit   string
	Min    float64
	Max    float64
}

// Group is a contiguous run of input registers read in one Modbus
// request, followed by a relax delay before the next group is read.
type Group struct {
	Name         string
	StartAddress uint16
	WordCount    uint16
	Fields       []Field
}

// Map is the full set of groups polled each cycle, read in order.
type Map struct {
	Groups []Group
}

// wordsFor reports how many 16-bit words a Kind occupies.
func wordsFor(k Kind) int {
	switch k {
	case KindU16, KindS16:
		return 1
	case KindU32, KindS32:
		return 2
	default:
		return 0
	}
}

// Validate checks that every field fits within its group's word count,
// that field offsets don't overlap, and that group addresses don't
// overlap each other.
func (m Map) Validate() error {
	if len(m.Groups) == 0 {
		return fmt.Errorf("registermap: no groups defined")
	}
	for _, g := range m.Groups {
		if g.WordCount == 0 {
			return fmt.Errorf("registermap: group %q has zero word count", g.Name)
		}
		occupied := make([]bool, g.WordCount)
		for _, f := range g.Fields {
			n := wordsFor(f.Kind)
			if n == 0 {
				return fmt.Errorf("registermap: group %q field %q has unknown kind", g.Name, f.Name)
			}
			if f.Offset < 0 || f.Offset+n > int(g.WordCount) {
				return fmt.Errorf("registermap: group %q field %q at offset %d/%d words overruns group of %d words",
					g.Name, f.Name, f.Offset, n, g.WordCount)
			}
			for i := f.Offset; i < f.Offset+n; i++ {
				if occupied[i] {
					return fmt.Errorf("registermap: group %q field %q overlaps another field at word %d", g.Name, f.Name, i)
				}
				occupied[i] = true
			}
			if f.Scale <= 0 {
				return fmt.Errorf("registermap: group %q field %q has non-positive scale", g.Name, f.Name)
			}
			if f.Name != "_reserved" && f.Min > f.Max {
				return fmt.Errorf("registermap: group %q field %q has min %v > max %v", g.Name, f.Name, f.Min, f.Max)
			}
		}
	}
	for i := range m.Groups {
		for j := range m.Groups {
			if i == j {
				continue
			}
			a, b := m.Groups[i], m.Groups[j]
			aEnd := a.StartAddress + a.WordCount
			bEnd := b.StartAddress + b.WordCount
			if a.StartAddress < bEnd && b.StartAddress < aEnd {
				return fmt.Errorf("registermap: group %q [%d,%d) overlaps group %q [%d,%d)",
					a.Name, a.StartAddress, aEnd, b.Name, b.StartAddress, bEnd)
			}
		}
	}
	return nil
}

// Default is the register map for the reference PV/battery hybrid
// inverter this system targets: two input-register groups, one holding
// power-flow telemetry and one holding battery-state telemetry.
func Default() Map {
	return Map{
		Groups: []Group{
			{
				Name:         "power_flow",
				StartAddress: 30000,
				WordCount:    10,
				Fields: []Field{
					{Name: "pv_power_w", Offset: 0, Kind: KindS32, Scale: 1, Unit: "W", Min: 0, Max: 20000},
					{Name: "pv_daily_kwh", Offset: 2, Kind: KindU32, Scale: 100, Unit: "kWh", Min: 0, Max: 1000},
					{Name: "load_power_w", Offset: 4, Kind: KindS32, Scale: 1, Unit: "W", Min: 0, Max: 20000},
					{Name: "export_power_w", Offset: 6, Kind: KindS32, Scale: 1, Unit: "W", Min: -20000, Max: 20000},
					{Name: "sample_count", Offset: 8, Kind: KindU16, Scale: 1, Unit: "", Min: 1, Max: 65535},
					{Name: "_reserved", Offset: 9, Kind: KindU16, Scale: 1},
				},
			},
			{
				Name:         "battery",
				StartAddress: 30020,
				WordCount:    4,
				Fields: []Field{
					{Name: "battery_power_w", Offset: 0, Kind: KindS32, Scale: 1, Unit: "W", Min: -20000, Max: 20000},
					{Name: "battery_soc_pct", Offset: 2, Kind: KindU16, Scale: 10, Unit: "%", Min: 0, Max: 100},
					{Name: "battery_temp_c", Offset: 3, Kind: KindS16, Scale: 10, Unit: "°C", Min: -40, Max: 100},
				},
			},
		},
	}
}
