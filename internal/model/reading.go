package model

// Kind classifies a sensor reading.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindUtilization Kind = "utilization"
	KindMemory      Kind = "memory"
	KindPower       Kind = "power"
	KindClock       Kind = "clock"
	KindFan         Kind = "fan"
)

// Unit is the unit a reading's value is expressed in.
type Unit string

const (
	UnitCelsius Unit = "celsius"
	UnitPercent Unit = "percent"
	UnitMiB     Unit = "MiB"
	UnitWatt    Unit = "W"
	UnitMHz     Unit = "MHz"
)

// Labels distinguishing readings of the same kind from one backend.
const (
	LabelMemoryUsed  = "memory.used"
	LabelMemoryTotal = "memory.total"
)

// UnitOf returns the canonical unit for kind.
func UnitOf(kind Kind) Unit {
	switch kind {
	case KindTemperature:
		return UnitCelsius
	case KindUtilization, KindFan:
		return UnitPercent
	case KindMemory:
		return UnitMiB
	case KindPower:
		return UnitWatt
	case KindClock:
		return UnitMHz
	}
	return ""
}

// SensorReading is one value produced by a sensor backend.
type SensorReading struct {
	Kind   Kind    `json:"kind"`
	Source string  `json:"source"`
	Value  float64 `json:"value"`
	Unit   Unit    `json:"unit"`
	Label  string  `json:"label,omitempty"`
}

// NewReading builds a reading in the canonical unit for kind.
func NewReading(kind Kind, source string, value float64, label string) SensorReading {
	return SensorReading{Kind: kind, Source: source, Value: value, Unit: UnitOf(kind), Label: label}
}
