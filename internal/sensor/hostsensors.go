package sensor

import (
	"context"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// cpuSensorPrefixes are chip names known to report the CPU package or
// die, most specific first.
var cpuSensorPrefixes = []string{"coretemp", "k10temp", "zenpower", "cpu_thermal"}

// cpuSensorHints match CPU sensors on chips not listed above.
var cpuSensorHints = []string{"package", "tctl", "tdie", "cpu", "core"}

// HostSensors reads temperatures through gopsutil's cross-platform
// sensor API (hwmon on Linux, SMC on macOS, ACPI WMI on Windows).
type HostSensors struct {
	read func(context.Context) ([]host.TemperatureStat, error)
}

func NewHostSensors() *HostSensors {
	return &HostSensors{read: host.SensorsTemperaturesWithContext}
}

func (p *HostSensors) Name() string { return "host-sensors" }

func (p *HostSensors) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	// gopsutil returns partial results alongside warnings for sensors it
	// could not read; only an empty result is a failure.
	temps, err := p.read(ctx)
	if len(temps) == 0 {
		return Outcome{}, err
	}
	var out Outcome
	for _, t := range rankCPUSensors(temps) {
		out.Readings = append(out.Readings, model.NewReading(model.KindTemperature, p.Name(), model.Round(t.Temperature, 1), t.SensorKey))
	}
	return out, nil
}

// rankCPUSensors orders sensors by how likely they are to describe the
// CPU: known CPU chips first, then CPU-looking labels, then the rest.
func rankCPUSensors(temps []host.TemperatureStat) []host.TemperatureStat {
	rank := func(key string) int {
		key = strings.ToLower(key)
		for i, prefix := range cpuSensorPrefixes {
			if strings.HasPrefix(key, prefix) {
				return i
			}
		}
		for _, hint := range cpuSensorHints {
			if strings.Contains(key, hint) {
				return len(cpuSensorPrefixes)
			}
		}
		return len(cpuSensorPrefixes) + 1
	}
	ranked := append([]host.TemperatureStat(nil), temps...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return rank(ranked[i].SensorKey) < rank(ranked[j].SensorKey)
	})
	return ranked
}
