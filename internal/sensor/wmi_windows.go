//go:build windows

package sensor

import (
	"context"
	"errors"

	"github.com/yusufpapurcu/wmi"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// LibreHardwareMonitor reads CPU temperatures from the WMI provider
// LibreHardwareMonitor registers while it is running.
type LibreHardwareMonitor struct{}

func (LibreHardwareMonitor) Name() string { return "librehardwaremonitor" }

func (p LibreHardwareMonitor) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	var sensors []lhmSensor
	q := "SELECT Name, SensorType, Parent, Value FROM Sensor WHERE SensorType = 'Temperature'"
	if err := wmi.QueryNamespace(q, &sensors, LibreHardwareMonitorNamespace); err != nil {
		return Outcome{}, err
	}
	v, ok := hottestCPUSensor(sensors)
	if !ok {
		return Outcome{}, errors.New("no CPU temperature sensors published")
	}
	return Outcome{Readings: []model.SensorReading{
		model.NewReading(model.KindTemperature, p.Name(), model.Round(v, 1), "cpu max"),
	}}, nil
}

// ACPIThermalZone reads MSAcpi_ThermalZoneTemperature. It usually
// needs administrator rights and reports the motherboard zone rather
// than the die.
type ACPIThermalZone struct{}

func (ACPIThermalZone) Name() string { return "acpi-thermal-zone" }

func (p ACPIThermalZone) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	var zones []acpiThermalZone
	q := "SELECT InstanceName, CurrentTemperature FROM MSAcpi_ThermalZoneTemperature"
	if err := wmi.QueryNamespace(q, &zones, `root\WMI`); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	for _, z := range zones {
		out.Readings = append(out.Readings, model.NewReading(model.KindTemperature, p.Name(), model.Round(deciKelvinToCelsius(z.CurrentTemperature), 1), z.InstanceName))
	}
	return out, nil
}

func windowsProbes() []Probe {
	return []Probe{LibreHardwareMonitor{}, ACPIThermalZone{}}
}
