package sensor

import "strings"

// LibreHardwareMonitorNamespace is the WMI namespace LibreHardwareMonitor
// publishes its sensors under while it runs.
const LibreHardwareMonitorNamespace = `root\LibreHardwareMonitor`

// lhmSensor mirrors the LibreHardwareMonitor WMI Sensor class.
type lhmSensor struct {
	Name       string
	SensorType string
	Parent     string
	Value      float32
}

var (
	lhmCPUParents = []string{"/amdcpu/", "/intelcpu/", "/cpu/"}
	lhmCPUNames   = []string{"Core", "Tctl", "Tdie", "Package", "CPU"}
)

// hottestCPUSensor returns the maximum temperature among sensors that
// belong to a CPU and describe a core, die or package.
func hottestCPUSensor(sensors []lhmSensor) (float64, bool) {
	var best float64
	found := false
	for _, s := range sensors {
		if s.SensorType != "Temperature" || !containsAny(s.Parent, lhmCPUParents) || !containsAny(s.Name, lhmCPUNames) {
			continue
		}
		if v := float64(s.Value); !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

// acpiThermalZone mirrors MSAcpi_ThermalZoneTemperature.
type acpiThermalZone struct {
	InstanceName       string
	CurrentTemperature uint32
}

// deciKelvinToCelsius converts ACPI's tenths of a Kelvin.
func deciKelvinToCelsius(v uint32) float64 {
	return float64(v)/10 - 273.15
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
