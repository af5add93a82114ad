package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// DefaultThermalRoot is where Linux exposes thermal zones.
const DefaultThermalRoot = "/sys/class/thermal"

// cpuZoneTypes are thermal zone types that track the CPU.
var cpuZoneTypes = []string{"x86_pkg_temp", "cpu", "soc", "coretemp", "k10temp"}

// ThermalZones reads /sys/class/thermal/thermal_zone*/temp files, which
// report millidegrees Celsius.
type ThermalZones struct {
	root string
}

func NewThermalZones(root string) *ThermalZones {
	if root == "" {
		root = DefaultThermalRoot
	}
	return &ThermalZones{root: root}
}

func (p *ThermalZones) Name() string { return "thermal-zone" }

func (p *ThermalZones) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	paths, err := filepath.Glob(filepath.Join(p.root, "thermal_zone*", "temp"))
	if err != nil {
		return Outcome{}, err
	}
	if len(paths) == 0 {
		return Outcome{}, fmt.Errorf("no thermal zones under %s", p.root)
	}

	type zone struct {
		kind  string
		value float64
		cpu   bool
	}
	var zones []zone
	var lastErr error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			lastErr = fmt.Errorf("parse %s: %w", path, err)
			continue
		}
		kind := filepath.Base(filepath.Dir(path))
		if b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "type")); err == nil {
			kind = strings.TrimSpace(string(b))
		}
		zones = append(zones, zone{kind: kind, value: milli / 1000, cpu: isCPUZone(kind)})
	}
	if len(zones) == 0 {
		return Outcome{}, lastErr
	}

	sort.SliceStable(zones, func(i, j int) bool { return zones[i].cpu && !zones[j].cpu })
	var out Outcome
	for _, z := range zones {
		out.Readings = append(out.Readings, model.NewReading(model.KindTemperature, p.Name(), model.Round(z.value, 1), z.kind))
	}
	return out, nil
}

func isCPUZone(kind string) bool {
	kind = strings.ToLower(kind)
	for _, t := range cpuZoneTypes {
		if strings.Contains(kind, t) {
			return true
		}
	}
	return false
}
