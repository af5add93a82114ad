package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/sysmoni/internal/config"
	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// fakeRunner returns canned output keyed by command name.
type fakeRunner struct {
	out  map[string]string
	err  map[string]error
	args map[string][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if f.args == nil {
		f.args = make(map[string][]string)
	}
	f.args[name] = args
	if err := f.err[name]; err != nil {
		return nil, err
	}
	out, ok := f.out[name]
	if !ok {
		return nil, errors.New(name + ": executable file not found in $PATH")
	}
	return []byte(out), nil
}

func writeZone(t *testing.T, root, zone, kind, value string) {
	t.Helper()
	dir := filepath.Join(root, zone)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "temp"), []byte(value+"\n"), 0o644))
	if kind != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte(kind+"\n"), 0o644))
	}
}

func TestThermalZonesPrefersCPUZones(t *testing.T) {
	root := t.TempDir()
	writeZone(t, root, "thermal_zone0", "acpitz", "27800")
	writeZone(t, root, "thermal_zone1", "x86_pkg_temp", "52000")
	writeZone(t, root, "thermal_zone2", "", "garbage")

	out, err := NewThermalZones(root).Attempt(context.Background(), CPUTemperature)
	require.NoError(t, err)
	require.Len(t, out.Readings, 2)
	assert.Equal(t, "x86_pkg_temp", out.Readings[0].Label)
	assert.Equal(t, 52.0, out.Readings[0].Value)
	assert.Equal(t, model.UnitCelsius, out.Readings[0].Unit)
	assert.Equal(t, 27.8, out.Readings[1].Value)
}

func TestThermalZonesNonsenseValueIsRejectedByResolver(t *testing.T) {
	root := t.TempDir()
	writeZone(t, root, "thermal_zone0", "x86_pkg_temp", "999000")
	writeZone(t, root, "thermal_zone1", "acpitz", "41000")

	r := NewResolver(nil, Registration{Metric: CPUTemperature, Probe: NewThermalZones(root), Timeout: time.Second})
	res := r.Resolve(context.Background(), CPUTemperature)

	require.True(t, res.Available())
	assert.Equal(t, 41.0, *res.Value(model.KindTemperature, ""))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ReasonImplausible, res.Failures[0].Reason)
}

func TestThermalZonesMissing(t *testing.T) {
	_, err := NewThermalZones(t.TempDir()).Attempt(context.Background(), CPUTemperature)
	assert.Error(t, err)

	_, err = NewThermalZones(t.TempDir()).Attempt(context.Background(), GPU)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHostSensorsRanksCPUChips(t *testing.T) {
	p := &HostSensors{read: func(context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "nvme_composite", Temperature: 38},
			{SensorKey: "acpitz", Temperature: 30},
			{SensorKey: "k10temp_tctl", Temperature: 55.25},
			{SensorKey: "coretemp_package_id_0", Temperature: 49},
		}, errors.New("some sensors unreadable")
	}}

	out, err := p.Attempt(context.Background(), CPUTemperature)
	require.NoError(t, err)
	require.Len(t, out.Readings, 4)
	assert.Equal(t, "coretemp_package_id_0", out.Readings[0].Label)
	assert.Equal(t, "k10temp_tctl", out.Readings[1].Label)
	assert.Equal(t, 55.3, out.Readings[1].Value)
}

func TestHostSensorsEmpty(t *testing.T) {
	want := errors.New("not implemented yet")
	p := &HostSensors{read: func(context.Context) ([]host.TemperatureStat, error) { return nil, want }}

	_, err := p.Attempt(context.Background(), CPUTemperature)
	assert.ErrorIs(t, err, want)
}

func TestNvidiaSMI(t *testing.T) {
	runner := &fakeRunner{out: map[string]string{
		"nvidia-smi": "NVIDIA GeForce RTX 3080, 62, 37, 2048, 10240, 115.32, 1710, [N/A]\n" +
			"NVIDIA GeForce RTX 3080, 40, 0, 0, 10240, 20.00, 210, 30\n",
	}}
	p := NewNvidiaSMI(runner)

	out, err := p.Attempt(context.Background(), GPU)
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", out.Device)
	assert.Equal(t, "NVIDIA", out.Vendor)
	require.Len(t, out.Readings, 6, "fan speed is [N/A]")
	assert.Contains(t, runner.args["nvidia-smi"][0], "temperature.gpu")

	res := Resolution{Source: "nvidia-smi", Readings: out.Readings}
	assert.Equal(t, 62.0, *res.Value(model.KindTemperature, ""))
	assert.Equal(t, 2048.0, *res.Value(model.KindMemory, model.LabelMemoryUsed))
	assert.Equal(t, 10240.0, *res.Value(model.KindMemory, model.LabelMemoryTotal))
	assert.Equal(t, 115.32, *res.Value(model.KindPower, ""))
	assert.Nil(t, res.Value(model.KindFan, ""))

	proxy, err := p.Attempt(context.Background(), CPUTemperature)
	require.NoError(t, err)
	require.Len(t, proxy.Readings, 1)
	assert.Equal(t, "gpu-proxy", proxy.Readings[0].Label)
	assert.Equal(t, 62.0, proxy.Readings[0].Value)
}

func TestNvidiaSMIMalformed(t *testing.T) {
	p := NewNvidiaSMI(&fakeRunner{out: map[string]string{"nvidia-smi": "No devices were found, 1\n"}})
	_, err := p.Attempt(context.Background(), GPU)
	assert.Error(t, err)

	p = NewNvidiaSMI(&fakeRunner{out: map[string]string{"nvidia-smi": "\n"}})
	_, err = p.Attempt(context.Background(), GPU)
	assert.Error(t, err)
}

const rocmOutput = `WARNING: AMD GPU device(s) is/are in a low-power state. Check power control/runtime_status
{"card0": {"Temperature (Sensor edge) (C)": "48.0", "GPU use (%)": "12", "VRAM Total Memory (B)": "17163091968", "VRAM Total Used Memory (B)": "1073741824", "Average Graphics Package Power (W)": "31.0", "Card series": "Navi 21 [Radeon RX 6800]"}, "system": {"Driver version": "6.2.4"}}`

func TestRocmSMI(t *testing.T) {
	p := NewRocmSMI(&fakeRunner{out: map[string]string{"rocm-smi": rocmOutput}})

	out, err := p.Attempt(context.Background(), GPU)
	require.NoError(t, err)
	assert.Equal(t, "Navi 21 [Radeon RX 6800]", out.Device)
	assert.Equal(t, "AMD", out.Vendor)

	res := Resolution{Source: "rocm-smi", Readings: out.Readings}
	assert.Equal(t, 48.0, *res.Value(model.KindTemperature, ""))
	assert.Equal(t, 12.0, *res.Value(model.KindUtilization, ""))
	assert.Equal(t, 1024.0, *res.Value(model.KindMemory, model.LabelMemoryUsed))
	assert.InDelta(t, 16368, *res.Value(model.KindMemory, model.LabelMemoryTotal), 1)
	assert.Equal(t, 31.0, *res.Value(model.KindPower, ""))

	_, err = p.Attempt(context.Background(), CPUTemperature)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRocmSMINoCards(t *testing.T) {
	p := NewRocmSMI(&fakeRunner{out: map[string]string{"rocm-smi": `{"system": {}}`}})
	_, err := p.Attempt(context.Background(), GPU)
	assert.Error(t, err)
}

func TestSystemProfiler(t *testing.T) {
	p := NewSystemProfiler(&fakeRunner{out: map[string]string{
		"system_profiler": `{"SPDisplaysDataType": [{"sppci_model": "Apple M2 Pro", "spdisplays_vendor": "sppci_vendor_Apple"}]}`,
	}})

	out, err := p.Attempt(context.Background(), GPU)
	require.NoError(t, err)
	assert.Equal(t, "Apple M2 Pro", out.Device)
	assert.Equal(t, "Apple", out.Vendor)
	assert.Empty(t, out.Readings)
}

func TestOSXCPUTemp(t *testing.T) {
	p := NewOSXCPUTemp(&fakeRunner{out: map[string]string{"osx-cpu-temp": "61.2°C\n"}})
	out, err := p.Attempt(context.Background(), CPUTemperature)
	require.NoError(t, err)
	assert.Equal(t, 61.2, out.Readings[0].Value)

	p = NewOSXCPUTemp(&fakeRunner{out: map[string]string{"osx-cpu-temp": "unknown"}})
	_, err = p.Attempt(context.Background(), CPUTemperature)
	assert.Error(t, err)
}

func TestPowermetrics(t *testing.T) {
	runner := &fakeRunner{out: map[string]string{"sudo": strings.Join([]string{
		"**** SMC sensors ****",
		"",
		"CPU Thermal level: 0",
		"CPU die temperature: 45.12 C",
		"GPU die temperature: 40.00 C",
	}, "\n")}}
	p := NewPowermetrics(runner, true)

	out, err := p.Attempt(context.Background(), CPUTemperature)
	require.NoError(t, err)
	assert.Equal(t, 45.1, out.Readings[0].Value)
	assert.Equal(t, []string{"-n", "powermetrics", "--samplers", "smc", "-i1", "-n1"}, runner.args["sudo"])

	runner.err = map[string]error{"sudo": errors.New("sudo: a password is required")}
	_, err = p.Attempt(context.Background(), CPUTemperature)
	assert.Error(t, err)
}

func TestParseOptional(t *testing.T) {
	for _, s := range []string{"[N/A]", "[Not Supported]", "N/A", "", " "} {
		_, ok := parseOptional(s)
		assert.False(t, ok, s)
	}
	v, ok := parseOptional(" 37 %")
	assert.True(t, ok)
	assert.Equal(t, 37.0, v)
}

func TestHottestCPUSensor(t *testing.T) {
	sensors := []lhmSensor{
		{Name: "CPU Core #1", SensorType: "Temperature", Parent: "/intelcpu/0", Value: 51},
		{Name: "CPU Package", SensorType: "Temperature", Parent: "/intelcpu/0", Value: 58.5},
		{Name: "GPU Core", SensorType: "Temperature", Parent: "/gpu-nvidia/0", Value: 70},
		{Name: "CPU Core #1", SensorType: "Load", Parent: "/intelcpu/0", Value: 99},
	}
	v, ok := hottestCPUSensor(sensors)
	require.True(t, ok)
	assert.Equal(t, 58.5, v)

	_, ok = hottestCPUSensor(sensors[2:])
	assert.False(t, ok)
}

func TestDeciKelvinToCelsius(t *testing.T) {
	assert.InDelta(t, 26.85, deciKelvinToCelsius(3000), 1e-9)
}

func TestRegistrations(t *testing.T) {
	names := func(regs []Registration, metric Metric) []string {
		var out []string
		for _, reg := range regs {
			if reg.Metric == metric {
				out = append(out, reg.Probe.Name())
			}
		}
		return out
	}
	runner := &fakeRunner{}

	linux := Registrations("linux", Options{EnableGPU: true, Runner: runner})
	assert.Equal(t, []string{"host-sensors", "thermal-zone"}, names(linux, CPUTemperature))
	assert.Equal(t, []string{"nvidia-smi", "rocm-smi"}, names(linux, GPU))

	darwin := Registrations("darwin", Options{EnableGPU: true, GPUTemperatureProxy: true, Runner: runner})
	assert.Equal(t, []string{"host-sensors", "osx-cpu-temp", "powermetrics", "nvidia-smi"}, names(darwin, CPUTemperature))
	assert.Equal(t, []string{"nvidia-smi", "rocm-smi", "system_profiler"}, names(darwin, GPU))

	noGPU := Registrations("linux", Options{Runner: runner})
	assert.Empty(t, names(noGPU, GPU))

	for _, reg := range Registrations("linux", Options{ProbeTimeout: 300 * time.Millisecond, CommandTimeout: time.Second, EnableGPU: true}) {
		if reg.Metric == GPU {
			assert.Equal(t, time.Second, reg.Timeout)
		} else {
			assert.Equal(t, 300*time.Millisecond, reg.Timeout)
		}
	}
}

func TestChainBudgetScalesLongChains(t *testing.T) {
	runner := &fakeRunner{}
	regs := Registrations("darwin", Options{
		ProbeTimeout:   time.Second,
		CommandTimeout: 2 * time.Second,
		EnableGPU:      true,
		ChainBudget:    2 * time.Second,
		Runner:         runner,
	})
	timeouts := map[string]time.Duration{}
	for _, reg := range regs {
		timeouts[string(reg.Metric)+"/"+reg.Probe.Name()] = reg.Timeout
	}

	assert.Equal(t, 400*time.Millisecond, timeouts["cpu_temperature/host-sensors"])
	assert.Equal(t, 800*time.Millisecond, timeouts["cpu_temperature/osx-cpu-temp"])
	assert.Equal(t, 800*time.Millisecond, timeouts["cpu_temperature/powermetrics"])
	assert.Equal(t, 666*time.Millisecond, timeouts["gpu/nvidia-smi"].Truncate(time.Millisecond))

	linux := Registrations("linux", Options{ProbeTimeout: time.Second, ChainBudget: 5 * time.Second, Runner: runner})
	for _, reg := range linux {
		assert.Equal(t, time.Second, reg.Timeout, "chains within budget keep their timeouts")
	}
}

func TestChainBudgetFloor(t *testing.T) {
	regs := fitBudget([]Registration{
		{Metric: GPU, Probe: &fakeProbe{name: "a"}, Timeout: time.Second},
		{Metric: GPU, Probe: &fakeProbe{name: "b"}, Timeout: time.Second},
		{Metric: GPU, Probe: &fakeProbe{name: "c"}, Timeout: time.Second},
	}, 150*time.Millisecond)

	r := NewResolver(nil, regs...)
	for _, reg := range regs {
		assert.Equal(t, MinProbeTimeout, reg.Timeout)
	}
	assert.Equal(t, map[Metric]time.Duration{GPU: 300 * time.Millisecond}, r.Overruns(150*time.Millisecond))
	assert.Empty(t, r.Overruns(time.Second))
}

func TestDefaultChainsFitTheDefaultInterval(t *testing.T) {
	cfg := config.Default()
	opts := Options{
		ProbeTimeout:        cfg.ProbeTimeout,
		CommandTimeout:      cfg.CommandTimeout,
		EnableGPU:           true,
		GPUTemperatureProxy: true,
		ThermalRoot:         cfg.ThermalRoot,
		ChainBudget:         cfg.ChainBudget(),
		Runner:              &fakeRunner{},
	}
	for _, goos := range []string{"linux", "darwin", "windows"} {
		r := NewResolver(nil, Registrations(goos, opts)...)
		for _, metric := range []Metric{CPUTemperature, GPU} {
			assert.LessOrEqual(t, r.WorstCase(metric), cfg.ChainBudget(), "%s %s", goos, metric)
		}
		assert.Empty(t, r.Overruns(cfg.Interval), goos)
	}
}
