package sensor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Options selects and tunes the probes registered for a platform.
type Options struct {
	// ProbeTimeout bounds in-process probes (sensor APIs, sysfs, WMI).
	ProbeTimeout time.Duration
	// CommandTimeout bounds probes that shell out to vendor tools.
	CommandTimeout time.Duration
	EnableGPU      bool
	// GPUTemperatureProxy appends nvidia-smi to the CPU temperature
	// chain as a last resort. Its readings are labelled "gpu-proxy".
	GPUTemperatureProxy bool
	ThermalRoot         string
	// HelperPath, if set on Windows, is a LibreHardwareMonitor executable
	// started before probing and stopped when the resolver closes.
	HelperPath string
	// ChainBudget, if positive, caps how long one chain may take. The
	// timeouts of a longer chain are scaled down to fit.
	ChainBudget time.Duration
	Runner      Runner
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 2 * DefaultTimeout
	}
	if o.Runner == nil {
		o.Runner = ExecRunner{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ForPlatform builds the resolver for the running OS and starts any
// helper process its probes need. A helper that fails to start is
// logged; the rest of the chain still works.
func ForPlatform(ctx context.Context, opts Options) *Resolver {
	opts = opts.withDefaults()
	r := NewResolver(opts.Logger, Registrations(runtime.GOOS, opts)...)

	if runtime.GOOS == "windows" && opts.HelperPath != "" {
		helper := &Helper{Path: opts.HelperPath, Settle: 3 * time.Second, Logger: opts.Logger}
		if err := helper.Start(ctx); err != nil {
			opts.Logger.Warn("hardware monitor helper unavailable", "error", err)
		}
		r.OnClose(helper)
	}
	for _, metric := range []Metric{CPUTemperature, GPU} {
		opts.Logger.Debug("probe chain", "metric", metric, "probes", r.Chain(metric), "worst_case", r.WorstCase(metric))
	}
	return r
}

// Registrations returns the probe chains for goos in preference order.
func Registrations(goos string, opts Options) []Registration {
	opts = opts.withDefaults()
	inproc := func(p Probe) Registration {
		return Registration{Metric: CPUTemperature, Probe: p, Timeout: opts.ProbeTimeout}
	}
	command := func(m Metric, p Probe) Registration {
		return Registration{Metric: m, Probe: p, Timeout: opts.CommandTimeout}
	}

	var regs []Registration
	switch goos {
	case "windows":
		for _, p := range windowsProbes() {
			regs = append(regs, inproc(p))
		}
		regs = append(regs, inproc(NewHostSensors()))
	case "darwin":
		regs = append(regs,
			inproc(NewHostSensors()),
			command(CPUTemperature, NewOSXCPUTemp(opts.Runner)),
			command(CPUTemperature, NewPowermetrics(opts.Runner, os.Geteuid() != 0)),
		)
	default:
		regs = append(regs,
			inproc(NewHostSensors()),
			inproc(NewThermalZones(opts.ThermalRoot)),
		)
	}

	nvidia := NewNvidiaSMI(opts.Runner)
	if opts.GPUTemperatureProxy {
		regs = append(regs, command(CPUTemperature, nvidia))
	}
	if opts.EnableGPU {
		regs = append(regs,
			command(GPU, nvidia),
			command(GPU, NewRocmSMI(opts.Runner)),
		)
		if goos == "darwin" {
			regs = append(regs, command(GPU, NewSystemProfiler(opts.Runner)))
		}
	}
	if opts.ChainBudget > 0 {
		regs = fitBudget(regs, opts.ChainBudget)
	}
	return regs
}

// MinProbeTimeout is the shortest timeout fitBudget gives a probe.
const MinProbeTimeout = 100 * time.Millisecond

// fitBudget scales the timeouts of each chain whose worst case exceeds
// budget, keeping their proportions. A chain too long to fit at
// MinProbeTimeout per probe still overruns.
func fitBudget(regs []Registration, budget time.Duration) []Registration {
	worst := make(map[Metric]time.Duration)
	for _, reg := range regs {
		worst[reg.Metric] += reg.Timeout
	}
	out := make([]Registration, len(regs))
	for i, reg := range regs {
		if w := worst[reg.Metric]; w > budget {
			scaled := time.Duration(float64(reg.Timeout) * float64(budget) / float64(w))
			reg.Timeout = max(scaled, MinProbeTimeout)
		}
		out[i] = reg
	}
	return out
}
