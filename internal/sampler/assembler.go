package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/sysmoni/internal/counters"
	"github.com/Dicklesworthstone/sysmoni/internal/model"
	"github.com/Dicklesworthstone/sysmoni/internal/rate"
	"github.com/Dicklesworthstone/sysmoni/internal/sensor"
)

// DefaultFirstTickWindow is how long the first tick measures CPU usage
// when there are no previous CPU times to difference against.
const DefaultFirstTickWindow = 250 * time.Millisecond

// SensorResolver resolves a metric through its probe chain.
type SensorResolver interface {
	Resolve(ctx context.Context, metric sensor.Metric) sensor.Resolution
}

// Assembler builds one Snapshot per call from a counter source and a
// sensor resolver. Sections are collected concurrently and fail
// independently.
type Assembler struct {
	source  counters.Source
	sensors SensorResolver
	logger  *slog.Logger

	// GPU enables the gpu section. When false it reports "disabled".
	GPU bool
	// FirstTickWindow is the blocking CPU measurement used when no
	// previous CPU times exist.
	FirstTickWindow time.Duration
	// SectionTimeout, if set, bounds each gauge read.
	SectionTimeout time.Duration

	hostMu sync.Mutex
	host   *model.System

	now func() time.Time
}

func NewAssembler(source counters.Source, sensors SensorResolver, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		source:          source,
		sensors:         sensors,
		logger:          logger,
		GPU:             true,
		FirstTickWindow: DefaultFirstTickWindow,
		now:             time.Now,
	}
}

// Check reports whether the counter source can read anything at all.
func (a *Assembler) Check(ctx context.Context) error {
	return a.source.Check(ctx)
}

// unavailable collects per-section failure reasons from concurrent
// collectors.
type unavailable struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (u *unavailable) set(section string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.reasons == nil {
		u.reasons = make(map[string]string)
	}
	if _, ok := u.reasons[section]; !ok {
		u.reasons[section] = err.Error()
	}
}

// Assemble collects one snapshot. previous is the counter sample of the
// last successful tick, or nil on the first.
func (a *Assembler) Assemble(ctx context.Context, previous *model.RawCounterSample) model.Snapshot {
	snap := model.Snapshot{
		Timestamp:     a.now().UTC(),
		SchemaVersion: model.SchemaVersion,
		GPU:           model.NoGPU(),
	}
	var (
		u           unavailable
		g           errgroup.Group
		raw         model.RawCounterSample
		info        counters.CPUInfo
		fallback    *float64
		fallbackPer []float64
		tempRes     sensor.Resolution
		gpuRes      sensor.Resolution
	)

	run := func(section string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("section collector panicked", "section", section, "panic", r)
					u.set(section, fmt.Errorf("panic: %v", r))
				}
			}()
			sctx := ctx
			if a.SectionTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, a.SectionTimeout)
				defer cancel()
			}
			if err := fn(sctx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("timeout: %w", err)
				}
				a.logger.Debug("section unavailable", "section", section, "error", err)
				u.set(section, err)
			}
			return nil
		})
	}

	run(model.SectionCounters, func(ctx context.Context) error {
		var err error
		raw, err = a.source.Counters(ctx)
		return err
	})
	run(model.SectionSystem, func(ctx context.Context) error {
		sys, err := a.system(ctx)
		snap.System = sys
		return err
	})
	run(model.SectionCPU, func(ctx context.Context) error {
		var err error
		info, err = a.source.CPUInfo(ctx)
		return err
	})
	if previous == nil || previous.CPU == nil {
		run(model.SectionCPUUsage, func(ctx context.Context) error {
			pct, perCore, err := a.source.CPUPercent(ctx, a.FirstTickWindow)
			if err != nil {
				return err
			}
			fallback, fallbackPer = model.Float(pct), perCore
			return nil
		})
	}
	run(model.SectionMemory, func(ctx context.Context) error {
		m, err := a.source.Memory(ctx)
		if err == nil {
			snap.Memory = &m
		}
		return err
	})
	run(model.SectionSwap, func(ctx context.Context) error {
		s, err := a.source.Swap(ctx)
		if err == nil {
			snap.Swap = &s
		}
		return err
	})
	run(model.SectionDisk, func(ctx context.Context) error {
		d, err := a.source.Disks(ctx)
		snap.Disk = d
		return err
	})
	run(model.SectionSystemLoad, func(ctx context.Context) error {
		l, err := a.source.Load(ctx)
		if err == nil {
			snap.SystemLoad = &l
		}
		return err
	})

	// Sensor chains carry their own per-probe timeouts.
	resolve := func(section string, metric sensor.Metric, dst *sensor.Resolution) {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("sensor resolution panicked", "metric", metric, "panic", r)
					u.set(section, fmt.Errorf("panic: %v", r))
				}
			}()
			*dst = a.sensors.Resolve(ctx, metric)
			for _, f := range dst.Failures {
				a.logger.Debug("probe failed", "metric", metric, "probe", f.Probe, "reason", f.Reason, "error", f.Err)
			}
			if err := dst.Err(); err != nil {
				u.set(section, err)
			}
			return nil
		})
	}
	if a.sensors != nil {
		resolve(model.SectionCPUTemperature, sensor.CPUTemperature, &tempRes)
		if a.GPU {
			resolve(model.SectionGPU, sensor.GPU, &gpuRes)
		}
	} else {
		u.set(model.SectionCPUTemperature, errors.New("no sensor resolver"))
	}
	if !a.GPU {
		u.set(model.SectionGPU, errors.New("disabled"))
	}

	_ = g.Wait()

	snap.Counters = raw
	snap.CPU = a.cpu(&u, raw, previous, info, fallback, fallbackPer)
	if tempRes.Available() {
		snap.CPU.Temperature = tempRes.Value(model.KindTemperature, "")
		snap.CPU.TemperatureSource = model.String(tempRes.Source)
		snap.Sensors = append(snap.Sensors, tempRes.Readings...)
	}
	if gpuRes.Available() {
		snap.GPU = gpuSection(gpuRes)
		snap.Sensors = append(snap.Sensors, gpuRes.Readings...)
	}
	snap.Network = network(&u, raw, previous)
	snap.DiskIO = diskIO(&u, raw, previous)

	if snap.Disk == nil {
		snap.Disk = []model.Disk{}
	}
	if len(u.reasons) > 0 {
		snap.Unavailable = u.reasons
	}
	return snap
}

// system returns the host identity, read once and then cached.
func (a *Assembler) system(ctx context.Context) (model.System, error) {
	a.hostMu.Lock()
	defer a.hostMu.Unlock()
	if a.host != nil {
		return *a.host, nil
	}
	sys, err := a.source.Host(ctx)
	if err != nil {
		return sys, err
	}
	a.host = &sys
	return sys, nil
}

func (a *Assembler) cpu(u *unavailable, raw model.RawCounterSample, previous *model.RawCounterSample, info counters.CPUInfo, fallback *float64, fallbackPer []float64) model.CPU {
	c := model.CPU{Count: info.Count, FrequencyMHz: info.FrequencyMHz}
	if fallback != nil {
		c.UsagePercent, c.PerCorePercent = fallback, fallbackPer
		return c
	}
	if previous == nil || previous.CPU == nil {
		// The fallback measurement failed and recorded its reason.
		return c
	}
	pct, err := rate.Utilization(previous.CPU, raw.CPU)
	if err != nil {
		u.set(model.SectionCPUUsage, err)
		return c
	}
	c.UsagePercent = model.Float(model.Round(pct, 1))
	if cores, err := rate.Cores(previous.Cores, raw.Cores); err == nil {
		c.PerCorePercent = cores
	}
	return c
}

func network(u *unavailable, raw model.RawCounterSample, previous *model.RawCounterSample) *model.Network {
	if !raw.HasNet {
		u.set(model.SectionNetwork, errors.New("network counters not read"))
		return nil
	}
	n := &model.Network{
		BytesSentMB: model.MB(raw.BytesSent),
		BytesRecvMB: model.MB(raw.BytesRecv),
		PacketsSent: raw.PacketsSent,
		PacketsRecv: raw.PacketsRecv,
	}
	n.SentBytesPerSec = rateOf(u, model.SectionNetworkRates, raw, previous, rate.BytesSent)
	n.RecvBytesPerSec = rateOf(u, model.SectionNetworkRates, raw, previous, rate.BytesRecv)
	return n
}

func diskIO(u *unavailable, raw model.RawCounterSample, previous *model.RawCounterSample) model.DiskIO {
	return model.DiskIO{
		ReadBytesPerSec:  rateOf(u, model.SectionDiskIO, raw, previous, rate.DiskRead),
		WriteBytesPerSec: rateOf(u, model.SectionDiskIO, raw, previous, rate.DiskWrite),
	}
}

func rateOf(u *unavailable, section string, raw model.RawCounterSample, previous *model.RawCounterSample, field rate.Field) *float64 {
	m, err := rate.Compute(raw, previous, field)
	if err != nil {
		u.set(section, fmt.Errorf("%s: %w", field.Name, err))
		return nil
	}
	return model.Float(model.Round(m.BytesPerSec, 1))
}

func gpuSection(res sensor.Resolution) model.GPU {
	name := res.Device
	if name == "" {
		name = "Unknown GPU"
	}
	return model.GPU{
		Available:     true,
		Name:          name,
		Vendor:        res.Vendor,
		Source:        res.Source,
		Temperature:   res.Value(model.KindTemperature, ""),
		Utilization:   res.Value(model.KindUtilization, ""),
		MemoryUsedMB:  res.Value(model.KindMemory, model.LabelMemoryUsed),
		MemoryTotalMB: res.Value(model.KindMemory, model.LabelMemoryTotal),
		PowerW:        res.Value(model.KindPower, ""),
		ClockMHz:      res.Value(model.KindClock, ""),
		FanPercent:    res.Value(model.KindFan, ""),
	}
}
