// Package counters reads cumulative OS counters and instantaneous gauges
// through gopsutil.
package counters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
	"github.com/Dicklesworthstone/sysmoni/internal/rate"
)

// ErrNoCounters means the host exposes none of the counters the sampler
// is built on. Sampling cannot start.
var ErrNoCounters = errors.New("no counter-reading capability on this host")

// PseudoFilesystems are never reported as disks.
var PseudoFilesystems = map[string]bool{
	"": true, "tmpfs": true, "devtmpfs": true, "squashfs": true, "overlay": true,
	"devfs": true, "autofs": true, "proc": true, "sysfs": true, "cgroup": true,
	"cgroup2": true, "nsfs": true, "tracefs": true, "debugfs": true, "securityfs": true,
	"pstore": true, "bpf": true, "configfs": true, "fusectl": true, "mqueue": true,
	"hugetlbfs": true, "devpts": true, "binfmt_misc": true, "ramfs": true,
}

// virtualBlockPrefixes are block devices whose I/O is already counted on
// the physical device beneath them.
var virtualBlockPrefixes = []string{"loop", "ram", "zram", "dm-", "sr", "fd"}

// CPUInfo is static-ish CPU information.
type CPUInfo struct {
	Count        int
	FrequencyMHz *float64
}

// Source is everything the assembler reads from the OS. Each method
// fails independently.
type Source interface {
	// Check returns ErrNoCounters if no counter can be read at all.
	Check(ctx context.Context) error
	// Counters reads the cumulative counters. A partial sample is
	// returned with an error naming the groups that failed.
	Counters(ctx context.Context) (model.RawCounterSample, error)
	// CPUPercent measures utilization over window, for the first tick
	// when no previous CPU times exist.
	CPUPercent(ctx context.Context, window time.Duration) (float64, []float64, error)
	CPUInfo(ctx context.Context) (CPUInfo, error)
	Memory(ctx context.Context) (model.Memory, error)
	Swap(ctx context.Context) (model.Swap, error)
	Disks(ctx context.Context) ([]model.Disk, error)
	Load(ctx context.Context) (model.SystemLoad, error)
	Host(ctx context.Context) (model.System, error)
}

// Gopsutil is the production Source.
type Gopsutil struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewGopsutil(logger *slog.Logger) *Gopsutil {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gopsutil{logger: logger, now: time.Now}
}

func (g *Gopsutil) Check(ctx context.Context) error {
	_, cpuErr := cpu.TimesWithContext(ctx, false)
	_, memErr := mem.VirtualMemoryWithContext(ctx)
	_, netErr := net.IOCountersWithContext(ctx, false)
	if cpuErr != nil && memErr != nil && netErr != nil {
		return fmt.Errorf("%w: %w", ErrNoCounters, errors.Join(cpuErr, memErr, netErr))
	}
	return nil
}

func (g *Gopsutil) Counters(ctx context.Context) (model.RawCounterSample, error) {
	s := model.RawCounterSample{Timestamp: g.now().UTC()}
	var errs []error

	if nets, err := net.IOCountersWithContext(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("network counters: %w", err))
	} else if len(nets) > 0 {
		s.BytesSent, s.BytesRecv = nets[0].BytesSent, nets[0].BytesRecv
		s.PacketsSent, s.PacketsRecv = nets[0].PacketsSent, nets[0].PacketsRecv
		s.HasNet = true
	} else {
		errs = append(errs, errors.New("network counters: no interfaces"))
	}

	if ios, err := disk.IOCountersWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disk counters: %w", err))
	} else {
		s.DiskReadBytes, s.DiskWriteBytes = sumDiskIO(ios)
		s.HasDisk = true
	}

	if total, cores, err := readCPUTimes(ctx); err != nil {
		errs = append(errs, err)
	} else {
		s.CPU, s.Cores = total, cores
	}
	return s, errors.Join(errs...)
}

// readCPUTimes returns aggregate and per-core CPU times. Per-core times
// are best effort and may be nil.
func readCPUTimes(ctx context.Context) (*model.CPUTimes, []model.CPUTimes, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return nil, nil, fmt.Errorf("cpu times: %w", errOrEmpty(err))
	}
	var cores []model.CPUTimes
	if perCore, err := cpu.TimesWithContext(ctx, true); err == nil {
		cores = make([]model.CPUTimes, len(perCore))
		for i, c := range perCore {
			cores[i] = *cpuTimes(c)
		}
	}
	return cpuTimes(times[0]), cores, nil
}

func cpuTimes(t cpu.TimesStat) *model.CPUTimes {
	total := t.Total()
	return &model.CPUTimes{Busy: total - t.Idle - t.Iowait, Total: total}
}

// sumDiskIO totals whole-disk counters. Partitions (sda1, nvme0n1p2) and
// virtual devices are skipped so no byte is counted twice.
func sumDiskIO(ios map[string]disk.IOCountersStat) (read, write uint64) {
	names := make([]string, 0, len(ios))
	for name := range ios {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if isVirtualBlock(name) || isPartition(name, ios) {
			continue
		}
		read += ios[name].ReadBytes
		write += ios[name].WriteBytes
	}
	return read, write
}

func isVirtualBlock(name string) bool {
	for _, prefix := range virtualBlockPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// isPartition reports whether name is a numbered child of another
// device in ios, e.g. sda1 of sda or nvme0n1p1 of nvme0n1. A parent
// ending in a digit needs the "p" separator, so md10 is not a child of
// md1 and nvme0n10 is not a child of nvme0n1.
func isPartition(name string, ios map[string]disk.IOCountersStat) bool {
	for parent := range ios {
		if parent == "" || parent == name || !strings.HasPrefix(name, parent) {
			continue
		}
		suffix := strings.TrimPrefix(name, parent)
		if isDigit(parent[len(parent)-1]) {
			var ok bool
			if suffix, ok = strings.CutPrefix(suffix, "p"); !ok {
				continue
			}
		}
		if suffix != "" && strings.Trim(suffix, "0123456789") == "" {
			return true
		}
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// CPUPercent differences two CPU time readings taken window apart, so the
// total and per-core figures cover the same span.
func (g *Gopsutil) CPUPercent(ctx context.Context, window time.Duration) (float64, []float64, error) {
	before, beforeCores, err := readCPUTimes(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("cpu percent: %w", err)
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("cpu percent: %w", ctx.Err())
	case <-timer.C:
	}
	after, afterCores, err := readCPUTimes(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("cpu percent: %w", err)
	}
	total, err := rate.Utilization(before, after)
	if err != nil {
		return 0, nil, fmt.Errorf("cpu percent: %w", err)
	}
	perCore, err := rate.Cores(beforeCores, afterCores)
	if err != nil {
		perCore = nil
	}
	return model.Round(total, 1), perCore, nil
}

func (g *Gopsutil) CPUInfo(ctx context.Context) (CPUInfo, error) {
	info := CPUInfo{Count: runtime.NumCPU()}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.Count = n
	}
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("cpu info: %w", err)
	}
	if len(infos) > 0 && infos[0].Mhz > 0 {
		info.FrequencyMHz = model.Float(model.Round(infos[0].Mhz, 0))
	}
	return info, nil
}

func (g *Gopsutil) Memory(ctx context.Context) (model.Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("virtual memory: %w", err)
	}
	return model.Memory{
		TotalGB:     model.GB(vm.Total),
		UsedGB:      model.GB(vm.Used),
		AvailableGB: model.GB(vm.Available),
		Percent:     model.Round(vm.UsedPercent, 1),
	}, nil
}

func (g *Gopsutil) Swap(ctx context.Context) (model.Swap, error) {
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return model.Swap{}, fmt.Errorf("swap memory: %w", err)
	}
	return model.Swap{
		TotalGB: model.GB(sw.Total),
		UsedGB:  model.GB(sw.Used),
		Percent: model.Round(sw.UsedPercent, 1),
	}, nil
}

// Disks reports usage of every real mounted filesystem. Partitions that
// cannot be stat'ed are skipped.
func (g *Gopsutil) Disks(ctx context.Context) ([]model.Disk, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil && len(parts) == 0 {
		return nil, fmt.Errorf("partitions: %w", err)
	}
	disks := make([]model.Disk, 0, len(parts))
	seen := make(map[string]bool)
	for _, p := range parts {
		if PseudoFilesystems[p.Fstype] || seen[p.Mountpoint] {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			g.logger.Debug("skipping partition", "mountpoint", p.Mountpoint, "error", err)
			continue
		}
		seen[p.Mountpoint] = true
		disks = append(disks, model.Disk{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Fstype:     p.Fstype,
			TotalGB:    model.GB(usage.Total),
			UsedGB:     model.GB(usage.Used),
			FreeGB:     model.GB(usage.Free),
			Percent:    model.Round(usage.UsedPercent, 1),
		})
	}
	return disks, nil
}

func (g *Gopsutil) Load(ctx context.Context) (model.SystemLoad, error) {
	var out model.SystemLoad
	var avgErr error
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.LoadAverage = &model.LoadAverage{
			One:     model.Round(avg.Load1, 2),
			Five:    model.Round(avg.Load5, 2),
			Fifteen: model.Round(avg.Load15, 2),
		}
	} else {
		avgErr = err
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return model.SystemLoad{}, fmt.Errorf("processes: %w", errors.Join(err, avgErr))
	}
	out.TotalProcesses = len(procs)
	usage := make([]model.ProcessUsage, 0, len(procs))
	for _, p := range procs {
		if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
			switch status[0] {
			case process.Running:
				out.RunningProcesses++
			case process.Sleep, process.Idle:
				out.SleepingProcesses++
			case process.Zombie:
				out.ZombieProcesses++
			}
		}
		// Kernel threads without a name are skipped.
		name, _ := p.NameWithContext(ctx)
		if name == "" {
			continue
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		usage = append(usage, model.ProcessUsage{
			PID:           p.Pid,
			Name:          name,
			CPUPercent:    model.Round(cpuPct, 1),
			MemoryPercent: model.Round(float64(memPct), 1),
		})
	}
	out.TopCPUProcesses = topByCPU(usage, TopProcesses)
	return out, nil
}

// TopProcesses is how many processes system_load lists by CPU usage.
const TopProcesses = 5

// topByCPU returns the n entries with the highest CPU share, highest
// first. Ties keep PID order.
func topByCPU(usage []model.ProcessUsage, n int) []model.ProcessUsage {
	sort.SliceStable(usage, func(i, j int) bool { return usage[i].PID < usage[j].PID })
	sort.SliceStable(usage, func(i, j int) bool { return usage[i].CPUPercent > usage[j].CPUPercent })
	if len(usage) > n {
		usage = usage[:n]
	}
	return usage
}

func (g *Gopsutil) Host(ctx context.Context) (model.System, error) {
	sys := model.System{Platform: PlatformName(runtime.GOOS), Architecture: runtime.GOARCH}
	sys.Hostname, _ = os.Hostname()
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return sys, fmt.Errorf("host info: %w", err)
	}
	if info.Hostname != "" {
		sys.Hostname = info.Hostname
	}
	if info.KernelArch != "" {
		sys.Architecture = info.KernelArch
	}
	sys.Version = info.KernelVersion
	if runtime.GOOS != "linux" && info.PlatformVersion != "" {
		sys.Version = info.PlatformVersion
	}
	return sys, nil
}

// PlatformName is the display name of an OS as reported in snapshots.
func PlatformName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	}
	return goos
}

func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return errors.New("empty result")
}
