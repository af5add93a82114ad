package model

import (
	"math"
	"time"
)

// SchemaVersion is bumped whenever the JSON shape of Snapshot changes.
const SchemaVersion = 1

// Section names used as keys in Snapshot.Unavailable.
const (
	SectionSystem         = "system"
	SectionCounters       = "counters"
	SectionCPU            = "cpu"
	SectionCPUUsage       = "cpu.usage"
	SectionCPUTemperature = "cpu.temperature"
	SectionMemory         = "memory"
	SectionSwap           = "swap"
	SectionDisk           = "disk"
	SectionDiskIO         = "disk_io"
	SectionNetwork        = "network"
	SectionNetworkRates   = "network.rates"
	SectionGPU            = "gpu"
	SectionSystemLoad     = "system_load"
)

// Snapshot is the normalized output of one sampling tick. It is never
// mutated after the assembler returns it.
//
// Nil pointers mean "unavailable" and serialize as null; the reason is
// recorded under the section name in Unavailable.
type Snapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	SchemaVersion int               `json:"schema_version"`
	System        System            `json:"system"`
	CPU           CPU               `json:"cpu"`
	Memory        *Memory           `json:"memory"`
	Swap          *Swap             `json:"swap"`
	Disk          []Disk            `json:"disk"`
	DiskIO        DiskIO            `json:"disk_io"`
	Network       *Network          `json:"network"`
	GPU           GPU               `json:"gpu"`
	SystemLoad    *SystemLoad       `json:"system_load"`
	Sensors       []SensorReading   `json:"sensors,omitempty"`
	Counters      RawCounterSample  `json:"counters"`
	Unavailable   map[string]string `json:"unavailable,omitempty"`
}

// System is the static host identity.
type System struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
}

// CPU aggregates CPU gauges.
type CPU struct {
	UsagePercent      *float64  `json:"usage_percent"`
	PerCorePercent    []float64 `json:"per_core_percent,omitempty"`
	Count             int       `json:"count"`
	FrequencyMHz      *float64  `json:"frequency_mhz"`
	Temperature       *float64  `json:"temperature"`
	TemperatureSource *string   `json:"temperature_source"`
}

// Memory captures RAM usage.
type Memory struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	AvailableGB float64 `json:"available_gb"`
	Percent     float64 `json:"percent"`
}

// Swap captures swap usage.
type Swap struct {
	TotalGB float64 `json:"total_gb"`
	UsedGB  float64 `json:"used_gb"`
	Percent float64 `json:"percent"`
}

// Disk is the usage of one mounted partition.
type Disk struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	Fstype     string  `json:"fstype"`
	TotalGB    float64 `json:"total_gb"`
	UsedGB     float64 `json:"used_gb"`
	FreeGB     float64 `json:"free_gb"`
	Percent    float64 `json:"percent"`
}

// DiskIO holds aggregate disk throughput.
type DiskIO struct {
	ReadBytesPerSec  *float64 `json:"read_bytes_per_sec"`
	WriteBytesPerSec *float64 `json:"write_bytes_per_sec"`
}

// Network holds cumulative totals and throughput for all interfaces.
type Network struct {
	BytesSentMB     float64  `json:"bytes_sent_mb"`
	BytesRecvMB     float64  `json:"bytes_recv_mb"`
	PacketsSent     uint64   `json:"packets_sent"`
	PacketsRecv     uint64   `json:"packets_recv"`
	SentBytesPerSec *float64 `json:"sent_bytes_per_sec"`
	RecvBytesPerSec *float64 `json:"recv_bytes_per_sec"`
}

// GPU is the primary GPU. Sub-fields are independently nullable.
type GPU struct {
	Available     bool     `json:"available"`
	Name          string   `json:"name"`
	Vendor        string   `json:"vendor,omitempty"`
	Source        string   `json:"source,omitempty"`
	Temperature   *float64 `json:"temperature"`
	Utilization   *float64 `json:"utilization"`
	MemoryUsedMB  *float64 `json:"memory_used_mb"`
	MemoryTotalMB *float64 `json:"memory_total_mb"`
	PowerW        *float64 `json:"power_w"`
	ClockMHz      *float64 `json:"clock_mhz"`
	FanPercent    *float64 `json:"fan_percent"`
}

// NoGPU is the GPU section reported when no backend found a device.
func NoGPU() GPU { return GPU{Name: "N/A"} }

// LoadAverage is the 1/5/15 minute run-queue average.
type LoadAverage struct {
	One     float64 `json:"1min"`
	Five    float64 `json:"5min"`
	Fifteen float64 `json:"15min"`
}

// SystemLoad summarizes scheduler load and process states.
type SystemLoad struct {
	LoadAverage       *LoadAverage `json:"load_average"`
	TotalProcesses    int          `json:"total_processes"`
	RunningProcesses  int          `json:"running_processes"`
	SleepingProcesses int          `json:"sleeping_processes"`
	ZombieProcesses   int          `json:"zombie_processes"`
	// TopCPUProcesses holds the busiest processes, highest CPU first.
	TopCPUProcesses []ProcessUsage `json:"top_cpu_processes"`
}

// ProcessUsage is one entry of the top CPU list. CPUPercent is the
// process's average share of one CPU since it started.
type ProcessUsage struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// GB converts bytes to GiB rounded to two places.
func GB(b uint64) float64 { return Round(float64(b)/(1<<30), 2) }

// MB converts bytes to MiB rounded to two places.
func MB(b uint64) float64 { return Round(float64(b)/(1<<20), 2) }
