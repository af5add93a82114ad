package model

import "time"

// CPUTimes holds cumulative CPU seconds. Busy excludes idle and iowait.
type CPUTimes struct {
	Busy  float64 `json:"busy"`
	Total float64 `json:"total"`
}

// RawCounterSample is one read of the cumulative OS counters. Values only
// grow within a boot; a decrease means the counter was reset.
type RawCounterSample struct {
	Timestamp      time.Time  `json:"timestamp"`
	BytesSent      uint64     `json:"bytes_sent"`
	BytesRecv      uint64     `json:"bytes_recv"`
	PacketsSent    uint64     `json:"packets_sent"`
	PacketsRecv    uint64     `json:"packets_recv"`
	DiskReadBytes  uint64     `json:"disk_read_bytes"`
	DiskWriteBytes uint64     `json:"disk_write_bytes"`
	HasNet         bool       `json:"has_net"`
	HasDisk        bool       `json:"has_disk"`
	CPU            *CPUTimes  `json:"cpu_times"`
	Cores          []CPUTimes `json:"core_times"`
}

// RateMetric is a throughput derived from two RawCounterSamples.
type RateMetric struct {
	BytesPerSec float64 `json:"bytes_per_sec"`
}
