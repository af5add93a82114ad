// Package rate turns cumulative counters into per-second rates by
// differencing two successive samples.
package rate

import (
	"errors"
	"time"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// MinElapsed is the smallest interval a rate is computed over. Shorter
// intervals are dominated by clock granularity.
const MinElapsed = 100 * time.Millisecond

var (
	ErrNoPrevious       = errors.New("no previous sample")
	ErrCounterReset     = errors.New("counter reset")
	ErrIntervalTooShort = errors.New("interval too short")
	ErrNoCounter        = errors.New("counter not sampled")
)

// Field selects one cumulative counter from a sample. The bool reports
// whether the counter group was read successfully.
type Field struct {
	Name string
	get  func(model.RawCounterSample) (uint64, bool)
}

var (
	BytesSent = Field{"bytes_sent", func(s model.RawCounterSample) (uint64, bool) { return s.BytesSent, s.HasNet }}
	BytesRecv = Field{"bytes_recv", func(s model.RawCounterSample) (uint64, bool) { return s.BytesRecv, s.HasNet }}
	DiskRead  = Field{"disk_read_bytes", func(s model.RawCounterSample) (uint64, bool) { return s.DiskReadBytes, s.HasDisk }}
	DiskWrite = Field{"disk_write_bytes", func(s model.RawCounterSample) (uint64, bool) { return s.DiskWriteBytes, s.HasDisk }}
)

// Compute returns field's rate between previous and current. It never
// returns a negative rate: a decreasing counter yields ErrCounterReset.
func Compute(current model.RawCounterSample, previous *model.RawCounterSample, field Field) (model.RateMetric, error) {
	if previous == nil {
		return model.RateMetric{}, ErrNoPrevious
	}
	cur, ok := field.get(current)
	if !ok {
		return model.RateMetric{}, ErrNoCounter
	}
	prev, ok := field.get(*previous)
	if !ok {
		return model.RateMetric{}, ErrNoCounter
	}
	perSec, err := PerSecond(cur, prev, current.Timestamp.Sub(previous.Timestamp))
	if err != nil {
		return model.RateMetric{}, err
	}
	return model.RateMetric{BytesPerSec: perSec}, nil
}

// PerSecond divides the counter delta by elapsed.
func PerSecond(current, previous uint64, elapsed time.Duration) (float64, error) {
	if elapsed < MinElapsed {
		return 0, ErrIntervalTooShort
	}
	if current < previous {
		return 0, ErrCounterReset
	}
	return float64(current-previous) / elapsed.Seconds(), nil
}

// Utilization returns the busy share of CPU time between two readings
// as a percentage in [0, 100].
func Utilization(previous, current *model.CPUTimes) (float64, error) {
	if previous == nil {
		return 0, ErrNoPrevious
	}
	if current == nil {
		return 0, ErrNoCounter
	}
	if current.Total < previous.Total || current.Busy < previous.Busy {
		return 0, ErrCounterReset
	}
	total := current.Total - previous.Total
	if total <= 0 {
		return 0, ErrIntervalTooShort
	}
	pct := 100 * (current.Busy - previous.Busy) / total
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// Cores returns per-core utilization. It fails unless both readings
// cover the same number of cores.
func Cores(previous, current []model.CPUTimes) ([]float64, error) {
	if len(previous) == 0 {
		return nil, ErrNoPrevious
	}
	if len(current) != len(previous) {
		return nil, ErrCounterReset
	}
	out := make([]float64, len(current))
	for i := range current {
		pct, err := Utilization(&previous[i], &current[i])
		if err != nil {
			return nil, err
		}
		out[i] = model.Round(pct, 1)
	}
	return out, nil
}
