package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// ErrUnsupported is returned by a probe asked for a metric it cannot read.
var ErrUnsupported = errors.New("metric not supported by probe")

// Reason classifies why a probe did not produce a usable reading.
type Reason string

const (
	ReasonUnsupported Reason = "unsupported"
	ReasonError       Reason = "error"
	ReasonTimeout     Reason = "timeout"
	ReasonImplausible Reason = "implausible"
	ReasonEmpty       Reason = "empty"
)

// Failure records one failed probe attempt.
type Failure struct {
	Probe  string
	Metric Metric
	Reason Reason
	Err    error
}

func (f Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Probe, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Probe, f.Reason, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}
	return ReasonError
}

// Bounds is the closed range a plausible reading of one kind falls in.
// MinExclusive excludes Min itself.
type Bounds struct {
	Min, Max     float64
	MinExclusive bool
}

var plausible = map[model.Kind]Bounds{
	model.KindTemperature: {Min: 0, Max: 150, MinExclusive: true},
	model.KindUtilization: {Min: 0, Max: 100},
	model.KindMemory:      {Min: 0, Max: 16 << 20},
	model.KindPower:       {Min: 0, Max: 2000},
	model.KindClock:       {Min: 0, Max: 10000, MinExclusive: true},
	model.KindFan:         {Min: 0, Max: 100},
}

// BoundsFor returns the plausibility range for kind.
func BoundsFor(kind model.Kind) (Bounds, bool) {
	b, ok := plausible[kind]
	return b, ok
}

// Plausible reports whether v is a believable value for kind.
func Plausible(kind model.Kind, v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	b, ok := plausible[kind]
	if !ok {
		return false
	}
	if b.MinExclusive && v <= b.Min {
		return false
	}
	return v >= b.Min && v <= b.Max
}
