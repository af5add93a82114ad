// Package sensor resolves hardware sensor readings (CPU temperature, GPU
// telemetry) through ordered chains of backend probes.
//
// Each metric has a chain of probes registered for the current platform.
// Probes are tried in order under their own timeout; the first one that
// returns a plausible value wins. When every probe fails the metric is
// reported as unavailable together with each probe's Failure, never as
// a zero value.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/sysmoni/internal/logging"
	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// Metric names a value the resolver can be asked for.
type Metric string

const (
	CPUTemperature Metric = "cpu_temperature"
	GPU            Metric = "gpu"
)

// primaryKind is the reading kind a metric must produce to count as
// resolved. Metrics without a primary kind (GPU) succeed on any
// plausible reading or a detected device.
var primaryKind = map[Metric]model.Kind{
	CPUTemperature: model.KindTemperature,
}

// DefaultTimeout bounds a probe registered without an explicit timeout.
const DefaultTimeout = time.Second

// Probe reads one or more metrics from a single backend.
type Probe interface {
	Name() string
	// Attempt reads metric. It returns ErrUnsupported for metrics the
	// backend does not provide.
	Attempt(ctx context.Context, metric Metric) (Outcome, error)
}

// Outcome is what a probe produced, before plausibility gating.
// Readings are in preference order.
type Outcome struct {
	Device   string
	Vendor   string
	Readings []model.SensorReading
}

// Registration places a probe in a metric's chain.
type Registration struct {
	Metric  Metric
	Probe   Probe
	Timeout time.Duration
}

// Resolution is the result of resolving one metric.
type Resolution struct {
	Metric   Metric
	Source   string
	Device   string
	Vendor   string
	Readings []model.SensorReading
	Failures []Failure
}

// Available reports whether some probe in the chain succeeded.
func (r Resolution) Available() bool { return r.Source != "" }

// Value returns the first reading of kind with the given label ("" matches
// any label), or nil.
func (r Resolution) Value(kind model.Kind, label string) *float64 {
	for _, reading := range r.Readings {
		if reading.Kind != kind {
			continue
		}
		if label != "" && reading.Label != label {
			continue
		}
		return model.Float(reading.Value)
	}
	return nil
}

// Err summarizes why the metric is unavailable. It returns nil when the
// metric resolved.
func (r Resolution) Err() error {
	if r.Available() {
		return nil
	}
	if len(r.Failures) == 0 {
		return fmt.Errorf("%s: no probes registered", r.Metric)
	}
	parts := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Errorf("%s: all probes failed: %s", r.Metric, strings.Join(parts, "; "))
}

// Resolver holds the probe chains for one host.
type Resolver struct {
	logger *slog.Logger

	mu      sync.Mutex
	chains  map[Metric][]Registration
	closers []io.Closer
	closed  bool
}

// NewResolver builds a resolver from registrations in chain order.
func NewResolver(logger *slog.Logger, regs ...Registration) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Resolver{logger: logger, chains: make(map[Metric][]Registration)}
	for _, reg := range regs {
		r.Register(reg)
	}
	return r
}

// Register appends a probe to the end of its metric's chain.
func (r *Resolver) Register(reg Registration) {
	if reg.Timeout <= 0 {
		reg.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[reg.Metric] = append(r.chains[reg.Metric], reg)
}

// OnClose registers c to be closed with the resolver, e.g. a helper
// process a probe depends on.
func (r *Resolver) OnClose(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// Chain returns the probe names registered for metric, in order.
func (r *Resolver) Chain(metric Metric) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.chains[metric]))
	for _, reg := range r.chains[metric] {
		names = append(names, reg.Probe.Name())
	}
	return names
}

// WorstCase is the longest Resolve(metric) can take: every probe times out.
func (r *Resolver) WorstCase(metric Metric) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	for _, reg := range r.chains[metric] {
		total += reg.Timeout
	}
	return total
}

// Overruns returns the worst case of every chain that can take longer
// than limit.
func (r *Resolver) Overruns(limit time.Duration) map[Metric]time.Duration {
	r.mu.Lock()
	metrics := make([]Metric, 0, len(r.chains))
	for metric := range r.chains {
		metrics = append(metrics, metric)
	}
	r.mu.Unlock()

	over := make(map[Metric]time.Duration)
	for _, metric := range metrics {
		if worst := r.WorstCase(metric); worst > limit {
			over[metric] = worst
		}
	}
	return over
}

// Resolve walks metric's chain and returns the first plausible result.
func (r *Resolver) Resolve(ctx context.Context, metric Metric) Resolution {
	r.mu.Lock()
	chain := append([]Registration(nil), r.chains[metric]...)
	r.mu.Unlock()

	res := Resolution{Metric: metric}
	for _, reg := range chain {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{Probe: reg.Probe.Name(), Metric: metric, Reason: ReasonError, Err: ctx.Err()})
			break
		}
		name := reg.Probe.Name()
		out, err := r.attempt(ctx, reg)
		if err != nil {
			f := Failure{Probe: name, Metric: metric, Reason: classify(err), Err: err}
			r.logger.Debug("probe failed", "metric", metric, "probe", name, "reason", f.Reason, "error", err)
			res.Failures = append(res.Failures, f)
			continue
		}

		readings, rejected := gate(name, metric, out.Readings)
		res.Failures = append(res.Failures, rejected...)
		if !accepted(metric, out, readings) {
			reason := ReasonEmpty
			if len(rejected) > 0 {
				reason = ReasonImplausible
			}
			r.logger.Debug("probe produced no usable value", "metric", metric, "probe", name, "reason", reason)
			res.Failures = append(res.Failures, Failure{Probe: name, Metric: metric, Reason: reason})
			continue
		}

		res.Source = name
		res.Device = out.Device
		res.Vendor = out.Vendor
		res.Readings = readings
		return res
	}
	return res
}

// attempt runs one probe under its timeout. A probe that ignores its
// context is abandoned when the deadline passes.
func (r *Resolver) attempt(ctx context.Context, reg Registration) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("probe panicked: %v", p)}
			}
		}()
		out, err := reg.Probe.Attempt(ctx, reg.Metric)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("%w after %s", context.DeadlineExceeded, reg.Timeout)
		}
		return res.out, res.err
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%w after %s", ctx.Err(), reg.Timeout)
	}
}

// gate splits readings into plausible ones and failures for the rest.
func gate(probe string, metric Metric, readings []model.SensorReading) ([]model.SensorReading, []Failure) {
	var kept []model.SensorReading
	var rejected []Failure
	for _, reading := range readings {
		if Plausible(reading.Kind, reading.Value) {
			kept = append(kept, reading)
			continue
		}
		rejected = append(rejected, Failure{
			Probe:  probe,
			Metric: metric,
			Reason: ReasonImplausible,
			Err:    fmt.Errorf("%s %s=%g %s out of range", reading.Kind, reading.Label, reading.Value, reading.Unit),
		})
	}
	return kept, rejected
}

func accepted(metric Metric, out Outcome, readings []model.SensorReading) bool {
	if kind, ok := primaryKind[metric]; ok {
		for _, reading := range readings {
			if reading.Kind == kind {
				return true
			}
		}
		return false
	}
	return out.Device != "" || len(readings) > 0
}

// Close releases probe resources and stops helper processes. It is safe
// to call more than once.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var closers []io.Closer
	for _, chain := range r.chains {
		for _, reg := range chain {
			if c, ok := reg.Probe.(io.Closer); ok {
				closers = append(closers, c)
			}
		}
	}
	closers = append(closers, r.closers...)
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
