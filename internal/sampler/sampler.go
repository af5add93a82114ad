// Package sampler drives periodic snapshot assembly and publishes each
// completed snapshot to readers and sinks.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// ErrAlreadyStarted is returned by Run on a loop that has run before.
var ErrAlreadyStarted = errors.New("sampling loop already started")

// Collector produces snapshots. *Assembler is the production Collector.
type Collector interface {
	Check(ctx context.Context) error
	Assemble(ctx context.Context, previous *model.RawCounterSample) model.Snapshot
}

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Loop ticks a Collector at a fixed interval. Ticks never overlap; a tick
// that overruns its slot skips the boundaries it missed.
type Loop struct {
	Interval time.Duration

	collector Collector
	logger    *slog.Logger
	sinks     []Sink
	closers   []io.Closer

	latest atomic.Pointer[model.Snapshot]
	ticks  atomic.Uint64
	state  atomic.Int32

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(collector Collector, interval time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		Interval:  interval,
		collector: collector,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// AddSink registers a sink. Sinks that implement io.Closer are closed
// when the loop stops. Call before Run.
func (l *Loop) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// OnStop registers a resource released when the loop stops, such as the
// sensor resolver and any helper process it owns. Call before Run.
func (l *Loop) OnStop(c io.Closer) {
	l.closers = append(l.closers, c)
}

// Latest returns the most recent completed snapshot, or nil before the
// first tick.
func (l *Loop) Latest() *model.Snapshot { return l.latest.Load() }

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

func (l *Loop) State() State { return State(l.state.Load()) }

// Done is closed once Run has returned and resources are released.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stop asks the loop to finish. It is safe to call any number of times,
// from any goroutine, before or during Run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Run samples until ctx is cancelled or Stop is called. It returns an
// error only when the collector cannot read counters at all; that check
// happens before the first tick.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer close(l.done)
	defer l.shutdown()

	if l.Interval <= 0 {
		return fmt.Errorf("sampling interval must be positive, got %s", l.Interval)
	}
	if err := l.collector.Check(ctx); err != nil {
		return fmt.Errorf("counter check: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	var previous *model.RawCounterSample
	var slot int64
	for {
		if ctx.Err() != nil {
			return nil
		}
		if snap, ok := l.tick(ctx, previous); ok && hasCounters(snap.Counters) {
			raw := snap.Counters
			previous = &raw
		}

		next := int64(time.Since(start)/l.Interval) + 1
		if skipped := next - slot - 1; skipped > 0 {
			l.logger.Warn("tick overran interval", "skipped", skipped, "interval", l.Interval)
		}
		slot = next
		timer := time.NewTimer(time.Until(start.Add(time.Duration(next) * l.Interval)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tick assembles and publishes one snapshot. A panic anywhere in the
// tick is logged and reported as a failed tick.
func (l *Loop) tick(ctx context.Context, previous *model.RawCounterSample) (snap *model.Snapshot, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick panicked", "panic", r)
			snap, ok = nil, false
		}
	}()

	s := l.collector.Assemble(ctx, previous)
	snap = &s
	l.latest.Store(snap)
	n := l.ticks.Add(1)
	if len(s.Unavailable) > 0 {
		l.logger.Debug("partial snapshot", "tick", n, "unavailable", s.Unavailable)
	}
	for _, sink := range l.sinks {
		l.publish(ctx, sink, snap)
	}
	return snap, true
}

func (l *Loop) publish(ctx context.Context, sink Sink, snap *model.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("sink panicked", "sink", fmt.Sprintf("%T", sink), "panic", r)
		}
	}()
	if err := sink.Publish(ctx, snap); err != nil {
		l.logger.Warn("sink failed", "sink", fmt.Sprintf("%T", sink), "error", err)
	}
}

func (l *Loop) shutdown() {
	l.state.Store(int32(StateStopped))
	for _, sink := range l.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				l.logger.Warn("closing sink", "error", err)
			}
		}
	}
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			l.logger.Warn("releasing resource", "error", err)
		}
	}
	l.logger.Info("sampling stopped", "ticks", l.Ticks())
}

func hasCounters(s model.RawCounterSample) bool {
	return s.CPU != nil || s.HasNet || s.HasDisk
}
