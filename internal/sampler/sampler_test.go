package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/sysmoni/internal/counters"
	"github.com/Dicklesworthstone/sysmoni/internal/logging"
	"github.com/Dicklesworthstone/sysmoni/internal/model"
	"github.com/Dicklesworthstone/sysmoni/internal/sensor"
)

// fakeSource advances every counter by a fixed step per call.
type fakeSource struct {
	mu       sync.Mutex
	calls    int
	clock    time.Time
	checkErr error
	memErr   error
	panicOn  int
	hostHits atomic.Int32
}

func (f *fakeSource) Check(context.Context) error { return f.checkErr }

func (f *fakeSource) Counters(context.Context) (model.RawCounterSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicOn == f.calls {
		panic("counter read exploded")
	}
	n := uint64(f.calls)
	ts := f.clock.Add(time.Duration(f.calls) * 3 * time.Second)
	return model.RawCounterSample{
		Timestamp:      ts,
		BytesSent:      n * 3_000_000,
		BytesRecv:      n * 1_500_000,
		DiskReadBytes:  n * 300,
		DiskWriteBytes: n * 600,
		HasNet:         true,
		HasDisk:        true,
		CPU:            &model.CPUTimes{Busy: float64(n) * 25, Total: float64(n) * 100},
		Cores:          []model.CPUTimes{{Busy: float64(n) * 50, Total: float64(n) * 100}},
	}, nil
}

func (f *fakeSource) CPUPercent(context.Context, time.Duration) (float64, []float64, error) {
	return 12.5, []float64{12.5}, nil
}

func (f *fakeSource) CPUInfo(context.Context) (counters.CPUInfo, error) {
	return counters.CPUInfo{Count: 1, FrequencyMHz: model.Float(2400)}, nil
}

func (f *fakeSource) Memory(context.Context) (model.Memory, error) {
	if f.memErr != nil {
		return model.Memory{}, f.memErr
	}
	return model.Memory{TotalGB: 16, UsedGB: 4, AvailableGB: 12, Percent: 25}, nil
}

func (f *fakeSource) Swap(context.Context) (model.Swap, error) {
	return model.Swap{TotalGB: 2, Percent: 0}, nil
}

func (f *fakeSource) Disks(context.Context) ([]model.Disk, error) {
	return []model.Disk{{Device: "/dev/sda1", Mountpoint: "/", Fstype: "ext4", TotalGB: 100, UsedGB: 40, FreeGB: 60, Percent: 40}}, nil
}

func (f *fakeSource) Load(context.Context) (model.SystemLoad, error) {
	return model.SystemLoad{LoadAverage: &model.LoadAverage{One: 0.5}, TotalProcesses: 10}, nil
}

func (f *fakeSource) Host(context.Context) (model.System, error) {
	f.hostHits.Add(1)
	return model.System{Hostname: "box", Platform: "Linux", Version: "6.1", Architecture: "x86_64"}, nil
}

// fakeResolver answers each metric from a canned resolution.
type fakeResolver struct {
	byMetric map[sensor.Metric]sensor.Resolution
	delay    map[sensor.Metric]time.Duration
	panics   bool
}

func (r *fakeResolver) Resolve(ctx context.Context, metric sensor.Metric) sensor.Resolution {
	if r.panics {
		panic("resolver exploded")
	}
	if d := r.delay[metric]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	if res, ok := r.byMetric[metric]; ok {
		return res
	}
	return sensor.Resolution{Metric: metric, Failures: []sensor.Failure{{Probe: "none", Reason: sensor.ReasonUnsupported, Err: sensor.ErrUnsupported}}}
}

func cpuTemp(v float64) sensor.Resolution {
	return sensor.Resolution{
		Metric:   sensor.CPUTemperature,
		Source:   "thermal-zone",
		Readings: []model.SensorReading{model.NewReading(model.KindTemperature, "thermal-zone", v, "x86_pkg_temp")},
	}
}

func newAssembler(src *fakeSource, res SensorResolver) *Assembler {
	a := NewAssembler(src, res, logging.Discard())
	a.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestFirstSnapshotHasNullRates(t *testing.T) {
	a := newAssembler(&fakeSource{}, &fakeResolver{byMetric: map[sensor.Metric]sensor.Resolution{
		sensor.CPUTemperature: cpuTemp(45),
	}})

	snap := a.Assemble(context.Background(), nil)

	require.NotNil(t, snap.Network)
	assert.Nil(t, snap.Network.SentBytesPerSec)
	assert.Nil(t, snap.Network.RecvBytesPerSec)
	assert.Nil(t, snap.DiskIO.ReadBytesPerSec)
	assert.Nil(t, snap.DiskIO.WriteBytesPerSec)
	assert.Contains(t, snap.Unavailable, model.SectionNetworkRates)
	assert.Contains(t, snap.Unavailable, model.SectionDiskIO)

	require.NotNil(t, snap.CPU.UsagePercent, "first tick falls back to a blocking measurement")
	assert.Equal(t, 12.5, *snap.CPU.UsagePercent)
	require.NotNil(t, snap.CPU.Temperature)
	assert.Equal(t, 45.0, *snap.CPU.Temperature)
	assert.Equal(t, "thermal-zone", *snap.CPU.TemperatureSource)
	assert.Equal(t, model.SchemaVersion, snap.SchemaVersion)
}

func TestSecondSnapshotComputesRates(t *testing.T) {
	src := &fakeSource{}
	a := newAssembler(src, &fakeResolver{})

	first := a.Assemble(context.Background(), nil)
	second := a.Assemble(context.Background(), &first.Counters)

	require.NotNil(t, second.Network.SentBytesPerSec)
	assert.InDelta(t, 1_000_000, *second.Network.SentBytesPerSec, 0.5)
	assert.InDelta(t, 500_000, *second.Network.RecvBytesPerSec, 0.5)
	assert.InDelta(t, 100, *second.DiskIO.ReadBytesPerSec, 0.5)
	assert.InDelta(t, 200, *second.DiskIO.WriteBytesPerSec, 0.5)
	require.NotNil(t, second.CPU.UsagePercent)
	assert.Equal(t, 25.0, *second.CPU.UsagePercent)
	assert.Equal(t, []float64{50}, second.CPU.PerCorePercent)
	assert.NotContains(t, second.Unavailable, model.SectionNetworkRates)
	assert.Equal(t, int32(1), src.hostHits.Load(), "host identity is cached")
}

func TestGPUFailureDoesNotBlockOtherSections(t *testing.T) {
	a := newAssembler(&fakeSource{}, &fakeResolver{
		byMetric: map[sensor.Metric]sensor.Resolution{sensor.CPUTemperature: cpuTemp(50)},
		delay:    map[sensor.Metric]time.Duration{sensor.GPU: 20 * time.Millisecond},
	})

	snap := a.Assemble(context.Background(), nil)

	assert.False(t, snap.GPU.Available)
	assert.Equal(t, "N/A", snap.GPU.Name)
	assert.Contains(t, snap.Unavailable[model.SectionGPU], "all probes failed")
	require.NotNil(t, snap.Memory)
	assert.Equal(t, 16.0, snap.Memory.TotalGB)
	require.NotNil(t, snap.CPU.Temperature)
	assert.Len(t, snap.Disk, 1)
}

func TestGPUSectionMapsReadings(t *testing.T) {
	a := newAssembler(&fakeSource{}, &fakeResolver{byMetric: map[sensor.Metric]sensor.Resolution{
		sensor.GPU: {
			Metric: sensor.GPU,
			Source: "nvidia-smi",
			Device: "NVIDIA GeForce RTX 4090",
			Vendor: "NVIDIA",
			Readings: []model.SensorReading{
				model.NewReading(model.KindTemperature, "nvidia-smi", 61, "gpu"),
				model.NewReading(model.KindMemory, "nvidia-smi", 2048, model.LabelMemoryUsed),
				model.NewReading(model.KindMemory, "nvidia-smi", 24564, model.LabelMemoryTotal),
				model.NewReading(model.KindPower, "nvidia-smi", 80.5, "draw"),
			},
		},
	}})

	snap := a.Assemble(context.Background(), nil)

	assert.True(t, snap.GPU.Available)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", snap.GPU.Name)
	assert.Equal(t, 61.0, *snap.GPU.Temperature)
	assert.Equal(t, 2048.0, *snap.GPU.MemoryUsedMB)
	assert.Equal(t, 24564.0, *snap.GPU.MemoryTotalMB)
	assert.Equal(t, 80.5, *snap.GPU.PowerW)
	assert.Nil(t, snap.GPU.Utilization)
	assert.Nil(t, snap.GPU.FanPercent)
	assert.Nil(t, snap.CPU.Temperature)
	assert.Contains(t, snap.Unavailable, model.SectionCPUTemperature)
}

func TestSectionFailuresAreIsolated(t *testing.T) {
	a := newAssembler(&fakeSource{memErr: errors.New("meminfo unreadable")}, &fakeResolver{panics: true})
	a.GPU = false

	snap := a.Assemble(context.Background(), nil)

	assert.Nil(t, snap.Memory)
	assert.Equal(t, "meminfo unreadable", snap.Unavailable[model.SectionMemory])
	assert.Contains(t, snap.Unavailable[model.SectionCPUTemperature], "panic")
	assert.Equal(t, "disabled", snap.Unavailable[model.SectionGPU])
	require.NotNil(t, snap.Swap)
	require.NotNil(t, snap.SystemLoad)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"memory":null`)
}

func TestCounterResetYieldsNullRate(t *testing.T) {
	a := newAssembler(&fakeSource{}, &fakeResolver{})
	// The fake's first sample is stamped 3s after previous.
	previous := model.RawCounterSample{
		BytesSent: 1 << 50, BytesRecv: 1 << 50, HasNet: true,
		CPU: &model.CPUTimes{Busy: 1e9, Total: 1e9},
	}

	snap := a.Assemble(context.Background(), &previous)

	assert.Nil(t, snap.Network.SentBytesPerSec)
	assert.Contains(t, snap.Unavailable[model.SectionNetworkRates], "counter reset")
	assert.Nil(t, snap.CPU.UsagePercent)
	assert.Contains(t, snap.Unavailable, model.SectionCPUUsage)
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []*model.Snapshot
}

func (s *recordingSink) Publish(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

func TestLoopPublishesAndStops(t *testing.T) {
	loop := New(newAssembler(&fakeSource{}, &fakeResolver{}), 10*time.Millisecond, logging.Discard())
	sink := &recordingSink{}
	loop.AddSink(sink)
	loop.AddSink(SinkFunc(func(context.Context, *model.Snapshot) error { return errors.New("disk full") }))
	resources := &closeCounter{}
	loop.OnStop(resources)

	assert.Nil(t, loop.Latest())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sink.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, loop.State())
	latest := loop.Latest()
	require.NotNil(t, latest)
	require.NotNil(t, latest.Network.SentBytesPerSec, "later ticks difference against retained counters")

	loop.Stop()
	loop.Stop()
	require.NoError(t, <-errc)
	<-loop.Done()

	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, int32(1), resources.n.Load())
	assert.GreaterOrEqual(t, loop.Ticks(), uint64(3))
	assert.ErrorIs(t, loop.Run(context.Background()), ErrAlreadyStarted)
}

func TestLoopContinuesAfterPanickingTick(t *testing.T) {
	loop := New(newAssembler(&fakeSource{panicOn: 2}, &fakeResolver{}), 5*time.Millisecond, logging.Discard())
	sink := &recordingSink{}
	loop.AddSink(sink)
	loop.AddSink(SinkFunc(func(context.Context, *model.Snapshot) error { panic("sink exploded") }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestLoopFatalCheckAbortsBeforeFirstTick(t *testing.T) {
	src := &fakeSource{checkErr: counters.ErrNoCounters}
	loop := New(newAssembler(src, &fakeResolver{}), time.Second, logging.Discard())
	resources := &closeCounter{}
	loop.OnStop(resources)

	err := loop.Run(context.Background())

	require.ErrorIs(t, err, counters.ErrNoCounters)
	assert.Zero(t, loop.Ticks())
	assert.Zero(t, src.calls)
	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, int32(1), resources.n.Load())
}

func TestStopBeforeRun(t *testing.T) {
	loop := New(newAssembler(&fakeSource{}, &fakeResolver{}), time.Hour, logging.Discard())
	loop.Stop()
	require.NoError(t, loop.Run(context.Background()))
	assert.LessOrEqual(t, loop.Ticks(), uint64(1))
}

func TestChannelDropsOldest(t *testing.T) {
	c := NewChannel(1)
	a, b := &model.Snapshot{SchemaVersion: 1}, &model.Snapshot{SchemaVersion: 2}

	require.NoError(t, c.Publish(context.Background(), a))
	require.NoError(t, c.Publish(context.Background(), b))
	assert.Same(t, b, <-c.C())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, c.Publish(context.Background(), a))
	_, open := <-c.C()
	assert.False(t, open)
}
