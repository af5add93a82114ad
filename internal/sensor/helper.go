package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Helper manages a hardware-monitor helper process that some probes
// depend on, such as LibreHardwareMonitor publishing sensors to WMI.
// A Helper only stops a process it started itself.
type Helper struct {
	Path   string
	Args   []string
	Settle time.Duration
	Logger *slog.Logger

	// running reports whether a process with the given executable name
	// already exists. Defaults to a gopsutil process scan.
	running func(ctx context.Context, name string) bool

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	stopped bool
}

// Start launches the helper unless it is already running, then waits
// Settle for it to publish its sensors.
func (h *Helper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errors.New("helper stopped")
	}
	if h.cmd != nil {
		return nil
	}
	running := h.running
	if running == nil {
		running = processRunning
	}
	name := filepath.Base(h.Path)
	if running(ctx, name) {
		h.logger().Info("hardware monitor helper already running", "name", name)
		return nil
	}

	cmd := exec.Command(h.Path, h.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", h.Path, err)
	}
	h.cmd = cmd
	h.exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()
	h.logger().Info("started hardware monitor helper", "path", h.Path, "pid", cmd.Process.Pid)

	if h.Settle > 0 {
		select {
		case <-time.After(h.Settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops the helper if this Helper started it and waits for it to
// exit. It is safe to call more than once.
func (h *Helper) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.cmd == nil {
		return nil
	}
	cmd := h.cmd
	h.cmd = nil
	select {
	case <-h.exited:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("stop %s: %w", h.Path, err)
	}
	<-h.exited
	h.logger().Info("stopped hardware monitor helper", "path", h.Path)
	return nil
}

func (h *Helper) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func processRunning(ctx context.Context, name string) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false
	}
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err == nil && strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
