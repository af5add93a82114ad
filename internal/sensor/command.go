package sensor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx
// expires, so a hung vendor tool never outlives its probe.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// OSXCPUTemp reads the CPU die temperature from the osx-cpu-temp tool,
// which prints e.g. "61.2°C".
type OSXCPUTemp struct {
	runner Runner
}

func NewOSXCPUTemp(runner Runner) *OSXCPUTemp { return &OSXCPUTemp{runner: runner} }

func (p *OSXCPUTemp) Name() string { return "osx-cpu-temp" }

func (p *OSXCPUTemp) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	out, err := p.runner.Run(ctx, "osx-cpu-temp")
	if err != nil {
		return Outcome{}, err
	}
	s := strings.TrimSpace(string(out))
	s = strings.TrimSuffix(s, "C")
	s = strings.TrimSuffix(s, "°")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse osx-cpu-temp output %q: %w", out, err)
	}
	return Outcome{Readings: []model.SensorReading{
		model.NewReading(model.KindTemperature, p.Name(), model.Round(v, 1), "cpu"),
	}}, nil
}

// Powermetrics reads "CPU die temperature" from macOS powermetrics' SMC
// sampler. powermetrics needs root, so it runs through non-interactive
// sudo unless the process is already privileged.
type Powermetrics struct {
	runner  Runner
	command []string
}

func NewPowermetrics(runner Runner, useSudo bool) *Powermetrics {
	cmd := []string{"powermetrics", "--samplers", "smc", "-i1", "-n1"}
	if useSudo {
		cmd = append([]string{"sudo", "-n"}, cmd...)
	}
	return &Powermetrics{runner: runner, command: cmd}
}

func (p *Powermetrics) Name() string { return "powermetrics" }

func (p *Powermetrics) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	out, err := p.runner.Run(ctx, p.command[0], p.command[1:]...)
	if err != nil {
		return Outcome{}, err
	}
	v, ok := parsePowermetricsTemp(string(out))
	if !ok {
		return Outcome{}, errors.New("no CPU die temperature in powermetrics output")
	}
	return Outcome{Readings: []model.SensorReading{
		model.NewReading(model.KindTemperature, p.Name(), model.Round(v, 1), "cpu die"),
	}}, nil
}

// parsePowermetricsTemp extracts the value from a line such as
// "CPU die temperature: 45.12 C".
func parsePowermetricsTemp(out string) (float64, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "CPU die temperature") {
			continue
		}
		_, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

// parseOptional parses a vendor CLI field, treating the "[N/A]" family
// of placeholders as absent.
func parseOptional(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "[") || strings.EqualFold(s, "N/A") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
