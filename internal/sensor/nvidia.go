package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

var nvidiaQuery = []string{
	"--query-gpu=name,temperature.gpu,utilization.gpu,memory.used,memory.total,power.draw,clocks.gr,fan.speed",
	"--format=csv,noheader,nounits",
}

// nvidiaFields maps query columns after the name to reading kinds.
var nvidiaFields = []struct {
	kind  model.Kind
	label string
}{
	{model.KindTemperature, "gpu"},
	{model.KindUtilization, "gpu"},
	{model.KindMemory, model.LabelMemoryUsed},
	{model.KindMemory, model.LabelMemoryTotal},
	{model.KindPower, "draw"},
	{model.KindClock, "graphics"},
	{model.KindFan, "fan"},
}

// NvidiaSMI reads the first NVIDIA GPU through nvidia-smi. Columns the
// board does not support ("[N/A]", "[Not Supported]") are omitted so
// they stay unavailable independently.
//
// When registered for CPUTemperature it reports the GPU core temperature
// as a last-resort thermal proxy, labelled "gpu-proxy".
type NvidiaSMI struct {
	runner Runner
}

func NewNvidiaSMI(runner Runner) *NvidiaSMI { return &NvidiaSMI{runner: runner} }

func (p *NvidiaSMI) Name() string { return "nvidia-smi" }

func (p *NvidiaSMI) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != GPU && metric != CPUTemperature {
		return Outcome{}, ErrUnsupported
	}
	out, err := p.runner.Run(ctx, "nvidia-smi", nvidiaQuery...)
	if err != nil {
		return Outcome{}, err
	}
	gpu, err := parseNvidiaSMI(p.Name(), string(out))
	if err != nil {
		return Outcome{}, err
	}
	if metric == GPU {
		return gpu, nil
	}
	for _, r := range gpu.Readings {
		if r.Kind == model.KindTemperature {
			r.Label = "gpu-proxy"
			return Outcome{Readings: []model.SensorReading{r}}, nil
		}
	}
	return Outcome{}, nil
}

func parseNvidiaSMI(source, out string) (Outcome, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 1+len(nvidiaFields) {
			return Outcome{}, fmt.Errorf("nvidia-smi: expected %d columns, got %d", 1+len(nvidiaFields), len(parts))
		}
		gpu := Outcome{Device: strings.TrimSpace(parts[0]), Vendor: "NVIDIA"}
		for i, f := range nvidiaFields {
			v, ok := parseOptional(parts[i+1])
			if !ok {
				continue
			}
			gpu.Readings = append(gpu.Readings, model.NewReading(f.kind, source, v, f.label))
		}
		return gpu, nil
	}
	return Outcome{}, errors.New("nvidia-smi: no GPU rows")
}
