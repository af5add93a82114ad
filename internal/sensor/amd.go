package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

var rocmArgs = []string{"--showproductname", "--showtemp", "--showuse", "--showmeminfo", "vram", "--showpower", "--json"}

// RocmSMI reads the first AMD GPU through rocm-smi's JSON output.
type RocmSMI struct {
	runner Runner
}

func NewRocmSMI(runner Runner) *RocmSMI { return &RocmSMI{runner: runner} }

func (p *RocmSMI) Name() string { return "rocm-smi" }

func (p *RocmSMI) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != GPU {
		return Outcome{}, ErrUnsupported
	}
	out, err := p.runner.Run(ctx, "rocm-smi", rocmArgs...)
	if err != nil {
		return Outcome{}, err
	}
	return parseRocmSMI(p.Name(), out)
}

func parseRocmSMI(source string, out []byte) (Outcome, error) {
	// rocm-smi may print driver warnings before the JSON document.
	if i := bytes.IndexByte(out, '{'); i > 0 {
		out = out[i:]
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(out, &doc); err != nil {
		return Outcome{}, fmt.Errorf("rocm-smi: decode: %w", err)
	}
	var cards []string
	for key := range doc {
		if strings.HasPrefix(key, "card") {
			cards = append(cards, key)
		}
	}
	if len(cards) == 0 {
		return Outcome{}, errors.New("rocm-smi: no cards")
	}
	sort.Strings(cards)
	var fields map[string]any
	if err := json.Unmarshal(doc[cards[0]], &fields); err != nil {
		return Outcome{}, fmt.Errorf("rocm-smi: decode %s: %w", cards[0], err)
	}
	card := make(map[string]string, len(fields))
	for key, v := range fields {
		card[key] = fmt.Sprint(v)
	}

	gpu := Outcome{Vendor: "AMD", Device: "AMD GPU"}
	for _, key := range []string{"Card series", "Card model", "Card SKU"} {
		if name := strings.TrimSpace(card[key]); name != "" {
			gpu.Device = name
			break
		}
	}

	add := func(kind model.Kind, label string, v float64) {
		gpu.Readings = append(gpu.Readings, model.NewReading(kind, source, v, label))
	}
	if v, ok := rocmField(card, "Temperature (Sensor edge)", "Temperature (Sensor junction)"); ok {
		add(model.KindTemperature, "edge", v)
	}
	if v, ok := rocmField(card, "GPU use (%)"); ok {
		add(model.KindUtilization, "gpu", v)
	}
	if v, ok := rocmField(card, "VRAM Total Used Memory (B)"); ok {
		add(model.KindMemory, model.LabelMemoryUsed, v/(1<<20))
	}
	if v, ok := rocmField(card, "VRAM Total Memory (B)"); ok {
		add(model.KindMemory, model.LabelMemoryTotal, v/(1<<20))
	}
	if v, ok := rocmField(card, "Average Graphics Package Power (W)", "Current Socket Graphics Package Power (W)"); ok {
		add(model.KindPower, "package", v)
	}
	return gpu, nil
}

// rocmField returns the first parseable value among keys, matching by
// prefix since rocm-smi appends units to some key names.
func rocmField(card map[string]string, keys ...string) (float64, bool) {
	for _, want := range keys {
		for key, raw := range card {
			if !strings.HasPrefix(key, want) {
				continue
			}
			if v, ok := parseOptional(raw); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// SystemProfiler identifies the GPU on macOS. It reports the model name
// only; macOS exposes no GPU utilization or temperature to unprivileged
// tools.
type SystemProfiler struct {
	runner Runner
}

func NewSystemProfiler(runner Runner) *SystemProfiler { return &SystemProfiler{runner: runner} }

func (p *SystemProfiler) Name() string { return "system_profiler" }

func (p *SystemProfiler) Attempt(ctx context.Context, metric Metric) (Outcome, error) {
	if metric != GPU {
		return Outcome{}, ErrUnsupported
	}
	out, err := p.runner.Run(ctx, "system_profiler", "SPDisplaysDataType", "-json")
	if err != nil {
		return Outcome{}, err
	}
	var doc struct {
		Displays []struct {
			Model  string `json:"sppci_model"`
			Vendor string `json:"spdisplays_vendor"`
		} `json:"SPDisplaysDataType"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return Outcome{}, fmt.Errorf("system_profiler: decode: %w", err)
	}
	if len(doc.Displays) == 0 || doc.Displays[0].Model == "" {
		return Outcome{}, errors.New("system_profiler: no displays")
	}
	d := doc.Displays[0]
	vendor := strings.TrimPrefix(d.Vendor, "sppci_vendor_")
	return Outcome{Device: d.Model, Vendor: vendor}, nil
}
