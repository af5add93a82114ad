package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	MinInterval = time.Second
	MaxInterval = 60 * time.Second
)

// Config carries runtime options for sysmoni.
type Config struct {
	Interval       time.Duration
	ProbeTimeout   time.Duration
	CommandTimeout time.Duration

	JSON         bool
	JSONStream   bool
	EnableGPU    bool
	GPUTempProxy bool

	Listen      string
	Output      string
	LHMPath     string
	ThermalRoot string

	LogLevel  string
	LogFormat string
	LogFile   string

	ConfigFile string
}

func Default() Config {
	return Config{
		Interval:       3 * time.Second,
		ProbeTimeout:   time.Second,
		CommandTimeout: 2 * time.Second,
		EnableGPU:      true,
		ThermalRoot:    "/sys/class/thermal",
		LogLevel:       "",
		LogFormat:      "json",
	}
}

// fileConfig is the on-disk shape. Unset keys leave the current value
// alone. Durations are strings such as "3s".
type fileConfig struct {
	Interval       *string `toml:"interval" yaml:"interval"`
	ProbeTimeout   *string `toml:"probe_timeout" yaml:"probe_timeout"`
	CommandTimeout *string `toml:"command_timeout" yaml:"command_timeout"`
	GPU            *bool   `toml:"gpu" yaml:"gpu"`
	GPUTempProxy   *bool   `toml:"cpu_temp_gpu_proxy" yaml:"cpu_temp_gpu_proxy"`
	Listen         *string `toml:"listen" yaml:"listen"`
	Output         *string `toml:"output" yaml:"output"`
	LHMPath        *string `toml:"lhm_path" yaml:"lhm_path"`
	ThermalRoot    *string `toml:"thermal_root" yaml:"thermal_root"`
	LogLevel       *string `toml:"log_level" yaml:"log_level"`
	LogFormat      *string `toml:"log_format" yaml:"log_format"`
	LogFile        *string `toml:"log_file" yaml:"log_file"`
}

// FromFlags builds the configuration from defaults, an optional config
// file, SYSMONI_* environment variables and finally args. Later sources
// win. pflag.ErrHelp is returned as-is when -h is given.
func FromFlags(args []string) (Config, error) {
	cfg := Default()

	// First pass only locates the config file.
	probe := newFlagSet(&Config{}, io.Discard)
	_ = probe.Parse(args)
	path, _ := probe.GetString("config")
	if path == "" {
		path = os.Getenv("SYSMONI_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
		cfg.ConfigFile = path
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}

	// Flags default to the values gathered so far, so only flags given
	// explicitly override them.
	fs := newFlagSet(&cfg, os.Stderr)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, output io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("sysmoni", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.DurationVarP(&cfg.Interval, "interval", "i", cfg.Interval, "sampling interval (1s-60s)")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "timeout for in-process sensor probes")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "timeout for probes that run vendor tools")
	fs.BoolVar(&cfg.JSON, "json", cfg.JSON, "print one snapshot as JSON and exit")
	fs.BoolVar(&cfg.JSONStream, "json-stream", cfg.JSONStream, "stream NDJSON snapshots until interrupted")
	fs.BoolVar(&cfg.EnableGPU, "gpu", cfg.EnableGPU, "probe GPUs")
	fs.BoolVar(&cfg.GPUTempProxy, "cpu-temp-gpu-proxy", cfg.GPUTempProxy, "fall back to the GPU temperature when no CPU sensor is found")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "serve snapshots over HTTP on this address, e.g. 127.0.0.1:8085")
	fs.StringVarP(&cfg.Output, "output", "o", cfg.Output, "keep the latest snapshot in this JSON file")
	fs.StringVar(&cfg.LHMPath, "lhm-path", cfg.LHMPath, "LibreHardwareMonitor executable to start on Windows")
	fs.StringVar(&cfg.ThermalRoot, "thermal-root", cfg.ThermalRoot, "sysfs thermal class directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (default from LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs to this file instead of stderr")
	fs.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "TOML or YAML config file")
	return fs
}

// LoadFile overlays a TOML (.toml) or YAML (.yaml, .yml) file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return fmt.Errorf("config file %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c.apply(fc)
}

func (c *Config) apply(fc fileConfig) error {
	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"interval", fc.Interval, &c.Interval},
		{"probe_timeout", fc.ProbeTimeout, &c.ProbeTimeout},
		{"command_timeout", fc.CommandTimeout, &c.CommandTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := parseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	setBool(&c.EnableGPU, fc.GPU)
	setBool(&c.GPUTempProxy, fc.GPUTempProxy)
	setString(&c.Listen, fc.Listen)
	setString(&c.Output, fc.Output)
	setString(&c.LHMPath, fc.LHMPath)
	setString(&c.ThermalRoot, fc.ThermalRoot)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.LogFile, fc.LogFile)
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("SYSMONI_INTERVAL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("SYSMONI_INTERVAL: %w", err)
		}
		c.Interval = d
	}
	if v := getenv("SYSMONI_GPU"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SYSMONI_GPU: %w", err)
		}
		c.EnableGPU = enabled
	}
	if v := getenv("SYSMONI_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("SYSMONI_OUTPUT"); v != "" {
		c.Output = v
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds ("3", "1.5").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Validate rejects configurations sampling cannot start with. The notes
// describe settings that are legal but probably unintended.
func (c Config) Validate() (notes []string, err error) {
	var errs []error
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		errs = append(errs, fmt.Errorf("interval %s outside %s-%s", c.Interval, MinInterval, MaxInterval))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q is not json or text", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if c.JSON && c.JSONStream {
		notes = append(notes, "--json and --json-stream both set; printing one snapshot")
	}
	if budget := c.ChainBudget(); c.ProbeTimeout > budget || c.CommandTimeout > budget {
		notes = append(notes, fmt.Sprintf("probe timeouts (%s in-process, %s command) exceed the %s probe budget of a %s interval; chain timeouts will be scaled down",
			c.ProbeTimeout, c.CommandTimeout, budget, c.Interval))
	}
	if c.GPUTempProxy && !c.EnableGPU {
		notes = append(notes, "--cpu-temp-gpu-proxy is active with GPU sampling disabled")
	}
	return notes, nil
}

// ChainBudget is the longest one probe chain may run per tick. The rest
// of the interval is left for counters and publishing.
func (c Config) ChainBudget() time.Duration {
	return c.Interval * 2 / 3
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
