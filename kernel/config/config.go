// Package config loads the board configuration: where flash and RAM live,
// how many processes the kernel hosts and which scheduling and fault policies
// it applies.
package config

import (
	"fmt"
	"strings"
	"time"

	"gophertock/kernel/mem"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix is prepended to environment variables that override config keys,
// e.g. GOPHERTOCK_KERNEL_SCHEDULER.
const EnvPrefix = "GOPHERTOCK"

// Config is the board configuration.
type Config struct {
	Flash   FlashConfig   `mapstructure:"flash" yaml:"flash"`
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Kernel  KernelConfig  `mapstructure:"kernel" yaml:"kernel"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// FlashConfig describes the application flash region.
type FlashConfig struct {
	// Path is the file backing the flash region.
	Path             string `mapstructure:"path" yaml:"path"`
	Start            uint64 `mapstructure:"start" yaml:"start"`
	Size             uint64 `mapstructure:"size" yaml:"size"`
	EraseGranularity uint64 `mapstructure:"eraseGranularity" yaml:"eraseGranularity"`
}

// MemoryConfig describes the RAM region available to processes.
type MemoryConfig struct {
	Start uint64 `mapstructure:"start" yaml:"start"`
	Size  uint64 `mapstructure:"size" yaml:"size"`
}

// KernelConfig holds the kernel policies.
type KernelConfig struct {
	Slots     int           `mapstructure:"slots" yaml:"slots"`
	Scheduler string        `mapstructure:"scheduler" yaml:"scheduler"`
	Timeslice time.Duration `mapstructure:"timeslice" yaml:"timeslice"`

	UpcallQueueDepth int `mapstructure:"upcallQueueDepth" yaml:"upcallQueueDepth"`

	// ProcessKernelMemory is added to each process's minimum memory size
	// for the kernel-owned part of its RAM region.
	ProcessKernelMemory uint64 `mapstructure:"processKernelMemory" yaml:"processKernelMemory"`

	FaultPolicy      string `mapstructure:"faultPolicy" yaml:"faultPolicy"`
	RestartThreshold uint64 `mapstructure:"restartThreshold" yaml:"restartThreshold"`

	// Version is the kernel version images are checked against.
	Version string `mapstructure:"version" yaml:"version"`

	// DeferredCallBudget bounds the deferred calls serviced per loop
	// iteration.
	DeferredCallBudget int `mapstructure:"deferredCallBudget" yaml:"deferredCallBudget"`
}

// LogConfig configures the kernel logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Listen is the address of the metrics HTTP endpoint; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default returns the configuration of the reference board.
func Default() Config {
	return Config{
		Flash: FlashConfig{
			Path:             "flash.bin",
			Start:            0x40000,
			Size:             0x40000,
			EraseGranularity: 1,
		},
		Memory: MemoryConfig{
			Start: 0x20004000,
			Size:  0x3C000,
		},
		Kernel: KernelConfig{
			Slots:               8,
			Scheduler:           "round-robin",
			Timeslice:           10 * time.Millisecond,
			UpcallQueueDepth:    10,
			ProcessKernelMemory: 1024,
			FaultPolicy:         "stop",
			RestartThreshold:    3,
			Version:             "2.2.0",
			DeferredCallBudget:  8,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("flash.path", d.Flash.Path)
	v.SetDefault("flash.start", d.Flash.Start)
	v.SetDefault("flash.size", d.Flash.Size)
	v.SetDefault("flash.eraseGranularity", d.Flash.EraseGranularity)
	v.SetDefault("memory.start", d.Memory.Start)
	v.SetDefault("memory.size", d.Memory.Size)
	v.SetDefault("kernel.slots", d.Kernel.Slots)
	v.SetDefault("kernel.scheduler", d.Kernel.Scheduler)
	v.SetDefault("kernel.timeslice", d.Kernel.Timeslice)
	v.SetDefault("kernel.upcallQueueDepth", d.Kernel.UpcallQueueDepth)
	v.SetDefault("kernel.processKernelMemory", d.Kernel.ProcessKernelMemory)
	v.SetDefault("kernel.faultPolicy", d.Kernel.FaultPolicy)
	v.SetDefault("kernel.restartThreshold", d.Kernel.RestartThreshold)
	v.SetDefault("kernel.version", d.Kernel.Version)
	v.SetDefault("kernel.deferredCallBudget", d.Kernel.DeferredCallBudget)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Load reads the configuration file at path (YAML or JSON, chosen by
// extension) on top of the defaults. Environment variables prefixed with
// EnvPrefix override both. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var err error

	if c.Flash.Size == 0 {
		err = multierr.Append(err, fmt.Errorf("config: flash.size must be > 0"))
	}
	if !mem.IsPowerOfTwo(uintptr(c.Flash.EraseGranularity)) {
		err = multierr.Append(err, fmt.Errorf("config: flash.eraseGranularity %d is not a power of two", c.Flash.EraseGranularity))
	}
	if c.Memory.Size == 0 {
		err = multierr.Append(err, fmt.Errorf("config: memory.size must be > 0"))
	}
	if c.Kernel.Slots <= 0 {
		err = multierr.Append(err, fmt.Errorf("config: kernel.slots must be > 0"))
	}
	if c.Kernel.Timeslice <= 0 {
		err = multierr.Append(err, fmt.Errorf("config: kernel.timeslice must be > 0"))
	}
	if c.Kernel.DeferredCallBudget <= 0 {
		err = multierr.Append(err, fmt.Errorf("config: kernel.deferredCallBudget must be > 0"))
	}
	if _, verr := c.KernelVersion(); verr != nil {
		err = multierr.Append(err, verr)
	}

	return err
}

// KernelVersion parses Kernel.Version.
func (c Config) KernelVersion() (*semver.Version, error) {
	v, err := semver.NewVersion(c.Kernel.Version)
	if err != nil {
		return nil, fmt.Errorf("config: kernel.version %q: %w", c.Kernel.Version, err)
	}
	return v, nil
}

// FlashRegion returns the flash region.
func (c Config) FlashRegion() mem.Range {
	return mem.Range{Start: uintptr(c.Flash.Start), Length: uintptr(c.Flash.Size)}
}

// MemoryRegion returns the RAM region.
func (c Config) MemoryRegion() mem.Range {
	return mem.Range{Start: uintptr(c.Memory.Start), Length: uintptr(c.Memory.Size)}
}
