// Package config holds the boot configuration of the kernel.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Scheduler policy names.
const (
	SchedRoundRobin = "rr"
	SchedPriority   = "priority"
	SchedCFS        = "cfs"
	SchedEDF        = "edf"
	SchedRM         = "rm"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	MemoryMB       uint32 `json:"memory_mb"`
	KernelZoneMB   uint32 `json:"kernel_zone_mb"`
	PageTableCache int    `json:"page_table_cache"`
	Scheduler      string `json:"scheduler"`
	MaxProcesses   int    `json:"max_processes"`
	HZ             int    `json:"hz"`
	LogLevel       string `json:"log_level"`
	Initrd         string `json:"initrd"`
	HostFS         string `json:"hostfs"`
	Hostname       string `json:"hostname"`
	Init           string `json:"init"`
}

func Default() *Config {
	return &Config{
		MemoryMB:       16,
		KernelZoneMB:   4,
		PageTableCache: 64,
		Scheduler:      SchedRoundRobin,
		MaxProcesses:   256,
		HZ:             100,
		LogLevel:       "info",
		Hostname:       "x86core",
		Init:           "/bin/init",
	}
}

// Load reads a JSON file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	cfg := Default()

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Lowmem frames below the kernel arena window (0xE8000000 - 0xC0000000).
const maxKernelZoneMB = 640 - 1

func (c *Config) Validate() error {
	switch c.Scheduler {
	case SchedRoundRobin, SchedPriority, SchedCFS, SchedEDF, SchedRM:
	default:
		return errors.Wrapf(ErrInvalid, "unknown scheduler %q", c.Scheduler)
	}

	if c.KernelZoneMB == 0 || c.KernelZoneMB > maxKernelZoneMB {
		return errors.Wrapf(ErrInvalid, "kernel_zone_mb %d out of range", c.KernelZoneMB)
	}

	if c.MemoryMB < c.KernelZoneMB+2 {
		return errors.Wrapf(ErrInvalid, "memory_mb %d too small for a %d MiB kernel zone", c.MemoryMB, c.KernelZoneMB)
	}

	if c.MemoryMB > 3072 {
		return errors.Wrapf(ErrInvalid, "memory_mb %d exceeds 3 GiB", c.MemoryMB)
	}

	if c.MaxProcesses < 2 || c.MaxProcesses > 32768 {
		return errors.Wrapf(ErrInvalid, "max_processes %d out of range", c.MaxProcesses)
	}

	if c.HZ <= 0 || c.HZ > 10000 {
		return errors.Wrapf(ErrInvalid, "hz %d out of range", c.HZ)
	}

	if c.PageTableCache < 0 {
		return errors.Wrapf(ErrInvalid, "page_table_cache %d is negative", c.PageTableCache)
	}

	return nil
}
