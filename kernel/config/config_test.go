package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gophertock/kernel/mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, mem.Range{Start: 0x40000, Length: 0x40000}, cfg.FlashRegion())
	assert.Equal(t, mem.Range{Start: 0x20004000, Length: 0x3C000}, cfg.MemoryRegion())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "board.yaml", `
flash:
  path: /tmp/apps.bin
  start: 0x80000
  size: 0x20000
  eraseGranularity: 4096
kernel:
  scheduler: priority
  timeslice: 5ms
  faultPolicy: restart
  restartThreshold: 5
  version: "2.1"
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/apps.bin", cfg.Flash.Path)
	assert.Equal(t, uint64(0x80000), cfg.Flash.Start)
	assert.Equal(t, uint64(0x20000), cfg.Flash.Size)
	assert.Equal(t, uint64(4096), cfg.Flash.EraseGranularity)
	assert.Equal(t, "priority", cfg.Kernel.Scheduler)
	assert.Equal(t, 5*time.Millisecond, cfg.Kernel.Timeslice)
	assert.Equal(t, "restart", cfg.Kernel.FaultPolicy)
	assert.Equal(t, uint64(5), cfg.Kernel.RestartThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, Default().Memory, cfg.Memory)
	assert.Equal(t, Default().Kernel.Slots, cfg.Kernel.Slots)

	v, err := cfg.KernelVersion()
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", v.String())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "board.json", `{"kernel": {"slots": 2}, "metrics": {"listen": ":9100"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Kernel.Slots)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOPHERTOCK_KERNEL_SCHEDULER", "cooperative")
	t.Setenv("GOPHERTOCK_FLASH_PATH", "/dev/flash0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cooperative", cfg.Kernel.Scheduler)
	assert.Equal(t, "/dev/flash0", cfg.Flash.Path)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values are all reported", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", `
flash:
  size: 0
  eraseGranularity: 3
kernel:
  slots: 0
  version: not-a-version
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Len(t, multierr.Errors(err), 4)
	})
}
