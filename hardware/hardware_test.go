package hardware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNvidiaSMI(output string, err error) runCommand {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		return []byte(output), nil
	}
}

func TestPreferredHardwarePath(t *testing.T) {
	snap := CapabilitySnapshot{}
	assert.Equal(t, PathCPU, snap.PreferredHardwarePath())

	snap.GPUDevices = []GPUDevice{{Index: 0, Vendor: "nvidia", Name: "A100"}}
	assert.Equal(t, PathGPU, snap.PreferredHardwarePath())
	assert.Equal(t, 1, snap.GPUCount())
}

func TestProberParsesNvidiaSMIOutput(t *testing.T) {
	p := NewProber()
	p.run = fakeNvidiaSMI("0, RTX 4090, 24564, 550.54.15\n1, RTX 4090, 24564, 550.54.15\n", nil)

	snap := p.Snapshot(context.Background())
	require.Len(t, snap.GPUDevices, 2)
	assert.Equal(t, 0, snap.GPUDevices[0].Index)
	assert.Equal(t, "RTX 4090", snap.GPUDevices[0].Name)
	assert.Equal(t, 24564, snap.GPUDevices[0].MemoryTotalMB)
	assert.Equal(t, "550.54.15", snap.GPUDevices[0].DriverVersion)
	assert.Equal(t, "nvidia", snap.GPUDevices[0].Vendor)
	assert.Contains(t, snap.DetectionSources, "nvidia-smi")
	assert.Equal(t, PathGPU, snap.PreferredHardwarePath())
}

func TestProberRecordsWarningWhenNvidiaSMIMissing(t *testing.T) {
	p := NewProber()
	p.run = fakeNvidiaSMI("", errors.New("executable not found"))

	snap := p.Snapshot(context.Background())
	assert.Empty(t, snap.GPUDevices)
	assert.Contains(t, snap.DetectionWarnings, "nvidia-smi-unavailable")
	assert.Equal(t, PathCPU, snap.PreferredHardwarePath())
}

func TestProberRecordsWarningWhenNoGPUListed(t *testing.T) {
	p := NewProber()
	p.run = fakeNvidiaSMI("\n", nil)

	snap := p.Snapshot(context.Background())
	assert.Empty(t, snap.GPUDevices)
	assert.Contains(t, snap.DetectionWarnings, "no-gpu-detected")
}

func TestSnapshotIsCachedUntilReset(t *testing.T) {
	var calls atomic.Int32
	p := NewProber()
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls.Add(1)
		return []byte("0, A100, 40536, 550.54.15\n"), nil
	}

	first := p.Snapshot(context.Background())
	second := p.Snapshot(context.Background())
	assert.EqualValues(t, 1, calls.Load(), "detection runs once")
	assert.Equal(t, first.GPUDevices, second.GPUDevices)

	p.Reset()
	_ = p.Snapshot(context.Background())
	assert.EqualValues(t, 2, calls.Load(), "reset invalidates the cache")
}

func TestSnapshotAlwaysCarriesPlatformBasics(t *testing.T) {
	p := NewProber()
	p.run = fakeNvidiaSMI("", errors.New("nope"))

	snap := p.Snapshot(context.Background())
	assert.NotEmpty(t, snap.OSPlatform)
	assert.NotEmpty(t, snap.Architecture)
	assert.Positive(t, snap.CPULogicalCores)
	assert.Positive(t, snap.CPUPhysicalCores)
	assert.Contains(t, snap.DetectionSources, "runtime")
}
