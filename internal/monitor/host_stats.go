package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats reads host resource usage in percent
type HostStats interface {
	DiskUsage(ctx context.Context, path string) (float64, error)
	MemoryUsage(ctx context.Context) (float64, error)
}

// SystemStats implements HostStats with gopsutil
type SystemStats struct{}

// DiskUsage returns the used percent of the filesystem holding path
func (SystemStats) DiskUsage(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to get disk usage: %w", err)
	}
	return usage.UsedPercent, nil
}

// MemoryUsage returns the used percent of virtual memory
func (SystemStats) MemoryUsage(ctx context.Context) (float64, error) {
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	return memInfo.UsedPercent, nil
}
