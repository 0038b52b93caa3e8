// Package admission gates new extraction work against the concurrency
// ceiling and host memory/disk headroom, triggering an emergency cleanup
// sweep before hard-rejecting.
package admission

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Config holds the ceilings and thresholds.
type Config struct {
	// MaxConcurrent is the extraction concurrency ceiling.
	MaxConcurrent int
	// MemorySoft/MemoryHard are used-memory fractions. Breaching the soft
	// threshold forces a sweep; the hard threshold rejects after the sweep.
	MemorySoft float64
	MemoryHard float64
	// DiskSoftBytes/DiskHardBytes are free-space floors on the scratch
	// filesystem, same sweep-then-recheck pattern.
	DiskSoftBytes uint64
	DiskHardBytes uint64
	// ScratchDir is the filesystem checked for free space.
	ScratchDir string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MemorySoft <= 0 {
		c.MemorySoft = 0.85
	}
	if c.MemoryHard <= 0 {
		c.MemoryHard = 0.93
	}
	if c.DiskSoftBytes == 0 {
		c.DiskSoftBytes = 300 * 1024 * 1024
	}
	if c.DiskHardBytes == 0 {
		c.DiskHardBytes = 150 * 1024 * 1024
	}
	if c.ScratchDir == "" {
		c.ScratchDir = "/tmp"
	}
	return c
}

// Snapshot is the transient resource view used to decide admit/reject and
// reported by the health endpoint.
type Snapshot struct {
	ActiveJobs     int     `json:"active_jobs"`
	MemoryFraction float64 `json:"memory_used_fraction"`
	FreeDiskBytes  uint64  `json:"free_disk_bytes"`
}

// Sweeper is the force-cleanup hook invoked under resource pressure.
type Sweeper interface {
	Sweep(force bool) int
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg     Config
	logger  *zap.Logger
	sweeper Sweeper

	mu     sync.Mutex
	active int
}

// New constructs a Controller. The sweeper may be set later via SetSweeper
// to break the construction cycle with the job store.
func New(cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg.withDefaults(), logger: logger}
}

// SetSweeper wires the force-cleanup hook.
func (c *Controller) SetSweeper(s Sweeper) {
	c.sweeper = s
}

// Admit decides whether one more extraction may start and, on success,
// reserves a slot. Callers must Release the slot when the work finishes.
// The returned reason is client-facing on rejection.
func (c *Controller) Admit(ctx context.Context) (ok bool, reason string) {
	c.mu.Lock()
	if c.active >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return false, "server busy: too many concurrent downloads"
	}
	c.active++
	c.mu.Unlock()

	if ok, reason := c.checkResources(ctx); !ok {
		c.Release()
		return false, reason
	}
	return true, ""
}

// Release frees a previously admitted slot.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}

// Active returns the number of admitted extractions.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// checkResources applies the soft/hard threshold ladder. Metric failures
// admit rather than reject: a monitoring glitch must not block all traffic.
func (c *Controller) checkResources(ctx context.Context) (bool, string) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("memory stats unavailable, admitting", zap.Error(err))
	} else if vm.UsedPercent/100 > c.cfg.MemorySoft {
		c.forceSweep("memory pressure")
		vm, err = mem.VirtualMemoryWithContext(ctx)
		if err == nil && vm.UsedPercent/100 > c.cfg.MemoryHard {
			return false, "server under memory pressure"
		}
	}

	usage, err := disk.UsageWithContext(ctx, c.cfg.ScratchDir)
	if err != nil {
		c.logger.Warn("disk stats unavailable, admitting", zap.Error(err))
	} else if usage.Free < c.cfg.DiskSoftBytes {
		c.forceSweep("disk pressure")
		usage, err = disk.UsageWithContext(ctx, c.cfg.ScratchDir)
		if err == nil && usage.Free < c.cfg.DiskHardBytes {
			return false, "server out of disk space"
		}
	}

	return true, ""
}

func (c *Controller) forceSweep(cause string) {
	if c.sweeper == nil {
		return
	}
	deleted := c.sweeper.Sweep(true)
	c.logger.Info("forced cleanup sweep", zap.String("cause", cause), zap.Int("deleted", deleted))
}

// Snapshot reports the current resource view. Best-effort: fields for
// metrics that cannot be read stay zero.
func (c *Controller) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{ActiveJobs: c.Active()}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryFraction = vm.UsedPercent / 100
	}
	if usage, err := disk.UsageWithContext(ctx, c.cfg.ScratchDir); err == nil {
		snap.FreeDiskBytes = usage.Free
	}
	return snap
}
