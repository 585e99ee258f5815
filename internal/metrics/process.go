package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessCollector periodically samples process CPU and memory usage into
// the Process gauges.
type ProcessCollector struct {
	registry *Registry
	logger   *zap.Logger
	interval time.Duration
}

func NewProcessCollector(registry *Registry, logger *zap.Logger, interval time.Duration) *ProcessCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProcessCollector{registry: registry, logger: logger, interval: interval}
}

// Run samples until ctx is canceled. Sampling failures are logged at debug
// level; a host without procfs support just leaves the gauges at zero.
func (c *ProcessCollector) Run(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.Warn("process metrics unavailable", zap.Error(err))
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cpuPercent, err := proc.CPUPercent(); err == nil {
				c.registry.Process.CPUPercent.Set(cpuPercent)
			} else {
				c.logger.Debug("cpu sample failed", zap.Error(err))
			}
			if memInfo, err := proc.MemoryInfo(); err == nil {
				c.registry.Process.MemoryBytes.Set(float64(memInfo.RSS))
			} else {
				c.logger.Debug("memory sample failed", zap.Error(err))
			}
		}
	}
}
