package health

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is a point-in-time sample of process and host resources.
// DiskUsedPercent covers the filesystem holding the durable store and stays
// zero for purely remote or in-memory backends.
type ResourceUsage struct {
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryRSSBytes  uint64    `json:"memoryRssBytes"`
	MemoryPercent   float64   `json:"memoryPercent"`
	DiskUsedPercent float64   `json:"diskUsedPercent"`
	Goroutines      int       `json:"goroutines"`
	SampledAt       time.Time `json:"sampledAt"`
}

type resourceSampler struct {
	proc     *process.Process
	dataPath string
	logger   *slog.Logger
}

func newResourceSampler(dataPath string, logger *slog.Logger) *resourceSampler {
	s := &resourceSampler{dataPath: dataPath, logger: logger}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process handle unavailable, cpu and rss samples will read zero",
			slog.Any("error", err))
		return s
	}
	s.proc = proc
	return s
}

// sample gathers best-effort readings. A failed probe logs at debug and
// leaves its field zero rather than failing the refresh.
func (s *resourceSampler) sample(ctx context.Context, now time.Time) ResourceUsage {
	usage := ResourceUsage{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  now,
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
			usage.CPUPercent = cpu
		} else {
			s.logger.Debug("cpu sample failed", slog.Any("error", err))
		}
		if info, err := s.proc.MemoryInfoWithContext(ctx); err != nil {
			s.logger.Debug("rss sample failed", slog.Any("error", err))
		} else if info != nil {
			usage.MemoryRSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.logger.Debug("host memory sample failed", slog.Any("error", err))
	} else if vm != nil {
		usage.MemoryPercent = vm.UsedPercent
	}
	if s.dataPath != "" {
		if du, err := disk.UsageWithContext(ctx, s.dataPath); err != nil {
			s.logger.Debug("disk sample failed",
				slog.String("path", s.dataPath),
				slog.Any("error", err))
		} else if du != nil {
			usage.DiskUsedPercent = du.UsedPercent
		}
	}
	return usage
}
