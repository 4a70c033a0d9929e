package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"bookflow/logger"
)

// resourceSample captures a single sample of host level resource utilisation.
type resourceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSample
	limit    int
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 120
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{limit: limit, interval: interval, diskPath: diskPath, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// latest returns the newest sample, if any.
func (s *resourceSampler) latest() (resourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return resourceSample{}, false
	}
	return s.items[len(s.items)-1], true
}

func (s *resourceSampler) history() []resourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSample, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(sample resourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, sample)
	if len(s.items) > s.limit {
		s.items = append([]resourceSample(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	log := s.log.WithComponent("resource_sampler")
	for ctx.Err() == nil {
		// cpu sampling blocks for the interval
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			log.WithError(err).Debug("failed to sample cpu usage")
			if !sleep(ctx, s.interval) {
				return
			}
			continue
		}
		memStats, err := memoryStatsFn(ctx)
		if err != nil {
			log.WithError(err).Debug("failed to sample memory usage")
			continue
		}
		diskStats, err := diskUsageFn(ctx, s.diskPath)
		if err != nil {
			log.WithError(err).Debug("failed to sample disk usage")
			continue
		}

		sample := resourceSample{
			Timestamp:   time.Now(),
			MemoryUsed:  memStats.Used,
			MemoryTotal: memStats.Total,
			MemoryPct:   memStats.UsedPercent,
			DiskUsed:    diskStats.Used,
			DiskTotal:   diskStats.Total,
			DiskPct:     diskStats.UsedPercent,
		}
		if len(cpuSamples) > 0 {
			sample.CPUPercent = cpuSamples[0]
		}
		s.append(sample)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
