// Package monitor samples process and system resource usage into a bounded
// in-memory ring and warns through the global log when thresholds are
// crossed. The sampler and the trimmer both run on timers; forgetting to
// schedule them is the documented failure mode that leaks memory.
package monitor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Sample is one resource observation.
type Sample struct {
	Timestamp         time.Time `json:"timestamp"`
	ProcessRSSBytes   uint64    `json:"process_rss_bytes"`
	SystemUsedPercent float64   `json:"system_used_percent"`
	DiskUsedPercent   float64   `json:"disk_used_percent"`
}

// Thresholds for warning lines in the global log.
const (
	warnPercent     = 80.0
	criticalPercent = 95.0
)

// trimEvery bounds how often the ring is compacted relative to sampling.
const trimEvery = 60

// Monitor collects rolling resource samples.
type Monitor struct {
	mu       sync.Mutex
	ring     []Sample
	ringSize int

	proc    *process.Process
	dataDir string
	log     *zap.Logger
	ticks   int
}

// New creates a monitor. dataDir is the mount whose disk pressure matters
// (where the logs and database live). ringSize defaults to 1440 — a day of
// samples at one-minute cadence.
func New(log *zap.Logger, dataDir string, ringSize int) *Monitor {
	if ringSize <= 0 {
		ringSize = 1440
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		ringSize: ringSize,
		proc:     proc,
		dataDir:  dataDir,
		log:      log,
	}
}

// Run samples on the given interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

// sampleOnce collects one sample, appends it to the ring, and checks
// thresholds. The ring is trimmed periodically rather than on every insert.
func (m *Monitor) sampleOnce() {
	s := Sample{Timestamp: time.Now().UTC()}

	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			s.ProcessRSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.SystemUsedPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(m.dataDir); err == nil {
		s.DiskUsedPercent = du.UsedPercent
	}

	m.mu.Lock()
	m.ring = append(m.ring, s)
	m.ticks++
	if m.ticks%trimEvery == 0 || len(m.ring) > 2*m.ringSize {
		m.trimLocked()
	}
	m.mu.Unlock()

	m.checkThresholds(s)
}

// Trim compacts the ring to its bound. Exposed so the service can schedule
// it explicitly alongside the breaker sweep.
func (m *Monitor) Trim() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked()
}

func (m *Monitor) trimLocked() {
	if len(m.ring) > m.ringSize {
		m.ring = append([]Sample(nil), m.ring[len(m.ring)-m.ringSize:]...)
	}
}

// checkThresholds emits warning lines when usage crosses the limits.
func (m *Monitor) checkThresholds(s Sample) {
	report := func(resource string, pct float64) {
		switch {
		case pct >= criticalPercent:
			m.log.Error("resource usage critical",
				zap.String("resource", resource), zap.Float64("used_percent", pct))
		case pct >= warnPercent:
			m.log.Warn("resource usage high",
				zap.String("resource", resource), zap.Float64("used_percent", pct))
		}
	}
	report("memory", s.SystemUsedPercent)
	report("disk", s.DiskUsedPercent)
}

// Samples returns a copy of the retained ring, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.ring...)
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return Sample{}, false
	}
	return m.ring[len(m.ring)-1], true
}
