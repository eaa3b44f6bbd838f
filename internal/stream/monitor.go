// Package stream reads artifact files as lazy chunk sequences under memory
// pressure control. The memory monitor samples the heap, the backpressure
// controller turns samples plus stream activity into pacing decisions, and
// the reader pulls chunks with checkpoints for mid-stream recovery.
package stream

import (
	"runtime"
	"sync/atomic"
	"time"
)

// PressureLevel is the monitor's coarse view of heap usage.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
)

func (l PressureLevel) String() string {
	switch l {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "normal"
	}
}

const (
	// DefaultSampleInterval is how often the sampler refreshes the snapshot.
	DefaultSampleInterval = time.Second

	warningHeapPercent  = 70.0
	criticalHeapPercent = 85.0
)

// Snapshot is one observation of the process heap. Reads are lock-free;
// the sampler goroutine is the only writer.
type Snapshot struct {
	HeapAlloc   uint64
	HeapSys     uint64
	HeapPercent float64
	Level       PressureLevel
	SampledAt   time.Time
}

// Monitor samples runtime heap statistics on a fixed interval.
type Monitor struct {
	interval time.Duration
	snap     atomic.Pointer[Snapshot]
	done     chan struct{}
}

// NewMonitor creates a monitor and takes an initial sample synchronously so
// Current never returns an empty snapshot.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	m := &Monitor{interval: interval}
	m.sample()
	return m
}

// Start launches the sampler goroutine. Stop must be called to release it.
func (m *Monitor) Start() {
	if m.done != nil {
		return
	}
	m.done = make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the sampler goroutine.
func (m *Monitor) Stop() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	return *m.snap.Load()
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	pct := 0.0
	if ms.HeapSys > 0 {
		pct = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	level := PressureNormal
	switch {
	case pct >= criticalHeapPercent:
		level = PressureCritical
	case pct >= warningHeapPercent:
		level = PressureWarning
	}

	m.snap.Store(&Snapshot{
		HeapAlloc:   ms.HeapAlloc,
		HeapSys:     ms.HeapSys,
		HeapPercent: pct,
		Level:       level,
		SampledAt:   time.Now(),
	})
}
