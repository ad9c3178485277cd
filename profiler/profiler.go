// Package profiler - stage timing and memory sampling for benchmark runs.
package profiler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Stage names used by the benchmark runner.
const (
	StageLoad      = "load"
	StageLetterbox = "letterbox"
	StageInference = "inference"
	StageDecode    = "decode"
	StageSuppress  = "suppress"
	StageWrite     = "write"
)

// StageStats summarizes the timings recorded for one stage.
type StageStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Avg returns the mean duration, or zero when nothing was recorded.
func (s StageStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// MemoryStats captures the process memory picture at a point in time, plus
// the peak heap observed by the sampler.
type MemoryStats struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	PeakHeapBytes   uint64 `json:"peak_heap_bytes"`
	NumGC           uint32 `json:"num_gc"`
	Goroutines      int    `json:"goroutines"`
}

// Options configures the profiler.
type Options struct {
	// SampleInterval is how often memory is sampled (default: 100ms).
	SampleInterval time.Duration
}

// Profiler records stage timings and samples memory in the background.
//
// It is safe for concurrent use: decode workers and the engine goroutine
// record into it at the same time.
type Profiler struct {
	sampleInterval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	start    time.Time
	peakHeap uint64
	stages   map[string]*StageStats
}

// New creates a profiler.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A profiler that is not yet sampling
func New(opts Options) *Profiler {
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Profiler{
		sampleInterval: opts.SampleInterval,
		ctx:            ctx,
		cancel:         cancel,
		start:          time.Now(),
		stages:         make(map[string]*StageStats),
	}
}

// Start begins background memory sampling. Calling it twice is harmless.
func (p *Profiler) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.start = time.Now()

	p.wg.Add(1)
	go p.sampleLoop()
}

// Stop ends sampling and waits for the sampler to exit.
func (p *Profiler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// StartOperation begins timing a stage.
//
// Arguments:
// - name: The stage to record into
//
// Returns:
// - A function to call when the stage completes
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one duration to a stage.
func (p *Profiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stages[name]
	if !ok {
		s = &StageStats{Name: name, Min: d, Max: d}
		p.stages[name] = s
	}
	s.Count++
	s.Total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// Stage returns the stats of one stage.
func (p *Profiler) Stage(name string) StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stages[name]; ok {
		return *s
	}
	return StageStats{Name: name}
}

// Stages returns every recorded stage, sorted by name.
func (p *Profiler) Stages() []StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StageStats, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Memory returns a fresh memory snapshot.
func (p *Profiler) Memory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	p.mu.Lock()
	if ms.HeapAlloc > p.peakHeap {
		p.peakHeap = ms.HeapAlloc
	}
	peak := p.peakHeap
	p.mu.Unlock()

	return MemoryStats{
		AllocBytes:      ms.Alloc,
		TotalAllocBytes: ms.TotalAlloc,
		SysBytes:        ms.Sys,
		HeapAllocBytes:  ms.HeapAlloc,
		PeakHeapBytes:   peak,
		NumGC:           ms.NumGC,
		Goroutines:      runtime.NumGoroutine(),
	}
}

// Uptime returns the time since Start (or New).
func (p *Profiler) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.start)
}

func (p *Profiler) sampleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Memory()
		}
	}
}

// Report logs the stage table and memory picture.
func (p *Profiler) Report(log logs.Log) {
	for _, s := range p.Stages() {
		log.Infof("stage %-10s avg=%v min=%v max=%v count=%d",
			s.Name, s.Avg().Truncate(time.Microsecond), s.Min.Truncate(time.Microsecond),
			s.Max.Truncate(time.Microsecond), s.Count)
	}
	m := p.Memory()
	log.Infof("memory: heap %s (peak %s), sys %s, gc cycles %d", FormatBytes(m.HeapAllocBytes),
		FormatBytes(m.PeakHeapBytes), FormatBytes(m.SysBytes), m.NumGC)
}

// FormatBytes formats byte counts in human-readable format.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
