package common

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts the blocks and bytes an extract or repack run has handled.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	blocks   atomic.Int64
	bytes    atomic.Int64
	total    atomic.Int64
	failures atomic.Int64

	mu    sync.Mutex
	start time.Time
	end   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Start marks the beginning of the run. Later calls are ignored.
func (m *Metrics) Start() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.start.IsZero() {
		m.start = time.Now()
	}
	m.mu.Unlock()
}

func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if !m.start.IsZero() && m.end.IsZero() {
		m.end = time.Now()
	}
	m.mu.Unlock()
}

// AddBlock records one fully processed block of size bytes.
func (m *Metrics) AddBlock(size int64) {
	if m == nil {
		return
	}
	m.blocks.Add(1)
	if size > 0 {
		m.bytes.Add(size)
	}
}

// IncFailure records a block that could not be decoded or encoded.
func (m *Metrics) IncFailure() {
	if m == nil {
		return
	}
	m.failures.Add(1)
}

// SetTotalBytes sets the size of the file being walked, used for the
// completion percentage.
func (m *Metrics) SetTotalBytes(total int64) {
	if m == nil {
		return
	}
	m.total.Store(max(total, 0))
}

// Snapshot returns the current counters. It is safe to call on nil.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	s := MetricsSnapshot{
		Blocks:     m.blocks.Load(),
		Bytes:      m.bytes.Load(),
		TotalBytes: m.total.Load(),
		Failures:   m.failures.Load(),
	}
	m.mu.Lock()
	switch {
	case m.start.IsZero():
	case m.end.IsZero():
		s.Duration = time.Since(m.start)
	default:
		s.Duration = m.end.Sub(m.start)
	}
	m.mu.Unlock()
	return s
}

type MetricsSnapshot struct {
	Duration   time.Duration
	Bytes      int64
	TotalBytes int64
	Blocks     int64
	Failures   int64
}

// Completion is the share of TotalBytes covered by processed blocks, in
// [0, 1]. Gaps between blocks are not counted.
func (s MetricsSnapshot) Completion() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return min(max(float64(s.Bytes)/float64(s.TotalBytes), 0), 1)
}

func (s MetricsSnapshot) String() string {
	line := fmt.Sprintf("blocks=%d failed=%d %s", s.Blocks, s.Failures, FormatBytes(s.Bytes))
	if s.TotalBytes > 0 {
		line = fmt.Sprintf("%5.1f%% %s of %s", s.Completion()*100, line, FormatBytes(s.TotalBytes))
	}
	return line
}

func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	v := float64(b) / unit
	i := 0
	for v >= unit && i < len(units)-1 {
		v /= unit
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

// StartProgressPrinter rewrites a single status line on w every interval
// until the returned stop function is called.
func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) func() {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		width := 0
		for {
			select {
			case <-ticker.C:
				line := m.Snapshot().String()
				fmt.Fprintf(w, "\r%-*s", width, line)
				width = max(width, len(line))
			case <-done:
				if width > 0 {
					fmt.Fprintf(w, "\r%s\r\n", strings.Repeat(" ", width))
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
