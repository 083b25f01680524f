package proxymon

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RuntimeCollector reports memory, goroutine and file descriptor usage of
// the monitor process. Pull-based scrapes use the client_golang runtime
// collectors instead; this one feeds remote write.
type RuntimeCollector struct {
	BaseCollector
}

// NewRuntimeCollector creates a runtime collector.
func NewRuntimeCollector(logger *zap.Logger) *RuntimeCollector {
	return &RuntimeCollector{
		BaseCollector: NewBaseCollector("runtime", logger),
	}
}

// Collect implements Collector interface
func (r *RuntimeCollector) Collect() []Metric {
	now := time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	samples := []sample{
		{"memory_alloc_bytes", float64(ms.Alloc), Gauge},
		{"memory_sys_bytes", float64(ms.Sys), Gauge},
		{"memory_heap_inuse_bytes", float64(ms.HeapInuse), Gauge},
		{"memory_stack_inuse_bytes", float64(ms.StackInuse), Gauge},
		{"goroutines_num", float64(runtime.NumGoroutine()), Gauge},
		{"gc_runs_total", float64(ms.NumGC), Counter},
		{"gc_pause_total_ns", float64(ms.PauseTotalNs), Counter},
	}
	if rss := processRSS(); rss > 0 {
		samples = append(samples, sample{"memory_rss_bytes", float64(rss), Gauge})
	}
	if fds := openFileDescriptors(); fds > 0 {
		samples = append(samples, sample{"file_descriptors_num", float64(fds), Gauge})
	}

	return unlabeled(now, "process_", samples)
}

// processRSS reads VmRSS from /proc/self/status. Zero elsewhere.
func processRSS() uint64 {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

func openFileDescriptors() uint64 {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return uint64(len(entries))
}
