package ingest

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
)

// Metrics holds the Prometheus instruments for one run (spec §4.8).
// NewMetrics registers them on a private registry, exposed via Registry()
// for a caller-supplied HTTP server to mount; this package never starts its
// own listener.
type Metrics struct {
	registry     *prometheus.Registry
	rowsUpserted prometheus.Counter
	bytesRead    prometheus.Counter
	rpcInflight  prometheus.Gauge
	firstError   prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rowsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkload_rows_upserted_total",
			Help: "Rows successfully upserted across all files in this run.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkload_bytes_read_total",
			Help: "Bytes read from input files in this run.",
		}),
		rpcInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkload_rpc_inflight",
			Help: "BulkUpsert RPCs currently outstanding.",
		}),
		firstError: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkload_first_error",
			Help: "1 once the run has recorded its first failure.",
		}),
	}
	reg.MustRegister(m.rowsUpserted, m.bytesRead, m.rpcInflight, m.firstError)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ProgressBar wraps schollz/progressbar with a single shared, mutex-guarded
// 100-unit aggregate bar (spec §4.8), adapted from the teacher's
// progress.go (there a per-row counter; here a percent-of-files average).
// Installed only when attached to an interactive terminal.
type ProgressBar struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	fileCount int
	runLabel  string
}

// NewProgressBar returns nil when interactive is false, matching spec
// §4.8's "installed only when standard output is an interactive terminal".
func NewProgressBar(fileCount int, interactive bool, runLabel string) *ProgressBar {
	if !interactive || fileCount <= 0 {
		return nil
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("[%s] importing", runLabel)),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &ProgressBar{bar: bar, fileCount: fileCount, runLabel: runLabel}
}

// SetGlobalProgress draws the bar at globalProgress/fileCount percent,
// where globalProgress is the sum of each file's percent-complete (spec
// §4.7 step 7, §4.8).
func (p *ProgressBar) SetGlobalProgress(globalProgress int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Set64(globalProgress / int64(p.fileCount))
}

func (p *ProgressBar) Finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}

// FileProgressCallback is installed per file only when the bar is active
// (non-nil); it converts (current, total) bytes into a percent delta added
// to the shared global progress counter, mirroring the original's
// oldProgress/globalProgress accumulation. One instance may be shared across
// several chunk goroutines on the CSV chunked path, so oldProgress is
// guarded by its own mutex rather than assumed single-writer.
type FileProgressCallback struct {
	mu          sync.Mutex
	bar         *ProgressBar
	global      int64Adder
	oldProgress int64
}

type int64Adder interface {
	Add(delta int64) (new int64)
}

func NewFileProgressCallback(bar *ProgressBar, global int64Adder) *FileProgressCallback {
	if bar == nil {
		return nil
	}
	return &FileProgressCallback{bar: bar, global: global}
}

func (c *FileProgressCallback) Report(current, total int64) {
	if c == nil || total <= 0 {
		return
	}
	progress := int64(float64(current) / float64(total) * 100.0)
	c.mu.Lock()
	diff := progress - c.oldProgress
	c.oldProgress = progress
	c.mu.Unlock()
	newGlobal := c.global.Add(diff)
	c.bar.SetGlobalProgress(newGlobal)
}
