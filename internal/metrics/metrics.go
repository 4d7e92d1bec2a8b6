// Package metrics is the narrow instrumentation seam the pipeline emits
// through. Stages depend only on Backend; concrete backends (Datadog, nop)
// live in subpackages and are selected at process startup.
package metrics

import "sync"

// Labels are free-form metric dimensions, e.g. {"stage": "ingest"}.
type Labels map[string]string

// Metric names emitted by the pipeline. Backends may ignore names they do
// not recognize.
const (
	// StageTotal counts stage executions, labeled stage + status.
	StageTotal = "pipeline_stage_total"
	// StageDurationSeconds observes stage wall time, labeled stage + status.
	StageDurationSeconds = "pipeline_stage_duration_seconds"
	// RecordsTotal counts records flowing through, labeled kind
	// (ingested, sampled, mapped).
	RecordsTotal = "pipeline_records_total"
	// BatchesTotal counts committed staging batches.
	BatchesTotal = "pipeline_batches_total"
)

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush submits buffered metrics now.
	Flush() error
	// Close flushes and releases resources. Call once.
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = Nop{}
)

// SetBackend installs the process-wide backend. Call once at startup.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	backend = b
}

// Current returns the installed backend.
func Current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	Current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	Current().ObserveHistogram(name, value, labels)
}

// Flush forwards to the installed backend.
func Flush() error { return Current().Flush() }
