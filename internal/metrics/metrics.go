// Package metrics is a minimal facade between the ETL pipeline and whatever
// metrics sink is configured for a run.
//
// Design goals:
//   - Core packages depend only on this package, never on a vendor SDK.
//   - The default backend is a nop, so metrics are always safe to record.
//   - Backends buffer internally; Flush() is the explicit submission point.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are free-form metric labels (e.g. {"kind": "movies"}).
type Labels map[string]string

// Backend is implemented by metric sinks (Datadog, nop).
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Pass nil to restore the nop.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush submits whatever the active backend has buffered.
func Flush() error { return current().Flush() }

// AddRecords counts processed records of a kind
// (movies_loaded, movies_skipped, ratings_loaded, ...).
func AddRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter("etl_records_total", float64(n), Labels{"kind": kind})
}

// StepDone records one completed pipeline step with its outcome and duration.
func StepDone(step, status string, d time.Duration) {
	labels := Labels{"step": step, "status": status}
	current().IncCounter("etl_step_total", 1, labels)
	current().ObserveHistogram("etl_step_duration_seconds", d.Seconds(), labels)
}

// RecordHTTP records one outbound HTTP attempt (enrichment lookups).
//
// status==0 means the request never completed (network error).
func RecordHTTP(job string, status int, err error, reqDur time.Duration, bytes int64) {
	_ = job // job is carried by backend base tags; kept for call-site clarity

	st := "unknown"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	labels := Labels{"status": st}

	current().IncCounter("etl_http_requests_total", 1, labels)
	if err != nil || status >= 400 || status == 0 {
		current().IncCounter("etl_http_errors_total", 1, labels)
	}
	current().ObserveHistogram("etl_http_request_duration_seconds", reqDur.Seconds(), labels)
	if bytes >= 0 {
		current().ObserveHistogram("etl_http_download_bytes", float64(bytes), labels)
	}
}
