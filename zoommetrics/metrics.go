// Package zoommetrics exposes the module's error and latency counters
// through github.com/VictoriaMetrics/metrics, the corpus's own metrics
// library (ValentinKolb-dKV's go.mod), grounded here as a small
// process-wide registry the way that library's own process metrics work:
// callers name a metric and it is created lazily on first use.
package zoommetrics

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// ErrorKind identifies which of the package's sentinel error types was
// surfaced, for the zoom_errors_total counter.
type ErrorKind string

const (
	ErrorKindNotFound              ErrorKind = "NotFound"
	ErrorKindObjectExists          ErrorKind = "ObjectExists"
	ErrorKindObjectReferenced      ErrorKind = "ObjectReferenced"
	ErrorKindReferenceConflict     ErrorKind = "ReferenceConflict"
	ErrorKindConcurrentModified    ErrorKind = "ConcurrentModification"
	ErrorKindStorageNodeExists     ErrorKind = "StorageNodeExists"
	ErrorKindStorageNodeNotFound   ErrorKind = "StorageNodeNotFound"
	ErrorKindServiceUnavailable    ErrorKind = "ServiceUnavailable"
	ErrorKindStorageFailure        ErrorKind = "StorageFailure"
	ErrorKindInternalObjectMapper  ErrorKind = "InternalObjectMapper"
	ErrorKindValidationFailed      ErrorKind = "ValidationFailed"
)

// IncError increments the counter for kind.
func IncError(kind ErrorKind) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`zoom_errors_total{kind=%q}`, string(kind))).Inc()
}

// BackendOp identifies a backend event type, for the
// zoom_backend_latency_seconds histogram.
type BackendOp string

const (
	BackendOpGet             BackendOp = "get"
	BackendOpExists          BackendOp = "exists"
	BackendOpChildren        BackendOp = "children"
	BackendOpCreate          BackendOp = "create"
	BackendOpSetData         BackendOp = "setData"
	BackendOpDelete          BackendOp = "delete"
	BackendOpMulti           BackendOp = "multi"
	BackendOpWatch           BackendOp = "watch"
	BackendOpWatchChildren   BackendOp = "watchChildren"
)

// ObserveBackendLatency records how long a backend call of the given kind
// took, in seconds.
func ObserveBackendLatency(op BackendOp, d time.Duration) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`zoom_backend_latency_seconds{op=%q}`, string(op))).Update(d.Seconds())
}

// Timer starts a latency measurement for op, returned as a func to call
// when the operation completes:
//
//	stop := zoommetrics.Timer(zoommetrics.BackendOpGet)
//	defer stop()
func Timer(op BackendOp) func() {
	start := time.Now()

	return func() {
		ObserveBackendLatency(op, time.Since(start))
	}
}

// SetObservableCacheSize publishes the current entry count of a named
// observable cache (e.g. "object", "class") as a gauge.
func SetObservableCacheSize(cacheName string, size int) {
	name := fmt.Sprintf(`zoom_observable_cache_size{cache=%q}`, cacheName)
	metrics.GetOrCreateCounter(name).Set(uint64(size))
}

// SetTopologyLockFreeMode publishes whether the topology lock is currently
// operating in lock-free mode (1) or requiring acquisition (0).
func SetTopologyLockFreeMode(freeMode bool) {
	v := uint64(0)
	if freeMode {
		v = 1
	}

	metrics.GetOrCreateCounter("zoom_topology_lock_free_mode").Set(v)
}
