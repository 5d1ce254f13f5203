// Package metrics holds the counters and feature toggles shared by the
// reactor and the UDP control-plane, plus an optional Prometheus exposition
// surface for ambient observability.
package metrics

import (
	"sync/atomic"
	"time"
)

// Registry is the process-wide metrics and toggle state. It has a single
// conceptual owner: the reactor goroutine, which is the only code path that
// mutates connection/byte counters or toggles (driven by control-plane
// requests and connection lifecycle events, both serviced on the reactor's
// single thread). The fields are atomics so that an auxiliary Prometheus
// exposition goroutine (see NewPrometheusServer) can take a consistent
// read-only snapshot without a mutex.
type Registry struct {
	TotalConnections   atomic.Uint64
	CurrentConnections atomic.Uint64
	BytesTransferred   atomic.Uint64

	TransformEnabled atomic.Bool
	VerifyEnabled    atomic.Bool

	// StartedAt records process start. It has no wire representation, and
	// no code in this tree reads it.
	StartedAt time.Time
}

// NewRegistry creates a Registry with transform enabled by default (matching
// the original server's default behaviour of transforming unless told not
// to) and records the current time as StartedAt.
func NewRegistry() *Registry {
	r := &Registry{StartedAt: time.Now()}
	r.TransformEnabled.Store(true)
	return r
}

// ConnectionAccepted records a newly accepted connection.
func (r *Registry) ConnectionAccepted() {
	r.TotalConnections.Add(1)
	r.CurrentConnections.Add(1)
}

// ConnectionClosed records the destruction of a connection.
func (r *Registry) ConnectionClosed() {
	r.CurrentConnections.Add(^uint64(0)) // -1
}

// AddBytesTransferred adds n to the running byte-transfer counter.
func (r *Registry) AddBytesTransferred(n uint64) {
	r.BytesTransferred.Add(n)
}

// Snapshot is a point-in-time read of the counters. The control-plane
// codec and the Prometheus exposition surface read the Registry fields
// directly rather than through a Snapshot.
type Snapshot struct {
	TotalConnections   uint64
	CurrentConnections uint64
	BytesTransferred   uint64
	TransformEnabled   bool
	VerifyEnabled      bool
}

// Snapshot reads all counters and toggles atomically (each field is read
// independently; a torn read across fields is acceptable since the
// control-plane only ever needs one field per request).
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections:   r.TotalConnections.Load(),
		CurrentConnections: r.CurrentConnections.Load(),
		BytesTransferred:   r.BytesTransferred.Load(),
		TransformEnabled:   r.TransformEnabled.Load(),
		VerifyEnabled:      r.VerifyEnabled.Load(),
	}
}
