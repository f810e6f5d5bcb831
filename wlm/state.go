// Package wlm implements worker lifecycle management: the batch aggregator
// that mediates between a model's job queue and its workers, the runner that
// drives one worker's request/response cycle, and the manager that owns the
// per-model registry.
package wlm

// WorkerState describes where a worker is in its lifecycle. The aggregator
// only distinguishes WorkerModelLoaded (serving, non-blocking pulls) from
// everything else (waiting for a directive, blocking pulls).
type WorkerState int32

const (
	WorkerStopped WorkerState = iota
	WorkerStarting
	WorkerModelLoaded
	WorkerUnloading
	WorkerFailed
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "stopped"
	case WorkerStarting:
		return "starting"
	case WorkerModelLoaded:
		return "model_loaded"
	case WorkerUnloading:
		return "unloading"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}
