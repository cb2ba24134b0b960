package domain

// WorkerState is the in-memory lifecycle of one EndpointWorker. The
// RATE_LIMITED tag from the original source is a transient synonym for a
// freshly-entered COOLING_DOWN and is intentionally not modelled as a
// distinct state.
type WorkerState string

const (
	WorkerHealthy     WorkerState = "healthy"
	WorkerCoolingDown WorkerState = "cooling_down"
	WorkerError       WorkerState = "error"
)

func (s WorkerState) String() string {
	return string(s)
}

// IsAvailable reports whether a worker in this state may be dispatched to.
func (s WorkerState) IsAvailable() bool {
	return s == WorkerHealthy
}

// CanTransitionTo enforces the worker state machine:
//
//	HEALTHY -> COOLING_DOWN (rate-limit detected)
//	COOLING_DOWN -> HEALTHY (cooldown expiry observed by the drain loop)
//	HEALTHY -> ERROR (N consecutive transport failures; see worker.Config.ErrorStateThreshold)
//	ERROR -> HEALTHY (health probe success)
//
// COOLING_DOWN and ERROR never transition directly into each other; a
// cooling-down worker always resolves to HEALTHY first.
func (s WorkerState) CanTransitionTo(target WorkerState) bool {
	switch s {
	case WorkerHealthy:
		return target == WorkerCoolingDown || target == WorkerError || target == WorkerHealthy
	case WorkerCoolingDown:
		return target == WorkerHealthy
	case WorkerError:
		return target == WorkerHealthy
	default:
		return false
	}
}
