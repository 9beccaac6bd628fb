package hub

// MemoryEstimator recomputes a connection's memory footprint in MB. The hub
// recomputes estimates on every heartbeat sweep.
//
// The default estimator returns a fixed baseline: no real per-connection
// accounting exists upstream, so the value is illustrative rather than a
// measured bound. Anything smarter (buffer inspection, sampling) plugs in
// here.
type MemoryEstimator interface {
	EstimateMB(clientID string) float64
}

// baselineConnectionMB approximates the cost of one connection: struct,
// send buffers and map overhead.
const baselineConnectionMB = 0.5

type fixedEstimator struct {
	mb float64
}

// NewFixedEstimator returns an estimator reporting the same value for every
// connection. Zero selects the default baseline.
func NewFixedEstimator(mb float64) MemoryEstimator {
	if mb <= 0 {
		mb = baselineConnectionMB
	}
	return fixedEstimator{mb: mb}
}

func (f fixedEstimator) EstimateMB(string) float64 {
	return f.mb
}
