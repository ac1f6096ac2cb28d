package telemetry

import "github.com/MoonLadderStudios/MoonMind-sub003/internal/observability"

// Client counts worker-side events. Labels refine a counter, tagging for
// example the failure class and recovery strategy behind a self-heal event;
// nil means no extra labels.
type Client interface {
	Incr(name string, labels map[string]string)
}

type nop struct{}

func NewNop() Client {
	return nop{}
}

func (nop) Incr(name string, labels map[string]string) {
	_, _ = name, labels
}

type registry struct {
	workerID string
}

// NewRegistry counts into the process-wide metrics registry, labelled with
// the worker id.
func NewRegistry(workerID string) Client {
	return registry{workerID: workerID}
}

func (r registry) Incr(name string, labels map[string]string) {
	merged := map[string]string{"worker": r.workerID}
	for k, v := range labels {
		merged[k] = v
	}
	observability.Default.IncCounter(name, merged, 1)
}
