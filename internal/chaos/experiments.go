// internal/chaos/experiments.go
package chaos

import (
	"context"
	"net/http"
	"time"
)

// Metric names sampled by the sync experiments.
const (
	MetricPending    = "pending_operations"
	MetricDead       = "dead_letters"
	MetricDuplicates = "duplicate_movements"
	MetricUnsynced   = "unsynced_entities"
)

// Plan sizes the sync experiments.
type Plan struct {
	Workload   int
	ObserveFor time.Duration
	// Latency injected by the latency experiment; it should exceed the dispatch timeout.
	Latency time.Duration
}

// SyncExperiments builds the offline sync game day scenarios against p. Each
// one injects a fault, writes through the repository while it is active and
// checks that the queue converges once the fault is gone.
func SyncExperiments(p *Pipeline, plan Plan) []Experiment {
	if plan.Workload <= 0 {
		plan.Workload = 20
	}
	if plan.Latency <= 0 {
		plan.Latency = 2 * time.Second
	}

	steady := p.steadyState()
	converged := convergence()
	reset := []Action{{Type: "rollback", Target: "network", Execute: func(context.Context) error {
		p.Faults.Reset()
		return nil
	}}}
	drain := Action{Type: "recovery", Target: "queue", Execute: p.Drain}
	load := []Action{
		{Type: "workload", Target: "repository", Execute: func(ctx context.Context) error {
			return p.Workload(ctx, plan.Workload)
		}},
		{Type: "deliver", Target: "queue", Execute: p.Attempt},
	}

	inject := func(target string, fn func()) Action {
		return Action{Type: "inject", Target: target, Execute: func(context.Context) error {
			fn()
			return nil
		}}
	}

	return []Experiment{
		{
			Name:        "backend-outage",
			Hypothesis:  "Writes made while the backend is unreachable are kept and delivered once it returns",
			SteadyState: steady,
			Method:      append([]Action{inject("network", func() { p.Faults.SetFailures(1, 0) })}, load...),
			Rollback:    reset,
			Recovery:    []Action{drain},
			Validation:  converged,
			Duration:    plan.ObserveFor,
		},
		{
			Name:        "server-errors",
			Hypothesis:  "Intermittent 503 responses are retried without losing or duplicating writes",
			SteadyState: steady,
			Method:      append([]Action{inject("backend", func() { p.Faults.SetFailures(0.5, http.StatusServiceUnavailable) })}, load...),
			Rollback:    reset,
			Recovery:    []Action{drain},
			Validation:  converged,
			Duration:    plan.ObserveFor,
		},
		{
			Name:        "latency-spike",
			Hypothesis:  "Requests slower than the dispatch timeout are abandoned and retried later",
			SteadyState: steady,
			Method:      append([]Action{inject("network", func() { p.Faults.SetLatency(plan.Latency) })}, load...),
			Rollback:    reset,
			Recovery:    []Action{drain},
			Validation:  converged,
			Duration:    plan.ObserveFor,
		},
		{
			Name:        "lost-responses",
			Hypothesis:  "A write applied by the backend whose response was lost is not applied twice on retry",
			SteadyState: steady,
			Method:      append([]Action{inject("network", func() { p.Faults.SetDropResponses(true) })}, load...),
			Rollback:    reset,
			Recovery:    []Action{drain},
			Validation:  converged,
			Duration:    plan.ObserveFor,
		},
		{
			Name:        "rejected-writes",
			Hypothesis:  "Writes the backend refuses move to the dead letter list instead of blocking the queue",
			SteadyState: steady,
			// movements only: a refused create would strand the writes that depend on it
			Method: []Action{
				inject("backend", func() { p.Faults.SetFailures(1, http.StatusUnprocessableEntity) }),
				{Type: "workload", Target: "repository", Execute: func(ctx context.Context) error {
					return p.Restock(ctx, plan.Workload)
				}},
				{Type: "deliver", Target: "queue", Execute: p.Attempt},
			},
			Rollback: reset,
			Recovery: []Action{
				{Type: "recovery", Target: "dead_letters", Execute: p.DiscardDeadLetters},
				drain,
			},
			Validation: converged,
			Duration:   plan.ObserveFor,
		},
	}
}

func (p *Pipeline) steadyState() []Metric {
	zero := Threshold{Operator: "<=", Value: 0}
	return []Metric{
		{Name: MetricPending, Threshold: zero, Query: func(context.Context) (float64, error) {
			return float64(p.Queue.PendingCount()), nil
		}},
		{Name: MetricDead, Threshold: zero, Query: func(context.Context) (float64, error) {
			return float64(len(p.Queue.DeadLetters())), nil
		}},
		{Name: MetricDuplicates, Threshold: zero, Query: func(ctx context.Context) (float64, error) {
			return float64(p.DuplicateMovements(ctx)), nil
		}},
		{Name: MetricUnsynced, Threshold: zero, Query: func(context.Context) (float64, error) {
			return float64(p.UnsyncedEntities()), nil
		}},
	}
}

func convergence() []Assertion {
	isZero := func(v float64) bool { return v == 0 }
	return []Assertion{
		{Metric: MetricPending, Condition: isZero, Message: "queue did not drain"},
		{Metric: MetricDead, Condition: isZero, Message: "dead letters left behind"},
		{Metric: MetricDuplicates, Condition: isZero, Message: "stock movements applied twice"},
		{Metric: MetricUnsynced, Condition: isZero, Message: "entities still marked dirty"},
	}
}
