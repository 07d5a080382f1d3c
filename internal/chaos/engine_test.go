package chaos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gauge(v *atomic.Int64) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) { return float64(v.Load()), nil }
}

func TestEvaluateThreshold(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 1, true},
		{"<=", 1.5, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, evaluateThreshold(tt.value, Threshold{Operator: tt.op, Value: 1}), "%v %s 1", tt.value, tt.op)
	}
}

func TestRunExperimentPhases(t *testing.T) {
	var level atomic.Int64
	var order []string
	step := func(name string, fn func()) Action {
		return Action{Type: name, Target: "system", Execute: func(context.Context) error {
			order = append(order, name)
			fn()
			return nil
		}}
	}

	e := NewEngine(WithSampleInterval(5 * time.Millisecond))
	res, err := e.RunExperiment(context.Background(), Experiment{
		Name:        "spike",
		SteadyState: []Metric{{Name: "level", Query: gauge(&level), Threshold: Threshold{Operator: "<=", Value: 0}}},
		Method:      []Action{step("inject", func() { level.Store(3) })},
		Rollback:    []Action{step("rollback", func() {})},
		Recovery:    []Action{step("recover", func() { level.Store(0) })},
		Validation:  []Assertion{{Metric: "level", Condition: func(v float64) bool { return v == 0 }, Message: "level stuck"}},
		Duration:    30 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"inject", "rollback", "recover"}, order)
	assert.True(t, res.SteadyStateValid)
	assert.True(t, res.HypothesisHeld)
	assert.NotEmpty(t, res.Violations, "the spike is observed")
	assert.NotEmpty(t, res.Observations["level"])
	assert.Equal(t, 0.0, res.Final["level"])
	assert.Len(t, e.Results(), 1)
}

func TestRunExperimentFailedAssertion(t *testing.T) {
	var level atomic.Int64
	e := NewEngine(WithSampleInterval(5 * time.Millisecond))
	res, err := e.RunExperiment(context.Background(), Experiment{
		Name:        "stuck",
		SteadyState: []Metric{{Name: "level", Query: gauge(&level), Threshold: Threshold{Operator: "<=", Value: 0}}},
		Method: []Action{{Type: "inject", Execute: func(context.Context) error {
			level.Store(1)
			return errors.New("partially applied")
		}}},
		Validation: []Assertion{
			{Metric: "level", Condition: func(v float64) bool { return v == 0 }, Message: "level stuck"},
			{Metric: "missing", Condition: func(float64) bool { return true }, Message: "missing metric"},
		},
		Duration: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"level stuck", "missing metric"}, res.Failed)
	require.NotEmpty(t, res.ErrorEvents)
	assert.Equal(t, "partially applied", res.ErrorEvents[0].Error)
}

func TestRunExperimentRequiresSteadyState(t *testing.T) {
	var level atomic.Int64
	level.Store(5)
	injected := false

	e := NewEngine()
	res, err := e.RunExperiment(context.Background(), Experiment{
		Name:        "unsteady",
		SteadyState: []Metric{{Name: "level", Query: gauge(&level), Threshold: Threshold{Operator: "<=", Value: 0}}},
		Method: []Action{{Type: "inject", Execute: func(context.Context) error {
			injected = true
			return nil
		}}},
	})
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, injected)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, 5.0, res.Violations[0].Actual)
	assert.Empty(t, e.Results())
}

func TestExecuteGameDaySkipsAbortedScenarios(t *testing.T) {
	var level atomic.Int64
	metric := []Metric{{Name: "level", Query: gauge(&level), Threshold: Threshold{Operator: "<=", Value: 0}}}

	e := NewEngine(WithSampleInterval(5 * time.Millisecond))
	e.RegisterExperiment(Experiment{
		Name:        "breaks steady state",
		SteadyState: metric,
		Method: []Action{{Type: "inject", Execute: func(context.Context) error {
			level.Store(1)
			return nil
		}}},
		Duration: 10 * time.Millisecond,
	})
	e.RegisterExperiment(Experiment{Name: "never starts", SteadyState: metric, Duration: 10 * time.Millisecond})
	require.Len(t, e.Experiments(), 2)

	results, err := e.ExecuteGameDay(context.Background(), GameDay{Name: "test", Date: time.Now(), Scenarios: e.Experiments()})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "breaks steady state", results[0].ExperimentName)
}
