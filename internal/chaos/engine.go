// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	// Recovery runs after the rollback, before the final measurement.
	Recovery   []Action
	Validation []Assertion
	Duration   time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a fault injection or recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the outcome against the final measurement.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	Final            map[string]float64     `json:"final"`
	Failed           []string               `json:"failed_assertions,omitempty"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer   trace.Tracer
	logger   *slog.Logger
	interval time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithSampleInterval sets how often metrics are sampled while chaos is active.
func WithSampleInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		tracer:   otel.Tracer("firetrack/chaos"),
		logger:   slog.Default(),
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExperiment adds an experiment to the suite
func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunExperiment executes a single chaos experiment
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		Final:          make(map[string]float64),
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, fmt.Errorf("experiment %s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	// Phase 2: Inject chaos
	span.AddEvent("injecting_chaos")
	e.execute(ctx, span, exp.Method, result)

	// Phase 3: Observe system behavior
	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	// Phase 4: Roll back and let the system recover
	span.AddEvent("rolling_back")
	e.execute(ctx, span, exp.Rollback, result)
	e.execute(ctx, span, exp.Recovery, result)

	// Phase 5: Validate assertions against a final measurement
	span.AddEvent("validating_assertions")
	for _, metric := range exp.SteadyState {
		if value, err := metric.Query(ctx); err == nil {
			result.Final[metric.Name] = value
		} else {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: metric.Name})
		}
	}
	result.Failed = validateAssertions(exp.Validation, result.Final)
	result.HypothesisHeld = len(result.Failed) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, span trace.Span, actions []Action, result *Result) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
			e.logger.Warn("chaos action failed", "type", action.Type, "target", action.Target, "error", err)
		}
	}
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var recoveryStart time.Time
	recovered := false

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
		}

		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			now := time.Now()
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: metric.Name})
				continue
			}
			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !evaluateThreshold(value, metric.Threshold) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions returns the messages of the assertions that did not hold.
func validateAssertions(assertions []Assertion, final map[string]float64) []string {
	var failed []string
	for _, a := range assertions {
		value, ok := final[a.Metric]
		if !ok || !a.Condition(value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause separates consecutive experiments.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario in order. A scenario whose steady state
// does not hold is skipped; the others still run.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.Info("starting game day", "name", gameDay.Name, "date", gameDay.Date.Format(time.DateOnly), "scenarios", len(gameDay.Scenarios))

	var results []Result
	for i, scenario := range gameDay.Scenarios {
		e.logger.Info("running experiment", "n", i+1, "of", len(gameDay.Scenarios), "name", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			e.logger.Error("experiment aborted", "name", scenario.Name, "error", err)
			continue
		}
		e.logResult(result)
		results = append(results, *result)

		if i < len(gameDay.Scenarios)-1 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}
	return results, nil
}

func (e *Engine) logResult(result *Result) {
	attrs := []any{
		"name", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"duration", result.Duration,
	}
	if result.MTTR != nil {
		attrs = append(attrs, "mttr", *result.MTTR)
	}
	if result.HypothesisHeld {
		e.logger.Info("hypothesis held", attrs...)
		return
	}
	e.logger.Warn("hypothesis violated", append(attrs, "failed", result.Failed)...)
}
