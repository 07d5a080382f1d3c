// cmd/chaos/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firetrack/internal/chaos"
	"firetrack/internal/config"
	"firetrack/internal/telemetry"
)

func main() {
	cfg, err := config.LoadChaos()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "firetrack-chaos")
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	dispatchTimeout := 500 * time.Millisecond
	pipeline, err := chaos.NewPipeline(ctx, chaos.PipelineConfig{
		Seed:            cfg.Seed,
		DispatchTimeout: dispatchTimeout,
		BreakerTimeout:  200 * time.Millisecond,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("Failed to build sync pipeline: %v", err)
	}
	defer pipeline.Close(context.Background())

	engine := chaos.NewEngine(chaos.WithLogger(logger), chaos.WithSampleInterval(cfg.SampleInterval))
	for _, exp := range chaos.SyncExperiments(pipeline, chaos.Plan{
		Workload:   cfg.Workload,
		ObserveFor: cfg.ObserveFor,
		Latency:    2 * dispatchTimeout,
	}) {
		engine.RegisterExperiment(exp)
	}

	gameDay := chaos.GameDay{
		Name:      "Offline sync game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     cfg.Pause,
	}

	results, err := engine.ExecuteGameDay(ctx, gameDay)
	if err != nil {
		log.Fatalf("Chaos Game Day failed: %v", err)
	}
	if len(results) < len(gameDay.Scenarios) {
		log.Fatalf("Chaos Game Day failed: %d of %d experiments aborted", len(gameDay.Scenarios)-len(results), len(gameDay.Scenarios))
	}
	for _, res := range results {
		if !res.HypothesisHeld {
			log.Fatalf("Chaos Game Day failed: %s: %v", res.ExperimentName, res.Failed)
		}
	}
	logger.Info("game day passed", "experiments", len(results), "faults", pipeline.Faults.Stats())
}
