package kernel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/collab"
)

// Scheduler fans test definitions out to a bounded pool of workers, each
// running complete workflows through the Orchestrator. Workers cancel
// cooperatively: a cancelled context stops dispatch and lets in-flight
// workflows fail with "cancelled".
type Scheduler struct {
	orch    *Orchestrator
	workers int
	metrics *Metrics
	log     zerolog.Logger
}

// NewScheduler creates a Scheduler with the given worker count (minimum 1).
func NewScheduler(orch *Orchestrator, workers int, metrics *Metrics, logger zerolog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		orch:    orch,
		workers: workers,
		metrics: metrics,
		log:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// RunOutcome pairs one test definition with its run result.
type RunOutcome struct {
	Test   collab.TestDefinition
	Result RunResult
	Err    error
}

// RunAll executes every definition and returns the outcomes in input order.
// Workflows run concurrently up to the worker bound; stages within each
// workflow stay sequential.
func (s *Scheduler) RunAll(ctx context.Context, instanceID string, defs []collab.TestDefinition) []RunOutcome {
	outcomes := make([]RunOutcome, len(defs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				s.metrics.workerStarted()
				res, err := s.orch.Run(ctx, instanceID, defs[idx])
				s.metrics.workerFinished()
				outcomes[idx] = RunOutcome{Test: defs[idx], Result: res, Err: err}
				if err != nil {
					s.log.Warn().
						Str("test_id", defs[idx].TestID).
						Err(err).
						Msg("workflow finished with error")
				}
			}
		}()
	}

dispatch:
	for i := range defs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}
