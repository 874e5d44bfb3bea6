package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/arc-language/pybundle/pkg/cache"
	"github.com/arc-language/pybundle/pkg/core"
)

// State is the outcome of one task
type State string

const (
	StateCompleted State = "completed"
	StateCached    State = "cached"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// TaskResult records how a task ended
type TaskResult struct {
	Task     string
	State    State
	Duration time.Duration
	Err      error
}

// Report lists task results in execution order
type Report struct {
	Results  []TaskResult
	Duration time.Duration
}

// State returns the state of a task, empty if it never ran
func (r *Report) State(task string) State {
	for _, res := range r.Results {
		if res.Task == task {
			return res.State
		}
	}
	return ""
}

// Count returns how many tasks ended in state
func (r *Report) Count(state State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

// RunnerConfig configures a Runner
type RunnerConfig struct {
	Profile core.Profile
	Store   *cache.Store // Optional; without it every task runs
	Force   bool         // Ignore recorded fingerprints
	Logger  logr.Logger
}

// Runner executes graphs
type Runner struct {
	config *RunnerConfig
	logger logr.Logger
}

// NewRunner creates a runner
func NewRunner(cfg *RunnerConfig) *Runner {
	if cfg == nil {
		cfg = &RunnerConfig{}
	}
	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Runner{config: cfg, logger: logger.WithName("pipeline")}
}

// Run executes g one depth level at a time; tasks within a level run
// concurrently. The first failure cancels the rest of its level and stops
// the run with a *TaskError.
func (r *Runner) Run(ctx context.Context, g *Graph) (*Report, error) {
	start := time.Now()
	report := &Report{}
	var mu sync.Mutex

	record := func(res TaskResult) {
		mu.Lock()
		defer mu.Unlock()
		report.Results = append(report.Results, res)
	}

	r.logger.Info("running pipeline", "tasks", len(g.order), "profile", r.config.Profile.String())

	levels := g.Levels()
	for i, level := range levels {
		r.logger.V(1).Info("starting level", "level", i+1, "of", len(levels), "tasks", level)

		eg, egCtx := errgroup.WithContext(ctx)
		for _, name := range level {
			t := g.tasks[name]
			eg.Go(func() error {
				res := r.runTask(egCtx, t)
				record(res)
				if res.Err != nil {
					return &TaskError{Task: t.Name, Err: res.Err}
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
	}

	report.Duration = time.Since(start)
	r.logger.Info("pipeline finished",
		"completed", report.Count(StateCompleted),
		"cached", report.Count(StateCached),
		"skipped", report.Count(StateSkipped),
		"duration", report.Duration.Round(time.Millisecond).String())
	return report, nil
}

func (r *Runner) runTask(ctx context.Context, t *Task) TaskResult {
	start := time.Now()
	res := TaskResult{Task: t.Name}
	log := r.logger.WithValues("task", t.Name)

	if t.Guarded && r.config.Profile.Restricted {
		log.Info("skipped under restricted profile", "reason", r.config.Profile.Reason)
		res.State = StateSkipped
		return res
	}

	if err := ctx.Err(); err != nil {
		res.State, res.Err = StateFailed, err
		return res
	}

	store := r.config.Store
	var fp digest.Digest
	if t.Fingerprint != nil && store != nil {
		d, err := t.Fingerprint(ctx)
		if err != nil {
			res.State, res.Err = StateFailed, err
			return res
		}
		fp = d

		if !r.config.Force {
			fresh, err := store.UpToDate(ctx, t.Name, d)
			if err != nil {
				log.Info("fingerprint lookup failed, running task", "error", err.Error())
			} else if fresh {
				log.Info("up to date", "fingerprint", d.String())
				res.State = StateCached
				res.Duration = time.Since(start)
				return res
			}
		}
	}

	log.Info("running")
	if err := t.Run(ctx); err != nil {
		res.State, res.Err = StateFailed, err
		res.Duration = time.Since(start)
		log.Error(err, "task failed")
		return res
	}

	if fp != "" {
		var outputs []string
		if t.Outputs != nil {
			outputs = t.Outputs()
		}
		rec := cache.Record{Task: t.Name, Fingerprint: fp, Outputs: outputs}
		if err := store.Put(ctx, rec); err != nil {
			log.Info("could not record fingerprint", "error", err.Error())
		}
	}

	res.State = StateCompleted
	res.Duration = time.Since(start)
	log.V(1).Info("completed", "duration", res.Duration.Round(time.Millisecond).String())
	return res
}
