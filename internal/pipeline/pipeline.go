// Package pipeline runs named stages in dependency order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"homepedia/server/internal/metrics"
)

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrCycle        = errors.New("stage dependency cycle")
)

// Counters are the named row counts a stage reports.
type Counters map[string]int64

// Stage is one batch job. After lists the stages that must have completed first.
type Stage struct {
	Name  string
	After []string
	Run   func(ctx context.Context) (Counters, error)
}

// Result is the outcome of one stage execution.
type Result struct {
	Stage    string
	Duration time.Duration
	Counters Counters
	Err      error
}

// Pipeline is a validated set of stages sharing one run id.
type Pipeline struct {
	stages      map[string]Stage
	order       []string
	parallelism int
	logger      *logrus.Logger
	runID       string
}

// New validates the stage graph. parallelism bounds how many independent
// stages run at once; 1 runs everything sequentially.
func New(logger *logrus.Logger, parallelism int, stages ...Stage) (*Pipeline, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	p := &Pipeline{
		stages:      make(map[string]Stage, len(stages)),
		parallelism: parallelism,
		logger:      logger,
		runID:       uuid.NewString(),
	}
	for _, s := range stages {
		if _, dup := p.stages[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		p.stages[s.Name] = s
		p.order = append(p.order, s.Name)
	}
	for _, s := range stages {
		for _, dep := range s.After {
			if _, ok := p.stages[dep]; !ok {
				return nil, fmt.Errorf("%w: %q required by %q", ErrUnknownStage, dep, s.Name)
			}
		}
	}
	if _, err := p.depths(); err != nil {
		return nil, err
	}
	return p, nil
}

// RunID returns the id tagging every log line of the run.
func (p *Pipeline) RunID() string { return p.runID }

// depths returns, for every stage, the length of its longest dependency chain.
func (p *Pipeline) depths() (map[string]int, error) {
	depth := make(map[string]int, len(p.stages))
	visiting := make(map[string]bool)

	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("%w through %q", ErrCycle, name)
		}
		visiting[name] = true
		d := 0
		for _, dep := range p.stages[name].After {
			dd, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		visiting[name] = false
		depth[name] = d
		return d, nil
	}

	for _, name := range p.order {
		if _, err := visit(name); err != nil {
			return nil, err
		}
	}
	return depth, nil
}

// Levels groups the selected stages by dependency depth. With no selection every
// stage is included. Dependencies outside the selection are assumed done.
func (p *Pipeline) Levels(only ...string) ([][]Stage, error) {
	selected := make(map[string]bool)
	for _, name := range only {
		if _, ok := p.stages[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		selected[name] = true
	}

	depth, err := p.depths()
	if err != nil {
		return nil, err
	}

	byDepth := make(map[int][]Stage)
	var keys []int
	for _, name := range p.order {
		if len(selected) > 0 && !selected[name] {
			continue
		}
		d := depth[name]
		if _, ok := byDepth[d]; !ok {
			keys = append(keys, d)
		}
		byDepth[d] = append(byDepth[d], p.stages[name])
	}
	sort.Ints(keys)

	levels := make([][]Stage, 0, len(keys))
	for _, k := range keys {
		levels = append(levels, byDepth[k])
	}
	return levels, nil
}

// Run executes the selected stages level by level and stops at the first level
// with a failing stage. Results of every stage that ran are returned.
func (p *Pipeline) Run(ctx context.Context, only ...string) ([]Result, error) {
	levels, err := p.Levels(only...)
	if err != nil {
		return nil, err
	}

	log := p.logger.WithField("run_id", p.runID)
	log.WithField("levels", len(levels)).Info("Starting pipeline")

	var (
		mu      sync.Mutex
		results []Result
	)
	for i, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.parallelism)

		for _, stage := range level {
			stage := stage
			g.Go(func() error {
				res := p.runStage(gctx, log, stage)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				if res.Err != nil {
					return fmt.Errorf("stage %s failed: %w", stage.Name, res.Err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			log.WithError(err).WithField("level", i).Error("Pipeline aborted")
			return results, err
		}
	}

	log.WithField("stages", len(results)).Info("Pipeline completed")
	return results, nil
}

func (p *Pipeline) runStage(ctx context.Context, log *logrus.Entry, stage Stage) Result {
	entry := log.WithField("stage", stage.Name)
	entry.Info("Stage started")

	start := time.Now()
	counters, err := stage.Run(ctx)
	res := Result{Stage: stage.Name, Duration: time.Since(start), Counters: counters, Err: err}
	metrics.ObserveStage(stage.Name, res.Duration.Seconds(), counters, err)

	fields := logrus.Fields{"duration": res.Duration.String()}
	for k, v := range counters {
		fields[k] = v
	}
	if err != nil {
		entry.WithFields(fields).WithError(err).Error("Stage failed")
	} else {
		entry.WithFields(fields).Info("Stage completed")
	}
	return res
}
