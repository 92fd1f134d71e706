package batch

import (
	"context"
	"fmt"
	"os"

	"github.com/runbench/runbench/entities"
	"github.com/runbench/runbench/execute"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Unit is one schedulable run of a batch.
type Unit interface {
	ID() string
	CommandLine() []string
	LogPath() string
	SetResult(*entities.RunResult)
}

// Pool executes units concurrently, each under its own executor so runs
// cannot interfere with one another.
type Pool struct {
	// Concurrency caps the number of simultaneously active runs; 0 means
	// one at a time.
	Concurrency int

	// Options is handed to every per-unit executor.
	Options execute.Options

	Log *logrus.Entry
}

func (p *Pool) logger() *logrus.Entry {
	if p.Log != nil {
		return p.Log
	}
	return logrus.WithField("component", "pool")
}

// Run executes every unit and stores its result. Cancelling ctx aborts the
// active runs; units that never started are skipped and leave no log file.
// A failing unit does not cancel its siblings. The first error, if any, is
// returned after all units have settled.
func (p *Pool) Run(ctx context.Context, units []Unit, makeSpec func(Unit) *entities.RunSpec) error {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var group errgroup.Group
	group.SetLimit(concurrency)

	for _, unit := range units {
		unit := unit
		group.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.runUnit(ctx, unit, makeSpec(unit))
		})
	}

	return group.Wait()
}

func (p *Pool) runUnit(ctx context.Context, unit Unit, spec *entities.RunSpec) error {
	log := p.logger().WithField("unit", unit.ID())

	executor, err := execute.New(p.Options)
	if err != nil {
		return fmt.Errorf("Run %q: %w", unit.ID(), err)
	}

	watcherDone := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			executor.Stop()
		case <-finished:
		}
	}()

	log.Debug("Starting the run")
	result, err := executor.Execute(spec)
	close(finished)
	<-watcherDone

	if err != nil {
		// A spawn failure already removed the log; a cancelled run may
		// have left a partial one behind.
		_ = os.Remove(unit.LogPath())
		return fmt.Errorf("Run %q: %w", unit.ID(), err)
	}

	unit.SetResult(result)
	log.WithField("exitcode", result.ExitStatus.Raw).Debug("Finished the run")
	return nil
}
