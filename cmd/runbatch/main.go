package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/runbench/runbench/batch"
	"github.com/runbench/runbench/entities"
	"github.com/sirupsen/logrus"
)

func init() {
	if os.Getenv("RUNBENCH_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetOutput(os.Stdout)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
		logrus.SetOutput(os.Stderr)
	}
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <suite.toml>\n", os.Args[0])
		os.Exit(2)
	}

	suite, err := batch.LoadSuite(os.Args[1])
	if err != nil {
		logrus.WithError(err).Fatal("Error loading the suite")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := &batch.Pool{Concurrency: suite.Concurrency}
	runErr := pool.Run(ctx, suite.Units(), func(unit batch.Unit) *entities.RunSpec {
		return suite.SpecFor(unit.(*batch.SuiteRun))
	})

	for _, run := range suite.Runs {
		result := run.Result()
		if result == nil {
			continue
		}
		fmt.Printf("[%s]\n", run.Name)
		for _, value := range result.Values() {
			fmt.Printf("%s=%s\n", value.Key, value.Value)
		}
		fmt.Println()
	}

	if runErr != nil {
		logrus.WithError(runErr).Fatal("Error running the suite")
	}
}
